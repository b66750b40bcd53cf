// Package services defines the error taxonomy and context annotations shared
// by stage handlers and the orchestration core.
//
// Stage handlers wrap collaborator failures with services.Wrap and one of the
// exported sentinel markers; the retry policy and dead-letter path classify
// failures with errors.Is against those markers. Context helpers carry
// workflow, stage, and job identifiers so loggers can attach them uniformly.
package services
