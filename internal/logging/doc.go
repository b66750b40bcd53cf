// Package logging builds the slog loggers used across conveyor.
//
// Two output formats are supported: a compact console format for interactive
// use and JSON for ingestion. Helpers attach standardized structured fields
// (workflow_id, stage, job_id, correlation_id) derived from context so every
// component logs the same vocabulary.
package logging
