// Package storage owns the SQLite database shared by the queue substrate,
// the dead-letter store, and the workflow state tracker.
//
// One DB handle is opened at process start and passed to each store. The
// database holds in-flight orchestration state, not a long-term archive;
// schema changes bump the version in schema.go and users clear the database
// to adopt the new schema.
package storage
