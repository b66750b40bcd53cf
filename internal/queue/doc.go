// Package queue provides the durable queue substrate the worker pools lease
// jobs from.
//
// Two substrates implement the same contract: a SQLite-backed store for
// single-host deployments and a Redis Streams adapter for sharing work across
// hosts. Both guarantee that a leased job is invisible to other leasers until
// its lease expires or is resolved, and that redelivery after lease expiry
// increments the job's attempt count exactly once.
//
// Transport failures surface as *SubstrateError so callers can distinguish
// "retry the infra call" from "the job itself failed".
package queue
