// Package stage defines the contract each processing stage satisfies and the
// registry the orchestrator resolves stages from.
package stage

import (
	"context"
	"encoding/json"
)

// Request carries everything a handler needs for one attempt.
type Request struct {
	WorkflowID string
	Stage      Name
	// Data is the workflow's document payload as submitted at start.
	Data json.RawMessage
	// PriorResults holds the recorded results of completed earlier stages.
	PriorResults map[Name]json.RawMessage
	// Progress reports fractional completion in [0, 1]. Optional; handlers
	// may never call it.
	Progress func(float64)
}

// ReportProgress invokes the progress callback when one is set.
func (r *Request) ReportProgress(fraction float64) {
	if r.Progress != nil {
		r.Progress(fraction)
	}
}

// Handler describes the contract the worker pools need from each stage.
// Execute must be idempotent: at-least-once delivery means a handler can see
// the same workflow twice.
type Handler interface {
	Execute(ctx context.Context, req *Request) (json.RawMessage, error)
	HealthCheck(ctx context.Context) Health
}

// Health summarizes the readiness of a stage's collaborators.
type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Healthy constructs a ready Health record.
func Healthy(name Name) Health {
	return Health{Name: string(name), Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name Name, detail string) Health {
	return Health{Name: string(name), Ready: false, Detail: detail}
}
