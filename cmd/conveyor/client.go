package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"
)

// apiClient talks to the daemon's HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  base,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

type stageView struct {
	Stage       string          `json:"stage"`
	Status      string          `json:"status"`
	Progress    float64         `json:"progress"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type workflowView struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Progress  float64     `json:"progress"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Stages    []stageView `json:"stages"`
}

type queueStatsView struct {
	Queue     string `json:"queue"`
	Waiting   int    `json:"waiting"`
	Delayed   int    `json:"delayed"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

type deadLetterView struct {
	ID                 string          `json:"id"`
	OriginalJobID      string          `json:"original_job_id"`
	Queue              string          `json:"queue"`
	Payload            json.RawMessage `json:"payload"`
	FailureReason      string          `json:"failure_reason"`
	AttemptsMade       int             `json:"attempts_made"`
	FailedAt           time.Time       `json:"failed_at"`
	ReviewNotes        string          `json:"review_notes,omitempty"`
	ReprocessedAsJobID string          `json:"reprocessed_as_job_id,omitempty"`
}

type stageHealthView struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

type healthView struct {
	Ready  bool              `json:"ready"`
	Stages []stageHealthView `json:"stages"`
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapConnectError(err, c.base)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("request failed with HTTP %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func wrapConnectError(err error, base string) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("connect to conveyor API at %s: connection refused; start the daemon with `conveyor serve`", base)
	}
	return fmt.Errorf("connect to conveyor API at %s: %w", base, err)
}

func (c *apiClient) startWorkflow(ctx context.Context, documentKey, mimeType, source string) (string, error) {
	payload := map[string]string{"document_key": documentKey}
	if mimeType != "" {
		payload["mime_type"] = mimeType
	}
	if source != "" {
		payload["source"] = source
	}
	var resp struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/workflows", payload, &resp); err != nil {
		return "", err
	}
	return resp.WorkflowID, nil
}

func (c *apiClient) workflowStatus(ctx context.Context, workflowID string) (*workflowView, error) {
	var view workflowView
	if err := c.do(ctx, http.MethodGet, "/api/workflows/"+url.PathEscape(workflowID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

func (c *apiClient) listWorkflows(ctx context.Context, status string, limit int) ([]workflowView, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/workflows"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp struct {
		Workflows []workflowView `json:"workflows"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workflows, nil
}

func (c *apiClient) cancelWorkflow(ctx context.Context, workflowID string) error {
	return c.do(ctx, http.MethodPost, "/api/workflows/"+url.PathEscape(workflowID)+"/cancel", nil, nil)
}

func (c *apiClient) retryStage(ctx context.Context, workflowID, stageName string) error {
	path := "/api/workflows/" + url.PathEscape(workflowID) + "/stages/" + url.PathEscape(stageName) + "/retry"
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *apiClient) queueStats(ctx context.Context) ([]queueStatsView, error) {
	var resp struct {
		Queues []queueStatsView `json:"queues"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/queues", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Queues, nil
}

func (c *apiClient) listDeadLetters(ctx context.Context, queueName string, limit, offset int) ([]deadLetterView, error) {
	query := url.Values{}
	if queueName != "" {
		query.Set("queue", queueName)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/deadletters"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var resp struct {
		Entries []deadLetterView `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *apiClient) reprocessDeadLetter(ctx context.Context, entryID, notes string) (string, error) {
	var body any
	if notes != "" {
		body = map[string]string{"notes": notes}
	}
	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/deadletters/"+url.PathEscape(entryID)+"/reprocess", body, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

func (c *apiClient) removeDeadLetter(ctx context.Context, entryID string) error {
	return c.do(ctx, http.MethodDelete, "/api/deadletters/"+url.PathEscape(entryID), nil, nil)
}

func (c *apiClient) health(ctx context.Context) (*healthView, error) {
	var view healthView
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/health", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, wrapConnectError(err, c.base)
	}
	defer resp.Body.Close()
	// 503 still carries the per-stage breakdown.
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &view, nil
}
