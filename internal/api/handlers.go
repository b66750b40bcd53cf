package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"conveyor/internal/deadletter"
	"conveyor/internal/document"
	"conveyor/internal/orchestrator"
	"conveyor/internal/stage"
	"conveyor/internal/workflowstate"
)

type startWorkflowRequest struct {
	DocumentKey string `json:"document_key"`
	MimeType    string `json:"mime_type"`
	Source      string `json:"source,omitempty"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.DocumentKey == "" {
		writeError(w, http.StatusBadRequest, "document_key is required")
		return
	}

	payload, err := json.Marshal(document.Submission{
		DocumentKey: req.DocumentKey,
		MimeType:    req.MimeType,
		Source:      req.Source,
		ReceivedAt:  time.Now().UTC(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	workflowID, err := s.engine.StartWorkflow(r.Context(), payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"workflow_id": workflowID})
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

func toWorkflowView(wf *workflowstate.Workflow, progress float64) workflowView {
	view := workflowView{
		ID:        wf.ID,
		Status:    string(wf.Status),
		Progress:  progress,
		CreatedAt: wf.CreatedAt,
		UpdatedAt: wf.UpdatedAt,
	}
	for _, st := range wf.Stages {
		view.Stages = append(view.Stages, stageView{
			Stage:       st.Stage,
			Status:      string(st.Status),
			Progress:    st.Progress,
			Error:       st.ErrorMessage,
			Result:      st.Result,
			StartedAt:   st.StartedAt,
			CompletedAt: st.CompletedAt,
		})
	}
	return view
}

func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")
	wf, err := s.engine.Status(r.Context(), workflowID)
	if err != nil {
		if errors.Is(err, workflowstate.ErrWorkflowNotFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	progress, err := s.engine.Progress(r.Context(), workflowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowView(wf, progress))
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	status := workflowstate.Status(r.URL.Query().Get("status"))
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	workflows, err := s.engine.ListWorkflows(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]workflowView, 0, len(workflows))
	for _, wf := range workflows {
		progress, err := s.engine.Progress(r.Context(), wf.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views = append(views, toWorkflowView(wf, progress))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": views})
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")
	err := s.engine.CancelWorkflow(r.Context(), workflowID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, workflowstate.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "workflow not found")
	case errors.Is(err, workflowstate.ErrStageTransition):
		writeError(w, http.StatusConflict, "workflow already finished")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleRetryStage(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")
	stageName, err := stage.ParseName(chi.URLParam(r, "stage"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.engine.RetryStage(r.Context(), workflowID, stageName)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "retry scheduled"})
	case errors.Is(err, workflowstate.ErrWorkflowNotFound), errors.Is(err, workflowstate.ErrStageNotFound):
		writeError(w, http.StatusNotFound, "workflow or stage not found")
	case errors.Is(err, orchestrator.ErrRetryNotAllowed):
		writeError(w, http.StatusConflict, "stage has not failed")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter := deadletter.Filter{Queue: r.URL.Query().Get("queue")}
	page := deadletter.Page{Limit: 50}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		page.Limit = parsed
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		page.Offset = parsed
	}

	entries, err := s.engine.DeadLetters().List(r.Context(), filter, page)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type reprocessRequest struct {
	Notes string `json:"notes,omitempty"`
}

func (s *Server) handleReprocessDeadLetter(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "id")
	var req reprocessRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	jobID, err := s.engine.ReprocessDeadLetter(r.Context(), entryID, req.Notes)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	case errors.Is(err, deadletter.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "dead-letter entry not found")
	case errors.Is(err, deadletter.ErrAlreadyReprocessed):
		writeError(w, http.StatusConflict, "entry already reprocessed")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleRemoveDeadLetter(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "id")
	err := s.engine.DeadLetters().Remove(r.Context(), entryID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
	case errors.Is(err, deadletter.ErrEntryNotFound):
		writeError(w, http.StatusNotFound, "dead-letter entry not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.engine.HealthCheck(r.Context())
	ready := true
	for _, check := range checks {
		if !check.Ready {
			ready = false
			break
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "stages": checks})
}
