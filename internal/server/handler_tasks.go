package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"fleetsched/internal/task"
)

const maxBodyBytes = 1 << 20

// CreateTaskRequest is the body of POST /api/v1/tasks.
type CreateTaskRequest struct {
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data,omitempty"`
	Schedule     string          `json:"schedule,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	RunAt        time.Time       `json:"run_at,omitzero"`
}

// AddDependencyRequest is the body of POST /api/v1/tasks/{id}/dependencies.
type AddDependencyRequest struct {
	DependsOn string `json:"depends_on"`
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req CreateTaskRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if len(req.Data) > 0 && !json.Valid(req.Data) {
		respondError(w, reqID, http.StatusBadRequest, CodeBadRequest, "data must be valid JSON")
		return
	}

	id, err := s.sched.Schedule(r.Context(), req.Name, req.Data, task.Options{
		Schedule:     req.Schedule,
		Priority:     req.Priority,
		Dependencies: req.Dependencies,
		RunAt:        req.RunAt,
	})
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondCreated(w, reqID, map[string]string{"id": id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	status := task.Status(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status != "" && !status.Valid() {
		respondError(w, reqID, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	tasks, err := s.sched.ListTasks(r.Context(), status)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	respondOK(w, reqID, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	t, err := s.sched.GetTask(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, t)
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req AddDependencyRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if err := s.sched.AddDependency(r.Context(), id, req.DependsOn); err != nil {
		respondErr(w, reqID, err)
		return
	}
	t, err := s.sched.GetTask(r.Context(), id)
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	respondOK(w, reqID, t)
}
