package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"fleetsched/internal/task"
	"fleetsched/internal/task/admission"
	"fleetsched/internal/task/scheduler"
)

// Error codes carried in APIError.Code.
const (
	CodeBadRequest         = "bad_request"
	CodeNotFound           = "not_found"
	CodeCircularDependency = "circular_dependency"
	CodeTaskBusy           = "task_busy"
	CodeRejected           = "rejected"
	CodeUnavailable        = "unavailable"
	CodeInternal           = "internal"
)

// Response is the envelope of every JSON reply.
type Response struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     *APIError `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

func newRequestID() string { return uuid.NewString() }

func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil)
}

func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil)
}

func respondError(w http.ResponseWriter, reqID string, status int, code, msg string) {
	respondJSON(w, status, reqID, nil, &APIError{Code: code, Message: msg})
}

// respondErr maps a domain error onto its HTTP status and code.
func respondErr(w http.ResponseWriter, reqID string, err error) {
	status, code := classify(err)
	respondError(w, reqID, status, code, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, task.ErrCircularDependency):
		return http.StatusConflict, CodeCircularDependency
	case errors.Is(err, scheduler.ErrTaskBusy):
		return http.StatusConflict, CodeTaskBusy
	case errors.Is(err, admission.ErrRejected):
		return http.StatusUnprocessableEntity, CodeRejected
	case errors.Is(err, scheduler.ErrInvalidRequest):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, apiErr *APIError) {
	resp := Response{
		Status:    "ok",
		RequestID: reqID,
		Timestamp: time.Now().UTC(),
		Data:      data,
		Error:     apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
