package server

import (
	"net/http"
	"runtime"
	"time"

	"fleetsched/internal/coord"
	"fleetsched/internal/errtrack"
	"fleetsched/internal/task/scheduler"
)

type healthResponse struct {
	Status    string             `json:"status"`
	GoVersion string             `json:"go_version"`
	Uptime    string             `json:"uptime"`
	Scheduler scheduler.Snapshot `json:"scheduler"`
}

// handleHealth answers 503 while the scheduler loops are not running so load
// balancers stop routing to a draining node.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	snap := s.sched.Snapshot()
	resp := healthResponse{
		Status:    "ok",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Scheduler: snap,
	}
	if !snap.Running {
		resp.Status = "stopped"
		respondJSON(w, http.StatusServiceUnavailable, reqID, resp, nil)
		return
	}
	respondOK(w, reqID, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondOK(w, RequestIDFromContext(r.Context()), s.sched.GetStats())
}

type nodesResponse struct {
	Self  string       `json:"self"`
	Nodes []coord.Node `json:"nodes"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	nodes, err := s.sched.ActiveNodes(r.Context())
	if err != nil {
		respondErr(w, reqID, err)
		return
	}
	if nodes == nil {
		nodes = []coord.Node{}
	}
	respondOK(w, reqID, nodesResponse{Self: s.sched.Snapshot().NodeID, Nodes: nodes})
}

type errorsResponse struct {
	Summary errtrack.Summary `json:"summary"`
	Recent  []errtrack.Entry `json:"recent"`
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.errs == nil {
		respondError(w, reqID, http.StatusServiceUnavailable, CodeUnavailable, "error tracking not configured")
		return
	}
	recent := s.errs.Recent()
	if recent == nil {
		recent = []errtrack.Entry{}
	}
	respondOK(w, reqID, errorsResponse{Summary: s.errs.Summary(), Recent: recent})
}
