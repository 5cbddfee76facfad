// Package server exposes a node's scheduler over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fleetsched/internal/coord"
	"fleetsched/internal/errtrack"
	"fleetsched/internal/eventbus"
	"fleetsched/internal/task"
	"fleetsched/internal/task/scheduler"
	"fleetsched/internal/task/stats"
	"fleetsched/pkg/logx"
)

// Scheduler is the subset of scheduler.Service the API serves.
type Scheduler interface {
	Schedule(ctx context.Context, name string, data json.RawMessage, opts task.Options) (string, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, status task.Status) ([]*task.Task, error)
	AddDependency(ctx context.Context, taskID, dependsOn string) error
	GetStats() stats.Stats
	ActiveNodes(ctx context.Context) ([]coord.Node, error)
	Snapshot() scheduler.Snapshot
}

// ErrorLog is the read side of errtrack.Tracker.
type ErrorLog interface {
	Recent() []errtrack.Entry
	Summary() errtrack.Summary
}

// Config configures the listener. Zero timeouts fall back to defaults;
// WriteTimeout stays 0 so event streams are not cut off.
type Config struct {
	Addr         string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	router    chi.Router
	cfg       Config
	log       logx.Logger
	sched     Scheduler
	errs      ErrorLog
	bus       eventbus.Bus
	startTime time.Time

	// SSE heartbeat period; tests shorten it.
	heartbeat time.Duration

	mu   sync.Mutex
	addr string
}

type Option func(*Server)

func WithErrors(e ErrorLog) Option { return func(s *Server) { s.errs = e } }

func WithBus(b eventbus.Bus) Option { return func(s *Server) { s.bus = b } }

// New builds the router. Nothing listens until ListenAndServe.
func New(cfg Config, sched Scheduler, log logx.Logger, opts ...Option) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		log:       log.With(logx.String("comp", "http")),
		sched:     sched,
		bus:       eventbus.Nop{},
		startTime: time.Now(),
		heartbeat: 15 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.log))

	r.Get("/healthz", s.handleHealth)
	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/dependencies", s.handleAddDependency)
			})
		})
		r.Get("/stats", s.handleStats)
		r.Get("/nodes", s.handleNodes)
		r.Get("/errors", s.handleErrors)
		r.Get("/events", s.handleEvents)
	})
}
