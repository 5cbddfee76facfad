package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"fleetsched/pkg/logx"
)

const (
	defaultReadTimeout = 15 * time.Second
	defaultIdleTimeout = 60 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// Addr returns the bound address while ListenAndServe is running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenAndServe serves until ctx ends, then shuts down gracefully. It
// returns nil on a ctx-driven shutdown. Exposing pprof on a non-loopback
// address is logged as a warning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		return errors.New("http: empty listen address")
	}
	if s.cfg.Pprof && !isLoopbackAddr(addr) {
		s.log.Warn("pprof exposed on non-loopback address", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: orDefault(s.cfg.ReadTimeout, defaultReadTimeout),
		ReadTimeout:       orDefault(s.cfg.ReadTimeout, defaultReadTimeout),
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       orDefault(s.cfg.IdleTimeout, defaultIdleTimeout),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = ""
		s.mu.Unlock()
	}()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Warn("http shutdown incomplete", logx.Err(err))
			_ = srv.Close()
		}
	}()

	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		<-stopped
		s.log.Info("http stopped")
		return nil
	}
	_ = srv.Close()
	return err
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
