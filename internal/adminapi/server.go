// Package adminapi serves read-mostly introspection of the automation
// scheduler over local HTTP, plus manual triggers.
package adminapi

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"hireflow/internal/audit"
	"hireflow/internal/automation"
	rtsup "hireflow/internal/runtime/supervisor"
	logx "hireflow/pkg/logx"
)

// Automations is the scheduler surface the API exposes.
type Automations interface {
	Infos() []automation.Info
	TriggerNow(ctx context.Context, name automation.Name) (bool, error)
	Stale() automation.StaleReader
	FreshStale(ctx context.Context, id int64) (automation.StaleEntry, bool, error)
	Goroutines() rtsup.Snapshot
	Healthy() bool
}

type Config struct {
	Addr string
	// TriggerWait bounds how long POST .../trigger waits before answering
	// 202 and letting the run finish in the background.
	TriggerWait time.Duration
	// AuditStats is optional.
	AuditStats func() audit.Stats
}

type Server struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	api Automations

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(api Automations, cfg Config, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TriggerWait <= 0 {
		cfg.TriggerWait = time.Minute
	}
	return &Server{api: api, cfg: cfg, log: log.With(logx.String("comp", "adminapi"))}
}

// Start binds the listener and serves under a restart loop. Binding errors
// are returned directly so a bad address fails startup.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8787"
	}
	if !isLoopbackAddr(addr) {
		s.log.Warn("admin api bound to non-loopback address without auth", logx.String("addr", addr))
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "admin api listen %s", addr)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	srv := s.srv
	first := true
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		l := ln
		if !first {
			var lerr error
			if l, lerr = net.Listen("tcp", addr); lerr != nil {
				return lerr
			}
			s.mu.Lock()
			s.ln = l
			s.mu.Unlock()
		}
		first = false
		return serve(c, srv, l)
	}, 500*time.Millisecond, 10*time.Second)
	s.log.Info("admin api started", logx.String("addr", ln.Addr().String()))
	return nil
}

func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()
	err := srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr is the bound address, empty when not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	_ = srv.Shutdown(ctx)
	_ = srv.Close()
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("admin api stopped")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
