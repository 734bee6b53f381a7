// Package web serves the HTTP API, the websocket event feed and /metrics.
package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/hive/internal/agent"
	"github.com/mtzanidakis/hive/internal/comms"
	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/hivemind"
	"github.com/mtzanidakis/hive/internal/recurring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Hive is the orchestrator surface the API exposes.
type Hive interface {
	RegisterAgent(cfg agent.Config) (agent.Agent, error)
	UnregisterAgent(id string) bool
	GetAgent(id string) (agent.Agent, bool)
	ListAgents() []agent.Agent
	ExecuteTask(ctx context.Context, spec hivemind.TaskSpec) (hivemind.Submission, error)
	GetTask(id string) (hivemind.Task, error)
	ListTasks() []hivemind.Task
	CompleteTask(taskID, output string) error
	FailTask(taskID, reason string) error
	CancelTask(taskID string) error
	ExecuteCoordinatedWorkflow(ctx context.Context, wf hivemind.Workflow) (hivemind.WorkflowResult, error)
	SendMessage(ctx context.Context, msg comms.Message) (bool, error)
	MessagesFor(agentID string) ([]comms.Message, error)
	GetSystemStats() hivemind.Stats
}

type Options struct {
	Events    *events.Bus
	Gatherer  prometheus.Gatherer
	Recurring *recurring.Runner
	Version   string
}

type Server struct {
	hive      Hive
	events    *events.Bus
	gatherer  prometheus.Gatherer
	recurring *recurring.Runner
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(hive Hive, cfg config.WebConfig, opts Options) *Server {
	return &Server{
		hive:      hive,
		events:    opts.Events,
		gatherer:  opts.Gatherer,
		recurring: opts.Recurring,
		hub:       NewHub(),
		cfg:       cfg,
		version:   opts.Version,
		startedAt: time.Now(),
	}
}

// Handler returns the full route tree wrapped in middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return s.withMiddleware(mux)
}

// startFeed runs the hub and subscribes it to the event bus until ctx is
// done. The returned func unsubscribes.
func (s *Server) startFeed(ctx context.Context) func() {
	go s.hub.Run(ctx)
	if s.events == nil {
		return func() {}
	}
	return s.events.Subscribe("web", s.hub.Broadcast)
}

func (s *Server) Start(ctx context.Context) error {
	defer s.startFeed(ctx)()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if s.cfg.Auth != "" && r.URL.Path != "/api/health" && !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="hive"`)
			jsonError(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		// The websocket upgrader needs the raw writer for hijacking.
		if r.URL.Path == "/api/ws" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if strings.HasPrefix(r.URL.Path, "/api/") {
			slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
		}
	})
}

func (s *Server) authorized(r *http.Request) bool {
	_, pass, ok := r.BasicAuth()
	return ok && subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
