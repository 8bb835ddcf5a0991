package serve

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	vega "github.com/everydev1618/vegatree"
)

// Config holds server configuration.
type Config struct {
	Addr string

	// JanitorSchedule is a cron spec for the self-heal sweep. Empty
	// disables the janitor.
	JanitorSchedule string

	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration

	// MaxStreams caps concurrent SSE connections.
	MaxStreams int
}

// Server exposes an Orchestrator over HTTP.
type Server struct {
	orch      *vega.Orchestrator
	cfg       Config
	logger    *slog.Logger
	gatherer  prometheus.Gatherer
	streams   *streamSet
	janitor   *Janitor
	startedAt time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates a new Server.
func New(orch *vega.Orchestrator, cfg Config, opts ...Option) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = defaultMaxStreams
	}
	s := &Server{
		orch:     orch,
		cfg:      cfg,
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.streams = newStreamSet(cfg.MaxStreams)
	return s
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

// Start recovers stored tasks, starts the janitor and listens for HTTP
// requests. It blocks until ctx is cancelled, then pauses every live task.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()

	if err := s.orch.Recover(ctx); err != nil {
		return err
	}

	if s.cfg.JanitorSchedule != "" {
		j, err := NewJanitor(s.orch, s.cfg.JanitorSchedule, s.logger)
		if err != nil {
			return err
		}
		s.janitor = j
		go j.Start(ctx)
	}

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("vega serve started", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	case err := <-errCh:
		return err
	}

	// End SSE streams first so their handlers return and the server can
	// drain.
	s.streams.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", "error", err)
	}

	pauseCtx, cancelPause := context.WithTimeout(context.Background(), time.Minute)
	defer cancelPause()
	if err := s.orch.Shutdown(pauseCtx); err != nil {
		s.logger.Error("orchestrator shutdown error", "error", err)
		return err
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Tasks
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleInspectTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/pause", s.handlePauseTask)
	mux.HandleFunc("POST /api/tasks/{id}/resume", s.handleResumeTask)
	mux.HandleFunc("GET /api/tasks/{id}/tree", s.handleTaskTree)
	mux.HandleFunc("GET /api/tasks/{id}/spend", s.handleTaskSpend)

	// Agents
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/agents/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("PUT /api/agents/{id}/todos", s.handleUpdateTodos)
	mux.HandleFunc("POST /api/agents/{id}/children/{child}/budget", s.handleAdjustBudget)

	mux.HandleFunc("GET /api/stats", s.handleStats)

	// SSE
	mux.HandleFunc("GET /api/events", s.handleSSE)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// corsMiddleware adds permissive CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
