// Package server exposes the ingestion workflow, the task audit log and the
// GitHub webhook relay over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/portal-connector/internal/ingest"
	"github.com/sells-group/portal-connector/internal/model"
	"github.com/sells-group/portal-connector/internal/relay"
	"github.com/sells-group/portal-connector/internal/store"
)

// ServiceName is reported by the health and info endpoints.
const ServiceName = "job-portal-connector"

// Runner runs one ingestion request.
type Runner interface {
	Run(ctx context.Context, req ingest.Request) (*ingest.Report, error)
}

// TaskStore lists audit rows and reports database health.
type TaskStore interface {
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]model.ScrapeTask, error)
	Ping(ctx context.Context) error
}

// WebhookRelay stores a GitHub delivery.
type WebhookRelay interface {
	Handle(ctx context.Context, eventType, deliveryID string, body []byte) (*relay.Summary, error)
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	Version        string
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	runner Runner
	tasks  TaskStore
	relay  WebhookRelay // nil when the relay is disabled
	opts   Options
}

// New creates a Server. relay may be nil.
func New(runner Runner, tasks TaskStore, rl WebhookRelay, opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{runner: runner, tasks: tasks, relay: rl, opts: opts}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleInfo)
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/scrape", s.handleScrape)
		r.Get("/tasks", s.handleTasks)
	})
	r.Post("/webhooks/github", s.handleGitHubWebhook)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
