// Package server provides the HTTP gateway for scheduling word count jobs
// and reading their status.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	httpmetrics "github.com/slok/go-http-metrics/metrics/prometheus"
	httpmw "github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"

	"github.com/tendant/simple-wordcounter/internal/job"
	"github.com/tendant/simple-wordcounter/internal/metrics"
)

// JobStore is the part of the job store the gateway uses.
type JobStore interface {
	Create(ctx context.Context, url string) (*job.Job, error)
	Fetch(ctx context.Context, id string) (*job.Job, error)
	Fail(ctx context.Context, id string, msg string) (*job.Job, error)
	Exists(ctx context.Context, id string) (bool, error)
	Healthy(ctx context.Context) bool
}

// Queue publishes jobs for the workers.
type Queue interface {
	PublishJob(ctx context.Context, jobID string) error
	Healthy() bool
}

type Deps struct {
	Store  JobStore
	Queue  Queue
	Logger *slog.Logger
	// AccessLog, when set, logs every request.
	AccessLog *httplog.Logger
	// Registry receives the HTTP instruments and is served on /metrics.
	Registry *prometheus.Registry
}

type Server struct {
	store    JobStore
	queue    Queue
	logger   *slog.Logger
	validate *validator.Validate
}

// NewRouter wires the gateway routes and middleware.
func NewRouter(d Deps) http.Handler {
	s := &Server{
		store:    d.Store,
		queue:    d.Queue,
		logger:   d.Logger,
		validate: newValidator(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	reg := d.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	mdlw := httpmw.New(httpmw.Config{
		Recorder: httpmetrics.NewRecorder(httpmetrics.Config{Registry: reg}),
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if d.AccessLog != nil {
		r.Use(httplog.RequestLogger(d.AccessLog))
	}
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(std.HandlerProvider("", mdlw))
		r.Get("/health", s.handleHealth)
		r.Get("/word-count", s.handleGetJob)
		r.Post("/word-count", s.handleCreateJob)
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler(reg))
	return r
}
