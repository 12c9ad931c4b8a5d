// Package server exposes the ingestion service over HTTP: job
// submission and status, health, and metrics. Accepted jobs are handed
// to a bounded worker pool; the HTTP layer never runs a pipeline
// inline.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"datapusher/internal/config"
	"datapusher/internal/jobs"
)

// Server is the HTTP front of the service.
type Server struct {
	cfg     *config.Config
	store   jobs.Store
	runner  *Runner
	metrics *Metrics
	logger  *slog.Logger
	limiter *rate.Limiter
	queue   chan *jobs.Record
	http    *http.Server
}

func New(cfg *config.Config, store jobs.Store, runner *Runner, metrics *Metrics,
	registry *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		store:   store,
		runner:  runner,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "server")),
		limiter: rate.NewLimiter(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst),
		queue:   make(chan *jobs.Record, 100),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.ReadTimeout))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/job", s.handleSubmit)
	})
	r.Get("/job/{taskID}", s.handleStatus)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Start runs the HTTP listener and the worker pool until ctx is
// cancelled, then drains with the configured shutdown grace.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.cfg.Server.Workers; i++ {
		g.Go(func() error {
			return s.work(ctx)
		})
	}

	g.Go(func() error {
		s.logger.Info("listening", slog.Int("port", s.cfg.Server.Port),
			slog.Int("workers", s.cfg.Server.Workers))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// work consumes the queue until cancellation. A job running at
// shutdown finishes under the worker's own context.
func (s *Server) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec := <-s.queue:
			s.metrics.QueueDepth.Dec()
			s.runner.Run(ctx, rec)
		}
	}
}

// enqueue accepts a job for background processing. False means the
// queue is full and the caller should retry later.
func (s *Server) enqueue(rec *jobs.Record) bool {
	select {
	case s.queue <- rec:
		s.metrics.QueueDepth.Inc()
		return true
	default:
		return false
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","time":%q}`, time.Now().UTC().Format(time.RFC3339))
}
