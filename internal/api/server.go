package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/manager"
	"github.com/JakeFAU/crawlengine/internal/progress/sinks"
)

const (
	defaultRemoveTimeout  = 30 * time.Second
	defaultRequestTimeout = 60 * time.Second
)

// Spiders is the slice of the spider manager the API reads and controls.
type Spiders interface {
	Snapshot() []manager.SpiderStatus
	Status(name string) (manager.SpiderStatus, error)
	Remove(ctx context.Context, name string) error
}

// StatsSource reports progress-derived totals per spider.
type StatsSource interface {
	Stats(spider string) sinks.SpiderStats
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStats attaches per-spider fetch totals to spider responses.
func WithStats(stats StatsSource) Option {
	return func(s *Server) {
		s.stats = stats
	}
}

// WithReadiness makes /readyz answer 503 until ready reports true.
func WithReadiness(ready func() bool) Option {
	return func(s *Server) {
		s.ready = ready
	}
}

// WithRemoveTimeout bounds how long DELETE waits for a spider's teardown.
func WithRemoveTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.removeTimeout = d
		}
	}
}

// Server wires HTTP handlers to the spider manager and metrics registry.
type Server struct {
	router        chi.Router
	spiders       Spiders
	stats         StatsSource
	ready         func() bool
	logger        *zap.Logger
	removeTimeout time.Duration
}

// NewServer constructs a Server with middleware and routes. HTTP metrics and
// the /metrics endpoint both use reg.
func NewServer(spiders Spiders, reg *prometheus.Registry, opts ...Option) (*Server, error) {
	if spiders == nil {
		return nil, errors.New("api: spiders is required")
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{
		spiders:       spiders,
		logger:        zap.NewNop(),
		removeTimeout: defaultRemoveTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	httpMetrics, err := newHTTPMetrics(reg)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(httpMetrics.middleware)
	r.Use(timeoutMiddleware(defaultRequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	r.Route("/v1/spiders", func(r chi.Router) {
		r.Get("/", s.listSpiders)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.getSpider)
			r.Delete("/", s.removeSpider)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type spiderView struct {
	manager.SpiderStatus
	Stats *sinks.SpiderStats `json:"stats,omitempty"`
}

func (s *Server) view(st manager.SpiderStatus) spiderView {
	v := spiderView{SpiderStatus: st}
	if s.stats != nil {
		stats := s.stats.Stats(st.Name)
		v.Stats = &stats
	}
	return v
}

// listSpiders handles GET /v1/spiders and returns {"spiders": [...]} sorted
// by name.
func (s *Server) listSpiders(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.spiders.Snapshot()
	out := make([]spiderView, 0, len(snapshot))
	for _, st := range snapshot {
		out = append(out, s.view(st))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"spiders": out})
}

func (s *Server) getSpider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, err := s.spiders.Status(name)
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"spider": s.view(st)})
}

// removeSpider handles DELETE /v1/spiders/{name}. It blocks until the
// spider's teardown has run, or answers 504 when that takes too long.
func (s *Server) removeSpider(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx, cancel := context.WithTimeout(r.Context(), s.removeTimeout)
	defer cancel()
	if err := s.spiders.Remove(ctx, name); err != nil {
		s.writeManagerError(w, err)
		return
	}
	s.logger.Info("spider removed via API", zap.String("spider", name))
	s.writeJSON(w, http.StatusOK, map[string]string{"spider": name, "status": "removed"})
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrUnknownSpider):
		s.writeError(w, http.StatusNotFound, "spider not found")
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "spider teardown timed out")
	default:
		s.logger.Error("spider request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
