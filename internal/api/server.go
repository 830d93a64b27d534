package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowpbx/callcard/internal/api/middleware"
	"github.com/flowpbx/callcard/internal/callerid"
	"github.com/flowpbx/callcard/internal/config"
	"github.com/flowpbx/callcard/internal/incall"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CardService is the incoming call card as HTTP clients drive it. Methods
// return incall.ErrNoIncomingCall when no card is shown.
type CardService interface {
	Current(ctx context.Context) (CardSnapshot, error)
	Photo(ctx context.Context) (*callerid.Photo, error)
	Answer(ctx context.Context) error
	Reject(ctx context.Context) error
	BackPressed(ctx context.Context) (bool, error)
}

// CallStateSource reports the process-wide call UI state.
type CallStateSource interface {
	State() incall.CallState
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	card      CardService
	calls     CallStateSource
	gatherer  prometheus.Gatherer
	limiter   *middleware.IPRateLimiter
	cfg       *config.Config
	startTime time.Time
	logger    *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. gatherer may
// be nil to leave /metrics unmounted. Call Close to stop background work.
func NewServer(cfg *config.Config, card CardService, calls CallStateSource, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		card:      card,
		calls:     calls,
		gatherer:  gatherer,
		limiter:   middleware.NewIPRateLimiter(cfg.APIRateLimit, cfg.APIRateBurst, logger),
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger.With("component", "api"),
	}

	s.routes(logger)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops the rate limiter sweeper.
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes(logger *slog.Logger) {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(logger))
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.CORS(s.cfg.CORSOrigins))

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.NoStore)
		r.Use(middleware.RateLimit(s.limiter))

		r.Get("/health", s.handleHealth)

		r.Route("/card", func(r chi.Router) {
			r.Get("/", s.handleGetCard)
			r.Get("/photo", s.handleGetPhoto)
			r.Post("/answer", s.handleAnswer)
			r.Post("/reject", s.handleReject)
			r.Post("/back", s.handleBack)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

type healthResponse struct {
	Status        string `json:"status"`
	CallState     string `json:"call_state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// handleHealth returns basic health status and the call UI state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.calls != nil {
		resp.CallState = string(s.calls.State())
	}
	writeJSON(w, http.StatusOK, resp)
}
