// Package server exposes the HTTP API for video registration, engagement
// ingestion, reward claims and balance queries.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"reelchain/claim"
	"reelchain/ledger"
	"reelchain/middleware"
	"reelchain/registry"
	"reelchain/videostore"
)

// ClaimEngine abstracts the claim orchestration entry point.
type ClaimEngine interface {
	Claim(ctx context.Context, videoID string, requester common.Address) (*claim.Outcome, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	DB       *gorm.DB
	Videos   *videostore.Store
	Registry *registry.Registry
	Engine   ClaimEngine
	Ledger   ledger.Ledger
	Logger   *slog.Logger
	// ClaimRequestsPerMinute bounds claim submissions per client.
	ClaimRequestsPerMinute float64
	ClaimBurst             int
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	DB       *gorm.DB
	Videos   *videostore.Store
	Registry *registry.Registry
	Engine   ClaimEngine
	Ledger   ledger.Ledger
	Logger   *slog.Logger
	Now      func() time.Time

	router http.Handler
}

const rateLimitClaims = "claims"

// New constructs a configured HTTP router with idempotency support.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		DB:       cfg.DB,
		Videos:   cfg.Videos,
		Registry: cfg.Registry,
		Engine:   cfg.Engine,
		Ledger:   cfg.Ledger,
		Logger:   logger,
		Now:      time.Now,
	}
	perMinute := cfg.ClaimRequestsPerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	burst := cfg.ClaimBurst
	if burst <= 0 {
		burst = 10
	}
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		rateLimitClaims: {RequestsPerMinute: perMinute, Burst: burst},
	}, logger)
	srv.router = srv.buildRouter(limiter)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(limiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return middleware.WithIdempotency(s.DB, next) })

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/videos", s.RegisterVideo)
		api.Get("/videos/{id}", s.GetVideo)
		api.Put("/videos/{id}/engagement", s.UpdateEngagement)
		api.With(limiter.Middleware(rateLimitClaims)).Post("/videos/{id}/claim", s.ClaimReward)
		api.Get("/videos/{id}/claim", s.GetClaim)
		api.Get("/balance/{address}", s.GetBalance)
	})

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// Health reports service liveness and database reachability.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if sqlDB, err := s.DB.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
