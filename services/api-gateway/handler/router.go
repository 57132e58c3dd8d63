package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	redisstore "github.com/ramiqadoumi/go-agent-flow/internal/redis"
	"github.com/ramiqadoumi/go-agent-flow/services/api-gateway/middleware"
)

// RouterConfig selects the optional middleware.
type RouterConfig struct {
	APIKey       string
	Limiter      redisstore.RateLimiter // nil disables rate limiting
	MaxBodyBytes int64
}

// NewRouter mounts h behind the gateway middleware stack. /health and
// /readyz are never authenticated or rate limited.
func NewRouter(h *REST, cfg RouterConfig, logger *slog.Logger) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	r.Get("/health", h.Health)
	r.Get("/readyz", h.Readyz)
	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.APIKey))
		if cfg.Limiter != nil {
			r.Use(middleware.RateLimit(cfg.Limiter, logger))
		}
		h.Routes(r)
	})
	return r
}
