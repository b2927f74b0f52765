package handlers

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/middleware"
)

// responseSlack is added to the render deadline so the handler can still
// report a render timeout before the HTTP timeout fires.
const responseSlack = 5 * time.Second

// Router is the API handler with its middleware applied.
type Router struct {
	handler http.Handler
	limiter *middleware.RateLimiter
}

// NewRouter routes the API endpoints and wraps them in the middleware
// chain. Close the Router on shutdown to stop the rate limiter.
func NewRouter(h *Handler, cfg *config.Config) *Router {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/render", h.HandleRender)
	mux.HandleFunc("/v1/render", h.HandleMethodNotAllowed)
	mux.HandleFunc("GET /v1/presets", h.HandlePresets)
	mux.HandleFunc("/v1/presets", h.HandleMethodNotAllowed)
	mux.HandleFunc("GET /v1/stats", h.HandleStats)
	mux.HandleFunc("/v1/stats", h.HandleMethodNotAllowed)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("/health", h.HandleMethodNotAllowed)
	mux.HandleFunc("/", h.HandleNotFound)

	rt := &Router{}
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.RequestID,
		middleware.Logging,
		middleware.APIKey(cfg),
	}
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		rt.limiter = middleware.NewRateLimiter(cfg.RateLimitRPM, 10*time.Minute, cfg.TrustProxy)
		chain = append(chain, rt.limiter.Handler)
	}
	chain = append(chain, middleware.Timeout(cfg.RequestTimeout+responseSlack))

	rt.handler = middleware.Chain(chain...)(mux)
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.handler.ServeHTTP(w, r)
}

// Close releases the rate limiter, if any.
func (rt *Router) Close() {
	if rt.limiter != nil {
		rt.limiter.Close()
	}
}
