package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unclebandit/newsletter-delivery/internal/handler"
	"github.com/unclebandit/newsletter-delivery/internal/metrics"
)

type RouterOptions struct {
	Campaigns      *CampaignController
	Health         *handler.HealthHandler
	Metrics        *metrics.HTTP
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
}

// requestTimeout bounds every route except a synchronous send, which runs until the
// campaign is finalized.
const requestTimeout = 60 * time.Second

// NewRouter builds the API router with the shared middleware stack.
func NewRouter(opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}

	health := opts.Health
	if health == nil {
		health = &handler.HealthHandler{}
	}
	r.With(middleware.Timeout(requestTimeout)).Method(http.MethodGet, "/healthz", health)

	if opts.Gatherer != nil {
		r.With(middleware.Timeout(requestTimeout)).Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	if opts.Campaigns != nil {
		opts.Campaigns.Routes(r)
	}
	return r
}
