package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/meridianhq/configurator/internal/api/middleware"
	"github.com/meridianhq/configurator/internal/metrics"
)

// RouterConfig holds the router's middleware toggles and collaborators.
// Mirrors the teacher's internal/api.RouterConfig shape (bool toggles
// per middleware, nested sub-configs, a Logger field), trimmed to this
// service's single API surface — there is no legacy /api/v1 layer here.
type RouterConfig struct {
	EnableRateLimit   bool
	EnableCompression bool
	EnableCORS        bool
	EnableMetrics     bool

	RateLimitPerMinute int
	RateLimitBurst     int

	CORSConfig middleware.CORSConfig

	Logger  *slog.Logger
	Metrics *metrics.Registry

	KeyResolver middleware.KeyResolver
	Handler     *Handler
}

// DefaultRouterConfig returns sane production defaults; callers
// override KeyResolver, Handler, and Metrics before calling NewRouter.
func DefaultRouterConfig(logger *slog.Logger) RouterConfig {
	return RouterConfig{
		EnableRateLimit:    true,
		EnableCompression:  true,
		EnableCORS:         true,
		EnableMetrics:      true,
		RateLimitPerMinute: 600,
		RateLimitBurst:     50,
		CORSConfig:         middleware.DefaultCORSConfig(),
		Logger:             logger,
	}
}

// NewRouter builds the Admin API / SDK read API mux.Router.
//
// The middleware stack is applied in order:
//  1. RequestID (always)
//  2. Logging (always)
//  3. Metrics (if enabled)
//  4. CORS (if enabled)
//  5. Compression (if enabled)
//  6. Per-route: Auth -> RateLimit -> RequireScope
//
// @title Meridian Configurator API
// @version 1.0
// @description Admin and SDK read API for the feature-configuration service
// @BasePath /
// @schemes http https
func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(cfg.Logger))

	if cfg.EnableMetrics && cfg.Metrics != nil {
		router.Use(cfg.Metrics.HTTPMiddleware(func(r *http.Request) string {
			route := mux.CurrentRoute(r)
			if route == nil {
				return r.URL.Path
			}
			tmpl, err := route.GetPathTemplate()
			if err != nil {
				return r.URL.Path
			}
			return tmpl
		}))
	}

	if cfg.EnableCORS {
		router.Use(middleware.CORSMiddleware(cfg.CORSConfig))
	}

	if cfg.EnableCompression {
		router.Use(middleware.CompressionMiddleware)
	}

	router.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)

	if cfg.EnableMetrics && cfg.Metrics != nil {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	router.PathPrefix("/swagger").Handler(httpSwagger.WrapHandler)

	setupAdminRoutes(router, cfg)
	setupSDKRoutes(router, cfg)

	return router
}

// setupAdminRoutes wires the project/config/proposal management surface.
func setupAdminRoutes(router *mux.Router, cfg RouterConfig) {
	admin := router.PathPrefix("/projects/{projectId}").Subrouter()
	admin.Use(middleware.AuthMiddleware(cfg.KeyResolver))
	admin.Use(middleware.ValidationMiddleware)
	if cfg.EnableRateLimit {
		admin.Use(middleware.RateLimitMiddleware(cfg.RateLimitPerMinute, cfg.RateLimitBurst))
	}

	writeOnly := admin.NewRoute().Subrouter()
	writeOnly.Use(middleware.RequireScope(middleware.ScopeConfigWrite))
	writeOnly.HandleFunc("/configs", cfg.Handler.CreateConfig).Methods(http.MethodPost)
	writeOnly.HandleFunc("/configs/{name}", cfg.Handler.UpdateConfig).Methods(http.MethodPut)
	writeOnly.HandleFunc("/configs/{name}", cfg.Handler.DeleteConfig).Methods(http.MethodDelete)

	readOnly := admin.NewRoute().Subrouter()
	readOnly.Use(middleware.RequireScope(middleware.ScopeConfigRead))
	readOnly.HandleFunc("/configs/{name}", cfg.Handler.GetConfig).Methods(http.MethodGet)
	readOnly.HandleFunc("/configs/{name}/watch", cfg.Handler.Watch).Methods(http.MethodGet)

	proposalRoutes := admin.NewRoute().Subrouter()
	proposalRoutes.Use(middleware.RequireScope(middleware.ScopeConfigRead))
	proposalRoutes.HandleFunc("/configs/{name}/proposals", cfg.Handler.CreateProposal).Methods(http.MethodPost)

	review := router.PathPrefix("/proposals/{proposalId}").Subrouter()
	review.Use(middleware.AuthMiddleware(cfg.KeyResolver))
	if cfg.EnableRateLimit {
		review.Use(middleware.RateLimitMiddleware(cfg.RateLimitPerMinute, cfg.RateLimitBurst))
	}
	review.Use(middleware.RequireScope(middleware.ScopeProposalReview))
	review.HandleFunc("/approve", cfg.Handler.ApproveProposal).Methods(http.MethodPost)
	review.HandleFunc("/reject", cfg.Handler.RejectProposal).Methods(http.MethodPost)
}

// setupSDKRoutes wires the reader-facing config evaluation surface. SDK
// keys carry only config:read. RequireScope checks for that scope by
// name, so a key without it (a workspace:admin-only key included) gets 403.
func setupSDKRoutes(router *mux.Router, cfg RouterConfig) {
	sdk := router.PathPrefix("/sdk/projects/{projectId}/configs/{name}/environments/{environmentId}").Subrouter()
	sdk.Use(middleware.AuthMiddleware(cfg.KeyResolver))
	if cfg.EnableRateLimit {
		sdk.Use(middleware.RateLimitMiddleware(cfg.RateLimitPerMinute, cfg.RateLimitBurst))
	}
	sdk.Use(middleware.RequireScope(middleware.ScopeConfigRead))
	sdk.HandleFunc("/value", cfg.Handler.ReadConfig).Methods(http.MethodPost)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
