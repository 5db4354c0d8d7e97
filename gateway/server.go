// Package gateway exposes the deal administration service over HTTP. Every
// mutating route requires a bearer token whose "addr" claim names the caller;
// the engines' capability and compliance checks then run against that address.
package gateway

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cascade/core"
	"cascade/gateway/middleware"
	"cascade/observability/metrics"
)

// Config wires the HTTP surface.
type Config struct {
	Service           *core.Service
	Logger            *slog.Logger
	Auth              middleware.AuthConfig
	RequestsPerMinute int
	LogRequests       bool
}

// Server is the HTTP front for the deal service.
type Server struct {
	svc     *core.Service
	logger  *slog.Logger
	metrics *metrics.DealMetrics
}

// ScopeRead grants the query routes.
const ScopeRead = "deals:read"

// ScopeWrite grants the mutating routes.
const ScopeWrite = "deals:write"

// New builds the router with auth, rate limiting and request metrics applied.
func New(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	server := &Server{
		svc:     cfg.Service,
		logger:  logger,
		metrics: metrics.Deal(),
	}
	auth := middleware.NewAuthenticator(cfg.Auth, logger)
	limiter := middleware.NewRateLimiter(cfg.RequestsPerMinute)
	obs := middleware.NewObservability(logger, cfg.LogRequests)

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", obs.MetricsHandler())

	r.Route("/v1/deals", func(sr chi.Router) {
		sr.Use(limiter.Middleware())
		sr.Use(obs.Middleware("deals"))

		read := sr.With(auth.Middleware(ScopeRead))
		write := sr.With(auth.Middleware(ScopeWrite))

		write.Post("/", server.handleConfigureDeal)
		read.Get("/{dealID}", server.handleDealInfo)

		write.Post("/{dealID}/deposits", server.handleDeposit)
		write.Post("/{dealID}/reports", server.handleReportCollections)
		read.Get("/{dealID}/reports/{period}", server.handleReport)
		write.Post("/{dealID}/executions", server.handleExecute)
		write.Post("/{dealID}/trigger", server.handleActivateTrigger)
		write.Delete("/{dealID}/trigger", server.handleClearTrigger)

		read.Get("/{dealID}/tranches/{trancheID}", server.handleTrancheInfo)
		write.Post("/{dealID}/tranches/{trancheID}/issuances", server.handleIssue)
		write.Post("/{dealID}/tranches/{trancheID}/transfers", server.handleTransfer)
		write.Post("/{dealID}/tranches/{trancheID}/redemptions", server.handleRedeem)
		write.Post("/{dealID}/tranches/{trancheID}/claims", server.handleClaim)
		read.Get("/{dealID}/tranches/{trancheID}/holdings/{address}", server.handleHolding)

		read.Get("/{dealID}/cash/{address}", server.handleCashBalance)
		read.Get("/{dealID}/audit", server.handleAuditRecords)
	})

	return r
}
