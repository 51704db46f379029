/**
 * @description
 * This file sets up the HTTP router for the settlement-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * middleware for logging, CORS and session authentication.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for browser clients.
 */

package api

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/transfa/settlement-service/internal/logging"
)

// RouterConfig carries the settings the router needs beyond the handlers.
type RouterConfig struct {
	SessionSecret  string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter creates a new Chi router and registers the settlement-service routes.
func NewRouter(h *SettlementHandlers, cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(CaptureSocketAddr)
	r.Use(middleware.RealIP)
	r.Use(NewStructuredLogger(logger.With("component", "http")))
	r.Use(middleware.Recoverer)
	// Outgoing transfers can spend up to three 30s attempts on a slow peer.
	r.Use(middleware.Timeout(120 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthHandler)
	r.Get("/.well-known/jwks.json", h.KeySetHandler)

	// Bank-to-bank surface. Peers authenticate through the envelope signature.
	r.Get("/transactions/jwks", h.KeySetHandler)
	r.Post("/transactions/b2b", h.B2BHandler)
	r.Get("/transactions/status/{transactionId}", h.TransactionStatusHandler)

	r.Group(func(r chi.Router) {
		r.Use(SessionAuthMiddleware(cfg.SessionSecret))

		r.Post("/transactions", h.TransferHandler)
		r.Post("/transactions/internal", h.InternalTransferHandler)
		r.Post("/transactions/external", h.ExternalTransferHandler)
		r.Get("/transactions", h.ListTransactionsHandler)

		r.Post("/accounts", h.OpenAccountHandler)
		r.Get("/accounts", h.ListAccountsHandler)
		r.Get("/accounts/{accountNumber}", h.GetAccountHandler)

		r.Get("/directory/health", h.DirectoryHealthHandler)
	})

	return r
}
