/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request log (method, path, status, duration)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend
  5. Auth:       Bearer token, on every /api/v1 route

ROUTE GROUPS:
  /healthz                    Liveness check (no auth)
  /api/v1/recognitions/*      Send, browse, react, approve
  /api/v1/points/*            Ledger
  /api/v1/rewards/*           Catalog and redemption
  /api/v1/users/*             Profile and user lifecycle
  /api/v1/admin/*             Fulfillment, audit, reconciliation

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Bearer token middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type Options struct {
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Next-Cursor"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Route("/recognitions", func(r chi.Router) {
			r.Get("/", h.ListHistory)
			r.Post("/", h.SubmitRecognition)
			r.Get("/recipients", h.GetRecipients)
			r.Post("/eligibility", h.CheckEligibility)
			r.Get("/feed", h.GetFeed)
			r.Get("/pending", h.ListPending)
			r.Post("/{id}/react", h.React)
			r.Post("/{id}/approve", h.Approve)
			r.Post("/{id}/reject", h.Reject)
		})

		r.Route("/points", func(r chi.Router) {
			r.Get("/ledger/me", h.GetMyLedger)
		})

		r.Route("/rewards", func(r chi.Router) {
			r.Get("/", h.ListRewards)
			r.Post("/", h.CreateReward)
			r.Post("/redeem", h.Redeem)
			r.Get("/redemptions/me", h.ListMyRedemptions)
			r.Get("/{id}", h.GetReward)
			r.Put("/{id}", h.UpdateReward)
		})

		r.Route("/users", func(r chi.Router) {
			r.Get("/", h.ListUsers)
			r.Get("/me", h.GetMe)
			r.Put("/me/preferences", h.UpdatePreferences)
			r.Post("/provision", h.ProvisionUser)
			r.Get("/{id}", h.GetUser)
			r.Put("/{id}/reporting", h.UpdateReporting)
			r.Patch("/{id}/activate", h.ActivateUser)
			r.Patch("/{id}/deactivate", h.DeactivateUser)
			r.Post("/{id}/assign-points", h.AssignPoints)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/redemptions", h.ListRedemptions)
			r.Patch("/redemptions/{id}", h.UpdateRedemption)
			r.Get("/audit-logs", h.ListAudit)
			r.Get("/ledger/reconcile", h.Reconcile)
		})
	})

	return r
}

// =============================================================================
// REQUEST LOGGING
// =============================================================================

type loggerKey struct{}

// requestLogger logs one line per request and exposes a request-scoped
// logger (tagged with the request id) to handlers.
func requestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			logger := base.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), loggerKey{}, logger)))

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func loggerFrom(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}
