// Package api is the HTTP surface of the command gateway, the payment webhook
// and the operator endpoints.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"telegram-vpn-subscription/internal/config"
	"telegram-vpn-subscription/internal/domain/model"
	ucport "telegram-vpn-subscription/internal/domain/ports/usecase"
	"telegram-vpn-subscription/internal/usecase"
)

type Gateway interface {
	Plans() []*model.Plan
	Purchase(ctx context.Context, userID, planID string) (*model.Invoice, error)
	Cancel(ctx context.Context, userID string) (*model.Subscription, error)
	Status(ctx context.Context, userID string) (*usecase.StatusView, error)
	AccessQR(ctx context.Context, userID string) ([]byte, error)
}

type Admin interface {
	Suspend(ctx context.Context, userID, reason string) (*model.Subscription, error)
	Reprovision(ctx context.Context, userID, planID string) (*model.Subscription, error)
	RetryProvisioning(ctx context.Context, userID string) (*model.Subscription, error)
	Audit(ctx context.Context, userID string, limit int) ([]*model.AuditEntry, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, userID, action string) (bool, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type Server struct {
	cfg      config.HTTPConfig
	gateway  Gateway
	admin    Admin
	payments ucport.PaymentHandler
	limiter  RateLimiter
	auth     *AuthManager
	checks   map[string]HealthCheck
	log      *zerolog.Logger
	srv      *http.Server
}

// NewServer builds the server. limiter may be nil.
func NewServer(cfg config.HTTPConfig, gateway Gateway, admin Admin, payments ucport.PaymentHandler, limiter RateLimiter, checks map[string]HealthCheck, logger *zerolog.Logger) *Server {
	l := logger.With().Str("component", "http_api").Logger()
	return &Server{
		cfg:      cfg,
		gateway:  gateway,
		admin:    admin,
		payments: payments,
		limiter:  limiter,
		auth:     NewAuthManager(cfg.JWTSecret, cfg.TokenTTL),
		checks:   checks,
		log:      &l,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), Recover(s.log), RequestLog(s.log), Timeout(s.cfg.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(WebhookSecret(s.cfg.WebhookSecret)).Post("/payments/events", s.handlePaymentEvent)

		r.Group(func(r chi.Router) {
			r.Use(BearerKey(s.cfg.APIKey))
			r.Get("/plans", s.handlePlans)
			r.Route("/subscriptions/{userID}", func(r chi.Router) {
				r.Get("/", s.handleStatus)
				r.Post("/purchase", s.handlePurchase)
				r.Post("/cancel", s.handleCancel)
				r.Get("/qr", s.handleQR)
			})
		})

		r.With(BearerKey(s.cfg.AdminAPIKey)).Post("/admin/token", s.handleMintToken)
		r.Route("/admin/subscriptions/{userID}", func(r chi.Router) {
			r.Use(AdminJWT(s.auth))
			r.Post("/suspend", s.handleSuspend)
			r.Post("/reprovision", s.handleReprovision)
			r.Post("/retry-provisioning", s.handleRetryProvisioning)
			r.Get("/audit", s.handleAudit)
		})
	})
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
