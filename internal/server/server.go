// Package server exposes the game backend over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"hodl/internal/auth"
	"hodl/internal/claims"
	"hodl/internal/config"
	"hodl/internal/hmacauth"
	"hodl/internal/idempotency"
	"hodl/internal/participation"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HealthCheck checks one dependency for /health.
type HealthCheck struct {
	Name  string
	Check func(context.Context) error
}

type Deps struct {
	Auth          *auth.Service
	Claims        *claims.Service
	Participation *participation.Service
	Idempotency   idempotency.Store
	Metrics       *Metrics
	Health        []HealthCheck
	Logger        *slog.Logger
}

type Server struct {
	cfg           *config.AppConfig
	auth          *auth.Service
	claims        *claims.Service
	participation *participation.Service
	idem          idempotency.Store
	admin         *hmacauth.Verifier
	metrics       *Metrics
	health        []HealthCheck
	logger        *slog.Logger
	router        http.Handler
	httpServer    *http.Server
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	idem := deps.Idempotency
	if idem == nil {
		idem = idempotency.NewMemoryStore()
	}

	s := &Server{
		cfg:           cfg,
		auth:          deps.Auth,
		claims:        deps.Claims,
		participation: deps.Participation,
		idem:          idem,
		admin: &hmacauth.Verifier{
			Secret:  cfg.Service.AdminHMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics: metrics,
		health:  deps.Health,
		logger:  logger.With("component", "http"),
	}
	s.router = s.routes()

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.Timeout(15 * time.Second))
		r.Get("/nonce", s.handleAuthNonce)
		r.Post("/login", s.handleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.auth.Tokens()))
		r.Use(idempotency.Middleware(s.idem, s.cfg.Service.IdempotencyWindow, userScope, s.logger))

		r.Get("/balance", s.handleBalance)
		r.Post("/generate-voucher", s.handleGenerateVoucher)
		r.Post("/claim-success", s.handleClaimSuccess)
		r.Post("/claim-failed", s.handleClaimFailed)
		r.Post("/add-tokens", s.handleAddTokens)

		// Confirm and retry can block for the whole verification budget,
		// so this group carries no request timeout.
		r.Route("/challenges", func(r chi.Router) {
			r.Post("/initiate-participation-payment", s.handleInitiatePayment)
			r.Post("/confirm-participation-payment", s.handleConfirmPayment)
			r.Post("/retry-payment-verification", s.handleRetryVerification)
			r.Post("/free-participation", s.handleFreeParticipation)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.admin.Middleware)
		r.Post("/challenges", s.handleAdminCreateChallenge)
		r.Post("/distribute", s.handleAdminDistribute)
	})

	return r
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func userScope(r *http.Request) string {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		return ""
	}
	return id.UserID
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
