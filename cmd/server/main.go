package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hodl/internal/auth"
	"hodl/internal/chain"
	"hodl/internal/claims"
	"hodl/internal/config"
	"hodl/internal/events"
	"hodl/internal/idempotency"
	"hodl/internal/participation"
	"hodl/internal/payment"
	"hodl/internal/ratelimit"
	"hodl/internal/scheduler"
	"hodl/internal/server"
	"hodl/internal/store"
	"hodl/internal/voucher"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type purger interface {
	Purge(ctx context.Context) (int64, error)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=config msg=\"failed to load .env\" err=%v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := newLogger(cfg.Service.LogLevel)

	// Clients expect amounts as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var health []server.HealthCheck

	var (
		st   store.Store
		idem interface {
			idempotency.Store
			purger
		}
	)
	if cfg.Infra.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Infra.DatabaseURL)
		if err != nil {
			fatal(logger, "postgres store error", err)
		}
		defer pg.Close()
		pgIdem, err := idempotency.NewPostgresStore(ctx, pg.Pool())
		if err != nil {
			fatal(logger, "idempotency store error", err)
		}
		st, idem = pg, pgIdem
		health = append(health, server.HealthCheck{Name: "database", Check: pg.Ping})
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		st, idem = store.NewMemoryStore(), idempotency.NewMemoryStore()
	}

	rule := ratelimit.Rule{Limit: cfg.Service.RateLimitPerMinute, Window: time.Minute}
	var (
		nonces  auth.NonceStore
		limiter ratelimit.Limiter
	)
	if cfg.Infra.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Infra.RedisURL)
		if err != nil {
			fatal(logger, "redis url error", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		nonces = auth.NewRedisNonceStore(rdb, cfg.Infra.RedisPrefix+":login_nonce")
		limiter = ratelimit.NewRedis(rdb, cfg.Infra.RedisPrefix+":rate_limit", rule)
		health = append(health, server.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	} else {
		mem := auth.NewMemoryNonceStore()
		go mem.Sweep(ctx, time.Minute)
		nonces = mem
		limiter = ratelimit.NewLocal(rule)
	}

	var publisher events.Publisher = events.NopPublisher{Logger: logger}
	if cfg.Infra.RabbitMQURL != "" {
		amqpPub, err := events.NewAMQPPublisher(cfg.Infra.RabbitMQURL, cfg.Infra.EventsExchange)
		if err != nil {
			logger.Warn("event broker unavailable, events disabled", "error", err)
		} else {
			defer amqpPub.Close()
			publisher = amqpPub
			health = append(health, server.HealthCheck{Name: "amqp", Check: amqpPub.Ping})
		}
	}

	claimOpts := []claims.Option{claims.WithLimiter(limiter), claims.WithPublisher(publisher)}
	if cfg.Chain.RPCURL != "" {
		eth, err := chain.NewEthClient(ctx, chain.EthClientConfig{
			RPCURL:      cfg.Chain.RPCURL,
			Distributor: cfg.Chain.DistributorAddress,
			ReceiptWait: 30 * time.Second,
		})
		if err != nil {
			fatal(logger, "chain client error", err)
		}
		defer eth.Close()
		if eth.ChainID().Int64() != cfg.Chain.ChainID {
			logger.Warn("rpc chain id differs from CHAIN_ID", "rpc", eth.ChainID().String(), "configured", cfg.Chain.ChainID)
		}
		if cfg.Chain.VerifyReceipt {
			claimOpts = append(claimOpts, claims.WithClaimVerifier(eth))
		}
		health = append(health, server.HealthCheck{Name: "rpc", Check: eth.Ping})
	}

	var signer claims.Signer
	if cfg.Chain.SignerEnabled() {
		var nonceSrc voucher.NonceSource = voucher.RandomNonce{}
		if cfg.Chain.VoucherNonceMode == config.NonceModeClock {
			nonceSrc = voucher.ClockNonce{}
		}
		s, err := voucher.NewSigner(cfg.Chain.SignerPrivateKey,
			voucher.DefaultDomain(cfg.Chain.ChainID, cfg.Chain.DistributorAddress),
			voucher.WithNonceSource(nonceSrc))
		if err != nil {
			fatal(logger, "voucher signer error", err)
		}
		logger.Info("voucher signer ready", "address", s.Address())
		signer = s
	} else {
		logger.Warn("SIGNER_PRIVATE_KEY or DISTRIBUTOR_ADDRESS not set, voucher generation disabled")
	}

	tokens, err := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.JWTTTL)
	if err != nil {
		fatal(logger, "jwt config error", err)
	}
	authSvc := auth.NewService(st, nonces, tokens, auth.ServiceConfig{
		NonceTTL:        cfg.Auth.NonceTTL,
		StartingBalance: cfg.Auth.StartingBalance,
	}, logger)

	claimSvc := claims.NewService(st, signer, logger, claimOpts...)

	metrics := server.NewMetrics()
	verifier := payment.NewVerifier(
		payment.NewClient(cfg.Payment.BaseURL, cfg.Payment.AppID, cfg.Payment.APIKey),
		payment.WithObserver(metrics.ObserveVerifierAttempt),
		payment.WithLogger(logger.With("component", "payment")),
	)
	partSvc := participation.NewService(st, verifier, participation.Config{
		PaymentAddress: cfg.Payment.PaymentAddress,
		ConfirmPolicy: payment.Policy{
			MaxAttempts:  cfg.Payment.VerifyMaxAttempts,
			InitialDelay: cfg.Payment.VerifyInitialDelay,
			Multiplier:   1.5,
		},
		RetryPolicy: payment.Policy{
			MaxAttempts:  cfg.Payment.RetryMaxAttempts,
			InitialDelay: cfg.Payment.RetryInitialDelay,
			Multiplier:   1.5,
		},
		VerifyBudget:   cfg.Payment.VerifyBudget,
		FreeEntryBonus: cfg.Distribution.FreeChallengeBonus,
	}, publisher, logger)

	sched, err := scheduler.New(logger)
	if err != nil {
		fatal(logger, "scheduler error", err)
	}
	if cfg.Distribution.Amount.IsPositive() && cfg.Distribution.Interval > 0 {
		job := scheduler.DistributionJob(claimSvc, cfg.Distribution.Amount, metrics.ObserveDistribution)
		if err := sched.Every("token-distribution", cfg.Distribution.Interval, job); err != nil {
			fatal(logger, "schedule distribution", err)
		}
	}
	if err := sched.Every("idempotency-purge", 10*time.Minute, func(ctx context.Context) error {
		_, err := idem.Purge(ctx)
		return err
	}); err != nil {
		fatal(logger, "schedule purge", err)
	}
	sched.Start()

	apiServer := server.NewServer(cfg, server.Deps{
		Auth:          authSvc,
		Claims:        claimSvc,
		Participation: partSvc,
		Idempotency:   idem,
		Metrics:       metrics,
		Health:        health,
		Logger:        logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := sched.Shutdown(); err != nil {
		logger.Error("scheduler shutdown", "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
