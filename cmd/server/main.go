package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/backend/internal/admission"
	"github.com/ocx/backend/internal/analyzer"
	"github.com/ocx/backend/internal/api"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/coord"
	"github.com/ocx/backend/internal/killswitch"
	"github.com/ocx/backend/internal/metrics"
	"github.com/ocx/backend/internal/paywall"
	"github.com/ocx/backend/internal/store"
	"github.com/ocx/backend/internal/tokens"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on process environment")
	}

	cfg := config.Get()
	if err := cfg.ValidateCoordinatorURL(); err != nil {
		log.Fatalf("invalid coordinator config: %v", err)
	}

	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Store.ConnMaxLifeMins) * time.Minute,
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	coordClient, err := coord.New(ctx, coord.Options{
		URL:         cfg.Coordinator.URL,
		PoolSize:    cfg.Coordinator.PoolSize,
		DialTimeout: time.Duration(cfg.Coordinator.DialTimeout) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to connect to coordinator: %v", err)
	}
	defer coordClient.Close()

	tokenSvc, err := tokens.New(tokens.Config{
		Alg:               cfg.JWT.Alg,
		HMACSecret:        cfg.JWT.HMACSecret,
		SigningKeyPEM:     cfg.JWT.SigningKeyPEM,
		VerifyKeyPEM:      cfg.JWT.VerifyKeyPEM,
		KeyID:             cfg.JWT.KeyID,
		Issuer:            cfg.JWT.Issuer,
		Audience:          cfg.JWT.Audience,
		ClockSkew:         time.Duration(cfg.JWT.ClockSkewSec) * time.Second,
		AccessTTL:         time.Duration(cfg.JWT.AccessTTLMinutes) * time.Minute,
		JWKSURL:           cfg.JWT.JWKSURL,
		JWKSCacheTTL:      time.Duration(cfg.JWT.JWKSCacheTTLSec) * time.Second,
		FingerprintSecret: cfg.Refresh.FingerprintSecret,
		RefreshBaseTTL:    time.Duration(cfg.Refresh.BaseTTLDays) * 24 * time.Hour,
		RefreshMaxTTL:     time.Duration(cfg.Refresh.MaxTTLDays) * 24 * time.Hour,
		RefreshExtend:     time.Duration(cfg.Refresh.ExtendDays) * 24 * time.Hour,
		RefreshRateWindow: time.Duration(cfg.Refresh.RateLimitWindow) * time.Second,
		RefreshRateMax:    int64(cfg.Refresh.RateLimitMax),
		BlockTTL:          time.Duration(cfg.Refresh.BlockTTLMinutes) * time.Minute,
	}, coordClient)
	if err != nil {
		log.Fatalf("failed to construct token service: %v", err)
	}
	if cfg.JWT.JWKSURL != "" {
		tokenSvc.SetHTTPClient(&http.Client{Timeout: 5 * time.Second})
	}

	pw := paywall.New(st)

	admissionFilter := admission.New(tokenSvc, coordClient, pw, admission.RateLimits{
		Window:               time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		TrialMax:             int64(cfg.RateLimit.TrialMax),
		PaidBasicMax:         int64(cfg.RateLimit.PaidBasicMax),
		PaidMax:              int64(cfg.RateLimit.PaidMax),
		AndroidAccessibility: int64(cfg.RateLimit.AndroidAccessibility),
	}, time.Duration(cfg.Webhook.CacheTTLSeconds)*time.Second)

	m := metrics.New()

	// Parallelism matches CPU count, per the analyzer's backpressure design.
	analyzerPool := analyzer.New(
		runtime.NumCPU(),
		coordClient, st, tokenSvc, m,
		analyzer.Breaker{
			MaxQueueDepth:  cfg.Breaker.MaxQueueDepth,
			P95LatencyMs:   float64(cfg.Breaker.P95LatencyMs),
			LatencySamples: cfg.Breaker.LatencySamples,
		},
		analyzer.Tuning{
			HistoryCap:       cfg.Trust.HistoryCap,
			AdaptiveFloor:    cfg.Trust.AdaptiveFloor,
			DefaultThreshold: float64(cfg.Trust.SafeThreshold),
			BaselineMinCount: int64(cfg.Trust.BaselineMinCount),
		},
	)

	analyzerCtx, analyzerCancel := context.WithCancel(context.Background())
	go analyzerPool.Run(analyzerCtx)

	hub := killswitch.NewHub(coordClient, m)
	pushHandler := killswitch.NewHandler(hub, tokenSvc, coordClient, pw, killswitch.AdmissionConfig{
		AllowedOrigins:  cfg.PushSocket.AllowedOrigins,
		RateLimitWindow: time.Duration(cfg.PushSocket.RateLimitWindow) * time.Second,
		RateLimitMax:    int64(cfg.PushSocket.RateLimitMax),
	})

	router := api.NewRouter(&api.Deps{
		Tokens:        tokenSvc,
		Coord:         coordClient,
		Store:         st,
		Paywall:       pw,
		Admission:     admissionFilter,
		Analyzer:      analyzerPool,
		Metrics:       m,
		WebhookSecret: cfg.Webhook.Secret,
	})
	router.HandleFunc("/v1/security/kill-switch", pushHandler.ServeKillSwitch).Methods(http.MethodGet)
	router.HandleFunc("/v1/security/priority", pushHandler.ServePriority).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         cfg.Server.Interface + ":" + cfg.GetPort(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")

		analyzerCancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("trust control plane starting", "port", cfg.GetPort(), "env", cfg.Server.Env)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}

	slog.Info("server stopped")
}
