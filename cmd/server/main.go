package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	apihttp "swarmstream/internal/api/http"
	"swarmstream/internal/app"
	"swarmstream/internal/coordinator"
	"swarmstream/internal/crypto"
	"swarmstream/internal/domain"
	"swarmstream/internal/metrics"
	"swarmstream/internal/platform"
	mongorepo "swarmstream/internal/repository/mongo"
	"swarmstream/internal/telemetry"
	transport "swarmstream/internal/transport/anacrolix"

	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "swarm-coordinator")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "swarm-coordinator"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("dataDir", cfg.DataDir),
	)

	policy := domain.UserPolicy{
		OnlyOnWiFi:             cfg.OnlyOnWiFi,
		SaveBattery:            cfg.SaveBattery,
		LowBatteryThreshold:    cfg.LowBatteryThreshold,
		MaxConcurrentPeers:     cfg.MaxConcurrentPeers,
		UploadLimitBytesPerSec: cfg.UploadLimitBytesPerSec,
	}
	if err := policy.Validate(); err != nil {
		logger.Error("invalid policy configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	mongoMonitor := otelmongo.NewMonitor()
	mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(mongoMonitor))
	if err != nil {
		logger.Error("mongo connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
		logger.Error("mongo ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	store := mongorepo.NewStateStore(mongoClient, cfg.MongoDatabase)

	// Shared between the transport engine and the governor: the engine
	// consumes tokens on upload, the governor adjusts the limit.
	uploadLimiter := rate.NewLimiter(rate.Inf, 0)
	if policy.UploadLimitBytesPerSec > 0 {
		uploadLimiter = rate.NewLimiter(rate.Limit(policy.UploadLimitBytesPerSec), int(policy.UploadLimitBytesPerSec))
	}

	engine, err := transport.New(transport.Config{
		DataDir:       cfg.DataDir,
		UploadLimiter: uploadLimiter,
	}, logger)
	if err != nil {
		logger.Error("transport engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	platformSource := platform.FromEnv()

	swarm, err := coordinator.New(coordinator.Deps{
		Transport:     engine,
		Platform:      platformSource,
		Store:         store,
		Crypto:        crypto.New(),
		UploadLimiter: uploadLimiter,
		Logger:        logger,
	}, coordinator.DefaultConfig(), policy)
	if err != nil {
		logger.Error("coordinator init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := swarm.Start(ctx); err != nil {
		logger.Error("coordinator start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	handler := apihttp.NewServer(swarm,
		apihttp.WithLogger(logger),
		apihttp.WithAllowedOrigins(cfg.AllowedOrigins),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := swarm.Close(shutdownCtx); err != nil {
		logger.Warn("coordinator close error", slog.String("error", err.Error()))
	}
	if err := mongoClient.Disconnect(context.Background()); err != nil {
		logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
