package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"qrattend/internal/attendance"
	"qrattend/internal/bootstrap"
	"qrattend/internal/clock"
	"qrattend/internal/config"
	"qrattend/internal/credential"
	"qrattend/internal/handler"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/metrics"
	"qrattend/internal/realtime"
	"qrattend/internal/rotation"
	"qrattend/internal/store"
)

func main() {
	flags := pflag.NewFlagSet("qrattend-api", pflag.ExitOnError)
	configPath := flags.String("config", "", "YAML config file (default $CONFIG_FILE)")
	port := flags.String("port", "", "HTTP port (default $HTTP_PORT)")
	storeBackend := flags.String("store", "", "store backend: memory, postgres or sqlite")
	busBackend := flags.String("bus", "", "event bus backend: memory or redis")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.HTTPPort = *port
	}
	if *storeBackend != "" {
		cfg.StoreBackend = *storeBackend
	}
	if *busBackend != "" {
		cfg.BusBackend = *busBackend
	}

	logger := bootstrap.Logger(cfg)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Set Gin mode based on environment
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := credential.DeriveKey(cfg.CredentialSecret)
	if err != nil {
		return err
	}
	codec, err := credential.NewCodec(key)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	clk := clock.Real()

	st, closeStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *store.Redis
	if cfg.BusBackend == config.BusRedis {
		rdb = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
		if !rdb.Healthy(ctx) {
			logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr)
		}
	}
	bus, err := bootstrap.OpenBus(cfg, rdb, logger)
	if err != nil {
		return err
	}

	svc := attendance.NewService(st, credential.NewValidator(codec), attendance.Options{
		Clock:    clk,
		Logger:   logger,
		Notifier: realtime.BusNotifier{Bus: bus},
		Metrics:  m,
	})

	hub := realtime.NewHub(svc, realtime.Options{
		Logger:      logger,
		Metrics:     m,
		CheckOrigin: handler.OriginChecker(cfg.AllowedOrigins),
	})
	broadcaster := rotation.New(codec, hub, rotation.Options{Clock: clk, Logger: logger, Metrics: m})
	hub.UseRotator(broadcaster)
	defer broadcaster.Close()

	go func() {
		if err := hub.Run(ctx, bus); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event relay stopped", "error", err)
		}
	}()

	r := handler.NewRouter(handler.Config{
		JWTIssuer:      cfg.JWTIssuer,
		JWTSigningKey:  cfg.JWTSigningKey,
		AllowedOrigins: cfg.AllowedOrigins,
		Production:     cfg.IsProduction(),
	}, handler.Deps{
		Service:  svc,
		Hub:      hub,
		Limiter:  httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin, clk, m),
		Redis:    rdb,
		Gatherer: reg,
		Clock:    clk,
		Logger:   logger,
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "store", cfg.StoreBackend, "bus", cfg.BusBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "error", err)
	}
	logger.Info("server exited")
	return nil
}
