package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"qrattend/internal/attendance"
	"qrattend/internal/bootstrap"
	"qrattend/internal/clock"
	"qrattend/internal/config"
	"qrattend/internal/credential"
	"qrattend/internal/realtime"
	"qrattend/internal/store"
)

// Worker closes sessions that outlived SESSION_MAX_OPEN and announces
// the closure on the bus so every API process ends their rotation.
func main() {
	flags := pflag.NewFlagSet("qrattend-worker", pflag.ExitOnError)
	configPath := flags.String("config", "", "YAML config file (default $CONFIG_FILE)")
	once := flags.Bool("once", false, "run a single reaping pass and exit")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := bootstrap.Logger(cfg)
	slog.SetDefault(logger)
	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *once); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App, logger *slog.Logger, once bool) error {
	st, closeStore, err := bootstrap.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *store.Redis
	if cfg.BusBackend == config.BusRedis {
		rdb = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer rdb.Close()
	}
	bus, err := bootstrap.OpenBus(cfg, rdb, logger)
	if err != nil {
		return err
	}

	key, err := credential.DeriveKey(cfg.CredentialSecret)
	if err != nil {
		return err
	}
	codec, err := credential.NewCodec(key)
	if err != nil {
		return err
	}
	clk := clock.Real()
	svc := attendance.NewService(st, credential.NewValidator(codec), attendance.Options{
		Clock:    clk,
		Logger:   logger,
		Notifier: realtime.BusNotifier{Bus: bus},
	})

	logger.Info("worker started", "max_open", cfg.SessionMaxOpen, "interval", cfg.ReapInterval)
	for {
		n, err := svc.CloseStale(ctx, cfg.SessionMaxOpen)
		switch {
		case err != nil:
			logger.Error("reaping pass failed", "closed", n, "error", err)
		case n > 0:
			logger.Info("closed stale sessions", "closed", n)
		}
		if once {
			return err
		}

		timer := clk.NewTimer(cfg.ReapInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("worker stopped")
			return nil
		case <-timer.C:
		}
	}
}
