// Command satqueued runs the satellite broadcast queue daemon: the HTTP
// API, the per-channel scheduler and the background workers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"satqueue/bidding"
	"satqueue/broker"
	"satqueue/channels"
	"satqueue/config"
	"satqueue/engine"
	"satqueue/httpd"
	"satqueue/lightning"
	"satqueue/models"
	"satqueue/msgstore"
	"satqueue/observability"
	"satqueue/observability/logging"
	"satqueue/storage"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Setup("satqueued", "", "").Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.Setup("satqueued", cfg.Env, cfg.LogFile)

	db, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("database open failed", "err", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("migration failed", "err", err)
		os.Exit(1)
	}

	msgs, err := msgstore.New(cfg.MsgStorePath)
	if err != nil {
		logger.Error("message store init failed", "err", err)
		os.Exit(1)
	}

	registry := channels.Default()
	if cfg.ChannelsFile != "" {
		if err := registry.LoadOverrides(cfg.ChannelsFile); err != nil {
			logger.Error("channel overrides failed", "file", cfg.ChannelsFile, "err", err)
			os.Exit(1)
		}
	}

	var brk broker.Broker
	brk, err = broker.NewRedis(cfg.RedisURI)
	if err != nil {
		if cfg.Production() {
			logger.Error("redis connect failed", "uri", cfg.RedisURI, "err", err)
			os.Exit(1)
		}
		logger.Warn("redis unavailable, announcements stay in memory", "err", err)
		brk = broker.NewMemory()
	}
	defer brk.Close()

	charge := lightning.NewClient(cfg.ChargeRoot, cfg.ChargeAPIToken)
	obs := observability.New("satqueued", logger)

	eng := engine.New(engine.Options{
		Store:    storage.New(db),
		Messages: msgs,
		Issuer:   charge,
		Broker:   brk,
		Channels: registry,
		Bidding:  bidding.Params{MinBid: cfg.MinBid, MinPerByteBid: cfg.MinPerByteBid},
		Config:   cfg,
		Logger:   logger,
		Observer: obs,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Resume transmissions interrupted by the previous run.
	eng.TxStartAll()
	eng.StartWorkers(ctx)

	server := httpd.NewServer(httpd.Options{
		Engine:          eng,
		Config:          cfg,
		NodeInfo:        charge,
		Observer:        obs,
		Logger:          logger,
		UploadRateLimit: 60,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port, "env", cfg.Env)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "err", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}
}
