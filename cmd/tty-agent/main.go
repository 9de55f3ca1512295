package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/labring/sealos-tty-agent/internal/api"
	"github.com/labring/sealos-tty-agent/internal/config"
	"github.com/labring/sealos-tty-agent/internal/gateway"
	"github.com/labring/sealos-tty-agent/internal/metrics"
	"github.com/labring/sealos-tty-agent/internal/ticket"
)

const shutdownGrace = 10 * time.Second

func main() {
	// Optional .env for local runs; absence is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath(), "path to the JSON config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}
	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	m := metrics.New()
	tickets := ticket.NewStore(cfg.TicketTTL(), logger)
	gw := gateway.New(cfg, logger, m, tickets)
	handlers := api.NewHandlers(cfg, logger, tickets, m, gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.RunHeartbeat(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"port":  cfg.Port,
			"debug": cfg.Debug,
		}).Info("Gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed")
		}
		return
	}

	cancel()
	gw.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Forced shutdown")
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		return path
	}
	return "config.json"
}
