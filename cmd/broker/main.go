// cmd/broker/main.go
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"streamlog/internal/broker"
	"streamlog/internal/config"
	"streamlog/internal/server"
	"streamlog/internal/state"
	"streamlog/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	dataDir := flag.String("data-dir", "", "Override the data directory")
	httpAddr := flag.String("http-address", "", "Override the HTTP listen address")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *httpAddr != "" {
		cfg.HTTP.Address = *httpAddr
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Unknown log level %q, using info", cfg.LogLevel)
	}
	entry := logrus.NewEntry(logger)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatalf("Failed to create data directory: %v", err)
	}
	ctx := context.Background()
	backend, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Fatalf("Failed to open storage: %v", err)
	}
	store, err := state.OpenBoltStore(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		logger.Fatalf("Failed to open state store: %v", err)
	}

	b := broker.New(cfg, backend, store, entry)
	report, err := b.Start(ctx)
	if err != nil {
		store.Close()
		logger.Fatalf("Failed to start broker: %v", err)
	}
	if !report.Streams.Clean() {
		logger.WithFields(logrus.Fields{
			"orphaned": len(report.Streams.Orphaned),
			"missing":  len(report.Streams.Missing),
		}).Warn("Stream directories and state disagreed at startup")
	}

	srv, err := server.New(b, prometheus.NewRegistry(), entry)
	if err != nil {
		logger.Fatalf("Failed to create server: %v", err)
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-shutdownChan
		gracefulShutdown(srv, b, store, logger)
		close(done)
	}()

	logger.Infof("Data directory: %s (backend %s)", cfg.DataDir, cfg.Storage.Backend)
	if err := srv.ListenAndServe(cfg.HTTP.Address); err != nil {
		logger.Fatalf("Server failed to start: %v", err)
	}
	<-done
}

func gracefulShutdown(srv *server.Server, b *broker.Broker, store state.Store, logger *logrus.Logger) {
	logger.Info("Initiating graceful shutdown...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	if err := b.Stop(ctx); err != nil {
		logger.Errorf("Broker shutdown error: %v", err)
	}
	if err := store.Close(); err != nil {
		logger.Errorf("State store close error: %v", err)
	}
	logger.Info("Shutdown complete.")
}
