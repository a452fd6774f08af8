// Package main is the entry point for the registry proxy server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cyp-registry-proxy/internal/admin"
	"cyp-registry-proxy/internal/config"
	"cyp-registry-proxy/internal/credentials"
	"cyp-registry-proxy/internal/gateway"
	"cyp-registry-proxy/internal/mirror"
	"cyp-registry-proxy/internal/prober"
	"cyp-registry-proxy/internal/proxyengine"
	"cyp-registry-proxy/internal/store"
	"cyp-registry-proxy/internal/tokenbroker"
	"cyp-registry-proxy/internal/traffic"
	"cyp-registry-proxy/internal/version"
	"cyp-registry-proxy/pkg/logger"
	"cyp-registry-proxy/pkg/metrics"
)

const appName = "cyp-registry-proxy"

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	generateConfig := flag.String("generate-config", "", "Write a default config YAML template to this path and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", appName, version.GetFullVersion())
		os.Exit(0)
	}

	if *generateConfig != "" {
		if err := config.GenerateTemplate(*generateConfig); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write config template: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote config template to %s\n", *generateConfig)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.Get()
	defer log.Sync()

	if cfg.UsesDevSecret() {
		log.Warn("CREDENTIAL_SECRET not set, using an insecure development default")
	}

	log.Info("starting", zap.String("app", appName), zap.String("version", version.GetVersion()))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal("failed to create data directory", zap.Error(err))
	}

	dbPath := filepath.Join(cfg.DataDir, "registry.db")
	st, err := store.Open(dbPath, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("store opened", zap.String("path", dbPath))

	m := metrics.Get()
	cipher := credentials.New(cfg.CredentialSecret)

	reg, err := mirror.New(st, log)
	if err != nil {
		log.Fatal("failed to load mirror registry", zap.Error(err))
	}

	prb := prober.New(reg, cfg.ProbeInterval, cfg.ProbeTimeout, log, m)
	prb.Start()
	defer prb.Stop()

	tokens, err := tokenbroker.New(m)
	if err != nil {
		log.Fatal("failed to build token broker", zap.Error(err))
	}

	rec := traffic.New(st, log, m)
	rec.Start()
	defer rec.Stop()

	engine := proxyengine.New(reg, tokens, cipher, rec, m, log)
	adminHandler := admin.New(reg, prb, st, cipher)

	var ready atomic.Bool
	ready.Store(true)

	router := gateway.New(engine, adminHandler, m, log, cfg.AdminBasePath, ready.Load)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router.Engine(),
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()
	log.Info("listening", zap.String("address", cfg.ListenAddr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
		os.Exit(1)
	}
}
