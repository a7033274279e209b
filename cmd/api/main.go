package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"example.com/healthsync/internal/api"
	"example.com/healthsync/internal/auth"
	"example.com/healthsync/internal/config"
	"example.com/healthsync/internal/device"
	"example.com/healthsync/internal/logger"
	"example.com/healthsync/internal/observability"
	"example.com/healthsync/internal/realtime"
	"example.com/healthsync/internal/session"
	httptransport "example.com/healthsync/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		log.Warn("sentry disabled", zap.Error(err))
	}
	defer observability.FlushSentry(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := realtime.NewHub()
	storage, err := openStorage(ctx, cfg, hub, log)
	if err != nil {
		log.Fatal("failed to open storage", zap.String("driver", cfg.StorageDriver), zap.Error(err))
	}
	gateway := realtime.NewNotifyingGateway(storage.gateway, hub)

	if err := os.MkdirAll(filepath.Dir(cfg.StateDBPath), 0o755); err != nil {
		log.Fatal("failed to create state directory", zap.Error(err))
	}
	states, err := device.OpenBoltStateStore(cfg.StateDBPath)
	if err != nil {
		log.Fatal("failed to open oauth state store", zap.Error(err))
	}
	defer states.Close()

	now := time.Now().UnixNano()
	devices := device.NewService(gateway, states,
		device.SimulatedExchanger{Now: time.Now},
		device.NewSimulatedSource(rand.New(rand.NewPCG(uint64(now), uint64(os.Getpid())))),
		hub, log)

	sessions := session.NewManager(gateway, realtime.NewBridge(hub, log), session.Config{
		SimulationEnabled: cfg.SimulationEnabled,
		SimulationUnit:    cfg.SimulationUnit,
		IdleTimeout:       cfg.SessionIdle,
	}, log)

	handler := api.NewHandler(sessions, devices, gateway, api.ClientConfig{
		BackendURL: cfg.BackendURL,
		AnonKey:    cfg.BackendAnonKey,
	}, log)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer, Leeway: cfg.JWTLeeway})

	// WriteTimeout stays zero; event streams clear their own deadline.
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:        cfg.HTTPAddress,
		ReadTimeout:    5 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}, httptransport.CORS(cfg.CORSOrigin, httptransport.RequestLogger(log, authMiddleware.Wrap(mux))), log)

	metricsSrv := httptransport.NewServer(httptransport.ServerConfig{
		Address:     cfg.MetricsAddress,
		ReadTimeout: 5 * time.Second,
	}, promhttp.Handler(), log)

	var background sync.WaitGroup
	storage.start(ctx, &background)
	background.Add(1)
	go func() {
		defer background.Done()
		sessions.Run(ctx, time.Minute)
	}()

	go func() {
		log.Info("metrics listening", zap.String("address", cfg.MetricsAddress))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		log.Info("healthsync api listening",
			zap.String("address", cfg.HTTPAddress),
			zap.String("storage", cfg.StorageDriver),
			zap.Bool("simulation", cfg.SimulationEnabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownCh
	log.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
	sessions.CloseAll()
	devices.Wait()

	cancel()
	background.Wait()
	storage.close()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown error", zap.Error(err))
	}
}
