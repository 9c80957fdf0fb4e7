package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"indytrack.org/internal/app"
	"indytrack.org/internal/config"
	"indytrack.org/internal/httpapi"
	"indytrack.org/internal/obs"
	"indytrack.org/internal/tracker"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Инициализация observability (логгер, метрики, build info)
	if err := obs.InitLogger(obs.LogOptions{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	log := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("wire tracker")
	}
	defer a.Close()

	ready := httpapi.ReadyProbe{DB: a.DB}

	// HTTP API
	api, err := httpapi.New(httpapi.Deps{
		Service:    a.Service,
		Sessions:   a.Sessions,
		Hub:        a.Hub,
		Ready:      ready,
		Version:    version,
		RateBurst:  cfg.Server.RateBurst,
		RatePerSec: cfg.Server.RatePerSec,
	})
	if err != nil {
		log.WithError(err).Fatal("build http api")
	}
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Address, cfg.Server.HTTPPort),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout не задаём: /v1/jobs/stream держит соединение открытым
		IdleTimeout: 60 * time.Second,
	}

	// gRPC health
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, httpapi.NewGRPCHealth(ready))
	grpcAddr := net.JoinHostPort(cfg.Server.Address, cfg.Server.GRPCPort)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		log.WithError(err).Fatalf("listen grpc %s", grpcAddr)
	}

	log.WithFields(logrus.Fields{
		"version": version,
		"http":    srv.Addr,
		"grpc":    grpcAddr,
	}).Info("starting indytrack-api")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen http")
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.WithError(err).Error("grpc serve")
		}
	}()

	// фоновая сверка работ всех активных пилотов
	if cfg.Sync.Enabled {
		sched := tracker.NewScheduler(a.Service, a.Principals, cfg.Sync.Interval, cfg.Sync.Concurrency)
		go sched.Run(ctx)
	}
	obs.SetReady(true)

	<-ctx.Done()
	log.Info("shutting down")
	obs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	log.Info("stopped")
}
