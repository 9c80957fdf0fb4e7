package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"indytrack.org/internal/app"
	"indytrack.org/internal/config"
	"indytrack.org/internal/obs"
	"indytrack.org/internal/tracker"
)

func main() {
	var (
		characterID = flag.Int64("character", 0, "reconcile a single character; 0 reconciles every active principal")
		timeout     = flag.Duration("timeout", 5*time.Minute, "overall deadline")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := obs.InitLogger(obs.LogOptions{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File}); err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	log := obs.Logger()
	obs.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("wire tracker")
	}
	defer a.Close()

	if *characterID > 0 {
		p, err := a.Service.Principal(ctx, *characterID)
		if err != nil {
			log.WithError(err).WithField("character_id", *characterID).Fatal("load principal")
		}
		n, err := a.Service.Sync(ctx, p)
		if err != nil {
			log.WithError(err).WithField("character_id", p.CharacterID).Fatal("sync failed")
		}
		fmt.Printf("character %d: %d jobs reconciled\n", p.CharacterID, n)
		return
	}

	round, err := tracker.NewScheduler(a.Service, a.Principals, cfg.Sync.Interval, cfg.Sync.Concurrency).RunOnce(ctx)
	if err != nil {
		log.WithError(err).Fatal("sync round failed")
	}
	log.WithFields(logrus.Fields{
		"sync_id":    round.ID,
		"principals": round.Principals,
		"synced":     round.Synced,
		"failed":     round.Failed,
		"job_count":  round.Jobs,
	}).Info("sync round finished")
	if round.Failed > 0 {
		os.Exit(2)
	}
}
