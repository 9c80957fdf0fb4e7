package tracker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"indytrack.org/internal/auth"
	"indytrack.org/internal/ids"
	"indytrack.org/internal/obs"
)

// Syncer reconciles one principal's jobs.
type Syncer interface {
	Sync(ctx context.Context, p auth.Principal) (int, error)
}

// Lister returns the principals to reconcile each round.
type Lister interface {
	ListActivePrincipals(ctx context.Context) ([]auth.Principal, error)
}

// Round summarises one scheduler pass.
type Round struct {
	ID         string
	Principals int
	Synced     int
	Failed     int
	Jobs       int
}

// Scheduler periodically reconciles every active principal with bounded
// concurrency. A failing principal is logged and never aborts the round.
type Scheduler struct {
	syncer      Syncer
	principals  Lister
	interval    time.Duration
	concurrency int
	log         *logrus.Logger
}

func NewScheduler(syncer Syncer, principals Lister, interval time.Duration, concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Scheduler{
		syncer:      syncer,
		principals:  principals,
		interval:    interval,
		concurrency: concurrency,
		log:         obs.Logger(),
	}
}

// Run executes a round immediately and then every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Error("sync round failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce reconciles every active principal once.
func (s *Scheduler) RunOnce(ctx context.Context) (Round, error) {
	round := Round{ID: ids.New()}
	principals, err := s.principals.ListActivePrincipals(ctx)
	if err != nil {
		return round, err
	}
	round.Principals = len(principals)
	entry := s.log.WithField("sync_id", round.ID)
	started := time.Now()

	var synced, failed, jobs atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, p := range principals {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := s.syncer.Sync(ctx, p)
			if err != nil {
				failed.Add(1)
				entry.WithFields(logrus.Fields{
					"character_id":   p.CharacterID,
					"corporation_id": p.Corporation(),
				}).WithError(err).Warn("principal sync failed")
				return nil
			}
			synced.Add(1)
			jobs.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	round.Synced = int(synced.Load())
	round.Failed = int(failed.Load())
	round.Jobs = int(jobs.Load())
	entry.WithFields(logrus.Fields{
		"principals":  round.Principals,
		"synced":      round.Synced,
		"failed":      round.Failed,
		"job_count":   round.Jobs,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("sync round complete")
	return round, ctx.Err()
}
