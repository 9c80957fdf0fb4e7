package industry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"indytrack.org/internal/auth"
	"indytrack.org/internal/obs"
)

// Notifier receives the changes of every committed reconciliation.
type Notifier interface {
	Notify(changes []JobChange)
}

// Reconciler merges remote job snapshots into the Ledger.
type Reconciler struct {
	ledger   Ledger
	notifier Notifier
	now      func() time.Time
	log      *logrus.Logger
}

// ReconcilerOption configures Reconciler.
type ReconcilerOption func(*Reconciler)

// WithNotifier publishes committed changes.
func WithNotifier(n Notifier) ReconcilerOption {
	return func(r *Reconciler) { r.notifier = n }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if fn != nil {
			r.now = fn
		}
	}
}

func NewReconciler(ledger Ledger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{ledger: ledger, now: time.Now, log: obs.Logger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile merges character and corporation snapshots for principal. New jobs
// are attributed to principal as installer and to its corporation as owner.
// Every snapshot is validated before anything is written: one malformed
// snapshot fails the call with ErrMalformedSnapshot and the ledger is left
// untouched. Storage failures are reported as ErrSyncFailed; the call is safe
// to repeat. The result counts processed snapshots, duplicates included.
func (r *Reconciler) Reconcile(ctx context.Context, p auth.Principal, character, corporation []Snapshot) (int, error) {
	var owner *int64
	if p.HasCorporation() {
		id := p.Corporation()
		owner = &id
	}

	jobs := make([]Job, 0, len(character)+len(corporation))
	for _, batch := range [][]Snapshot{character, corporation} {
		for _, snap := range batch {
			job, err := snap.toJob(p.CharacterID, owner)
			if err != nil {
				obs.ObserveSync("malformed")
				return 0, err
			}
			jobs = append(jobs, job)
		}
	}
	if len(jobs) == 0 {
		obs.ObserveSync("ok")
		return 0, nil
	}

	changes, err := r.ledger.UpsertJobs(ctx, jobs, r.now())
	if err != nil {
		obs.ObserveSync("failed")
		return 0, fmt.Errorf("%w: %w", ErrSyncFailed, err)
	}

	var created, updated int
	for _, c := range changes {
		if c.Kind == ChangeCreated {
			created++
		} else {
			updated++
		}
	}
	obs.ObserveSync("ok")
	obs.ObserveJobs(string(ChangeCreated), created)
	obs.ObserveJobs(string(ChangeUpdated), updated)
	r.log.WithFields(logrus.Fields{
		"character_id": p.CharacterID,
		"job_count":    len(jobs),
		"created":      created,
		"updated":      updated,
	}).Info("jobs reconciled")

	if r.notifier != nil {
		r.notifier.Notify(changes)
	}
	return len(jobs), nil
}
