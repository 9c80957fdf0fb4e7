// Package app assembles the tracker from configuration for the binaries in cmd/.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"indytrack.org/internal/auth"
	"indytrack.org/internal/config"
	"indytrack.org/internal/credential"
	"indytrack.org/internal/esi"
	"indytrack.org/internal/events"
	"indytrack.org/internal/industry"
	"indytrack.org/internal/obs"
	"indytrack.org/internal/store/pg"
	"indytrack.org/internal/tracker"
)

// App holds the wired components shared by the API server and the CLI tools.
type App struct {
	Service    *tracker.Service
	Sessions   *auth.Sessions
	Hub        *events.Hub
	Principals auth.PrincipalStore
	// DB is nil when the in-memory stores are in use.
	DB *sql.DB

	store *pg.Store
}

type stores struct {
	principals   auth.PrincipalStore
	credentials  credential.Store
	ledger       industry.Ledger
	requirements industry.RequirementStore
	assignments  industry.AssignmentStore
}

// Build wires the tracker. An empty database DSN selects in-memory stores.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Hub: events.NewHub()}

	var st stores
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("ping db: %w", err)
		}
		a.store, a.DB = store, store.DB()
		st = stores{store, store, store, store, store}
	} else {
		obs.Logger().Warn("database.dsn is empty, using in-memory stores")
		mem := industry.NewInMemory()
		st = stores{auth.NewInMemory(), credential.NewInMemory(), mem, mem, mem}
	}

	client, err := esi.New(esi.Config{
		ClientID:     cfg.SSO.ClientID,
		ClientSecret: cfg.SSO.ClientSecret,
		CallbackURL:  cfg.SSO.CallbackURL,
		AuthorizeURL: cfg.SSO.AuthorizeURL,
		TokenURL:     cfg.SSO.TokenURL,
		Scopes:       cfg.SSO.Scopes,
		BaseURL:      cfg.ESI.BaseURL,
		UserAgent:    cfg.ESI.UserAgent,
		Timeout:      cfg.ESI.Timeout,
		RatePerSec:   cfg.ESI.RatePerSec,
		Burst:        cfg.ESI.Burst,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if !cfg.SSO.VerifySignature {
		obs.Logger().Warn("sso.verify_signature is off, access tokens are decoded without verification")
	}
	verifier := esi.NewVerifier(esi.VerifierConfig{
		JWKSURL:         cfg.SSO.JWKSURL,
		Issuers:         cfg.SSO.Issuers,
		VerifySignature: cfg.SSO.VerifySignature,
	}, nil)

	log := obs.Logger()
	credentials := credential.NewManager(st.credentials, client,
		credential.WithSkew(cfg.Credential.ExpirySkew),
		credential.WithLogger(log),
	)
	reconciler := industry.NewReconciler(st.ledger, industry.WithNotifier(a.Hub))

	a.Service, err = tracker.NewService(tracker.Deps{
		Remote:       client,
		Verifier:     verifier,
		Principals:   st.principals,
		Credentials:  credentials,
		Reconciler:   reconciler,
		Ledger:       st.ledger,
		Requirements: st.requirements,
		Assignments:  st.assignments,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Sessions, err = auth.NewSessions(cfg.Session.Secret, cfg.Session.TTL)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Principals = st.principals

	log.WithFields(logrus.Fields{
		"persistent": a.DB != nil,
		"esi":        cfg.ESI.BaseURL,
	}).Info("tracker wired")
	return a, nil
}

// Close releases the database handle, if any.
func (a *App) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}
