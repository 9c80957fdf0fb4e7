package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"indytrack.org/internal/migrate"
	"indytrack.org/internal/obs"
	"indytrack.org/ops/migrations"
)

func main() {
	var (
		dsn       = flag.String("dsn", os.Getenv("INDY_DATABASE_DSN"), "PostgreSQL DSN")
		seedsPath = flag.String("seeds", "", "Path to SQL seeds (optional)")
	)
	flag.Parse()

	log := obs.Logger()
	if strings.TrimSpace(*dsn) == "" {
		log.Fatal("missing DSN: provide via -dsn or INDY_DATABASE_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.WithError(err).Fatal("open db")
	}
	defer db.Close()

	var seeds fs.FS
	if *seedsPath != "" {
		seeds = os.DirFS(*seedsPath)
	}
	mgr := migrate.NewManager(db, migrations.SQL(), seeds)

	var names []string
	switch flag.Arg(0) {
	case "up":
		names, err = mgr.Up(ctx)
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if errors.Is(err, migrate.ErrNothingToRollback) {
			log.Info("nothing to roll back")
			return
		}
		if name != "" {
			names = []string{name}
		}
	case "seed":
		names, err = mgr.Seed(ctx)
	case "status":
		names, err = mgr.Status(ctx)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.WithError(err).Fatalf("migrate %s", flag.Arg(0))
	}
	for _, name := range names {
		fmt.Println(name)
	}
	log.WithField("count", len(names)).Infof("migrate %s done", flag.Arg(0))
}
