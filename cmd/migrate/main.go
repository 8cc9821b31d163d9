package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"formaos.app/internal/migrate"
	"formaos.app/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("FORMAOS_PG_DSN"), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", 60*time.Second, "Overall deadline for the command")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or FORMAOS_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	migrations, err := fs.Sub(pg.Migrations, "migrations")
	if err != nil {
		log.Fatalf("embedded migrations: %v", err)
	}
	seeds, err := fs.Sub(pg.Seeds, "seeds")
	if err != nil {
		log.Fatalf("embedded seeds: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations, seeds)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		fmt.Printf("applied %d migration(s)\n", len(applied))
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			fmt.Printf("rolled back %s\n", name)
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		fmt.Printf("applied %d seed(s)\n", len(applied))
	case "status":
		var entries []migrate.Entry
		entries, err = mgr.Status(ctx)
		for _, e := range entries {
			mark := "pending"
			if e.Applied {
				mark = "applied"
			}
			fmt.Printf("%-8s %s\n", mark, e.Name)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
