// Command formactl runs compliance scoring, automation and onboarding
// operations from the shell against PostgreSQL or an in-memory demo dataset.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"formaos.app/internal/app"
	"formaos.app/internal/automation"
	"formaos.app/internal/config"
	"formaos.app/internal/obs"
	"formaos.app/internal/store/memstore"
	"formaos.app/internal/store/pg"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

type globalFlags struct {
	dsn     string
	redis   string
	demo    bool
	timeout time.Duration
}

// session holds the wired services for one command invocation.
type session struct {
	*app.Services
	backend app.Backend
	close   func()
}

func main() {
	// Stdout carries command output; logs go to stderr.
	obs.Logger().SetOutput(os.Stderr)
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}
	flags := &globalFlags{dsn: cfg.PGDSN, redis: cfg.RedisAddr, timeout: time.Minute}

	root := &cobra.Command{
		Use:          "formactl",
		Short:        "Operate FormaOS compliance automation",
		Version:      version,
		SilenceUsage: true,
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&flags.dsn, "dsn", flags.dsn, "PostgreSQL DSN (defaults to FORMAOS_PG_DSN)")
	pf.StringVar(&flags.redis, "redis", flags.redis, "Redis address for the scheduled run lock")
	pf.BoolVar(&flags.demo, "demo", false, "Use a seeded in-memory dataset instead of PostgreSQL")
	pf.DurationVar(&flags.timeout, "timeout", flags.timeout, "Deadline for the command")

	root.AddCommand(
		newScoreCmd(flags),
		newTriggerCmd(flags),
		newEventCmd(flags),
		newScheduledCmd(flags),
		newChecklistCmd(flags),
		newDeadLettersCmd(flags),
		newTokenCmd(cfg.AuthSecret),
	)
	return root
}

// open wires the services against the selected backend. The caller must
// call close when done.
func open(flags *globalFlags) (*session, error) {
	var (
		backend app.Backend
		closers []func()
	)
	switch {
	case flags.demo:
		mem := memstore.New()
		mem.SeedDemo(time.Now())
		backend = mem
	case flags.dsn != "":
		store, err := pg.Open(flags.dsn)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		backend = store
		closers = append(closers, func() { _ = store.Close() })
	default:
		return nil, fmt.Errorf("missing DSN: provide --dsn, FORMAOS_PG_DSN or --demo")
	}

	opts := app.Options{}
	if flags.redis != "" {
		rdb := redis.NewClient(&redis.Options{Addr: flags.redis})
		opts.Lock = automation.NewRedisLock(rdb)
		closers = append(closers, func() { _ = rdb.Close() })
	}

	svc := app.Wire(backend, opts)
	return &session{
		Services: svc,
		backend:  backend,
		close: func() {
			svc.ControlPlane.Wait()
			for _, c := range closers {
				c()
			}
		},
	}, nil
}

// run opens a session bounded by the timeout flag and hands it to fn.
func run(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, s *session) (any, error)) error {
	s, err := open(flags)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()

	result, err := fn(ctx, s)
	if err != nil {
		obs.Error("formactl_command_failed", map[string]any{"command": cmd.CommandPath(), "err": err})
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
