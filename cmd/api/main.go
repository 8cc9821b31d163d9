package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"formaos.app/internal/app"
	"formaos.app/internal/auth"
	"formaos.app/internal/automation"
	"formaos.app/internal/config"
	"formaos.app/internal/controlplane"
	"formaos.app/internal/httpapi"
	"formaos.app/internal/obs"
	"formaos.app/internal/store/memstore"
	"formaos.app/internal/store/pg"
)

var (
	version = "0.4.0"
	commit  = "dev"
)

const demoAuthSecret = "formaos-demo-secret"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Environment)

	traceCfg := obs.TraceConfig{ServiceName: "formaos-api", ServiceVersion: version, Environment: cfg.Environment}
	if cfg.TraceStdout {
		traceCfg.Writer = os.Stdout
	}
	shutdownTracing, err := obs.InitTracing(traceCfg)
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}

	// Without a DSN the API runs against an in-memory demo dataset.
	var (
		backend app.Backend
		closeDB func() error
	)
	demo := cfg.PGDSN == ""
	if demo {
		mem := memstore.New()
		mem.SeedDemo(time.Now())
		backend = mem
		obs.Warn("demo_mode", map[string]any{"org_id": memstore.DemoOrgID})
	} else {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		backend = store
		closeDB = store.Close
	}

	var lock automation.RunLock = automation.NoopLock{}
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		lock = automation.NewRedisLock(rdb)
	}

	secret := cfg.AuthSecret
	if secret == "" && demo {
		secret = demoAuthSecret
	}
	signer, err := auth.NewSigner(secret)
	if err != nil {
		log.Fatalf("auth: %v (set FORMAOS_AUTH_SECRET)", err)
	}

	svc := app.Wire(backend, app.Options{Lock: lock, LockTTL: cfg.Scheduler.LockTTL})

	probe := httpapi.ReadyProbe{DB: backend}
	api := httpapi.New(probe, version, httpapi.Deps{
		Compliance:   svc.Compliance,
		Automation:   svc.Automation,
		Hooks:        svc.Hooks,
		Scheduler:    svc.Scheduler,
		Onboarding:   svc.Onboarding,
		ControlPlane: svc.ControlPlane,
		Signer:       signer,
		CronSecret:   cfg.CronSecret,
		Environment:  controlplane.ResolveEnvironment(cfg.Environment),
		DevTokens:    demo,
	})
	api.SetRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)

	// No WriteTimeout: the control-plane stream holds responses open.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewGRPCHealth(probe)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go health.Watch(ctx, 10*time.Second)

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go func() {
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	log.Printf("Starting formaos-api %s on %s (grpc %s)", version, srv.Addr, cfg.GRPCAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	svc.ControlPlane.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		obs.Warn("trace_shutdown_failed", map[string]any{"err": err})
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if closeDB != nil {
		_ = closeDB()
	}
	log.Println("Stopped")
}
