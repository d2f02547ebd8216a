// testserver starts a funclite API server on the in-memory fake provisioner
// for E2E testing.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/funclite/internal/api"
	"github.com/seantiz/funclite/internal/config"
	"github.com/seantiz/funclite/internal/fleet"
	"github.com/seantiz/funclite/internal/function"
	"github.com/seantiz/funclite/internal/model"
	"github.com/seantiz/funclite/internal/pkgstore"
	"github.com/seantiz/funclite/internal/pool"
	"github.com/seantiz/funclite/internal/provisioner"
	"github.com/seantiz/funclite/internal/provisioner/fake"
	"github.com/seantiz/funclite/internal/reconciler"
	"github.com/seantiz/funclite/internal/retry"
	"github.com/seantiz/funclite/internal/store"
)

// greeting wraps every payload so tests can tell a worker answered.
type greeting struct {
	Worker string          `json:"worker"`
	Echo   json.RawMessage `json:"echo"`
}

func main() {
	cfg := config.Default()
	cfg.DBPath = ":memory:"
	cfg.FunctionsURL = "mem://"
	cfg.Provisioner = config.ProvisionerFake
	if v := os.Getenv("FUNCLITE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	cfg.Auth.JWTSecret = os.Getenv("FUNCLITE_JWT_SECRET")

	logger := config.NewLogger(os.Stdout, cfg.Level())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	packages, err := pkgstore.Open(ctx, cfg.FunctionsURL)
	if err != nil {
		log.Fatalf("failed to open package store: %v", err)
	}
	defer packages.Close()

	prov := fake.New()
	prov.SetInvokeHandler(func(address string, payload json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(greeting{Worker: address, Echo: payload})
	})

	runtimes := provisioner.NewRegistry()
	for _, tag := range model.Tags {
		runtimes.Register(tag, provisioner.NewDirectRuntime(prov, time.Second))
	}
	pools := pool.NewManager(prov, runtimes, pool.Options{
		Targets: map[model.Tag]int{
			model.TagNode:   2,
			model.TagPython: 2,
			model.TagRuby:   1,
			model.TagGo:     1,
		},
		CreateRetry: retry.Policy{Attempts: 1},
	}, logger)

	opts := fleet.DefaultOptions()
	opts.CreateRetry = retry.Policy{Attempts: 1}
	fl := fleet.New(prov, opts, logger)
	defer fl.Wait()

	rec := reconciler.New(pools, fl, reconciler.Options{Interval: time.Second}, logger)
	if _, err := rec.RunOnce(ctx); err != nil {
		log.Fatalf("initial reconcile: %v", err)
	}
	if err := rec.Start(); err != nil {
		log.Fatalf("start reconciler: %v", err)
	}
	defer rec.Stop(context.Background())

	srv := api.NewServer(cfg.ListenAddr, api.Services{
		Functions: function.NewRegistry(packages, pools, runtimes, db, logger),
		Fleet:     fl,
		Pools:     pools,
		Store:     db,
	}, cfg.Auth.JWTSecret, logger)

	logger.Info("testserver: starting", "addr", cfg.ListenAddr)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
