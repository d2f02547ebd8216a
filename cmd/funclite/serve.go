package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/seantiz/funclite/internal/api"
	"github.com/seantiz/funclite/internal/config"
	"github.com/seantiz/funclite/internal/fleet"
	"github.com/seantiz/funclite/internal/function"
	"github.com/seantiz/funclite/internal/model"
	"github.com/seantiz/funclite/internal/pkgstore"
	"github.com/seantiz/funclite/internal/pool"
	"github.com/seantiz/funclite/internal/provisioner"
	"github.com/seantiz/funclite/internal/provisioner/docker"
	"github.com/seantiz/funclite/internal/provisioner/fake"
	"github.com/seantiz/funclite/internal/provisioner/firecracker"
	"github.com/seantiz/funclite/internal/reconciler"
	"github.com/seantiz/funclite/internal/retry"
	"github.com/seantiz/funclite/internal/store"
)

const stopTimeout = 30 * time.Second

// drivers are the provisioners chosen for workers and for replica groups.
type drivers struct {
	workers provisioner.Provisioner
	groups  provisioner.GroupProvisioner

	// shutdown releases driver resources, if any.
	shutdown func(context.Context)
}

func serveCmd(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("funclite: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"functions_url", cfg.FunctionsURL,
		"provisioner", cfg.Provisioner,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	packages, err := pkgstore.Open(ctx, cfg.FunctionsURL)
	if err != nil {
		return err
	}
	defer packages.Close()

	drv, err := newDrivers(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		drv.shutdown(shutdownCtx)
	}()

	targets, err := poolTargets(cfg.Pool.Sizes)
	if err != nil {
		return err
	}
	runtimes := provisioner.DefaultRegistry(drv.workers, model.Tags, cfg.RequestTimeout.Duration)
	createRetry := retry.Policy{Attempts: cfg.Pool.CreateAttempts, Delay: cfg.Pool.CreateRetryDelay.Duration}

	pools := pool.NewManager(drv.workers, runtimes, pool.Options{
		Targets:       targets,
		CreateRetry:   createRetry,
		CreateTimeout: cfg.CreateTimeout.Duration,
		Parallelism:   cfg.Pool.Parallelism,
		CPUs:          cfg.Pool.CPUs,
		MemMB:         cfg.Pool.MemMB,
	}, logger)
	if err := pools.Recover(ctx); err != nil {
		return fmt.Errorf("recover pools: %w", err)
	}

	fl := fleet.New(drv.groups, fleet.Options{
		MinGroups:          cfg.Fleet.MinGroups,
		MaxGroups:          cfg.Fleet.MaxGroups,
		ScaleUpThreshold:   cfg.Fleet.ScaleUpThreshold,
		ScaleDownThreshold: cfg.Fleet.ScaleDownThreshold,
		Window:             cfg.Fleet.UsageWindow.Duration,
		ReadyDelay:         cfg.Fleet.ReadyDelay.Duration,
		CreateRetry:        createRetry,
		CreateTimeout:      cfg.CreateTimeout.Duration,
		RequestTimeout:     cfg.RequestTimeout.Duration,
		Parallelism:        cfg.Pool.Parallelism,
	}, logger)
	defer fl.Wait()
	if err := fl.LoadExisting(ctx); err != nil {
		return fmt.Errorf("load apps: %w", err)
	}

	functions := function.NewRegistry(packages, pools, runtimes, db, logger)
	if err := functions.Load(ctx); err != nil {
		return fmt.Errorf("load functions: %w", err)
	}

	rec := reconciler.New(pools, fl, reconciler.Options{
		Interval: cfg.ReconcileInterval.Duration,
		Timeout:  cfg.ReconcileTimeout.Duration,
	}, logger)
	// The first pass fills the pools before traffic arrives; failures are
	// retried on the next tick.
	if _, err := rec.RunOnce(ctx); err != nil {
		logger.Warn("initial reconcile", "error", err)
	}
	if err := rec.Start(); err != nil {
		return fmt.Errorf("start reconciler: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		rec.Stop(stopCtx)
	}()

	srv := api.NewServer(cfg.ListenAddr, api.Services{
		Functions: functions,
		Fleet:     fl,
		Pools:     pools,
		Store:     db,
	}, cfg.Auth.JWTSecret, logger)

	return srv.Run(ctx)
}

func poolTargets(sizes map[string]int) (map[model.Tag]int, error) {
	targets := make(map[model.Tag]int, len(sizes))
	for name, n := range sizes {
		tag, err := model.ParseTag(name)
		if err != nil {
			return nil, fmt.Errorf("pool sizes: %w", err)
		}
		targets[tag] = n
	}
	return targets, nil
}

func dockerConfig(cfg config.Config) (docker.Config, error) {
	images := make(map[model.Tag]string, len(cfg.Docker.Images))
	for name, image := range cfg.Docker.Images {
		tag, err := model.ParseTag(name)
		if err != nil {
			return docker.Config{}, fmt.Errorf("docker images: %w", err)
		}
		images[tag] = image
	}
	return docker.Config{
		Endpoint:       cfg.Docker.Endpoint,
		Network:        cfg.Docker.Network,
		Images:         images,
		WorkerPort:     cfg.Docker.WorkerPort,
		RequestTimeout: cfg.RequestTimeout.Duration,
	}, nil
}

// newDrivers builds the worker and group provisioners. Replica groups always
// run on Docker unless the fake driver is selected.
func newDrivers(ctx context.Context, cfg config.Config, marks provisioner.MarkStore, logger *slog.Logger) (*drivers, error) {
	if cfg.Provisioner == config.ProvisionerFake {
		logger.Warn("using the in-memory fake provisioner")
		p := fake.New()
		return &drivers{workers: p, groups: p, shutdown: func(context.Context) {}}, nil
	}

	dcfg, err := dockerConfig(cfg)
	if err != nil {
		return nil, err
	}
	dp, err := docker.New(dcfg, marks, logger.With("driver", "docker"))
	if err != nil {
		return nil, err
	}
	if err := dp.Verify(ctx); err != nil {
		return nil, fmt.Errorf("verify docker: %w", err)
	}

	switch cfg.Provisioner {
	case config.ProvisionerDocker:
		return &drivers{workers: dp, groups: dp, shutdown: func(context.Context) {}}, nil
	case config.ProvisionerFirecracker:
		fp, err := firecracker.New(firecracker.Config{
			KernelPath:   cfg.Firecracker.KernelPath,
			RootfsDir:    cfg.Firecracker.RootfsDir,
			Bin:          cfg.Firecracker.Bin,
			CNIConfigDir: cfg.Firecracker.CNIConfigDir,
			CNIBinDir:    cfg.Firecracker.CNIBinDir,
			NetworkName:  cfg.Firecracker.CNINetwork,
			VsockPort:    cfg.Firecracker.VsockPort,
			MaxVMs:       cfg.Firecracker.MaxVMs,
			VCPUs:        cfg.Firecracker.VCPUs,
			MemMB:        cfg.Firecracker.MemMB,
		}, marks, logger.With("driver", "firecracker"))
		if err != nil {
			return nil, err
		}
		if err := fp.Verify(); err != nil {
			return nil, fmt.Errorf("verify firecracker: %w", err)
		}
		return &drivers{workers: fp, groups: dp, shutdown: fp.Shutdown}, nil
	default:
		return nil, fmt.Errorf("%w: unknown provisioner %q", config.ErrInvalid, cfg.Provisioner)
	}
}
