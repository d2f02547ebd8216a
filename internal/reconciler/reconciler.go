// Package reconciler runs the periodic control loop that tops up worker
// pools, warms idle workers and evaluates replica group scaling.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 5 * time.Minute
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funclite_reconcile_runs_total",
			Help: "Reconciliation runs by outcome.",
		},
		[]string{"outcome"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "funclite_reconcile_duration_seconds",
			Help:    "Duration of completed reconciliation runs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
}

// Pool is the worker pool side of a run.
type Pool interface {
	ReconcileAll(ctx context.Context) error
	WarmUp(ctx context.Context) error
}

// Fleet is the replica group side of a run.
type Fleet interface {
	EvaluateAll(ctx context.Context) error
}

// Options configures a Reconciler.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Reconciler owns the schedule and the single-run guard.
type Reconciler struct {
	pool   Pool
	fleet  Fleet
	opts   Options
	logger *slog.Logger

	running atomic.Bool
	cron    *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a reconciler. Either side may be nil.
func New(pool Pool, fleet Fleet, opts Options, logger *slog.Logger) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		pool:   pool,
		fleet:  fleet,
		opts:   opts,
		logger: logger,
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start schedules a run every interval.
func (r *Reconciler) Start() error {
	spec := fmt.Sprintf("@every %s", r.opts.Interval)
	if _, err := r.cron.AddFunc(spec, r.tick); err != nil {
		return fmt.Errorf("schedule reconciler %q: %w", spec, err)
	}
	r.cron.Start()
	r.logger.Info("reconciler started", "interval", r.opts.Interval.String())
	return nil
}

// Stop unschedules future runs, cancels the one in flight and waits for it
// until ctx is done.
func (r *Reconciler) Stop(ctx context.Context) {
	done := r.cron.Stop()
	r.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		r.logger.Warn("reconciler did not stop in time")
	}
}

// tick is one scheduled run. Errors end here so the next tick still fires.
func (r *Reconciler) tick() {
	ctx, cancel := context.WithTimeout(r.ctx, r.opts.Timeout)
	defer cancel()

	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error("reconcile failed", "error", err)
	}
}

// RunOnce performs one run unless another is already in progress, in which
// case it returns false immediately.
func (r *Reconciler) RunOnce(ctx context.Context) (bool, error) {
	if !r.running.CompareAndSwap(false, true) {
		runsTotal.WithLabelValues("skipped").Inc()
		r.logger.Info("reconcile already running, skipping")
		return false, nil
	}
	defer r.running.Store(false)

	start := time.Now()
	var (
		wg                sync.WaitGroup
		poolErr, fleetErr error
	)
	if r.pool != nil {
		wg.Go(func() {
			poolErr = recovered("pool", func() error { return r.reconcilePool(ctx) })
		})
	}
	if r.fleet != nil {
		wg.Go(func() {
			fleetErr = recovered("fleet", func() error { return r.fleet.EvaluateAll(ctx) })
		})
	}
	wg.Wait()

	err := errors.Join(poolErr, fleetErr)
	elapsed := time.Since(start)
	runDuration.Observe(elapsed.Seconds())
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return true, err
	}
	runsTotal.WithLabelValues("ok").Inc()
	r.logger.Debug("reconcile finished", "duration_ms", elapsed.Milliseconds())
	return true, nil
}

func (r *Reconciler) reconcilePool(ctx context.Context) error {
	reconcileErr := r.pool.ReconcileAll(ctx)
	warmErr := r.pool.WarmUp(ctx)
	if warmErr != nil {
		warmErr = fmt.Errorf("warm up: %w", warmErr)
	}
	return errors.Join(reconcileErr, warmErr)
}

// recovered runs fn, turning a panic into an error.
func recovered(side string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			runsTotal.WithLabelValues("panic").Inc()
			err = fmt.Errorf("%s reconcile panicked: %v", side, p)
		}
	}()
	return fn()
}
