// Package pool keeps a FIFO queue of warm, idle workers per tag. Workers are
// handed out once and never returned: replenishment always creates fresh ones.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/funclite/internal/model"
	"github.com/seantiz/funclite/internal/provisioner"
	"github.com/seantiz/funclite/internal/retry"
)

const defaultParallelism = 8

var (
	// ErrNoCapacity is returned by Acquire when a pool has no idle worker.
	ErrNoCapacity = errors.New("no idle worker available")

	// ErrUnknownTag is returned for tags the manager was not configured with.
	ErrUnknownTag = errors.New("unknown tag")
)

// Options configures a Manager.
type Options struct {
	// Targets is the idle-queue size to maintain per tag.
	Targets map[model.Tag]int

	// CreateRetry governs worker creation. Zero value means retry.DefaultPolicy.
	CreateRetry retry.Policy

	// CreateTimeout bounds each creation attempt. Zero means no bound.
	CreateTimeout time.Duration

	// Parallelism bounds concurrent provider calls within one operation.
	Parallelism int

	// CPUs and MemMB go into every WorkerSpec. Zero leaves the driver default.
	CPUs  int
	MemMB int
}

// queue is one tag's idle FIFO. It has its own lock so tags never contend.
type queue struct {
	tag    model.Tag
	target int

	mu       sync.Mutex
	idle     []*model.Worker
	inFlight int

	// warming holds idle workers with a warm-up request outstanding. They
	// keep their place in idle but Acquire passes over them.
	warming map[*model.Worker]bool
}

// Status is a snapshot of one pool.
type Status struct {
	Tag          model.Tag          `json:"tag"`
	Target       int                `json:"target"`
	Idle         int                `json:"idle"`
	Provisioning int                `json:"provisioning"`
	Workers      []model.WorkerView `json:"workers"`
}

// Manager owns the idle queues and the workers in them.
type Manager struct {
	prov     provisioner.Provisioner
	runtimes *provisioner.Registry
	queues   map[model.Tag]*queue
	opts     Options
	logger   *slog.Logger
}

// NewManager creates a manager with one empty queue per configured tag.
func NewManager(p provisioner.Provisioner, runtimes *provisioner.Registry, opts Options, logger *slog.Logger) *Manager {
	if opts.CreateRetry.Attempts == 0 {
		opts.CreateRetry = retry.DefaultPolicy
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}

	queues := make(map[model.Tag]*queue, len(opts.Targets))
	for tag, target := range opts.Targets {
		queues[tag] = &queue{tag: tag, target: target, warming: make(map[*model.Worker]bool)}
		idleWorkers.WithLabelValues(string(tag)).Set(0)
	}

	return &Manager{
		prov:     p,
		runtimes: runtimes,
		queues:   queues,
		opts:     opts,
		logger:   logger,
	}
}

// Tags returns the configured tags in a stable order.
func (m *Manager) Tags() []model.Tag {
	tags := make([]model.Tag, 0, len(m.queues))
	for tag := range m.queues {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

func (m *Manager) queue(tag model.Tag) (*queue, error) {
	q, ok := m.queues[tag]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	return q, nil
}

// Acquire hands out the oldest idle worker for tag that is not being warmed.
// It never waits and never provisions: a pool with no such worker fails with
// ErrNoCapacity.
func (m *Manager) Acquire(ctx context.Context, tag model.Tag) (*model.Worker, error) {
	q, err := m.queue(tag)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	var w *model.Worker
	for i := 0; i < len(q.idle); {
		x := q.idle[i]
		if q.warming[x] {
			i++
			continue
		}
		q.idle = slices.Delete(q.idle, i, i+1)
		if x.MarkInUse() {
			w = x
			break
		}
	}
	idleWorkers.WithLabelValues(string(tag)).Set(float64(len(q.idle)))
	q.mu.Unlock()

	if w == nil {
		acquisitionsTotal.WithLabelValues(string(tag), "no_capacity").Inc()
		return nil, fmt.Errorf("acquire %s worker: %w", tag, ErrNoCapacity)
	}
	acquisitionsTotal.WithLabelValues(string(tag), "ok").Inc()

	// The flag on the worker is authoritative; the provider-side mark only
	// matters for recovery after a restart.
	if err := m.prov.MarkInUse(ctx, w.ID); err != nil {
		m.logger.Warn("record worker in use", "tag", tag, "worker_id", w.ID, "error", err)
	}
	return w, nil
}

// MarkUsed retires w from its pool. Calling it more than once, or on a worker
// obtained through Acquire, has no further effect.
func (m *Manager) MarkUsed(ctx context.Context, w *model.Worker) {
	claimed := w.MarkInUse()

	if q, ok := m.queues[w.Tag]; ok {
		q.mu.Lock()
		q.idle = slices.DeleteFunc(q.idle, func(x *model.Worker) bool { return x == w })
		idleWorkers.WithLabelValues(string(w.Tag)).Set(float64(len(q.idle)))
		q.mu.Unlock()
	}

	if claimed {
		if err := m.prov.MarkInUse(ctx, w.ID); err != nil {
			m.logger.Warn("record worker in use", "tag", w.Tag, "worker_id", w.ID, "error", err)
		}
	}
}

// Retire deletes a consumed worker through the provisioner.
func (m *Manager) Retire(ctx context.Context, w *model.Worker) error {
	w.Transition(model.WorkerDeleting)
	if err := m.prov.DeleteWorker(ctx, w.ID); err != nil {
		return fmt.Errorf("delete worker %s: %w", w.ID, err)
	}
	w.Transition(model.WorkerGone)
	m.logger.Info("worker retired", "tag", w.Tag, "worker_id", w.ID)
	return nil
}

// Reconcile tops the tag's queue up to its target. Workers are created in
// parallel; each failure is logged and leaves its siblings alone. It returns
// the number of workers added and the joined creation errors.
func (m *Manager) Reconcile(ctx context.Context, tag model.Tag) (int, error) {
	q, err := m.queue(tag)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	needed := q.target - len(q.idle) - q.inFlight
	if needed <= 0 {
		q.mu.Unlock()
		return 0, nil
	}
	q.inFlight += needed
	q.mu.Unlock()

	m.logger.Info("replenishing pool", "tag", tag, "needed", needed)

	var (
		g     errgroup.Group
		mu    sync.Mutex
		added int
		errs  []error
	)
	g.SetLimit(m.opts.Parallelism)
	for i := 0; i < needed; i++ {
		g.Go(func() error {
			w, err := m.create(ctx, tag)

			q.mu.Lock()
			q.inFlight--
			if err == nil {
				q.idle = append(q.idle, w)
				idleWorkers.WithLabelValues(string(tag)).Set(float64(len(q.idle)))
			}
			q.mu.Unlock()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.logger.Error("provision worker", "tag", tag, "error", err)
				errs = append(errs, err)
				return nil
			}
			added++
			return nil
		})
	}
	_ = g.Wait()

	return added, errors.Join(errs...)
}

func (m *Manager) create(ctx context.Context, tag model.Tag) (*model.Worker, error) {
	spec := provisioner.WorkerSpec{
		Name:  model.NewName(string(tag)),
		Tag:   tag,
		CPUs:  m.opts.CPUs,
		MemMB: m.opts.MemMB,
	}

	info, err := retry.DoValue(ctx, m.opts.CreateRetry, func(ctx context.Context) (provisioner.WorkerInfo, error) {
		if m.opts.CreateTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.opts.CreateTimeout)
			defer cancel()
		}
		return m.prov.CreateWorker(ctx, spec)
	})
	if err != nil {
		provisionedTotal.WithLabelValues(string(tag), "error").Inc()
		return nil, fmt.Errorf("%w: create %s worker: %w", provisioner.ErrProvisioning, tag, err)
	}

	provisionedTotal.WithLabelValues(string(tag), "ok").Inc()
	m.logger.Info("worker provisioned", "tag", tag, "worker_id", info.ID, "address", info.Address)
	return model.NewWorker(info.ID, tag, info.Address), nil
}

// ReconcileAll reconciles every tag concurrently and joins the errors.
func (m *Manager) ReconcileAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, tag := range m.Tags() {
		wg.Go(func() {
			if _, err := m.Reconcile(ctx, tag); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("reconcile %s: %w", tag, err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

// WarmUp sends the tag's warm-up request to every idle worker. All calls run
// concurrently and are joined; failures are logged and returned joined. A
// worker is held back from Acquire until its own warm-up call returns. Tags
// on a DirectRuntime have nothing to warm and are skipped.
func (m *Manager) WarmUp(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(m.opts.Parallelism)

	for _, tag := range m.Tags() {
		rt, err := m.runtimes.Resolve(tag)
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			continue
		}
		if _, direct := rt.(*provisioner.DirectRuntime); direct {
			continue
		}
		q := m.queues[tag]
		for _, w := range q.beginWarmUp() {
			g.Go(func() error {
				defer q.endWarmUp(w)
				if err := rt.WarmUp(ctx, w); err != nil {
					m.logger.Warn("warm up worker", "tag", tag, "worker_id", w.ID, "error", err)
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// beginWarmUp flags and returns the idle workers not already being warmed.
func (q *queue) beginWarmUp() []*model.Worker {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*model.Worker
	for _, w := range q.idle {
		if !q.warming[w] {
			q.warming[w] = true
			out = append(out, w)
		}
	}
	return out
}

func (q *queue) endWarmUp(w *model.Worker) {
	q.mu.Lock()
	delete(q.warming, w)
	q.mu.Unlock()
}

// Recover rebuilds the queues from the provisioner at startup. Workers that
// carry an in-use mark belonged to a previous process and are deleted; the
// rest seed the idle queues.
func (m *Manager) Recover(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(m.opts.Parallelism)

	for _, tag := range m.Tags() {
		infos, err := m.prov.ListWorkers(ctx, tag)
		if err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("list %s workers: %w", tag, err))
			mu.Unlock()
			continue
		}

		q := m.queues[tag]
		seeded := 0
		for _, info := range infos {
			if info.InUse {
				g.Go(func() error {
					if err := m.prov.DeleteWorker(ctx, info.ID); err != nil {
						m.logger.Error("delete stale worker", "tag", tag, "worker_id", info.ID, "error", err)
						mu.Lock()
						errs = append(errs, err)
						mu.Unlock()
						return nil
					}
					m.logger.Info("deleted stale worker", "tag", tag, "worker_id", info.ID)
					return nil
				})
				continue
			}
			q.mu.Lock()
			q.idle = append(q.idle, model.NewWorker(info.ID, tag, info.Address))
			idleWorkers.WithLabelValues(string(tag)).Set(float64(len(q.idle)))
			q.mu.Unlock()
			seeded++
		}
		m.logger.Info("pool recovered", "tag", tag, "idle", seeded, "stale", len(infos)-seeded)
	}

	_ = g.Wait()
	return errors.Join(errs...)
}

// Status returns a snapshot of every pool.
func (m *Manager) Status() []Status {
	out := make([]Status, 0, len(m.queues))
	for _, tag := range m.Tags() {
		q := m.queues[tag]
		q.mu.Lock()
		st := Status{
			Tag:          tag,
			Target:       q.target,
			Idle:         len(q.idle),
			Provisioning: q.inFlight,
			Workers:      make([]model.WorkerView, 0, len(q.idle)),
		}
		for _, w := range q.idle {
			st.Workers = append(st.Workers, w.View())
		}
		q.mu.Unlock()
		out = append(out, st)
	}
	return out
}
