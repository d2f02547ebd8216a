// Package function maps function names and version numbers to code packages
// and to the worker each version is bound to, and dispatches invocations.
package function

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/funclite/internal/model"
	"github.com/seantiz/funclite/internal/pkgstore"
	"github.com/seantiz/funclite/internal/provisioner"
)

var (
	// ErrNotFound is returned for unknown functions and versions.
	ErrNotFound = errors.New("function not found")

	// ErrTagMismatch is returned when a new version names a different tag
	// than the function was created with.
	ErrTagMismatch = errors.New("function registered with a different tag")

	// ErrInvalidName is returned for names that cannot be used as a path segment.
	ErrInvalidName = errors.New("invalid function name")
)

var validName = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

// WorkerSource hands out fresh workers and destroys consumed ones.
type WorkerSource interface {
	Acquire(ctx context.Context, tag model.Tag) (*model.Worker, error)
	Retire(ctx context.Context, w *model.Worker) error
}

// Recorder persists invocation records.
type Recorder interface {
	RecordInvocation(ctx context.Context, inv *model.Invocation) error
}

type version struct {
	number int
	key    string

	// mu serializes binding and invocations: a worker serves one request at a time.
	mu      sync.Mutex
	worker  *model.Worker
	deleted bool
}

type function struct {
	name string
	tag  model.Tag

	mu       sync.Mutex
	versions map[int]*version
	issued   int

	// deleted is set under mu once the function has left the registry. A
	// caller that finds it set must look the name up again.
	deleted bool
}

// Info describes a function.
type Info struct {
	Name     string    `json:"name"`
	Tag      model.Tag `json:"tag"`
	Versions []int     `json:"versions"`
}

// Registry holds every function and dispatches invocations to bound workers.
type Registry struct {
	packages *pkgstore.Store
	workers  WorkerSource
	runtimes *provisioner.Registry
	recorder Recorder
	logger   *slog.Logger

	mu        sync.RWMutex
	functions map[string]*function
}

// NewRegistry creates an empty registry. recorder may be nil.
func NewRegistry(packages *pkgstore.Store, workers WorkerSource, runtimes *provisioner.Registry, recorder Recorder, logger *slog.Logger) *Registry {
	return &Registry{
		packages:  packages,
		workers:   workers,
		runtimes:  runtimes,
		recorder:  recorder,
		logger:    logger,
		functions: make(map[string]*function),
	}
}

func normalize(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if !validName.MatchString(n) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return n, nil
}

func (r *Registry) lookup(name string) (*function, error) {
	n, err := normalize(name)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.functions[n]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return f, nil
}

// Create stores pkg as the next version of name, creating the function on
// first use. The version only becomes visible once its package is stored.
func (r *Registry) Create(ctx context.Context, name string, tag model.Tag, pkg []byte) (Info, error) {
	n, err := normalize(name)
	if err != nil {
		return Info{}, err
	}
	if _, err := r.runtimes.Resolve(tag); err != nil {
		return Info{}, err
	}

	f, err := r.lockForCreate(n, tag)
	if err != nil {
		return Info{}, err
	}
	defer f.mu.Unlock()

	number := f.issued + 1
	key, err := r.packages.Put(ctx, tag, n, number, pkg)
	if err != nil {
		if len(f.versions) == 0 && f.issued == 0 {
			f.deleted = true
			r.forget(f)
		}
		return Info{}, fmt.Errorf("store %s version %d: %w", n, number, err)
	}
	if err := r.packages.WriteLatest(ctx, tag, n, number); err != nil {
		r.logger.Warn("record latest version", "function", n, "version", number, "error", err)
	}

	f.issued = number
	f.versions[number] = &version{number: number, key: key}
	r.logger.Info("function version created", "function", n, "tag", tag, "version", number, "bytes", len(pkg))

	return f.infoLocked(), nil
}

// lockForCreate returns the live function registered as n, creating it if
// needed, with its mu held.
func (r *Registry) lockForCreate(n string, tag model.Tag) (*function, error) {
	for {
		r.mu.Lock()
		f, ok := r.functions[n]
		if !ok {
			f = &function{name: n, tag: tag, versions: make(map[int]*version)}
			r.functions[n] = f
		}
		r.mu.Unlock()

		f.mu.Lock()
		if f.deleted {
			f.mu.Unlock()
			continue
		}
		if f.tag != tag {
			f.mu.Unlock()
			return nil, fmt.Errorf("%w: %q is %s, not %s", ErrTagMismatch, n, f.tag, tag)
		}
		return f, nil
	}
}

// forget drops f from the registry if it is still the registered entry.
func (r *Registry) forget(f *function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.functions[f.name] == f {
		delete(r.functions, f.name)
	}
}

func (f *function) infoLocked() Info {
	return Info{
		Name:     f.name,
		Tag:      f.tag,
		Versions: slices.Sorted(maps.Keys(f.versions)),
	}
}

func (f *function) info() Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infoLocked()
}

// resolve returns the requested version, or the highest one when number is 0.
func (f *function) resolve(number int) (*version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if number == 0 {
		if len(f.versions) == 0 {
			return nil, fmt.Errorf("%w: %q has no versions", ErrNotFound, f.name)
		}
		number = slices.Max(slices.Collect(maps.Keys(f.versions)))
	}
	v, ok := f.versions[number]
	if !ok {
		return nil, fmt.Errorf("%w: %q version %d", ErrNotFound, f.name, number)
	}
	return v, nil
}

// Run invokes a version of name with payload and returns the response.
// A version of 0 selects the latest. The first invocation of a version binds
// a worker from the pool and uploads the package to it.
func (r *Registry) Run(ctx context.Context, name string, number int, payload json.RawMessage) (json.RawMessage, error) {
	f, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	v, err := f.resolve(number)
	if err != nil {
		return nil, err
	}
	rt, err := r.runtimes.Resolve(f.tag)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, workerID, err := r.dispatch(ctx, f, v, rt, payload)
	elapsed := time.Since(start)

	outcome := model.InvocationSucceeded
	if err != nil {
		outcome = model.InvocationFailed
	}
	invocationsTotal.WithLabelValues(string(f.tag), outcome).Inc()
	invocationDuration.WithLabelValues(string(f.tag)).Observe(elapsed.Seconds())
	r.record(ctx, f, v, workerID, elapsed, err)

	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Registry) dispatch(ctx context.Context, f *function, v *version, rt provisioner.Runtime, payload json.RawMessage) (json.RawMessage, string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.deleted {
		return nil, "", fmt.Errorf("%w: %q version %d", ErrNotFound, f.name, v.number)
	}
	if v.worker == nil {
		w, err := r.bind(ctx, f, v, rt)
		if err != nil {
			return nil, "", err
		}
		v.worker = w
	}

	resp, err := rt.SendInvoke(ctx, v.worker, payload)
	if err != nil {
		return nil, v.worker.ID, fmt.Errorf("%w: %w", provisioner.ErrProvisioning, err)
	}
	return resp, v.worker.ID, nil
}

// bind acquires a worker for v and loads its package. A worker whose upload
// fails is retired, since it has already left the pool.
func (r *Registry) bind(ctx context.Context, f *function, v *version, rt provisioner.Runtime) (*model.Worker, error) {
	pkg, err := r.packages.Get(ctx, v.key)
	if err != nil {
		bindingsTotal.WithLabelValues(string(f.tag), "error").Inc()
		return nil, fmt.Errorf("load %s version %d: %w", f.name, v.number, err)
	}

	w, err := r.workers.Acquire(ctx, f.tag)
	if err != nil {
		bindingsTotal.WithLabelValues(string(f.tag), "no_worker").Inc()
		return nil, err
	}

	if err := rt.UploadCode(ctx, w, pkg); err != nil {
		bindingsTotal.WithLabelValues(string(f.tag), "error").Inc()
		if rerr := r.workers.Retire(context.WithoutCancel(ctx), w); rerr != nil {
			r.logger.Error("retire worker after failed upload", "worker_id", w.ID, "error", rerr)
		}
		return nil, fmt.Errorf("%w: %w", provisioner.ErrProvisioning, err)
	}

	bindingsTotal.WithLabelValues(string(f.tag), "ok").Inc()
	r.logger.Info("worker bound", "function", f.name, "version", v.number, "worker_id", w.ID)
	return w, nil
}

func (r *Registry) record(ctx context.Context, f *function, v *version, workerID string, elapsed time.Duration, runErr error) {
	if r.recorder == nil {
		return
	}
	inv := &model.Invocation{
		ID:         model.NewID(),
		Function:   f.name,
		Version:    v.number,
		Tag:        f.tag,
		WorkerID:   workerID,
		Status:     model.InvocationSucceeded,
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if runErr != nil {
		inv.Status = model.InvocationFailed
		inv.Error = runErr.Error()
	}
	if err := r.recorder.RecordInvocation(context.WithoutCancel(ctx), inv); err != nil {
		r.logger.Warn("record invocation", "function", f.name, "version", v.number, "error", err)
	}
}

// DeleteVersion removes one version. Its bound worker, if any, is deleted
// first; a failure there is logged and does not stop the removal.
func (r *Registry) DeleteVersion(ctx context.Context, name string, number int) error {
	f, err := r.lookup(name)
	if err != nil {
		return err
	}

	f.mu.Lock()
	v, ok := f.versions[number]
	if ok {
		delete(f.versions, number)
	}
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q version %d", ErrNotFound, f.name, number)
	}

	return r.dropVersion(ctx, f, v)
}

func (r *Registry) dropVersion(ctx context.Context, f *function, v *version) error {
	v.mu.Lock()
	v.deleted = true
	w := v.worker
	v.worker = nil
	v.mu.Unlock()

	if w != nil {
		if err := r.workers.Retire(ctx, w); err != nil {
			r.logger.Error("delete bound worker", "function", f.name, "version", v.number, "worker_id", w.ID, "error", err)
		}
	}

	if err := r.packages.DeleteVersion(ctx, f.tag, f.name, v.number); err != nil {
		r.logger.Error("delete package", "function", f.name, "version", v.number, "error", err)
		return fmt.Errorf("delete %s version %d package: %w", f.name, v.number, err)
	}
	r.logger.Info("function version deleted", "function", f.name, "version", v.number)
	return nil
}

// DeleteFunction removes every version of name and then the function itself.
// A Create racing with it either lands before the removal, and is removed
// with the rest, or starts a fresh function once the removal is done.
func (r *Registry) DeleteFunction(ctx context.Context, name string) error {
	f, err := r.lookup(name)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	f.deleted = true
	versions := slices.Collect(maps.Values(f.versions))
	clear(f.versions)
	defer r.forget(f)

	var errs []error
	for _, v := range versions {
		if err := r.dropVersion(ctx, f, v); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.packages.DeleteFunction(ctx, f.tag, f.name); err != nil {
		errs = append(errs, fmt.Errorf("delete %s packages: %w", f.name, err))
	}

	r.logger.Info("function deleted", "function", f.name, "versions", len(versions))
	return errors.Join(errs...)
}

// List returns every function sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	fns := slices.Collect(maps.Values(r.functions))
	r.mu.RUnlock()

	out := make([]Info, 0, len(fns))
	for _, f := range fns {
		out = append(out, f.info())
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Describe returns one function.
func (r *Registry) Describe(name string) (Info, error) {
	f, err := r.lookup(name)
	if err != nil {
		return Info{}, err
	}
	return f.info(), nil
}

// Versions returns the version numbers of name in ascending order.
func (r *Registry) Versions(name string) ([]int, error) {
	info, err := r.Describe(name)
	if err != nil {
		return nil, err
	}
	return info.Versions, nil
}

// Load registers the functions found in the package store. It is meant to
// run once at startup before any other call.
func (r *Registry) Load(ctx context.Context) error {
	byTag, err := r.packages.Functions(ctx)
	if err != nil {
		return fmt.Errorf("list stored functions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, tag := range slices.Sorted(maps.Keys(byTag)) {
		for _, name := range byTag[tag] {
			if !validName.MatchString(name) {
				r.logger.Warn("skipping stored function with invalid name", "function", name, "tag", tag)
				continue
			}
			if existing, ok := r.functions[name]; ok {
				r.logger.Warn("skipping duplicate stored function", "function", name, "tag", tag, "registered_tag", existing.tag)
				continue
			}

			numbers, err := r.packages.Versions(ctx, tag, name)
			if err != nil {
				return fmt.Errorf("list versions of %s: %w", name, err)
			}
			issued, err := r.packages.ReadLatest(ctx, tag, name)
			if err != nil {
				r.logger.Warn("read latest version", "function", name, "error", err)
			}

			f := &function{name: name, tag: tag, versions: make(map[int]*version, len(numbers)), issued: issued}
			for _, n := range numbers {
				f.versions[n] = &version{number: n, key: pkgstore.Key(tag, name, n)}
				f.issued = max(f.issued, n)
			}
			r.functions[name] = f
			loaded++
		}
	}

	r.logger.Info("functions loaded", "count", loaded)
	return nil
}
