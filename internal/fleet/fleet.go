// Package fleet manages apps served by interchangeable replica groups: it
// routes requests round-robin across an app's groups and grows or shrinks
// the set from a sliding window of recent usage.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/funclite/internal/model"
	"github.com/seantiz/funclite/internal/provisioner"
	"github.com/seantiz/funclite/internal/retry"
)

const (
	DefaultMinGroups          = 2
	DefaultMaxGroups          = 4
	DefaultScaleUpThreshold   = 4
	DefaultScaleDownThreshold = 0
	DefaultWindow             = 60 * time.Second
	defaultDeleteTimeout      = 5 * time.Minute
)

var (
	// ErrNotFound is returned for unknown apps and apps with no groups.
	ErrNotFound = errors.New("app not found")

	// ErrExists is returned when creating an app that is already registered.
	ErrExists = errors.New("app already exists")

	// ErrInvalidDefinition is returned for unusable app names or group templates.
	ErrInvalidDefinition = errors.New("invalid app definition")
)

// Decision is the outcome of one scaling evaluation.
type Decision string

const (
	DecisionNone      Decision = "none"
	DecisionScaleUp   Decision = "scale_up"
	DecisionScaleDown Decision = "scale_down"
	DecisionBusy      Decision = "busy"
)

// Options configures a Fleet.
type Options struct {
	MinGroups          int
	MaxGroups          int
	ScaleUpThreshold   int
	ScaleDownThreshold int
	Window             time.Duration

	// ReadyDelay is waited after a new group reports ready and before it
	// starts receiving traffic.
	ReadyDelay time.Duration

	CreateRetry    retry.Policy
	CreateTimeout  time.Duration
	DeleteTimeout  time.Duration
	RequestTimeout time.Duration
	Parallelism    int
}

// DefaultOptions returns the stock bounds and thresholds.
func DefaultOptions() Options {
	return Options{
		MinGroups:          DefaultMinGroups,
		MaxGroups:          DefaultMaxGroups,
		ScaleUpThreshold:   DefaultScaleUpThreshold,
		ScaleDownThreshold: DefaultScaleDownThreshold,
		Window:             DefaultWindow,
		CreateRetry:        retry.DefaultPolicy,
		DeleteTimeout:      defaultDeleteTimeout,
	}
}

type app struct {
	name   string
	groups *Collection
	usage  *UsageWindow

	// scaling serializes evaluation and mutation for this app.
	scaling sync.Mutex
}

// AppStatus is a snapshot of one app.
type AppStatus struct {
	Name        string               `json:"name"`
	Groups      []model.ReplicaGroup `json:"groups"`
	RecentUsage int                  `json:"recent_usage"`
}

// Fleet tracks every app and its replica groups.
type Fleet struct {
	prov   provisioner.GroupProvisioner
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	apps map[string]*app

	deletes sync.WaitGroup
}

// New creates an empty fleet.
func New(p provisioner.GroupProvisioner, opts Options, logger *slog.Logger) *Fleet {
	if opts.CreateRetry.Attempts == 0 {
		opts.CreateRetry = retry.DefaultPolicy
	}
	if opts.DeleteTimeout <= 0 {
		opts.DeleteTimeout = defaultDeleteTimeout
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = opts.MaxGroups
	}
	return &Fleet{
		prov:   p,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		apps:   make(map[string]*app),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (f *Fleet) lookup(name string) (*app, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	a, ok := f.apps[normalize(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return a, nil
}

// Dispatch returns the next group for app in round-robin order.
func (f *Fleet) Dispatch(name string) (model.ReplicaGroup, error) {
	a, err := f.lookup(name)
	if err != nil {
		return model.ReplicaGroup{}, err
	}
	g, ok := a.groups.Next()
	if !ok {
		return model.ReplicaGroup{}, fmt.Errorf("%w: %q has no replica groups", ErrNotFound, name)
	}
	dispatchesTotal.WithLabelValues(a.name).Inc()
	return g, nil
}

// RecordUsage adds one event to app's usage window.
func (f *Fleet) RecordUsage(name string) error {
	a, err := f.lookup(name)
	if err != nil {
		return err
	}
	a.usage.Record(f.now())
	return nil
}

// Invoke records usage for app, picks its next group and forwards payload to
// function on that group.
func (f *Fleet) Invoke(ctx context.Context, name, function string, payload json.RawMessage) (json.RawMessage, error) {
	if err := f.RecordUsage(name); err != nil {
		return nil, err
	}
	g, err := f.Dispatch(name)
	if err != nil {
		return nil, err
	}

	if f.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.RequestTimeout)
		defer cancel()
	}
	resp, err := f.prov.InvokeGroup(ctx, g, function, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: invoke %s on %s: %w", provisioner.ErrProvisioning, function, g.Name, err)
	}
	return resp, nil
}

// EvaluateScaling prunes app's usage window and performs at most one scale
// operation. An app below its minimum, as adopted groups can leave it, gains
// one group per evaluation regardless of usage. While another evaluation of
// the same app is running it returns DecisionBusy without doing anything.
func (f *Fleet) EvaluateScaling(ctx context.Context, name string) (Decision, error) {
	a, err := f.lookup(name)
	if err != nil {
		return DecisionNone, err
	}
	if !a.scaling.TryLock() {
		return DecisionBusy, nil
	}
	defer a.scaling.Unlock()

	n := a.usage.Prune(f.now().Add(-f.opts.Window))
	size := a.groups.Len()

	switch {
	case size > 0 && size < f.opts.MinGroups:
		f.logger.Info("scaling up to minimum", "app", a.name, "groups", size, "min_groups", f.opts.MinGroups)
		if err := f.scaleUp(ctx, a); err != nil {
			scaleEventsTotal.WithLabelValues(a.name, "up", "error").Inc()
			return DecisionScaleUp, err
		}
		scaleEventsTotal.WithLabelValues(a.name, "up", "ok").Inc()
		return DecisionScaleUp, nil

	case n > f.opts.ScaleUpThreshold && size < f.opts.MaxGroups:
		a.usage.Reset()
		f.logger.Info("scaling up", "app", a.name, "usage", n, "groups", size)
		if err := f.scaleUp(ctx, a); err != nil {
			scaleEventsTotal.WithLabelValues(a.name, "up", "error").Inc()
			return DecisionScaleUp, err
		}
		scaleEventsTotal.WithLabelValues(a.name, "up", "ok").Inc()
		return DecisionScaleUp, nil

	case n <= f.opts.ScaleDownThreshold && size > f.opts.MinGroups:
		f.logger.Info("scaling down", "app", a.name, "usage", n, "groups", size)
		if err := f.scaleDown(ctx, a); err != nil {
			scaleEventsTotal.WithLabelValues(a.name, "down", "error").Inc()
			return DecisionScaleDown, err
		}
		scaleEventsTotal.WithLabelValues(a.name, "down", "ok").Inc()
		return DecisionScaleDown, nil
	}

	return DecisionNone, nil
}

func (f *Fleet) scaleUp(ctx context.Context, a *app) error {
	template, ok := a.groups.Current()
	if !ok {
		return fmt.Errorf("%w: %q has no group to duplicate", ErrNotFound, a.name)
	}

	g, err := f.provision(ctx, template.Duplicate())
	if err != nil {
		return err
	}

	if f.opts.ReadyDelay > 0 {
		timer := time.NewTimer(f.opts.ReadyDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.deleteAsync(ctx, g)
			return fmt.Errorf("wait for %s: %w", g.Name, ctx.Err())
		case <-timer.C:
		}
	}

	if !f.registered(a) || !a.groups.Add(g) {
		f.logger.Warn("discarding new replica group", "app", a.name, "group", g.Name)
		f.deleteAsync(ctx, g)
		return nil
	}

	replicaGroups.WithLabelValues(a.name).Set(float64(a.groups.Len()))
	f.logger.Info("replica group added", "app", a.name, "group", g.Name, "address", g.Address)
	return nil
}

func (f *Fleet) scaleDown(ctx context.Context, a *app) error {
	g, ok := a.groups.RemoveNext()
	if !ok {
		return nil
	}
	replicaGroups.WithLabelValues(a.name).Set(float64(a.groups.Len()))
	f.logger.Info("replica group removed", "app", a.name, "group", g.Name)
	f.deleteAsync(ctx, g)
	return nil
}

// registered reports whether a is still the live entry for its name.
func (f *Fleet) registered(a *app) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.apps[a.name] == a
}

// provision creates g with the creation retry policy and returns it with its address.
func (f *Fleet) provision(ctx context.Context, g model.ReplicaGroup) (model.ReplicaGroup, error) {
	addr, err := retry.DoValue(ctx, f.opts.CreateRetry, func(ctx context.Context) (string, error) {
		if f.opts.CreateTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, f.opts.CreateTimeout)
			defer cancel()
		}
		return f.prov.CreateGroup(ctx, g)
	})
	if err != nil {
		return model.ReplicaGroup{}, fmt.Errorf("%w: create group %s: %w", provisioner.ErrProvisioning, g.Name, err)
	}
	g.Address = addr
	return g, nil
}

// deleteAsync deletes g in the background. Failures are logged only: the
// group has already stopped receiving traffic.
func (f *Fleet) deleteAsync(ctx context.Context, g model.ReplicaGroup) {
	ctx = context.WithoutCancel(ctx)
	f.deletes.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, f.opts.DeleteTimeout)
		defer cancel()
		if err := f.prov.DeleteGroup(ctx, g.Name); err != nil {
			f.logger.Error("delete replica group", "app", g.App, "group", g.Name, "error", err)
			return
		}
		f.logger.Info("replica group deleted", "app", g.App, "group", g.Name)
	})
}

// Wait blocks until background deletions have finished.
func (f *Fleet) Wait() {
	f.deletes.Wait()
}

// EvaluateAll evaluates every app concurrently and joins the errors.
func (f *Fleet) EvaluateAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, name := range f.appNames() {
		wg.Go(func() {
			decision, err := f.EvaluateScaling(ctx, name)
			if err != nil {
				f.logger.Error("evaluate scaling", "app", name, "decision", decision, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("scale %s: %w", name, err))
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (f *Fleet) appNames() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.apps))
	for name := range f.apps {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateApp registers app and provisions its minimum number of groups from
// template. If any group fails the ones already created are deleted and the
// app is not registered.
func (f *Fleet) CreateApp(ctx context.Context, name string, template model.ReplicaGroup) ([]model.ReplicaGroup, error) {
	name = normalize(name)
	if err := validate(name, template); err != nil {
		return nil, err
	}

	f.mu.Lock()
	if _, ok := f.apps[name]; ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrExists, name)
	}
	a := &app{name: name, groups: newCollection(f.opts.MinGroups, f.opts.MaxGroups), usage: &UsageWindow{}}
	// Reserve the name while provisioning; the collection stays empty so
	// Dispatch reports ErrNotFound until the groups are ready.
	f.apps[name] = a
	f.mu.Unlock()

	a.scaling.Lock()
	defer a.scaling.Unlock()

	template.App = name
	count := max(f.opts.MinGroups, 1)
	created := make([]model.ReplicaGroup, count)
	errs := make([]error, count)

	var g errgroup.Group
	g.SetLimit(f.opts.Parallelism)
	for i := range count {
		g.Go(func() error {
			created[i], errs[i] = f.provision(ctx, template.Duplicate())
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		f.mu.Lock()
		delete(f.apps, name)
		f.mu.Unlock()
		for i, grp := range created {
			if errs[i] == nil {
				f.deleteAsync(ctx, grp)
			}
		}
		return nil, err
	}

	if !f.registered(a) {
		for _, grp := range created {
			f.deleteAsync(ctx, grp)
		}
		return nil, fmt.Errorf("%w: %q was deleted during creation", ErrNotFound, name)
	}
	for _, grp := range created {
		a.groups.load(grp)
	}
	replicaGroups.WithLabelValues(name).Set(float64(a.groups.Len()))
	f.logger.Info("app created", "app", name, "groups", len(created))
	return created, nil
}

func validate(name string, template model.ReplicaGroup) error {
	if name == "" || strings.Contains(name, "-") {
		return fmt.Errorf("%w: app name %q must be non-empty and contain no dashes", ErrInvalidDefinition, name)
	}
	if len(template.Containers) == 0 {
		return fmt.Errorf("%w: at least one container is required", ErrInvalidDefinition)
	}
	for _, c := range template.Containers {
		if c.Name == "" || c.Image == "" {
			return fmt.Errorf("%w: containers need a name and an image", ErrInvalidDefinition)
		}
	}
	return nil
}

// DeleteApp unregisters app and deletes all of its groups in parallel.
// Deletion failures are logged and returned joined; the app is gone either way.
func (f *Fleet) DeleteApp(ctx context.Context, name string) error {
	name = normalize(name)
	f.mu.Lock()
	a, ok := f.apps[name]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(f.apps, name)
	f.mu.Unlock()

	replicaGroups.DeleteLabelValues(name)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(f.opts.Parallelism)
	for _, grp := range a.groups.Groups() {
		g.Go(func() error {
			if err := f.prov.DeleteGroup(ctx, grp.Name); err != nil {
				f.logger.Error("delete replica group", "app", name, "group", grp.Name, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	f.logger.Info("app deleted", "app", name)
	return errors.Join(errs...)
}

// LoadExisting adopts the groups the provisioner already runs, grouping them
// into apps by name. Groups whose names carry no app are skipped.
func (f *Fleet) LoadExisting(ctx context.Context) error {
	groups, err := f.prov.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list replica groups: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range groups {
		name := model.AppFromGroupName(g.Name)
		if name == "" {
			f.logger.Warn("skipping replica group without app", "group", g.Name)
			continue
		}
		g.App = name
		a, ok := f.apps[name]
		if !ok {
			a = &app{name: name, groups: newCollection(f.opts.MinGroups, f.opts.MaxGroups), usage: &UsageWindow{}}
			f.apps[name] = a
		}
		a.groups.load(g)
	}
	for name, a := range f.apps {
		size := a.groups.Len()
		replicaGroups.WithLabelValues(name).Set(float64(size))
		if size < f.opts.MinGroups {
			f.logger.Warn("app below minimum groups", "app", name, "groups", size, "min_groups", f.opts.MinGroups)
		}
	}
	f.logger.Info("fleet loaded", "apps", len(f.apps), "groups", len(groups))
	return nil
}

// Groups returns app's groups in rotation order.
func (f *Fleet) Groups(name string) ([]model.ReplicaGroup, error) {
	a, err := f.lookup(name)
	if err != nil {
		return nil, err
	}
	return a.groups.Groups(), nil
}

// Apps returns a snapshot of every app, sorted by name.
func (f *Fleet) Apps() []AppStatus {
	names := f.appNames()
	out := make([]AppStatus, 0, len(names))
	for _, name := range names {
		a, err := f.lookup(name)
		if err != nil {
			continue
		}
		out = append(out, AppStatus{
			Name:        name,
			Groups:      a.groups.Groups(),
			RecentUsage: a.usage.Len(),
		})
	}
	return out
}
