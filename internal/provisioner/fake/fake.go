// Package fake provides an in-memory Provisioner and GroupProvisioner with
// failure injection. It backs the package tests and the e2e test server.
package fake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/funclite/internal/model"
	"github.com/seantiz/funclite/internal/provisioner"
)

const addressScheme = "fake://"

// ErrInjected is returned by calls that were set up to fail.
var ErrInjected = errors.New("injected failure")

var (
	_ provisioner.Provisioner      = (*Provisioner)(nil)
	_ provisioner.GroupProvisioner = (*Provisioner)(nil)
)

// InvokeFunc handles an Invoke call in place of the default echo.
type InvokeFunc func(address string, payload json.RawMessage) (json.RawMessage, error)

type worker struct {
	info  provisioner.WorkerInfo
	code  []byte
	calls int
}

// Provisioner keeps workers and groups in memory.
type Provisioner struct {
	mu sync.Mutex

	workers map[string]*worker
	groups  map[string]model.ReplicaGroup

	created      int
	specs        []provisioner.WorkerSpec
	deleted      []string
	groupDeletes []string

	failCreates      int
	failUploads      int
	failDeletes      int
	failGroupCreates int
	failGroupDeletes int
	createDelay      time.Duration
	invoke           InvokeFunc
}

// New returns an empty fake.
func New() *Provisioner {
	return &Provisioner{
		workers: make(map[string]*worker),
		groups:  make(map[string]model.ReplicaGroup),
	}
}

// FailCreates makes the next n CreateWorker calls fail.
func (p *Provisioner) FailCreates(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failCreates = n
}

// FailUploads makes the next n UploadCode calls fail.
func (p *Provisioner) FailUploads(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failUploads = n
}

// FailDeletes makes the next n DeleteWorker calls fail.
func (p *Provisioner) FailDeletes(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failDeletes = n
}

// FailGroupCreates makes the next n CreateGroup calls fail.
func (p *Provisioner) FailGroupCreates(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failGroupCreates = n
}

// FailGroupDeletes makes the next n DeleteGroup calls fail.
func (p *Provisioner) FailGroupDeletes(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failGroupDeletes = n
}

// SetCreateDelay delays every CreateWorker and CreateGroup call by d.
func (p *Provisioner) SetCreateDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createDelay = d
}

// SetInvokeHandler replaces the default echo behaviour of Invoke.
func (p *Provisioner) SetInvokeHandler(fn InvokeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoke = fn
}

// Seed registers an existing worker, as if it survived a restart.
func (p *Provisioner) Seed(info provisioner.WorkerInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info.Address == "" {
		info.Address = addressScheme + info.ID
	}
	p.workers[info.ID] = &worker{info: info}
}

// SeedGroup registers an existing replica group.
func (p *Provisioner) SeedGroup(g model.ReplicaGroup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[g.Name] = g
}

func (p *Provisioner) CreateWorker(ctx context.Context, spec provisioner.WorkerSpec) (provisioner.WorkerInfo, error) {
	p.mu.Lock()
	delay := p.createDelay
	fail := p.failCreates > 0
	if fail {
		p.failCreates--
	}
	p.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return provisioner.WorkerInfo{}, err
	}
	if fail {
		return provisioner.WorkerInfo{}, fmt.Errorf("create worker %s: %w", spec.Name, ErrInjected)
	}

	id := spec.Name
	if id == "" {
		id = model.NewName(string(spec.Tag))
	}
	info := provisioner.WorkerInfo{ID: id, Tag: spec.Tag, Address: addressScheme + id}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[id] = &worker{info: info}
	p.specs = append(p.specs, spec)
	p.created++
	return info, nil
}

func (p *Provisioner) DeleteWorker(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDeletes > 0 {
		p.failDeletes--
		return fmt.Errorf("delete worker %s: %w", id, ErrInjected)
	}
	if _, ok := p.workers[id]; ok {
		delete(p.workers, id)
		p.deleted = append(p.deleted, id)
	}
	return nil
}

func (p *Provisioner) UploadCode(_ context.Context, id string, pkg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUploads > 0 {
		p.failUploads--
		return fmt.Errorf("upload to %s: %w", id, ErrInjected)
	}
	w, ok := p.workers[id]
	if !ok {
		return provisioner.ErrWorkerNotFound
	}
	w.code = append([]byte(nil), pkg...)
	return nil
}

func (p *Provisioner) Invoke(_ context.Context, address string, payload json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	handler := p.invoke
	w, ok := p.workers[strings.TrimPrefix(address, addressScheme)]
	if ok {
		w.calls++
	}
	p.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("invoke %s: %w", address, provisioner.ErrWorkerNotFound)
	}
	if handler != nil {
		return handler(address, payload)
	}
	return append(json.RawMessage(nil), payload...), nil
}

func (p *Provisioner) ListWorkers(_ context.Context, tag model.Tag) ([]provisioner.WorkerInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []provisioner.WorkerInfo
	for _, w := range p.workers {
		if w.info.Tag == tag {
			out = append(out, w.info)
		}
	}
	slices.SortFunc(out, func(a, b provisioner.WorkerInfo) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (p *Provisioner) MarkInUse(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if !ok {
		return provisioner.ErrWorkerNotFound
	}
	w.info.InUse = true
	return nil
}

func (p *Provisioner) CreateGroup(ctx context.Context, g model.ReplicaGroup) (string, error) {
	p.mu.Lock()
	delay := p.createDelay
	fail := p.failGroupCreates > 0
	if fail {
		p.failGroupCreates--
	}
	p.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return "", err
	}
	if fail {
		return "", fmt.Errorf("create group %s: %w", g.Name, ErrInjected)
	}

	g.Address = addressScheme + g.Name
	p.mu.Lock()
	defer p.mu.Unlock()
	p.groups[g.Name] = g
	return g.Address, nil
}

func (p *Provisioner) DeleteGroup(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failGroupDeletes > 0 {
		p.failGroupDeletes--
		return fmt.Errorf("delete group %s: %w", name, ErrInjected)
	}
	if _, ok := p.groups[name]; ok {
		delete(p.groups, name)
		p.groupDeletes = append(p.groupDeletes, name)
	}
	return nil
}

func (p *Provisioner) ListGroups(context.Context) ([]model.ReplicaGroup, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.ReplicaGroup, 0, len(p.groups))
	for _, g := range p.groups {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b model.ReplicaGroup) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// groupResponse is what InvokeGroup answers with.
type groupResponse struct {
	Group    string          `json:"group"`
	Function string          `json:"function"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (p *Provisioner) InvokeGroup(_ context.Context, g model.ReplicaGroup, function string, payload json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	_, ok := p.groups[g.Name]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("invoke group %s: unknown group", g.Name)
	}
	return json.Marshal(groupResponse{Group: g.Name, Function: function, Payload: payload})
}

// Created reports how many workers were created successfully.
func (p *Provisioner) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Specs returns the spec of every successful CreateWorker call, in order.
func (p *Provisioner) Specs() []provisioner.WorkerSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.specs)
}

// Deleted lists the IDs of deleted workers in deletion order.
func (p *Provisioner) Deleted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.deleted)
}

// DeletedGroups lists the names of deleted groups in deletion order.
func (p *Provisioner) DeletedGroups() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.groupDeletes)
}

// Code returns the package last uploaded to a worker.
func (p *Provisioner) Code(id string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[id]; ok {
		return w.code
	}
	return nil
}

// Calls returns how many invocations a worker has served.
func (p *Provisioner) Calls(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[id]; ok {
		return w.calls
	}
	return 0
}

// WorkerCount returns the number of live workers.
func (p *Provisioner) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
