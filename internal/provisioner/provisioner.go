package provisioner

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/seantiz/funclite/internal/model"
)

var (
	// ErrProvisioning marks a failed call to the underlying infrastructure.
	ErrProvisioning = errors.New("provisioning failure")

	// ErrWorkerNotFound is returned when a driver does not know a worker ID.
	ErrWorkerNotFound = errors.New("worker not found")
)

// WorkerSpec describes a worker to create.
type WorkerSpec struct {
	Name  string    `json:"name"`
	Tag   model.Tag `json:"tag"`
	CPUs  int       `json:"cpus,omitempty"`
	MemMB int       `json:"mem_mb,omitempty"`
}

// WorkerInfo is what a driver reports about an existing worker.
type WorkerInfo struct {
	ID      string    `json:"id"`
	Tag     model.Tag `json:"tag"`
	Address string    `json:"address"`
	InUse   bool      `json:"in_use"`
}

// Provisioner creates and drives single-function workers.
type Provisioner interface {
	// CreateWorker provisions a worker and returns once it is reachable.
	CreateWorker(ctx context.Context, spec WorkerSpec) (WorkerInfo, error)

	// DeleteWorker destroys a worker. Deleting an unknown worker is not an error.
	DeleteWorker(ctx context.Context, id string) error

	// UploadCode replaces the code package loaded on a worker.
	UploadCode(ctx context.Context, id string, pkg []byte) error

	// Invoke sends one request to the worker at address and returns its response.
	Invoke(ctx context.Context, address string, payload json.RawMessage) (json.RawMessage, error)

	// ListWorkers reports every worker of tag known to the infrastructure.
	ListWorkers(ctx context.Context, tag model.Tag) ([]WorkerInfo, error)

	// MarkInUse records that a worker has been handed out, so that a later
	// ListWorkers reports it with InUse set.
	MarkInUse(ctx context.Context, id string) error
}

// GroupProvisioner creates and drives replica groups.
type GroupProvisioner interface {
	// CreateGroup provisions group and returns its public address once ready.
	CreateGroup(ctx context.Context, group model.ReplicaGroup) (string, error)

	// DeleteGroup destroys a group. Deleting an unknown group is not an error.
	DeleteGroup(ctx context.Context, name string) error

	// ListGroups reports every group known to the infrastructure.
	ListGroups(ctx context.Context) ([]model.ReplicaGroup, error)

	// InvokeGroup forwards payload to the named function served by group.
	InvokeGroup(ctx context.Context, group model.ReplicaGroup, function string, payload json.RawMessage) (json.RawMessage, error)
}

// MarkStore persists worker in-use marks for drivers whose infrastructure
// has no mutable metadata of its own.
type MarkStore interface {
	MarkWorkerInUse(ctx context.Context, id string, tag model.Tag) error
	WorkerMarks(ctx context.Context) (map[string]bool, error)
	ClearWorkerMark(ctx context.Context, id string) error
}
