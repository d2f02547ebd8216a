package model

import (
	"sync"
	"time"
)

// WorkerState is a step in a worker's lifecycle.
type WorkerState string

// Worker lifecycle states.
const (
	WorkerProvisioning WorkerState = "provisioning"
	WorkerReady        WorkerState = "ready"
	WorkerInUse        WorkerState = "in_use"
	WorkerDeleting     WorkerState = "deleting"
	WorkerGone         WorkerState = "gone"
)

// validWorkerTransitions maps each state to the states it may move to.
var validWorkerTransitions = map[WorkerState]map[WorkerState]bool{
	WorkerProvisioning: {
		WorkerReady:    true,
		WorkerDeleting: true,
	},
	WorkerReady: {
		WorkerInUse:    true,
		WorkerDeleting: true,
	},
	WorkerInUse: {
		WorkerDeleting: true,
	},
	WorkerDeleting: {
		WorkerGone: true,
	},
}

// ValidWorkerTransition reports whether a worker may move from one state to another.
func ValidWorkerTransition(from, to WorkerState) bool {
	return validWorkerTransitions[from][to]
}

// Worker is one remote compute instance hosting a single function at a time.
// The in-use flag is the only ownership record: once set it is never cleared,
// a consumed worker is deleted rather than returned to its pool.
type Worker struct {
	ID        string
	Tag       Tag
	Address   string
	CreatedAt time.Time

	mu    sync.Mutex
	state WorkerState
}

// NewWorker returns a ready worker for a freshly provisioned instance.
func NewWorker(id string, tag Tag, address string) *Worker {
	return &Worker{
		ID:        id,
		Tag:       tag,
		Address:   address,
		CreatedAt: time.Now().UTC(),
		state:     WorkerReady,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// InUse reports whether the worker has been handed out.
func (w *Worker) InUse() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == WorkerInUse
}

// MarkInUse atomically claims a ready worker. It returns false if the
// worker was already claimed or is being torn down.
func (w *Worker) MarkInUse() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != WorkerReady {
		return false
	}
	w.state = WorkerInUse
	return true
}

// Transition moves the worker to state to if the lifecycle allows it.
func (w *Worker) Transition(to WorkerState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !ValidWorkerTransition(w.state, to) {
		return false
	}
	w.state = to
	return true
}

// WorkerView is the JSON representation of a worker.
type WorkerView struct {
	ID        string      `json:"id"`
	Tag       Tag         `json:"tag"`
	Address   string      `json:"address,omitempty"`
	State     WorkerState `json:"state"`
	CreatedAt time.Time   `json:"created_at"`
}

// View returns a point-in-time copy of the worker suitable for encoding.
func (w *Worker) View() WorkerView {
	return WorkerView{
		ID:        w.ID,
		Tag:       w.Tag,
		Address:   w.Address,
		State:     w.State(),
		CreatedAt: w.CreatedAt,
	}
}
