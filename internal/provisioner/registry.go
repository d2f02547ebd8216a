package provisioner

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/seantiz/funclite/internal/model"
)

// ErrNoRuntime is returned by Resolve for a tag nothing was registered for.
var ErrNoRuntime = errors.New("no runtime registered")

// hostTags are the tags whose images run the envelope-speaking function host.
var hostTags = map[model.Tag]bool{
	model.TagNode: true,
	model.TagRuby: true,
}

// Registry maps each tag to the Runtime that drives its workers.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[model.Tag]Runtime
}

// NewRegistry creates an empty runtime registry.
func NewRegistry() *Registry {
	return &Registry{
		runtimes: make(map[model.Tag]Runtime),
	}
}

// DefaultRegistry registers a runtime for every tag in tags: the host
// envelope runtime for host tags and the direct runtime for the rest.
func DefaultRegistry(p Provisioner, tags []model.Tag, timeout time.Duration) *Registry {
	reg := NewRegistry()
	for _, tag := range tags {
		if hostTags[tag] {
			reg.Register(tag, NewHostRuntime(p, timeout))
		} else {
			reg.Register(tag, NewDirectRuntime(p, timeout))
		}
	}
	return reg
}

// Register sets the runtime for tag, replacing any previous one.
func (r *Registry) Register(tag model.Tag, rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[tag] = rt
}

// Resolve returns the runtime registered for tag.
func (r *Registry) Resolve(tag model.Tag) (Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.runtimes[tag]
	if !ok {
		return nil, fmt.Errorf("%w for tag %q", ErrNoRuntime, tag)
	}
	return rt, nil
}

// Tags returns the registered tags, sorted for a stable API response.
func (r *Registry) Tags() []model.Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]model.Tag, 0, len(r.runtimes))
	for tag := range r.runtimes {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}
