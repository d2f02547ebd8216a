package fleet

import (
	"slices"
	"sync"
	"time"

	"github.com/seantiz/funclite/internal/model"
)

// Collection is one app's ordered set of replica groups and its round-robin
// cursor. The cursor and the list only change together, under mu.
type Collection struct {
	mu     sync.Mutex
	groups []model.ReplicaGroup
	cursor int
	min    int
	max    int
}

func newCollection(minSize, maxSize int) *Collection {
	return &Collection{min: minSize, max: maxSize}
}

// Next returns the group at the cursor and advances it.
func (c *Collection) Next() (model.ReplicaGroup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.groups) == 0 {
		return model.ReplicaGroup{}, false
	}
	g := c.groups[c.cursor]
	c.cursor = (c.cursor + 1) % len(c.groups)
	return g, true
}

// Current returns the group at the cursor without advancing it.
func (c *Collection) Current() (model.ReplicaGroup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.groups) == 0 {
		return model.ReplicaGroup{}, false
	}
	return c.groups[c.cursor], true
}

// Add appends g if the collection is below its maximum. The cursor is left
// where it is, so the new group is reached once the rotation wraps.
func (c *Collection) Add(g model.ReplicaGroup) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.groups) >= c.max {
		return false
	}
	c.groups = append(c.groups, g)
	return true
}

// load appends g regardless of bounds. Used when adopting existing groups.
func (c *Collection) load(g model.ReplicaGroup) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = append(c.groups, g)
}

// RemoveNext removes the group at the cursor and resets the cursor to 0. It
// refuses to shrink the collection below its minimum.
func (c *Collection) RemoveNext() (model.ReplicaGroup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.groups) <= c.min || len(c.groups) == 0 {
		return model.ReplicaGroup{}, false
	}
	g := c.groups[c.cursor]
	c.groups = slices.Delete(c.groups, c.cursor, c.cursor+1)
	c.cursor = 0
	return g, true
}

// Len returns the number of groups.
func (c *Collection) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.groups)
}

// Groups returns a copy of the groups in rotation order.
func (c *Collection) Groups() []model.ReplicaGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.groups)
}

// UsageWindow holds the invocation timestamps of one app.
type UsageWindow struct {
	mu     sync.Mutex
	events []time.Time
}

// Record appends an event.
func (u *UsageWindow) Record(t time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = append(u.events, t)
}

// Prune drops events older than cutoff and returns how many remain.
func (u *UsageWindow) Prune(cutoff time.Time) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = slices.DeleteFunc(u.events, func(t time.Time) bool { return t.Before(cutoff) })
	return len(u.events)
}

// Reset clears the window.
func (u *UsageWindow) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.events = nil
}

// Len returns the number of recorded events, pruned or not.
func (u *UsageWindow) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.events)
}
