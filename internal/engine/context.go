package engine

import (
	"sync"

	"github.com/taskdeck/workflow/internal/expressions"
)

// ContextStore guards a run's shared context: a monotonically growing
// key-value map merged by completed steps. Keys are never removed during a
// run; a later write to an existing key wins and the owner is re-recorded.
// Owners track which step produced each key so session scoping can project
// the context after a resume.
type ContextStore struct {
	mu     sync.RWMutex
	data   map[string]any
	owners map[string]string // key -> step id, "" for seed values
}

// NewContextStore creates a store seeded with initial values. Seed keys have
// no owning step.
func NewContextStore(seed map[string]any) *ContextStore {
	data := expressions.DeepCopyMap(seed)
	if data == nil {
		data = make(map[string]any)
	}
	owners := make(map[string]string, len(data))
	for k := range data {
		owners[k] = ""
	}
	return &ContextStore{data: data, owners: owners}
}

// Restore rebuilds a store from checkpointed run state.
func Restore(data map[string]any, owners map[string]string) *ContextStore {
	cs := &ContextStore{
		data:   expressions.DeepCopyMap(data),
		owners: make(map[string]string, len(owners)),
	}
	if cs.data == nil {
		cs.data = make(map[string]any)
	}
	for k, v := range owners {
		cs.owners[k] = v
	}
	for k := range cs.data {
		if _, ok := cs.owners[k]; !ok {
			cs.owners[k] = ""
		}
	}
	return cs
}

// Merge writes a delta into the context on behalf of a step. Last writer
// wins per key. Values are deep-copied on the way in so callers cannot
// mutate committed state.
func (cs *ContextStore) Merge(stepID string, delta map[string]any) {
	if len(delta) == 0 {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for k, v := range delta {
		cs.data[k] = expressions.DeepCopyAny(v)
		cs.owners[k] = stepID
	}
}

// Set writes a single key on behalf of a step.
func (cs *ContextStore) Set(stepID, key string, value any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.data[key] = expressions.DeepCopyAny(value)
	cs.owners[key] = stepID
}

// Get returns the value for a key.
func (cs *ContextStore) Get(key string) (any, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.data[key]
	return v, ok
}

// Snapshot returns a frozen deep copy of the context. Dispatched steps read
// from snapshots, never from the live map.
func (cs *ContextStore) Snapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return expressions.DeepCopyMap(cs.data)
}

// Overlay returns a snapshot with extra variables layered on top, used to
// bind loop iteration variables without mutating the shared context.
func (cs *ContextStore) Overlay(vars map[string]any) map[string]any {
	snap := cs.Snapshot()
	for k, v := range vars {
		snap[k] = expressions.DeepCopyAny(v)
	}
	return snap
}

// Owners returns a copy of the key ownership map.
func (cs *ContextStore) Owners() map[string]string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]string, len(cs.owners))
	for k, v := range cs.owners {
		out[k] = v
	}
	return out
}
