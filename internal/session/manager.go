package session

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/taskdeck/workflow/internal/expressions"
	"github.com/taskdeck/workflow/pkg/schema"
)

// Lease is a live execution session handed to a step dispatch. Fresh reports
// whether the session was newly created for this dispatch or reused from an
// earlier step of the same run and agent.
type Lease struct {
	Key   string
	RunID string
	Agent string
	Fresh bool
}

// Manager tracks execution sessions per (run, agent) pair. Fresh mode always
// mints a new session key; reuse mode returns the run's existing session for
// the agent, creating one on first use. Parallel sub-steps and fresh-session
// loop iterations each get their own key, never a shared one.
//
// Safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	active map[string]*Lease  // session key -> lease
	byPair map[string]string  // runID/agentID -> reusable session key
}

// NewManager constructs an empty session manager.
func NewManager() *Manager {
	return &Manager{
		active: make(map[string]*Lease),
		byPair: make(map[string]string),
	}
}

// Acquire returns a session lease for a step dispatch. cfg selects fresh or
// reuse mode; nil cfg defaults to fresh. iteration disambiguates loop
// iterations so fresh-per-iteration loops never collide.
func (m *Manager) Acquire(runID, agentID string, cfg *schema.StepSessionConfig, iteration int) *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.EffectiveMode() == schema.SessionReuse {
		pair := runID + "/" + agentID
		if key, ok := m.byPair[pair]; ok {
			// Fresh only describes the mint; every later hit is a reuse.
			reused := *m.active[key]
			reused.Fresh = false
			return &reused
		}
		lease := m.mint(runID, agentID, iteration)
		m.byPair[pair] = lease.Key
		return lease
	}

	return m.mint(runID, agentID, iteration)
}

func (m *Manager) mint(runID, agentID string, iteration int) *Lease {
	key := fmt.Sprintf("%s:%s:%d:%s", runID, agentID, iteration, uuid.NewString()[:8])
	lease := &Lease{Key: key, RunID: runID, Agent: agentID, Fresh: true}
	m.active[key] = lease
	return lease
}

// Release ends a lease according to the step's cleanup policy. keep leaves
// the session resident for later reuse; delete removes it.
func (m *Manager) Release(lease *Lease, cleanup schema.SessionCleanup) {
	if lease == nil || cleanup == schema.SessionCleanupKeep {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, lease.Key)
	pair := lease.RunID + "/" + lease.Agent
	if m.byPair[pair] == lease.Key {
		delete(m.byPair, pair)
	}
}

// ReleaseRun drops every session belonging to a run. Called when the run
// reaches a terminal state.
func (m *Manager) ReleaseRun(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, lease := range m.active {
		if lease.RunID == runID {
			delete(m.active, key)
		}
	}
	for pair, key := range m.byPair {
		if lease, ok := m.active[key]; !ok || lease.RunID == runID {
			delete(m.byPair, pair)
		}
	}
}

// ActiveCount returns the number of live sessions. Used by status reporting
// and tests.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ScopeContext projects the run context down to what the step's session
// config allows the executor to see.
//
//   - full:    the whole context snapshot.
//   - minimal: only seed values (keys not owned by any step).
//   - custom:  seed values plus outputs of the steps listed in
//     includeOutputsFrom, located via the run's context owner map.
func ScopeContext(snapshot map[string]any, owners map[string]string, cfg *schema.StepSessionConfig) map[string]any {
	switch cfg.EffectiveScope() {
	case schema.SessionContextFull:
		return expressions.DeepCopyMap(snapshot)

	case schema.SessionContextCustom:
		include := make(map[string]bool, len(cfg.IncludeOutputsFrom))
		for _, stepID := range cfg.IncludeOutputsFrom {
			include[stepID] = true
		}
		out := make(map[string]any)
		for k, v := range snapshot {
			owner, owned := owners[k]
			if !owned || owner == "" || include[owner] {
				out[k] = expressions.DeepCopyAny(v)
			}
		}
		return out

	default: // minimal
		out := make(map[string]any)
		for k, v := range snapshot {
			if owner, owned := owners[k]; !owned || owner == "" {
				out[k] = expressions.DeepCopyAny(v)
			}
		}
		return out
	}
}
