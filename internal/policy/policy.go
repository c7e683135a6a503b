// Package policy owns the agent's in-memory policy set: CRUD, schedule
// evaluation, and controller reconciliation (spec §4.H). The full set is
// persisted through the Config Store after every mutation; this package
// never touches disk directly.
package policy

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"

	"github.com/agentmesh/agent-core/internal/config"
)

// ErrNotFound marks an Update against an id that does not exist.
var ErrNotFound = errors.New("policy not found")

// Persister is the narrow slice of config.Store the engine needs: a place
// to write the full policy set atomically after every mutation.
type Persister interface {
	Mutate(fn func(config.Document) config.Document) error
}

// Engine holds the live policy set and evaluates schedule/match
// predicates against it.
type Engine struct {
	persist Persister

	mu       sync.RWMutex
	policies map[string]config.Policy
}

// New builds an Engine seeded from an initial policy list (typically the
// Config Store's persisted set at startup).
func New(persist Persister, initial []config.Policy) *Engine {
	e := &Engine{persist: persist, policies: make(map[string]config.Policy, len(initial))}
	for _, p := range initial {
		e.policies[p.ID] = p
	}
	return e
}

// All returns every policy, in no particular order.
func (e *Engine) All() []config.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]config.Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, p)
	}
	return out
}

// Get returns the policy with the given id, if present.
func (e *Engine) Get(id string) (config.Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	return p, ok
}

// Create adds a new policy, minting an id if none was supplied.
func (e *Engine) Create(p config.Policy, now time.Time) (config.Policy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedTS = now
	p.UpdatedTS = now
	e.policies[p.ID] = p

	if err := e.persistLocked(); err != nil {
		return config.Policy{}, err
	}
	return p, nil
}

// Update replaces an existing policy's fields, keeping id and CreatedTS
// immutable (spec §4.H: "update (id immutable)").
func (e *Engine) Update(id string, fn func(config.Policy) config.Policy, now time.Time) (config.Policy, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	existing, ok := e.policies[id]
	if !ok {
		return config.Policy{}, ErrNotFound
	}

	next := fn(existing)
	next.ID = existing.ID
	next.CreatedTS = existing.CreatedTS
	next.UpdatedTS = now
	e.policies[id] = next

	if err := e.persistLocked(); err != nil {
		return config.Policy{}, err
	}
	return next, nil
}

// Delete removes a policy by id. A delete of a nonexistent id is a no-op.
func (e *Engine) Delete(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.policies, id)
	return e.persistLocked()
}

// Reconcile replaces the entire policy set with remote, per spec §4.H's
// "full replacement, not merge" sync algorithm.
func (e *Engine) Reconcile(remote []config.Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]config.Policy, len(remote))
	for _, p := range remote {
		e.policies[p.ID] = p
	}
	return e.persistLocked()
}

// ActiveNow returns every policy active at wall-clock time t: those with
// no schedule, or whose schedule predicate holds at t.
func (e *Engine) ActiveNow(t time.Time) []config.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]config.Policy, 0, len(e.policies))
	for _, p := range e.policies {
		if scheduleActive(p.Schedule, t) {
			out = append(out, p)
		}
	}
	return out
}

// MatchProcessName finds every active policy whose process_name matches
// name, by exact case-insensitive comparison first and then a
// go-wildcard glob match (spec §4.H supplement). Callers filter on
// Allowed themselves.
func (e *Engine) MatchProcessName(name string, t time.Time) []config.Policy {
	lowered := strings.ToLower(name)

	var matches []config.Policy
	for _, p := range e.ActiveNow(t) {
		pattern := strings.ToLower(p.ProcessName)
		if pattern == lowered || wildcard.Match(pattern, lowered) {
			matches = append(matches, p)
		}
	}
	return matches
}

func (e *Engine) persistLocked() error {
	snapshot := make([]config.Policy, 0, len(e.policies))
	for _, p := range e.policies {
		snapshot = append(snapshot, p)
	}
	return e.persist.Mutate(func(d config.Document) config.Document {
		d.Policies = snapshot
		return d
	})
}

// scheduleActive reports whether t falls within sched's day-of-week set
// and [start,end] minute-of-day window. A nil schedule is always active.
func scheduleActive(sched *config.Schedule, t time.Time) bool {
	if sched == nil {
		return true
	}

	if sched.DaysOfWeek != 0 {
		bit := config.ScheduleDays(1 << uint(t.Weekday()))
		if sched.DaysOfWeek&bit == 0 {
			return false
		}
	}

	start, ok := parseHHMM(sched.StartHHMM)
	if !ok {
		return true
	}
	end, ok := parseHHMM(sched.EndHHMM)
	if !ok {
		return true
	}

	minuteOfDay := t.Hour()*60 + t.Minute()
	if start <= end {
		return minuteOfDay >= start && minuteOfDay <= end
	}
	// overnight window, e.g. 22:00-06:00
	return minuteOfDay >= start || minuteOfDay <= end
}

func parseHHMM(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
