// Package procmon runs the ticker-driven loop that evaluates active
// policies against the live process table and terminates violators (spec
// §4.K), rate-limiting violation reports per policy the way the teacher
// fleet's sensor proxy rate-limits per peer.
package procmon

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentmesh/agent-core/internal/config"
	"github.com/agentmesh/agent-core/internal/osadapter"
)

// MinInterval mirrors config.MinCheckIntervalMS: a tick period below it is
// clamped up to it at construction.
const MinInterval = 5 * time.Second

// reportInterval is the 60s "at most one report per policy" window named
// in spec §4.K and §8.
const reportInterval = 60 * time.Second

// PolicySource is the narrow Engine surface the monitor needs.
type PolicySource interface {
	// MatchProcessName returns every active policy whose process_name
	// matches name, including glob patterns (e.g. "chrome*.exe").
	MatchProcessName(name string, t time.Time) []config.Policy
}

// ViolationReporter is the narrow Controller Client surface the monitor
// needs.
type ViolationReporter interface {
	ReportViolation(ctx context.Context, policyID, processName string, pid int32) error
}

// Monitor loops over active, disallowed policies on a fixed tick,
// terminating matching processes and reporting violations at a bounded
// rate.
type Monitor struct {
	interval  time.Duration
	policies  PolicySource
	osAdapter osadapter.Adapter
	reporter  ViolationReporter

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Monitor. interval below MinInterval is clamped up to it,
// matching the Config Store's own rejection of sub-floor values.
func New(interval time.Duration, policies PolicySource, osAdapter osadapter.Adapter, reporter ViolationReporter) *Monitor {
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Monitor{
		interval:  interval,
		policies:  policies,
		osAdapter: osAdapter,
		reporter:  reporter,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Run ticks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick enumerates the live process table once and checks every process
// name against the policy engine's glob-aware matcher, so a pattern like
// "chrome*.exe" catches every helper process instead of only a process
// literally named "chrome*.exe".
func (m *Monitor) tick(ctx context.Context) {
	now := time.Now()
	procs, err := m.osAdapter.Enumerate(ctx)
	if err != nil {
		return
	}

	for _, proc := range procs {
		for _, p := range m.policies.MatchProcessName(proc.Name, now) {
			if p.Allowed {
				continue
			}
			m.enforce(ctx, p, proc)
		}
	}
}

func (m *Monitor) enforce(ctx context.Context, p config.Policy, proc osadapter.ProcessInfo) {
	_ = m.osAdapter.Terminate(ctx, proc.PID, 3*time.Second)

	if !m.allowReport(p.ID) {
		return
	}
	_ = m.reporter.ReportViolation(ctx, p.ID, p.ProcessName, proc.PID)
}

// allowReport consults (creating if needed) a per-policy rate.Limiter
// refilling at 1/60s with burst 1, so at most one report per policy
// escapes every 60 seconds even as terminations continue every tick.
func (m *Monitor) allowReport(policyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lim, ok := m.limiters[policyID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(reportInterval), 1)
		m.limiters[policyID] = lim
	}
	return lim.Allow()
}
