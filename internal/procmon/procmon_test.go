package procmon

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agent-core/internal/config"
	"github.com/agentmesh/agent-core/internal/osadapter"
)

// fakePolicies mirrors policy.Engine.MatchProcessName's exact-then-glob
// matching closely enough to exercise procmon's wildcard policy handling
// without pulling in the policy package.
type fakePolicies struct {
	policies []config.Policy
}

func (f *fakePolicies) MatchProcessName(name string, t time.Time) []config.Policy {
	lowered := strings.ToLower(name)
	var matches []config.Policy
	for _, p := range f.policies {
		pattern := strings.ToLower(p.ProcessName)
		if pattern == lowered || wildcard.Match(pattern, lowered) {
			matches = append(matches, p)
		}
	}
	return matches
}

type fakeReporter struct {
	mu     sync.Mutex
	reports int
}

func (f *fakeReporter) ReportViolation(ctx context.Context, policyID, processName string, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports++
	return nil
}

func TestEnforceTerminatesDisallowedProcess(t *testing.T) {
	ad := &osadapter.Fake{Procs: []osadapter.ProcessInfo{{PID: 1, Name: "blocked.exe"}}}
	reporter := &fakeReporter{}
	m := New(MinInterval, &fakePolicies{}, ad, reporter)

	p := config.Policy{ID: "pol1", ProcessName: "blocked.exe", Allowed: false}
	m.enforce(context.Background(), p, ad.Procs[0])

	require.Equal(t, []int32{1}, ad.Terminated)
	require.Equal(t, 1, reporter.reports)
}

func TestTickSkipsWhenNoMatch(t *testing.T) {
	ad := &osadapter.Fake{Procs: []osadapter.ProcessInfo{{PID: 1, Name: "notepad.exe"}}}
	reporter := &fakeReporter{}
	policies := &fakePolicies{policies: []config.Policy{{ID: "pol1", ProcessName: "nonexistent.exe", Allowed: false}}}
	m := New(MinInterval, policies, ad, reporter)

	m.tick(context.Background())

	require.Empty(t, ad.Terminated)
	require.Equal(t, 0, reporter.reports)
}

func TestTickMatchesWildcardPolicyAgainstLiveProcessTable(t *testing.T) {
	ad := &osadapter.Fake{Procs: []osadapter.ProcessInfo{
		{PID: 1, Name: "chrome_helper.exe"},
		{PID: 2, Name: "chrome_gpu.exe"},
	}}
	reporter := &fakeReporter{}
	policies := &fakePolicies{policies: []config.Policy{{ID: "pol1", ProcessName: "chrome*.exe", Allowed: false}}}
	m := New(MinInterval, policies, ad, reporter)

	m.tick(context.Background())

	require.ElementsMatch(t, []int32{1, 2}, ad.Terminated)
	require.Equal(t, 1, reporter.reports)
}

func TestAllowReportRateLimitsPerPolicy(t *testing.T) {
	ad := &osadapter.Fake{}
	reporter := &fakeReporter{}
	m := New(MinInterval, &fakePolicies{}, ad, reporter)

	require.True(t, m.allowReport("pol1"))
	require.False(t, m.allowReport("pol1"))
	require.True(t, m.allowReport("pol2"))
}

func TestTickSkipsAllowedPolicies(t *testing.T) {
	ad := &osadapter.Fake{Procs: []osadapter.ProcessInfo{{PID: 1, Name: "chrome.exe"}}}
	reporter := &fakeReporter{}
	policies := &fakePolicies{policies: []config.Policy{{ID: "p1", ProcessName: "chrome.exe", Allowed: true}}}
	m := New(MinInterval, policies, ad, reporter)

	m.tick(context.Background())

	require.Empty(t, ad.Terminated)
}

func TestNewClampsIntervalToFloor(t *testing.T) {
	m := New(time.Second, &fakePolicies{}, &osadapter.Fake{}, &fakeReporter{})
	require.Equal(t, MinInterval, m.interval)
}
