// Package osadapter isolates every platform-specific operation (process
// enumeration, matching, termination) behind a single trait, so the
// process monitor and command processor never import gopsutil or syscall
// packages directly (spec §4.C, §9).
package osadapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/agentmesh/agent-core/internal/errs"
)

// ProcessInfo is the trimmed view of a running process the rest of the
// agent needs: nothing beyond pid, parent pid, name and executable path is
// exposed.
type ProcessInfo struct {
	PID     int32
	PPID    int32
	Name    string
	ExePath string
}

// Adapter is implemented by Native (gopsutil-backed) and by fakes in
// package-local tests that need a deterministic process table.
type Adapter interface {
	// Enumerate lists all currently running processes.
	Enumerate(ctx context.Context) ([]ProcessInfo, error)

	// MatchByName returns every running process whose Name equals name,
	// case-insensitively.
	MatchByName(ctx context.Context, name string) ([]ProcessInfo, error)

	// Terminate asks pid to exit: SIGTERM first, then SIGKILL after
	// gracePeriod if it is still alive.
	Terminate(ctx context.Context, pid int32, gracePeriod time.Duration) error
}

// Native is the gopsutil-backed Adapter used in production.
type Native struct{}

// New returns a Native adapter.
func New() Native {
	return Native{}
}

func (Native) Enumerate(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate: %v", errs.ErrOSAdapter, err)
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		ppid, _ := p.PpidWithContext(ctx)
		exe, _ := p.ExeWithContext(ctx)
		out = append(out, ProcessInfo{
			PID:     p.Pid,
			PPID:    ppid,
			Name:    name,
			ExePath: exe,
		})
	}
	return out, nil
}

func (n Native) MatchByName(ctx context.Context, name string) ([]ProcessInfo, error) {
	all, err := n.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	target := strings.ToLower(name)
	matches := make([]ProcessInfo, 0)
	for _, p := range all {
		if strings.ToLower(p.Name) == target {
			matches = append(matches, p)
		}
	}
	return matches, nil
}

func (Native) Terminate(ctx context.Context, pid int32, gracePeriod time.Duration) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return fmt.Errorf("%w: terminate pid %d: %v", errs.ErrOSAdapter, pid, err)
	}

	if err := sendTerm(pid); err != nil {
		return killHard(ctx, p)
	}

	timer := time.NewTimer(gracePeriod)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	alive, err := p.IsRunningWithContext(ctx)
	if err != nil || !alive {
		return nil
	}
	return killHard(ctx, p)
}

func killHard(ctx context.Context, p *process.Process) error {
	if err := p.KillWithContext(ctx); err != nil {
		return fmt.Errorf("%w: hard kill pid %d: %v", errs.ErrOSAdapter, p.Pid, err)
	}
	return nil
}
