package osadapter

import (
	"context"
	"strings"
	"time"
)

// Fake is an in-memory Adapter for deterministic tests of components that
// depend on Adapter (process monitor, extension manager).
type Fake struct {
	Procs        []ProcessInfo
	Terminated   []int32
	TerminateErr error
}

func (f *Fake) Enumerate(ctx context.Context) ([]ProcessInfo, error) {
	out := make([]ProcessInfo, len(f.Procs))
	copy(out, f.Procs)
	return out, nil
}

func (f *Fake) MatchByName(ctx context.Context, name string) ([]ProcessInfo, error) {
	target := strings.ToLower(name)
	out := make([]ProcessInfo, 0)
	for _, p := range f.Procs {
		if strings.ToLower(p.Name) == target {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *Fake) Terminate(ctx context.Context, pid int32, gracePeriod time.Duration) error {
	if f.TerminateErr != nil {
		return f.TerminateErr
	}
	f.Terminated = append(f.Terminated, pid)
	kept := f.Procs[:0]
	for _, p := range f.Procs {
		if p.PID != pid {
			kept = append(kept, p)
		}
	}
	f.Procs = kept
	return nil
}
