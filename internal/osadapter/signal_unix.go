//go:build unix

package osadapter

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/agentmesh/agent-core/internal/errs"
)

// sendTerm delivers SIGTERM via the raw kill(2) syscall rather than through
// gopsutil's generic SendSignal path, which re-resolves the process handle
// from pid before every call.
func sendTerm(pid int32) error {
	if err := unix.Kill(int(pid), unix.SIGTERM); err != nil {
		return fmt.Errorf("%w: sigterm pid %d: %v", errs.ErrOSAdapter, pid, err)
	}
	return nil
}
