//go:build windows

package osadapter

import (
	"fmt"
	"syscall"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/agentmesh/agent-core/internal/errs"
)

// sendTerm has no native SIGTERM equivalent on Windows; gopsutil maps it to
// a CTRL_BREAK_EVENT / conditional TerminateProcess itself.
func sendTerm(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return fmt.Errorf("%w: sigterm pid %d: %v", errs.ErrOSAdapter, pid, err)
	}
	if err := p.SendSignal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("%w: sigterm pid %d: %v", errs.ErrOSAdapter, pid, err)
	}
	return nil
}
