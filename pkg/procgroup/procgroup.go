// Package procgroup starts worker processes in their own process group so
// the agent can signal the worker together with everything it spawned.
package procgroup

import (
	"os/exec"
	"time"
)

// Terminate asks the group to stop, waits up to grace for waitCh to
// report the exit, then kills the group. It returns the wait result.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = Interrupt(cmd)
	select {
	case err := <-waitCh:
		return err
	case <-time.After(grace):
	}

	_ = Kill(cmd)
	return <-waitCh
}
