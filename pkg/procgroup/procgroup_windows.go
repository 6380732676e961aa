//go:build windows

package procgroup

import (
	"os"
	"os/exec"
)

// Set is a no-op on Windows.
func Set(cmd *exec.Cmd) {}

// Interrupt falls back to killing the root process; Windows has no
// portable group signal.
func Interrupt(cmd *exec.Cmd) error {
	return Kill(cmd)
}

// Kill terminates the root process.
func Kill(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
