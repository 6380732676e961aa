//go:build unix

package procgroup

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func startGroup(t *testing.T, script string) (*exec.Cmd, chan error) {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	Set(cmd)
	require.NoError(t, cmd.Start())

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()
	return cmd, waitCh
}

func TestKillReachesChildren(t *testing.T) {
	cmd, waitCh := startGroup(t, "sleep 30 & sleep 30")
	time.Sleep(100 * time.Millisecond)

	pgid, err := unix.Getpgid(cmd.Process.Pid)
	require.NoError(t, err)
	assert.Equal(t, cmd.Process.Pid, pgid)

	require.NoError(t, Kill(cmd))
	select {
	case err := <-waitCh:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process group survived SIGKILL")
	}

	// Signalling an exited group is not an error.
	assert.NoError(t, Kill(cmd))
}

func TestTerminateEscalates(t *testing.T) {
	cmd, waitCh := startGroup(t, "trap '' TERM; sleep 30")
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	err := Terminate(cmd, waitCh, 200*time.Millisecond)
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestTerminateGraceful(t *testing.T) {
	cmd, waitCh := startGroup(t, "sleep 30")
	err := Terminate(cmd, waitCh, 5*time.Second)
	assert.Error(t, err)
}

func TestNilCommand(t *testing.T) {
	assert.NoError(t, Kill(nil))
	assert.NoError(t, Terminate(nil, nil, time.Second))
}
