package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/ipc"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startClient wires a Client to an in-process agent channel and runs it.
func startClient(t *testing.T) (agent *ipc.Channel, exit <-chan int) {
	t.Helper()
	toWorkerR, toWorkerW, err := os.Pipe()
	require.NoError(t, err)
	fromWorkerR, fromWorkerW, err := os.Pipe()
	require.NoError(t, err)

	agent = ipc.New(fromWorkerR, toWorkerW)
	t.Cleanup(func() { agent.Close() })

	code := make(chan int, 1)
	go func() {
		code <- NewClient(toWorkerR, fromWorkerW).Run(context.Background())
	}()
	return agent, code
}

func envelope(t *testing.T, steps ...types.JobStep) ipc.JobEnvelope {
	dir := t.TempDir()
	return ipc.JobEnvelope{
		Job: types.JobRequestMessage{
			JobID:     "job-1",
			Steps:     steps,
			Variables: map[string]string{"GREETING": "hello"},
		},
		WorkDir: filepath.Join(dir, "work"),
		DiagDir: filepath.Join(dir, "diag"),
	}
}

// collectLogs reads StepLog frames until the worker closes its end.
func collectLogs(agent *ipc.Channel) <-chan []ipc.StepLogBody {
	out := make(chan []ipc.StepLogBody, 1)
	go func() {
		var logs []ipc.StepLogBody
		for {
			frame, err := agent.Receive()
			if err != nil {
				out <- logs
				return
			}
			var body ipc.StepLogBody
			if frame.Type == ipc.StepLog && frame.Decode(&body) == nil {
				logs = append(logs, body)
			}
		}
	}()
	return out
}

func waitExit(t *testing.T, exit <-chan int) int {
	t.Helper()
	select {
	case code := <-exit:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not finish")
		return 0
	}
}

func TestClientRunsSteps(t *testing.T) {
	agent, exit := startClient(t)
	logs := collectLogs(agent)
	env := envelope(t,
		types.JobStep{Name: "greet", Run: `echo "$GREETING"`},
		types.JobStep{Name: "pwd", Run: "pwd"},
	)
	require.NoError(t, agent.Send(context.Background(), ipc.NewJobRequest, env))

	assert.Equal(t, types.ExitCodeFor(types.ResultSucceeded), waitExit(t, exit))

	reported := <-logs
	require.Len(t, reported, 2)
	assert.Equal(t, "greet", reported[0].Step)

	page, err := os.ReadFile(reported[0].Path)
	require.NoError(t, err)
	assert.Contains(t, string(page), "hello")

	page, err = os.ReadFile(reported[1].Path)
	require.NoError(t, err)
	assert.Contains(t, string(page), "work")
}

func TestClientStopsOnFailedStep(t *testing.T) {
	agent, exit := startClient(t)
	logs := collectLogs(agent)
	env := envelope(t,
		types.JobStep{Name: "fail", Run: "exit 3"},
		types.JobStep{Name: "never", Run: "echo unreachable"},
	)
	require.NoError(t, agent.Send(context.Background(), ipc.NewJobRequest, env))

	assert.Equal(t, types.ExitCodeFor(types.ResultFailed), waitExit(t, exit))
	assert.Len(t, <-logs, 1)
}

func TestClientCancel(t *testing.T) {
	agent, exit := startClient(t)
	_ = collectLogs(agent)
	env := envelope(t, types.JobStep{Name: "long", Run: "sleep 30"})
	ctx := context.Background()
	require.NoError(t, agent.Send(ctx, ipc.NewJobRequest, env))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, agent.Send(ctx, ipc.CancelRequest, nil))

	assert.Equal(t, types.ExitCodeFor(types.ResultCanceled), waitExit(t, exit))
}

func TestClientRejectsUnexpectedFirstFrame(t *testing.T) {
	agent, exit := startClient(t)
	require.NoError(t, agent.Send(context.Background(), ipc.CancelRequest, nil))
	assert.Equal(t, types.ExitCodeFor(types.ResultFailed), waitExit(t, exit))
}

func TestProcessExitCodeAndOutput(t *testing.T) {
	p, err := Start(Options{Path: "sh", Args: []string{"-c", "echo from-worker; echo oops >&2; exit 7"}})
	require.NoError(t, err)
	defer p.Close()

	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.Equal(t, 7, p.ExitCode())
	assert.Contains(t, p.Output(), "from-worker")
	assert.Contains(t, p.Output(), "oops")
}

func TestProcessReceivesPipes(t *testing.T) {
	// The worker end of the agent pipe is descriptor 3.
	p, err := Start(Options{Path: "sh", Args: []string{"-c", `head -c 1 <&3 >/dev/null; exit 0`}})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Channel().Send(context.Background(), ipc.CancelRequest, nil))
	<-p.Done()
	assert.Equal(t, 0, p.ExitCode())
}

func TestProcessKill(t *testing.T) {
	p, err := Start(Options{Path: "sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)
	defer p.Close()
	assert.Positive(t, p.Pid())

	require.NoError(t, p.Kill())
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process survived kill")
	}
	assert.Equal(t, -1, p.ExitCode())
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("abc"))
	assert.Equal(t, "abc", b.String())

	_, _ = b.Write([]byte("defghijk"))
	assert.True(t, strings.HasSuffix(b.String(), "defghijk"))
	assert.True(t, strings.HasPrefix(b.String(), "..."))
}
