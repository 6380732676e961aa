package worker

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/ipc"
	"github.com/cuemby/burrow/pkg/procgroup"
)

// SpawnArgs are the arguments the agent passes to its own binary to start
// a worker. The two pipe descriptors are appended.
var SpawnArgs = []string{"worker", "spawnclient"}

// Descriptors the worker finds its pipes on. ExtraFiles start at 3.
const (
	InFD  = 3
	OutFD = 4
)

const (
	outputLimit = 64 << 10
	waitDelay   = 5 * time.Second
)

// Options configures a worker process
type Options struct {
	// Path is the executable to run; defaults to the running binary.
	Path string
	// Args defaults to SpawnArgs.
	Args []string
	Dir  string
	Env  []string
}

// Process is a running worker and the agent's end of its channel.
type Process struct {
	cmd     *exec.Cmd
	channel *ipc.Channel
	output  *tailBuffer
	done    chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// Start launches a worker with two anonymous pipes on descriptors 3
// (agent to worker) and 4 (worker to agent).
func Start(opts Options) (*Process, error) {
	path := opts.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating agent binary: %w", err)
		}
		path = exe
	}
	args := opts.Args
	if args == nil {
		args = SpawnArgs
	}
	args = append(append([]string{}, args...), strconv.Itoa(InFD), strconv.Itoa(OutFD))

	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating pipe: %w", err)
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		return nil, fmt.Errorf("creating pipe: %w", err)
	}

	output := newTailBuffer(outputLimit)
	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.ExtraFiles = []*os.File{toWorkerR, fromWorkerW}
	cmd.WaitDelay = waitDelay
	procgroup.Set(cmd)

	startErr := cmd.Start()
	// The child holds its own copies now.
	toWorkerR.Close()
	fromWorkerW.Close()
	if startErr != nil {
		toWorkerW.Close()
		fromWorkerR.Close()
		return nil, fmt.Errorf("starting worker: %w", startErr)
	}

	p := &Process{
		cmd:     cmd,
		channel: ipc.New(fromWorkerR, toWorkerW),
		output:  output,
		done:    make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	p.mu.Lock()
	p.exitCode = code
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

// Channel returns the agent's end of the worker channel
func (p *Process) Channel() *ipc.Channel {
	return p.channel
}

// Pid returns the worker's process id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed when the worker has exited
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the worker's exit code once Done is closed. A worker
// killed by a signal reports -1.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Output returns the tail of the worker's combined stdout and stderr.
func (p *Process) Output() string {
	return p.output.String()
}

// Kill kills the worker's process group.
func (p *Process) Kill() error {
	return procgroup.Kill(p.cmd)
}

// Close releases the channel. It does not stop the worker.
func (p *Process) Close() error {
	return p.channel.Close()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "...\n" + string(b.buf)
	}
	return string(b.buf)
}
