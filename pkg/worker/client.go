package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/ipc"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/procgroup"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// stepGrace is how long a cancelled step gets between SIGTERM and SIGKILL
const stepGrace = 10 * time.Second

// PagesDir is where step logs are written while a job runs, relative to
// the diagnostics directory.
const PagesDir = "pages"

// PagePath returns the log page for step index of job.
func PagePath(diagDir, jobID string, index int) string {
	return filepath.Join(diagDir, PagesDir, fmt.Sprintf("%s_%d.log", jobID, index))
}

// Client is the worker side of the agent channel. It runs exactly one job
// and reports the outcome through its exit code.
type Client struct {
	channel *ipc.Channel
	logger  zerolog.Logger
}

// NewClient wraps the descriptors handed over by the agent.
func NewClient(in io.ReadCloser, out io.WriteCloser) *Client {
	return &Client{
		channel: ipc.New(in, out),
		logger:  log.WithComponent("worker"),
	}
}

// Run waits for the job, executes its steps and returns the exit code the
// process should exit with.
func (c *Client) Run(ctx context.Context) int {
	defer c.channel.Close()

	frame, err := c.channel.Receive()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to receive job")
		return types.ExitCodeFor(types.ResultFailed)
	}
	if frame.Type != ipc.NewJobRequest {
		c.logger.Error().Str("type", string(frame.Type)).Msg("Expected a job request")
		return types.ExitCodeFor(types.ResultFailed)
	}
	var envelope ipc.JobEnvelope
	if err := frame.Decode(&envelope); err != nil {
		c.logger.Error().Err(err).Msg("Invalid job request")
		return types.ExitCodeFor(types.ResultFailed)
	}

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go c.watchAgent(cancel)

	result := c.runJob(jobCtx, &envelope)
	c.logger.Info().Str("job_id", envelope.Job.JobID).Str("result", result.String()).Msg("Job finished")
	return types.ExitCodeFor(result)
}

var errCanceledByAgent = errors.New("canceled by agent")

// watchAgent turns control frames into job cancellation.
func (c *Client) watchAgent(cancel context.CancelCauseFunc) {
	for {
		frame, err := c.channel.Receive()
		if err != nil {
			return
		}
		switch frame.Type {
		case ipc.CancelRequest, ipc.AgentShutdown, ipc.OperatingSystemShutdown:
			c.logger.Info().Str("type", string(frame.Type)).Msg("Cancelling job")
			cancel(errCanceledByAgent)
			return
		}
	}
}

func (c *Client) runJob(ctx context.Context, envelope *ipc.JobEnvelope) types.TaskResult {
	job := &envelope.Job
	if err := os.MkdirAll(filepath.Join(envelope.DiagDir, PagesDir), 0o755); err != nil {
		c.logger.Error().Err(err).Msg("Failed to create log directory")
		return types.ResultFailed
	}
	if envelope.WorkDir != "" {
		if err := os.MkdirAll(envelope.WorkDir, 0o755); err != nil {
			c.logger.Error().Err(err).Msg("Failed to create work directory")
			return types.ResultFailed
		}
	}

	env := os.Environ()
	keys := make([]string, 0, len(job.Variables))
	for k := range job.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+job.Variables[k])
	}

	for i, step := range job.Steps {
		if ctx.Err() != nil {
			return types.ResultCanceled
		}
		page := PagePath(envelope.DiagDir, job.JobID, i)
		err := c.runStep(ctx, step, envelope.WorkDir, env, page)

		body := ipc.StepLogBody{JobID: job.JobID, Step: step.Name, Path: page}
		sendCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if serr := c.channel.Send(sendCtx, ipc.StepLog, body); serr != nil {
			c.logger.Warn().Err(serr).Str("step", step.Name).Msg("Failed to report step log")
		}
		cancel()

		switch {
		case ctx.Err() != nil:
			return types.ResultCanceled
		case err != nil:
			c.logger.Warn().Err(err).Str("step", step.Name).Msg("Step failed")
			return types.ResultFailed
		}
	}
	return types.ResultSucceeded
}

func (c *Client) runStep(ctx context.Context, step types.JobStep, dir string, env []string, page string) error {
	f, err := os.Create(page)
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintf(f, "##[step] %s\n", step.Name)

	cmd := exec.Command("sh", "-c", step.Run)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = f
	cmd.Stderr = f
	procgroup.Set(cmd)
	if err := cmd.Start(); err != nil {
		return err
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		return procgroup.Terminate(cmd, waitCh, stepGrace)
	}
}
