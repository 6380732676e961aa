// Package updater replaces the running agent with a newer package: it
// downloads and verifies the package, waits for the running job to
// finish, stages the new binaries next to the current ones and hands over
// to a script that swaps them once the agent has exited.
package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/cuemby/burrow/pkg/clock"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/procgroup"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DownloadRetryMaxAttempts bounds package download attempts.
const DownloadRetryMaxAttempts = 3

// PackageType is the package name the agent asks the control plane for.
const PackageType = "agent"

// ErrNoPackage means the control plane has no package for this platform.
var ErrNoPackage = errors.New("no agent package available")

// API is the subset of the control-plane client the updater uses.
type API interface {
	StateReporter
	GetPackage(ctx context.Context, packageType, platform, version string) (*types.PackageMetadata, error)
}

// Drainer waits for the running job to finish.
type Drainer interface {
	WaitForDrain(ctx context.Context) error
}

// Options configures an Updater.
type Options struct {
	PoolID  int64
	AgentID int64
	// Version is the running agent version.
	Version string
	// RootDir holds bin/ and externals/ of the installed agent.
	RootDir string
	// WorkDir holds the _update download area.
	WorkDir  string
	Platform string
	// Shell runs the update script; defaults to bash.
	Shell string

	DownloadTimeout time.Duration
	// MockUpdate takes the package from <root>/../burrow-<version>.tar.gz
	// when that file exists.
	MockUpdate bool

	HTTPClient    *http.Client
	FlushInterval time.Duration
	Events        *events.Broker
	Clock         clock.Clock
}

// Updater runs self-updates. One update runs at a time.
type Updater struct {
	api    API
	opts   Options
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates an updater.
func New(api API, opts Options) *Updater {
	if opts.Platform == "" {
		opts.Platform = runtime.GOOS + "-" + runtime.GOARCH
	}
	if opts.Shell == "" {
		opts.Shell = "bash"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = 15 * time.Minute
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 30 * time.Second
	}
	c := opts.Clock
	if c == nil {
		c = clock.Real()
	}
	return &Updater{
		api:    api,
		opts:   opts,
		clock:  c,
		logger: log.WithComponent("updater"),
	}
}

// updateDir is where packages are downloaded and unpacked.
func (u *Updater) updateDir() string {
	return filepath.Join(u.opts.WorkDir, "_update")
}

// SelfUpdate updates the agent to msg.TargetVersion, or to the latest
// package when no target is given. It returns true once the update script
// has been started and the agent should exit; false with a nil error means
// no newer package exists.
func (u *Updater) SelfUpdate(ctx context.Context, msg *types.AgentRefreshMessage, drainer Drainer, restartInteractive bool) (bool, error) {
	t := newTrace(u.api, u.opts.PoolID, u.opts.AgentID, u.opts.FlushInterval, u.logger)

	flushCtx, stopFlush := context.WithCancel(ctx)
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		t.run(flushCtx, u.opts.FlushInterval)
	}()
	defer func() {
		stopFlush()
		<-flushDone
	}()

	started, err := u.selfUpdate(ctx, msg, drainer, restartInteractive, t)
	if err != nil {
		t.add("Update failed: %v", err)
		metrics.UpdateComponent(metrics.ComponentUpdater, false, err.Error())
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		t.flush(reportCtx, StateFailed, true)
		cancel()
		return false, err
	}
	if started {
		metrics.UpdateComponent(metrics.ComponentUpdater, true, "update script started")
	}
	return started, nil
}

func (u *Updater) selfUpdate(ctx context.Context, msg *types.AgentRefreshMessage, drainer Drainer, restart bool, t *trace) (bool, error) {
	pkg, err := u.targetPackage(ctx, msg.TargetVersion)
	if err != nil {
		return false, err
	}
	if !isNewer(pkg.Version, u.opts.Version) {
		u.logger.Info().Str("available", pkg.Version).Str("running", u.opts.Version).Msg("No newer package, skipping update")
		return false, nil
	}

	u.opts.Events.Publish(&events.Event{
		Type:     events.EventAgentUpdating,
		Message:  pkg.Version,
		Metadata: map[string]string{"from": u.opts.Version, "to": pkg.Version},
	})
	t.add("Updating from %s to %s", u.opts.Version, pkg.Version)
	t.flush(ctx, StateInProgress, true)

	if err := os.MkdirAll(u.updateDir(), 0o755); err != nil {
		return false, fmt.Errorf("creating update directory: %w", err)
	}
	archive, err := u.fetch(ctx, pkg, t)
	if err != nil {
		return false, err
	}
	if err := verifyChecksum(archive, pkg.HashValue); err != nil {
		return false, err
	}
	t.add("Package checksum verified")

	unpacked := filepath.Join(u.updateDir(), "latest-"+pkg.Version)
	if err := os.RemoveAll(unpacked); err != nil {
		return false, err
	}
	if err := extract(archive, unpacked); err != nil {
		return false, fmt.Errorf("extracting package: %w", err)
	}
	t.add("Package extracted to %s", unpacked)
	t.flush(ctx, StateInProgress, false)

	t.add("Waiting for the running job to finish")
	if err := drainer.WaitForDrain(ctx); err != nil {
		return false, fmt.Errorf("draining jobs: %w", err)
	}
	t.add("No job running")

	cleanBackups(u.opts.RootDir, u.opts.Version, pkg.Version, u.logger)
	if err := stage(u.opts.RootDir, unpacked, u.opts.Version, pkg.Version); err != nil {
		return false, fmt.Errorf("staging package: %w", err)
	}
	if err := os.RemoveAll(unpacked); err != nil {
		u.logger.Warn().Err(err).Msg("Failed to remove unpacked package")
	}
	if !u.isMock(archive, pkg.Version) {
		if err := os.Remove(archive); err != nil {
			u.logger.Warn().Err(err).Msg("Failed to remove downloaded package")
		}
	}
	t.add("Staged %s next to %s", pkg.Version, u.opts.Version)

	script := filepath.Join(u.opts.RootDir, ScriptName)
	logPath := filepath.Join(u.opts.RootDir, "_diag", fmt.Sprintf("SelfUpdate-%s.log", u.clock.Now().UTC().Format("20060102-150405")))
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return false, err
	}
	err = writeScript(script, scriptInput{
		Pid:            os.Getpid(),
		Root:           u.opts.RootDir,
		CurrentVersion: u.opts.Version,
		TargetVersion:  pkg.Version,
		LogPath:        logPath,
		Restart:        restart,
	})
	if err != nil {
		return false, err
	}

	err = writeWatchdog(u.opts.RootDir, Watchdog{
		PreviousVersion: u.opts.Version,
		TargetVersion:   pkg.Version,
		StartedAt:       u.clock.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("writing update watchdog: %w", err)
	}

	if err := u.launch(script); err != nil {
		return false, err
	}
	t.add("Update script started")
	t.flush(ctx, StateInProgress, true)
	return true, nil
}

// targetPackage looks up the requested version, or the latest when empty.
func (u *Updater) targetPackage(ctx context.Context, version string) (*types.PackageMetadata, error) {
	pkg, err := u.api.GetPackage(ctx, PackageType, u.opts.Platform, version)
	if err != nil {
		return nil, fmt.Errorf("looking up package: %w", err)
	}
	if pkg == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoPackage, u.opts.Platform)
	}
	return pkg, nil
}

// isNewer compares dotted versions; an unparsable version is never newer.
func isNewer(candidate, running string) bool {
	c, err := parseVersion(candidate)
	if err != nil {
		return false
	}
	r, err := parseVersion(running)
	if err != nil {
		return true
	}
	return r.LessThan(*c)
}

func parseVersion(v string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimPrefix(v, "v"))
}

func (u *Updater) mockPath(version string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(u.opts.RootDir)), fmt.Sprintf("burrow-%s.tar.gz", version))
}

func (u *Updater) isMock(path, version string) bool {
	return u.opts.MockUpdate && path == u.mockPath(version)
}

// fetch returns a local copy of the package, downloading it if needed.
func (u *Updater) fetch(ctx context.Context, pkg *types.PackageMetadata, t *trace) (string, error) {
	if u.opts.MockUpdate {
		mock := u.mockPath(pkg.Version)
		if _, err := os.Stat(mock); err == nil {
			t.add("Using local package %s", mock)
			return mock, nil
		}
	}

	ext := ".tar.gz"
	if isZip(pkg.Filename) {
		ext = ".zip"
	}

	var errs []error
	for attempt := 1; attempt <= DownloadRetryMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		path := filepath.Join(u.updateDir(), fmt.Sprintf("burrow%d%s", attempt, ext))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			u.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove stale package")
			path = filepath.Join(u.updateDir(), fmt.Sprintf("burrow%d-%s%s", attempt, uuid.NewString(), ext))
		}

		t.add("Attempt %d: downloading %s", attempt, pkg.DownloadURL)
		err := u.download(ctx, pkg, path)
		if err == nil {
			t.add("Downloaded package to %s", path)
			return path, nil
		}
		t.add("Attempt %d failed: %v", attempt, err)
		errs = append(errs, fmt.Errorf("attempt %d: %w", attempt, err))
		_ = os.Remove(path)
	}
	return "", fmt.Errorf("downloading package: %w", errors.Join(errs...))
}

func (u *Updater) download(ctx context.Context, pkg *types.PackageMetadata, path string) error {
	ctx, cancel := context.WithTimeout(ctx, u.opts.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pkg.DownloadURL, nil)
	if err != nil {
		return err
	}
	if pkg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+pkg.Token)
	}
	resp, err := u.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %s", resp.Status)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// launch starts the update script detached from the agent's process group.
func (u *Updater) launch(script string) error {
	cmd := exec.Command(u.opts.Shell, script)
	cmd.Dir = u.opts.RootDir
	procgroup.Set(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting update script: %w", err)
	}
	u.logger.Info().Int("pid", cmd.Process.Pid).Str("script", script).Msg("Update script started")
	go func() { _ = cmd.Wait() }()
	return nil
}
