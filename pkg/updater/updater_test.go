package updater

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

type stateCall struct {
	state string
	trace string
}

type fakeAPI struct {
	mu     sync.Mutex
	pkg    *types.PackageMetadata
	pkgErr error
	asked  []string
	states []stateCall
}

func (f *fakeAPI) GetPackage(ctx context.Context, packageType, platform, version string) (*types.PackageMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, version)
	return f.pkg, f.pkgErr
}

func (f *fakeAPI) UpdateAgentUpdateState(ctx context.Context, poolID, agentID int64, state, trace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, stateCall{state: state, trace: trace})
	return nil
}

func (f *fakeAPI) lastState() stateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.states) == 0 {
		return stateCall{}
	}
	return f.states[len(f.states)-1]
}

// drainer blocks WaitForDrain until release is closed.
type drainer struct {
	called  chan struct{}
	release chan struct{}
	once    sync.Once
}

func newDrainer() *drainer {
	return &drainer{called: make(chan struct{}), release: make(chan struct{})}
}

func (d *drainer) WaitForDrain(ctx context.Context) error {
	d.once.Do(func() { close(d.called) })
	select {
	case <-d.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type env struct {
	root    string
	work    string
	api     *fakeAPI
	updater *Updater
	hits    *atomic.Int32
}

// newEnv installs version 1.0.0 under a temp root and serves archive.
func newEnv(t *testing.T, archive []byte, failFirst int32) *env {
	t.Helper()
	root := filepath.Join(t.TempDir(), "burrow")
	require.NoError(t, os.MkdirAll(filepath.Join(root, BinDir), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ExternalsDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, BinDir, "burrow"), []byte("old"), 0o755))

	hits := new(atomic.Int32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= failFirst {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "Bearer pkg-token", r.Header.Get("Authorization"))
		_, _ = w.Write(archive)
	}))
	t.Cleanup(srv.Close)

	api := &fakeAPI{pkg: &types.PackageMetadata{
		Type:        PackageType,
		Version:     "1.1.0",
		Filename:    "burrow-1.1.0.tar.gz",
		DownloadURL: srv.URL + "/burrow-1.1.0.tar.gz",
		HashValue:   sha256Hex(archive),
		Token:       "pkg-token",
	}}
	e := &env{root: root, work: filepath.Join(root, "_work"), api: api, hits: hits}
	e.updater = New(api, Options{
		PoolID:  1,
		AgentID: 7,
		Version: "1.0.0",
		RootDir: root,
		WorkDir: e.work,
		Shell:   "true",
	})
	return e
}

var newPackage = map[string]string{
	"bin/burrow":         "new",
	"externals/tool.txt": "tool",
}

func TestSelfUpdateWaitsForDrainBeforeStaging(t *testing.T) {
	e := newEnv(t, tarGz(t, newPackage), 0)
	d := newDrainer()

	type outcome struct {
		started bool
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		started, err := e.updater.SelfUpdate(context.Background(), &types.AgentRefreshMessage{TargetVersion: "1.1.0"}, d, false)
		done <- outcome{started, err}
	}()

	select {
	case <-d.called:
	case <-time.After(10 * time.Second):
		t.Fatal("updater never waited for drain")
	}

	// The running job still owns the install; nothing is staged yet.
	_, err := os.Stat(filepath.Join(e.root, BinDir+".1.1.0"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(e.root, ScriptName))
	assert.True(t, os.IsNotExist(err))

	close(d.release)
	var res outcome
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("update did not finish")
	}
	require.NoError(t, res.err)
	assert.True(t, res.started)

	staged, err := os.ReadFile(filepath.Join(e.root, BinDir+".1.1.0", "burrow"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(staged))

	backup, err := os.ReadFile(filepath.Join(e.root, BinDir+".1.0.0", "burrow"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(backup))

	current, err := os.ReadFile(filepath.Join(e.root, BinDir, "burrow"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(current), "running binaries are swapped by the script, not the agent")

	script, err := os.ReadFile(filepath.Join(e.root, ScriptName))
	require.NoError(t, err)
	assert.Contains(t, string(script), "1.1.0")
	assert.NotContains(t, string(script), "nohup")

	w, err := ReadWatchdog(e.root)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "1.0.0", w.PreviousVersion)
	assert.Equal(t, "1.1.0", w.TargetVersion)

	assert.Equal(t, []string{"1.1.0"}, e.api.asked)
	assert.Equal(t, StateInProgress, e.api.lastState().state)

	// The script swaps the staged directories in by rename once the
	// agent has exited.
	require.NoError(t, runSwapScript(t, e.root, "1.0.0", "1.1.0"))
	current, err = os.ReadFile(filepath.Join(e.root, BinDir, "burrow"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(current))
	tool, err := os.ReadFile(filepath.Join(e.root, ExternalsDir, "tool.txt"))
	require.NoError(t, err)
	assert.Equal(t, "tool", string(tool))
	_, err = os.Stat(filepath.Join(e.root, BinDir+".1.1.0"))
	assert.True(t, os.IsNotExist(err))
	baks, _ := filepath.Glob(filepath.Join(e.root, BinDir+".bak.*"))
	require.Len(t, baks, 1)
	old, err := os.ReadFile(filepath.Join(baks[0], "burrow"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))
}

func TestUpdateScriptRollsBack(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, BinDir), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ExternalsDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, BinDir, "burrow"), []byte("old"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ExternalsDir, "tool.txt"), []byte("old tool"), 0o644))
	// bin is staged but externals is missing, so the second swap fails.
	require.NoError(t, os.MkdirAll(filepath.Join(root, BinDir+".2.0.0"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, BinDir+".2.0.0", "burrow"), []byte("new"), 0o755))

	assert.Error(t, runSwapScript(t, root, "1.0.0", "2.0.0"))

	current, err := os.ReadFile(filepath.Join(root, BinDir, "burrow"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(current))
	tool, err := os.ReadFile(filepath.Join(root, ExternalsDir, "tool.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old tool", string(tool))
	staged, err := os.ReadFile(filepath.Join(root, BinDir+".2.0.0", "burrow"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(staged))
}

// runSwapScript renders the update script for a process that has already
// exited and runs it against root.
func runSwapScript(t *testing.T, root, current, target string) error {
	t.Helper()
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	exited := exec.Command(bash, "-c", "exit 0")
	require.NoError(t, exited.Run())

	dir := t.TempDir()
	script := filepath.Join(dir, ScriptName)
	require.NoError(t, writeScript(script, scriptInput{
		Pid:            exited.Process.Pid,
		Root:           root,
		CurrentVersion: current,
		TargetVersion:  target,
		LogPath:        filepath.Join(dir, "update.log"),
	}))
	return exec.Command(bash, script).Run()
}

func TestSelfUpdateSkipsWhenNotNewer(t *testing.T) {
	tests := []struct {
		name      string
		available string
	}{
		{name: "same version", available: "1.0.0"},
		{name: "older version", available: "0.9.3"},
		{name: "garbage version", available: "latest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tarGz(t, newPackage), 0)
			e.api.pkg.Version = tt.available

			started, err := e.updater.SelfUpdate(context.Background(), &types.AgentRefreshMessage{}, newDrainer(), false)
			require.NoError(t, err)
			assert.False(t, started)
			assert.Zero(t, e.hits.Load())
		})
	}
}

func TestSelfUpdateRetriesDownload(t *testing.T) {
	e := newEnv(t, tarGz(t, newPackage), 2)
	d := newDrainer()
	close(d.release)

	started, err := e.updater.SelfUpdate(context.Background(), &types.AgentRefreshMessage{}, d, true)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, int32(3), e.hits.Load())

	script, err := os.ReadFile(filepath.Join(e.root, ScriptName))
	require.NoError(t, err)
	assert.Contains(t, string(script), "nohup")
}

func TestSelfUpdateGivesUpAfterMaxAttempts(t *testing.T) {
	e := newEnv(t, tarGz(t, newPackage), DownloadRetryMaxAttempts)

	started, err := e.updater.SelfUpdate(context.Background(), &types.AgentRefreshMessage{}, newDrainer(), false)
	require.Error(t, err)
	assert.False(t, started)
	assert.Equal(t, int32(DownloadRetryMaxAttempts), e.hits.Load())

	last := e.api.lastState()
	assert.Equal(t, StateFailed, last.state)
	assert.Contains(t, last.trace, "Attempt 3 failed")
}

func TestSelfUpdateChecksumMismatch(t *testing.T) {
	e := newEnv(t, tarGz(t, newPackage), 0)
	e.api.pkg.HashValue = strings.Repeat("0", 64)
	d := newDrainer()

	started, err := e.updater.SelfUpdate(context.Background(), &types.AgentRefreshMessage{}, d, false)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.False(t, started)

	select {
	case <-d.called:
		t.Fatal("drain must not start for a bad package")
	default:
	}
	assert.Equal(t, StateFailed, e.api.lastState().state)
}

func TestSelfUpdateUsesMockPackage(t *testing.T) {
	archive := tarGz(t, newPackage)
	e := newEnv(t, archive, 0)
	e.updater.opts.MockUpdate = true
	mock := filepath.Join(filepath.Dir(e.root), "burrow-1.1.0.tar.gz")
	require.NoError(t, os.WriteFile(mock, archive, 0o644))
	d := newDrainer()
	close(d.release)

	started, err := e.updater.SelfUpdate(context.Background(), &types.AgentRefreshMessage{}, d, false)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Zero(t, e.hits.Load())
	assert.FileExists(t, mock)
}

func TestSelfUpdatePackageLookupFails(t *testing.T) {
	e := newEnv(t, nil, 0)
	e.api.pkg = nil

	_, err := e.updater.SelfUpdate(context.Background(), &types.AgentRefreshMessage{}, newDrainer(), false)
	assert.ErrorIs(t, err, ErrNoPackage)

	e.api.pkgErr = errors.New("unavailable")
	_, err = e.updater.SelfUpdate(context.Background(), &types.AgentRefreshMessage{}, newDrainer(), false)
	assert.ErrorContains(t, err, "unavailable")
}

func TestVerifyChecksum(t *testing.T) {
	data := []byte("package bytes")
	path := filepath.Join(t.TempDir(), "pkg.tar.gz")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	b3 := blake3.Sum256(data)
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "empty", want: ""},
		{name: "sha256", want: sha256Hex(data)},
		{name: "sha256 upper case", want: strings.ToUpper(sha256Hex(data))},
		{name: "blake3", want: "blake3:" + hex.EncodeToString(b3[:])},
		{name: "sha256 mismatch", want: sha256Hex([]byte("other")), wantErr: true},
		{name: "blake3 mismatch", want: "blake3:" + sha256Hex(data), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyChecksum(path, tt.want)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrChecksumMismatch)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		archive func(t *testing.T, files map[string]string) []byte
	}{
		{name: "tar.gz", file: "pkg.tar.gz", archive: tarGz},
		{name: "zip", file: "pkg.zip", archive: zipArchive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, tt.file)
			require.NoError(t, os.WriteFile(archive, tt.archive(t, newPackage), 0o644))

			dest := filepath.Join(dir, "out")
			require.NoError(t, extract(archive, dest))
			content, err := os.ReadFile(filepath.Join(dest, "externals", "tool.txt"))
			require.NoError(t, err)
			assert.Equal(t, "tool", string(content))
		})
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.tar.gz")
	require.NoError(t, os.WriteFile(archive, tarGz(t, map[string]string{"../escape": "x"}), 0o644))

	assert.Error(t, extract(archive, filepath.Join(dir, "out")))
	assert.NoFileExists(t, filepath.Join(dir, "escape"))
}

func TestCleanBackups(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"bin.0.8.0", "bin.1.0.0", "bin.1.1.0", "externals.0.8.0", "externals.1.0.0", "bin.bak.0.7.0"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "burrow.bak.1"), []byte("x"), 0o644))

	cleanBackups(root, "1.0.0", "1.1.0", testLogger())

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"bin.1.0.0", "bin.1.1.0", "externals.1.0.0"}, names)
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		candidate, running string
		want               bool
	}{
		{"1.1.0", "1.0.0", true},
		{"1.10.0", "1.9.0", true},
		{"1.0.0", "1.0.0", false},
		{"0.9.0", "1.0.0", false},
		{"v2.0.0", "1.0.0", true},
		{"1.0.0", "dev", true},
		{"nightly", "1.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.candidate+"_vs_"+tt.running, func(t *testing.T) {
			assert.Equal(t, tt.want, isNewer(tt.candidate, tt.running))
		})
	}
}

func TestReportWatchdog(t *testing.T) {
	tests := []struct {
		name      string
		running   string
		wantState string
	}{
		{name: "update took effect", running: "1.1.0", wantState: StateSucceeded},
		{name: "still old version", running: "1.0.0", wantState: StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			require.NoError(t, writeWatchdog(root, Watchdog{PreviousVersion: "1.0.0", TargetVersion: "1.1.0", StartedAt: time.Now()}))
			api := &fakeAPI{}

			found, err := ReportWatchdog(context.Background(), api, 1, 7, root, tt.running)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, tt.wantState, api.lastState().state)
			assert.NoFileExists(t, filepath.Join(root, WatchdogFile))
		})
	}

	t.Run("no marker", func(t *testing.T) {
		found, err := ReportWatchdog(context.Background(), &fakeAPI{}, 1, 7, t.TempDir(), "1.0.0")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestTraceFlushKeepsLinesOnFailure(t *testing.T) {
	api := &failingReporter{fail: true}
	tr := newTrace(api, 1, 7, time.Hour, testLogger())
	tr.add("one")
	tr.add("two")

	tr.flush(context.Background(), StateInProgress, true)
	assert.Equal(t, []string{"one", "two"}, tr.pending())

	api.fail = false
	tr.flush(context.Background(), StateInProgress, true)
	assert.Empty(t, tr.pending())
	assert.Equal(t, "one\ntwo", api.last)

	// Inside the rate limit a normal flush is skipped.
	require.True(t, tr.limiter.Allow())
	tr.add("three")
	tr.flush(context.Background(), StateInProgress, false)
	assert.Equal(t, []string{"three"}, tr.pending())
}

func TestTraceConcurrentFlushes(t *testing.T) {
	api := &fakeAPI{}
	tr := newTrace(api, 1, 7, time.Hour, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				tr.add("line %d-%d", i, j)
				tr.flush(context.Background(), StateInProgress, true)
			}
		}(i)
	}
	wg.Wait()
	tr.flush(context.Background(), StateInProgress, true)
	assert.Empty(t, tr.pending())

	seen := map[string]int{}
	api.mu.Lock()
	for _, call := range api.states {
		if call.trace == "" {
			continue
		}
		for _, line := range strings.Split(call.trace, "\n") {
			seen[line]++
		}
	}
	api.mu.Unlock()
	assert.Len(t, seen, 200)
	for line, count := range seen {
		assert.Equal(t, 1, count, line)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type failingReporter struct {
	fail bool
	last string
}

func (f *failingReporter) UpdateAgentUpdateState(ctx context.Context, poolID, agentID int64, state, trace string) error {
	if f.fail {
		return errors.New("unreachable")
	}
	f.last = trace
	return nil
}
