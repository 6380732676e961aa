package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// WatchdogFile marks an update in flight across the restart.
const WatchdogFile = ".update-watchdog"

// Watchdog is the marker written before the update script runs.
type Watchdog struct {
	PreviousVersion string    `json:"previousVersion"`
	TargetVersion   string    `json:"targetVersion"`
	StartedAt       time.Time `json:"startedAt"`
}

func writeWatchdog(root string, w Watchdog) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(root, WatchdogFile), data, 0o644)
}

// ReadWatchdog returns the marker under root, or nil if there is none.
func ReadWatchdog(root string) (*Watchdog, error) {
	data, err := os.ReadFile(filepath.Join(root, WatchdogFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var w Watchdog
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parsing update watchdog: %w", err)
	}
	return &w, nil
}

// ReportWatchdog tells the control plane how the last update ended, judged
// by whether the running version is the one it targeted, and removes the
// marker. It reports whether a marker was found.
func ReportWatchdog(ctx context.Context, api StateReporter, poolID, agentID int64, root, running string) (bool, error) {
	w, err := ReadWatchdog(root)
	if err != nil || w == nil {
		return false, err
	}

	state := StateSucceeded
	trace := fmt.Sprintf("Updated from %s to %s", w.PreviousVersion, w.TargetVersion)
	if running != w.TargetVersion {
		state = StateFailed
		trace = fmt.Sprintf("Update from %s to %s did not take effect; running %s", w.PreviousVersion, w.TargetVersion, running)
	}
	if err := api.UpdateAgentUpdateState(ctx, poolID, agentID, state, trace); err != nil {
		return true, fmt.Errorf("reporting update outcome: %w", err)
	}
	if err := os.Remove(filepath.Join(root, WatchdogFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return true, err
	}
	return true, nil
}
