package updater

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// Install layout under the root folder
const (
	BinDir       = "bin"
	ExternalsDir = "externals"
	ScriptName   = "_update.sh"
)

// cleanBackups removes leftovers of earlier updates. Failures are logged
// and left for the next update.
func cleanBackups(root, current, target string, logger zerolog.Logger) {
	baks, _ := filepath.Glob(filepath.Join(root, "*.bak.*"))
	for _, path := range baks {
		if err := os.RemoveAll(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to delete backup")
		}
	}

	keep := map[string]bool{}
	for _, dir := range []string{BinDir, ExternalsDir} {
		keep[filepath.Join(root, dir+"."+current)] = true
		keep[filepath.Join(root, dir+"."+target)] = true
	}
	for _, dir := range []string{BinDir, ExternalsDir} {
		versions, _ := filepath.Glob(filepath.Join(root, dir+".*"))
		for _, path := range versions {
			if keep[path] {
				continue
			}
			if info, err := os.Stat(path); err != nil || !info.IsDir() {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("Failed to delete old version")
			}
		}
	}
}

// stage keeps a copy of the running version as bin.<current> and
// externals.<current>, and moves the unpacked package into bin.<target>
// and externals.<target>. The running directories are not touched.
func stage(root, unpacked, current, target string) error {
	for _, dir := range []string{BinDir, ExternalsDir} {
		src := filepath.Join(root, dir)
		backup := filepath.Join(root, dir+"."+current)
		if _, err := os.Stat(src); err == nil {
			if err := os.RemoveAll(backup); err != nil {
				return err
			}
			if err := os.CopyFS(backup, os.DirFS(src)); err != nil {
				return fmt.Errorf("backing up %s: %w", dir, err)
			}
		}

		next := filepath.Join(root, dir+"."+target)
		if err := os.RemoveAll(next); err != nil {
			return err
		}
		staged := filepath.Join(unpacked, dir)
		if _, err := os.Stat(staged); os.IsNotExist(err) {
			if err := os.MkdirAll(next, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.Rename(staged, next); err != nil {
			return fmt.Errorf("staging %s: %w", dir, err)
		}
	}
	return nil
}

// scriptInput fills the update script template.
type scriptInput struct {
	Pid            int
	Root           string
	CurrentVersion string
	TargetVersion  string
	LogPath        string
	Restart        bool
}

var scriptTemplate = template.Must(template.New(ScriptName).Funcs(template.FuncMap{
	"q": shellQuote,
}).Parse(`#!/bin/bash
# Swaps in burrow {{.TargetVersion}} once process {{.Pid}} has exited.

root={{q .Root}}
log={{q .LogPath}}

echo "$(date -u) waiting for process {{.Pid}}" >> "$log"
while kill -0 {{.Pid}} 2>/dev/null; do
  sleep 2
done

echo "$(date -u) replacing {{.CurrentVersion}} with {{.TargetVersion}}" >> "$log"
stamp=$(date -u +%Y%m%d%H%M%S)
swapped=()

# rollback puts every directory already swapped back in place.
rollback() {
  for done_dir in "${swapped[@]}"; do
    mv "$root/$done_dir" "$root/$done_dir.{{.TargetVersion}}" >> "$log" 2>&1
    mv "$root/$done_dir.bak.$stamp" "$root/$done_dir" >> "$log" 2>&1
  done
}

for dir in bin externals; do
  if [ -e "$root/$dir" ] && ! mv "$root/$dir" "$root/$dir.bak.$stamp" >> "$log" 2>&1; then
    echo "$(date -u) update failed, could not move $dir aside" >> "$log"
    rollback
    exit 1
  fi
  if ! mv "$root/$dir.{{.TargetVersion}}" "$root/$dir" >> "$log" 2>&1; then
    echo "$(date -u) update failed, restoring $dir" >> "$log"
    if [ -e "$root/$dir.bak.$stamp" ]; then
      mv "$root/$dir.bak.$stamp" "$root/$dir" >> "$log" 2>&1
    fi
    rollback
    exit 1
  fi
  swapped+=("$dir")
done
echo "$(date -u) update finished" >> "$log"
{{- if .Restart}}

nohup "$root/bin/burrow" run >> "$log" 2>&1 &
{{- end}}
`))

// shellQuote wraps s in single quotes for bash.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// writeScript renders the update script and writes it atomically.
func writeScript(path string, in scriptInput) error {
	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, in); err != nil {
		return fmt.Errorf("rendering update script: %w", err)
	}
	if err := renameio.WriteFile(path, buf.Bytes(), 0o755); err != nil {
		return fmt.Errorf("writing update script: %w", err)
	}
	return nil
}
