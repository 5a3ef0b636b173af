package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// commandRecord is one line of command_log.jsonl.
type commandRecord struct {
	Cmd       string    `json:"cmd"`
	ExitCode  int       `json:"exitCode"`
	StartedAt time.Time `json:"startedAt"`
	Duration  int64     `json:"durationMs,omitempty"`
}

// outputRecord is one entry of the outputs.json manifest.
type outputRecord struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// applyChange writes content to path, creating parent directories, and
// returns the previous content ("" for a new file).
func applyChange(path, content string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	old, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", err
	}
	return string(old), nil
}

// unifiedDiff renders a whole-file unified diff. Good enough for a mock: the
// hunk replaces the entire old content with the new one.
func unifiedDiff(name, old, updated string) string {
	var b strings.Builder
	oldLines := splitLines(old)
	newLines := splitLines(updated)

	if old == "" {
		fmt.Fprintf(&b, "--- /dev/null\n+++ b/%s\n", name)
		fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", len(newLines))
	} else {
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", name, name)
		fmt.Fprintf(&b, "@@ -1,%d +1,%d @@\n", len(oldLines), len(newLines))
		for _, line := range oldLines {
			b.WriteString("-" + line + "\n")
		}
	}
	for _, line := range newLines {
		b.WriteString("+" + line + "\n")
	}
	return b.String()
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// writeEvidence drops command_log.jsonl and outputs.json into the run's
// evidence directory, where the control plane collects them after the run.
func writeEvidence(evidenceDir, runID string, commands []commandRecord, outputs []outputRecord) error {
	dir := filepath.Join(evidenceDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	var log strings.Builder
	for _, cmd := range commands {
		line, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		log.Write(line)
		log.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(dir, "command_log.jsonl"), []byte(log.String()), 0o644); err != nil {
		return err
	}

	if outputs == nil {
		outputs = []outputRecord{}
	}
	manifest, err := json.MarshalIndent(map[string]any{"files": outputs}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "outputs.json"), manifest, 0o644)
}
