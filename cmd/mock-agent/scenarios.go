package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// scenarioResult is what a scenario produced: the assistant text, the diff of
// repository edits, and the evidence artifacts.
type scenarioResult struct {
	FinalText string
	Diff      string
	Commands  []commandRecord
	Outputs   []outputRecord
}

// scenario is one deterministic behavior, selected by prompt keywords or
// pinned via FORCE_MOCK_CODEX.
type scenario struct {
	name    string
	execute func(ctx context.Context, repoDir string, req runRequest, history []string) (scenarioResult, error)
}

// pickScenario selects a behavior from the prompt. forced pins the choice,
// mirroring how the control plane propagates FORCE_MOCK_CODEX into sandboxes.
func pickScenario(text, forced string) scenario {
	key := forced
	if key == "" {
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "fail"):
			key = "fail"
		case strings.Contains(lower, "sleep"):
			key = "sleep"
		default:
			key = "edit"
		}
	}

	switch key {
	case "fail":
		return scenario{name: "fail", execute: runFail}
	case "sleep":
		return scenario{name: "sleep", execute: runSleep}
	default:
		return scenario{name: "edit", execute: runEdit}
	}
}

// runEdit writes a file into the repository and reports the change. The file
// name is taken from the prompt when it names one, hello.txt otherwise.
func runEdit(_ context.Context, repoDir string, req runRequest, history []string) (scenarioResult, error) {
	name := fileNameFrom(req.Text)
	path := filepath.Join(repoDir, name)

	content := fmt.Sprintf("// generated for run %s\n%s\n", req.RunID, req.Text)
	old, err := applyChange(path, content)
	if err != nil {
		return scenarioResult{}, fmt.Errorf("write %s: %w", name, err)
	}

	verb := "Created"
	if old != "" {
		verb = "Updated"
	}
	finalText := fmt.Sprintf("%s %s as requested.", verb, name)
	if len(history) > 0 {
		finalText += fmt.Sprintf(" This thread has %d earlier instruction(s); the latest builds on %q.",
			len(history), history[len(history)-1])
	}

	return scenarioResult{
		FinalText: finalText,
		Diff:      unifiedDiff(name, old, content),
		Commands: []commandRecord{{
			Cmd:       "write " + name,
			ExitCode:  0,
			StartedAt: time.Now().UTC(),
		}},
		Outputs: []outputRecord{{Path: name, Size: int64(len(content))}},
	}, nil
}

// runSleep stalls before answering; "sleep 90" in the prompt picks the
// duration in seconds. Used to exercise the agent hard timeout.
func runSleep(ctx context.Context, _ string, req runRequest, _ []string) (scenarioResult, error) {
	seconds := 5
	for _, field := range strings.Fields(req.Text) {
		if n, err := strconv.Atoi(field); err == nil && n > 0 {
			seconds = n
			break
		}
	}
	if seconds > 600 {
		seconds = 600
	}

	select {
	case <-time.After(time.Duration(seconds) * time.Second):
	case <-ctx.Done():
		return scenarioResult{}, ctx.Err()
	}
	return scenarioResult{
		FinalText: fmt.Sprintf("Woke up after %d seconds.", seconds),
	}, nil
}

func runFail(_ context.Context, _ string, req runRequest, _ []string) (scenarioResult, error) {
	return scenarioResult{
		Commands: []commandRecord{{
			Cmd:       "simulate failure",
			ExitCode:  1,
			StartedAt: time.Now().UTC(),
		}},
	}, errors.New("mock agent failure requested by prompt")
}

// fileNameFrom returns the first prompt word that looks like a file name.
func fileNameFrom(text string) string {
	for _, field := range strings.Fields(text) {
		field = strings.Trim(field, `"'.,;:`)
		if strings.ContainsRune(field, '.') && !strings.ContainsRune(field, '/') {
			ext := filepath.Ext(field)
			if len(ext) > 1 && len(field) > len(ext) {
				return field
			}
		}
	}
	return "hello.txt"
}
