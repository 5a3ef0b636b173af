// Package run executes prompts against warm workspaces and emits the
// canonical per-run event stream.
package run

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// Canonical event types, in the order they may appear within a run.
const (
	EventRunStart        = "run-start"
	EventToken           = "token"
	EventDiff            = "diff"
	EventCommandStarted  = "command-started"
	EventCommandFinished = "command-finished"
	EventRunComplete     = "run-complete"
)

// commandOutputLimit caps stdout/stderr carried on command-finished events.
const commandOutputLimit = 8 * 1024

// Event is one canonical run event. Exactly one run-start and one
// run-complete per run; run-complete is always last.
type Event struct {
	Type  string    `json:"type"`
	RunID string    `json:"runId"`
	TS    time.Time `json:"ts"`

	// token
	Delta    string `json:"delta,omitempty"`
	Sequence *int   `json:"sequence,omitempty"`

	// diff
	Diff string `json:"diff,omitempty"`

	// command-started / command-finished
	Command  string `json:"command,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`

	// run-complete
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newEvent(eventType, runID string) *Event {
	return &Event{Type: eventType, RunID: runID, TS: time.Now().UTC()}
}

// NewRunStart marks the beginning of a run.
func NewRunStart(runID string) *Event {
	return newEvent(EventRunStart, runID)
}

// NewToken carries one delta of the agent's final text.
func NewToken(runID, delta string, sequence int) *Event {
	e := newEvent(EventToken, runID)
	e.Delta = delta
	e.Sequence = &sequence
	return e
}

// NewDiff carries the run's unified diff.
func NewDiff(runID, diff string) *Event {
	e := newEvent(EventDiff, runID)
	e.Diff = diff
	return e
}

// NewCommandStarted records a command the agent began executing.
func NewCommandStarted(runID, command, cwd string) *Event {
	e := newEvent(EventCommandStarted, runID)
	e.Command = command
	e.Cwd = cwd
	return e
}

// NewCommandFinished records a finished command with truncated output.
func NewCommandFinished(runID, command, cwd string, exitCode int, stdout, stderr string) *Event {
	e := newEvent(EventCommandFinished, runID)
	e.Command = command
	e.Cwd = cwd
	e.ExitCode = &exitCode
	e.Stdout = truncate(stdout, commandOutputLimit)
	e.Stderr = truncate(stderr, commandOutputLimit)
	return e
}

// NewRunComplete terminates the stream. errMsg is empty on success.
func NewRunComplete(runID, status, errMsg string) *Event {
	e := newEvent(EventRunComplete, runID)
	e.Status = status
	e.Error = errMsg
	return e
}

// JSON renders the event as a single JSON line without trailing newline.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Map renders the event as a generic map, for bus payloads.
func (e *Event) Map() map[string]any {
	data, err := json.Marshal(e)
	if err != nil {
		return map[string]any{"type": e.Type, "runId": e.RunID}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": e.Type, "runId": e.RunID}
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// SplitTokens splits text into alternating word and whitespace runs. The
// concatenation of the returned deltas reproduces text exactly.
func SplitTokens(text string) []string {
	if text == "" {
		return nil
	}
	var tokens []string
	var current strings.Builder
	currentIsSpace := false
	for i, r := range text {
		isSpace := unicode.IsSpace(r)
		if i > 0 && isSpace != currentIsSpace {
			tokens = append(tokens, current.String())
			current.Reset()
		}
		current.WriteRune(r)
		currentIsSpace = isSpace
	}
	tokens = append(tokens, current.String())
	return tokens
}
