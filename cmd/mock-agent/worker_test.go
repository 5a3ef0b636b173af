package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandrun/sandrun/internal/common/logger"
)

func newTestWorker(t *testing.T) *worker {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return newWorker(workerConfig{
		RepoDir:     t.TempDir(),
		EvidenceDir: t.TempDir(),
	}, log)
}

func postRun(t *testing.T, w *worker, req runRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	w.handleRun(rec, httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(body)))
	return rec
}

func TestRunCreatesFileAndEvidence(t *testing.T) {
	w := newTestWorker(t)

	rec := postRun(t, w, runRequest{Text: "create hello.txt with a greeting", RunID: "run-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.FinalText, "hello.txt")
	require.Contains(t, resp.Diff, "+++ b/hello.txt")
	require.NotEmpty(t, resp.ThreadID)
	require.Len(t, resp.GitCommit, 40)
	require.Positive(t, resp.InputTokens)

	content, err := os.ReadFile(filepath.Join(w.cfg.RepoDir, "hello.txt"))
	require.NoError(t, err)
	require.Contains(t, string(content), "create hello.txt")

	logData, err := os.ReadFile(filepath.Join(w.cfg.EvidenceDir, "run-1", "command_log.jsonl"))
	require.NoError(t, err)
	var first commandRecord
	require.NoError(t, json.Unmarshal([]byte(strings.SplitN(string(logData), "\n", 2)[0]), &first))
	require.Equal(t, 0, first.ExitCode)

	var manifest map[string][]outputRecord
	outData, err := os.ReadFile(filepath.Join(w.cfg.EvidenceDir, "run-1", "outputs.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(outData, &manifest))
	require.Len(t, manifest["files"], 1)
	require.Equal(t, "hello.txt", manifest["files"][0].Path)
}

func TestThreadContinuity(t *testing.T) {
	w := newTestWorker(t)

	rec := postRun(t, w, runRequest{Text: "create notes.md", RunID: "run-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var first runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))

	rec = postRun(t, w, runRequest{Text: "update notes.md", RunID: "run-2", ThreadID: first.ThreadID})
	require.Equal(t, http.StatusOK, rec.Code)
	var second runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.Equal(t, first.ThreadID, second.ThreadID)
	require.Contains(t, second.FinalText, "Updated notes.md")
	require.Contains(t, second.FinalText, "create notes.md")
	require.Contains(t, second.Diff, "--- a/notes.md")
}

func TestFailScenario(t *testing.T) {
	w := newTestWorker(t)

	rec := postRun(t, w, runRequest{Text: "please fail this run", RunID: "run-1"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// The attempt is still captured in the command log.
	logData, err := os.ReadFile(filepath.Join(w.cfg.EvidenceDir, "run-1", "command_log.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(logData), `"exitCode":1`)
}

func TestRejectsMissingFields(t *testing.T) {
	w := newTestWorker(t)
	rec := postRun(t, w, runRequest{Text: "no run id"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnifiedDiffShapes(t *testing.T) {
	created := unifiedDiff("a.txt", "", "one\ntwo\n")
	require.True(t, strings.HasPrefix(created, "--- /dev/null\n+++ b/a.txt\n"))
	require.Contains(t, created, "+one\n+two\n")

	updated := unifiedDiff("a.txt", "one\n", "two\n")
	require.Contains(t, updated, "-one\n")
	require.Contains(t, updated, "+two\n")
}
