package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/common/logger"
)

// runRequest is the body the control plane posts to /run.
type runRequest struct {
	Text     string `json:"text"`
	RunID    string `json:"runId"`
	ThreadID string `json:"threadId,omitempty"`
}

// runResponse is the worker's reply.
type runResponse struct {
	FinalText    string `json:"finalText"`
	Diff         string `json:"diff,omitempty"`
	ThreadID     string `json:"threadId"`
	GitCommit    string `json:"gitCommit,omitempty"`
	InputTokens  int64  `json:"inputTokens,omitempty"`
	OutputTokens int64  `json:"outputTokens,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type workerConfig struct {
	RepoDir     string
	EvidenceDir string
	// ForceScript pins every run to one scenario regardless of the prompt.
	ForceScript  string
	InitThreadID string
}

// worker holds the per-thread prompt history. History lives in memory only;
// a container restart starts fresh threads.
type worker struct {
	cfg workerConfig
	log *logger.Logger

	mu      sync.Mutex
	threads map[string][]string
}

func newWorker(cfg workerConfig, log *logger.Logger) *worker {
	return &worker{
		cfg:     cfg,
		log:     log.WithFields(zap.String("component", "mock-agent")),
		threads: make(map[string][]string),
	}
}

func (w *worker) handleRun(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(rw, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Text == "" || req.RunID == "" {
		writeJSON(rw, http.StatusBadRequest, errorResponse{Error: "text and runId are required"})
		return
	}

	threadID, history := w.recordPrompt(req.ThreadID, req.Text)
	started := time.Now()

	scenario := pickScenario(req.Text, w.cfg.ForceScript)
	result, err := scenario.execute(r.Context(), w.cfg.RepoDir, req, history)

	// The evidence directory is written even on failure so bundles capture
	// what the agent attempted.
	commands := append([]commandRecord{{
		Cmd:       "mock-agent run",
		ExitCode:  exitCode(err),
		StartedAt: started.UTC(),
		Duration:  time.Since(started).Milliseconds(),
	}}, result.Commands...)
	if evErr := writeEvidence(w.cfg.EvidenceDir, req.RunID, commands, result.Outputs); evErr != nil {
		w.log.Warn("failed to write evidence files",
			zap.String("run_id", req.RunID),
			zap.Error(evErr))
	}

	if err != nil {
		w.log.Info("run failed",
			zap.String("run_id", req.RunID),
			zap.String("scenario", scenario.name),
			zap.Error(err))
		writeJSON(rw, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	w.log.Info("run complete",
		zap.String("run_id", req.RunID),
		zap.String("thread_id", threadID),
		zap.String("scenario", scenario.name))

	writeJSON(rw, http.StatusOK, runResponse{
		FinalText:    result.FinalText,
		Diff:         result.Diff,
		ThreadID:     threadID,
		GitCommit:    gitCommitFor(req.RunID),
		InputTokens:  countWords(req.Text),
		OutputTokens: countWords(result.FinalText),
	})
}

// recordPrompt appends the prompt to the thread history, creating the thread
// when needed, and returns the effective thread id plus the prior prompts.
func (w *worker) recordPrompt(threadID, text string) (string, []string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if threadID == "" {
		threadID = w.cfg.InitThreadID
	}
	if threadID == "" {
		threadID = "thread-" + uuid.New().String()[:8]
	}
	history := w.threads[threadID]
	w.threads[threadID] = append(history, text)
	return threadID, history
}

// gitCommitFor derives a stable fake commit hash from the run id.
func gitCommitFor(runID string) string {
	sum := sha256.Sum256([]byte("commit:" + runID))
	return hex.EncodeToString(sum[:])[:40]
}

func exitCode(err error) int {
	if err != nil {
		return 1
	}
	return 0
}

func countWords(text string) int64 {
	var n int64
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
		} else if !inWord {
			inWord = true
			n++
		}
	}
	return n
}

func writeJSON(rw http.ResponseWriter, status int, body any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(body)
}
