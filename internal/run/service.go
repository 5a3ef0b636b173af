package run

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/agent"
	"github.com/sandrun/sandrun/internal/common/config"
	apperrors "github.com/sandrun/sandrun/internal/common/errors"
	"github.com/sandrun/sandrun/internal/common/keyedmutex"
	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/events/bus"
	"github.com/sandrun/sandrun/internal/metrics"
	"github.com/sandrun/sandrun/internal/sandbox"
	"github.com/sandrun/sandrun/internal/store"
	"github.com/sandrun/sandrun/internal/workspace"
)

const evidenceBase = "/workspace/evidence"

// BundleScheduler enqueues the evidence build for a finished run.
type BundleScheduler interface {
	Schedule(ctx context.Context, run *store.Run) error
}

// Result is the unary run outcome.
type Result struct {
	RunID     string
	FinalText string
	Diff      string
}

// Service executes prompts. Per-workspace runs are serialized by a keyed
// mutex, so within one workspace run start times are strictly ordered.
type Service struct {
	store      store.Store
	workspaces *workspace.Service
	agent      agent.Client
	driver     sandbox.Driver
	locks      *keyedmutex.KeyedMutex
	quota      *QuotaChecker
	bus        bus.Bus
	scheduler  BundleScheduler
	metrics    *metrics.Metrics
	logger     *logger.Logger
	cfg        config.RunsConfig
}

// NewService creates a run service.
func NewService(
	st store.Store,
	workspaces *workspace.Service,
	agentClient agent.Client,
	driver sandbox.Driver,
	quota *QuotaChecker,
	eventBus bus.Bus,
	scheduler BundleScheduler,
	m *metrics.Metrics,
	cfg config.RunsConfig,
	log *logger.Logger,
) *Service {
	return &Service{
		store:      st,
		workspaces: workspaces,
		agent:      agentClient,
		driver:     driver,
		locks:      keyedmutex.New(),
		quota:      quota,
		bus:        eventBus,
		scheduler:  scheduler,
		metrics:    m,
		logger:     log,
		cfg:        cfg,
	}
}

// Run executes a prompt and blocks until the terminal status. No transport
// sink; events still land in the run's events.jsonl.
func (s *Service) Run(ctx context.Context, userID, projectID, prompt string) (*Result, error) {
	return s.execute(ctx, userID, projectID, prompt, nil, false)
}

// Stream executes a prompt, emitting each canonical event to transport as it
// is produced. Failures surface as a final run-complete event on the
// transport as well as the returned error.
func (s *Service) Stream(ctx context.Context, userID, projectID, prompt string, transport Sink) error {
	_, err := s.execute(ctx, userID, projectID, prompt, transport, true)
	return err
}

// emitPreRunFailure reports a failure that happened before a Run row existed.
// Streaming callers still get a terminal run-complete frame.
func (s *Service) emitPreRunFailure(ctx context.Context, transport Sink, code string) {
	if transport == nil {
		return
	}
	_ = transport.Emit(ctx, NewRunComplete("", string(store.RunFailed), code))
}

func (s *Service) execute(ctx context.Context, userID, projectID, prompt string, transport Sink, streaming bool) (*Result, error) {
	allowed, err := s.quota.Check(ctx, userID)
	if err != nil {
		return nil, apperrors.Internal("failed to check run quota", err)
	}
	if !allowed {
		s.metrics.QuotaDeniedTotal.Inc()
		s.emitPreRunFailure(ctx, transport, "quota_exceeded")
		return nil, apperrors.QuotaExceeded(userID, s.quota.Limit())
	}

	ws, err := s.store.GetWorkspaceByProject(ctx, userID, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.emitPreRunFailure(ctx, transport, "no_warm_workspace")
			return nil, apperrors.NoWarmWorkspace(projectID)
		}
		return nil, err
	}
	if ws.State != store.WorkspaceWarm || ws.ContainerID == nil {
		s.emitPreRunFailure(ctx, transport, "no_warm_workspace")
		return nil, apperrors.NoWarmWorkspace(projectID)
	}

	release, err := s.locks.Acquire(ctx, ws.ID)
	if err != nil {
		s.emitPreRunFailure(ctx, transport, "canceled")
		return nil, apperrors.Canceled()
	}
	defer release()

	// The workspace may have been cooled while we queued for the lock.
	ws, err = s.store.GetWorkspace(ctx, ws.ID)
	if err != nil {
		return nil, err
	}
	if ws.State != store.WorkspaceWarm || ws.ContainerID == nil {
		s.emitPreRunFailure(ctx, transport, "no_warm_workspace")
		return nil, apperrors.NoWarmWorkspace(projectID)
	}
	if ctx.Err() != nil {
		s.emitPreRunFailure(ctx, transport, "canceled")
		return nil, apperrors.Canceled()
	}

	run := &store.Run{
		ID:          uuid.New().String(),
		UserID:      userID,
		ProjectID:   projectID,
		WorkspaceID: ws.ID,
		Status:      store.RunRunning,
		Prompt:      prompt,
		StartedAt:   time.Now().UTC(),
		ImageName:   ws.ImageName,
		ImageDigest: ws.ImageDigest,
		EnvSnapshot: cloneSnapshot(ws.RuntimeMetadata),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, apperrors.Internal("failed to create run", err)
	}

	recorder := NewRecorder()
	sink := newMultiSink(recorder, transport, s.bus, run.ID, s.logger)
	_ = sink.Emit(ctx, NewRunStart(run.ID))

	s.logger.Info("Run started",
		zap.String("run_id", run.ID),
		zap.String("workspace_id", ws.ID),
		zap.String("user_id", userID),
	)

	agentURL, err := s.workspaces.AgentURL(ctx, ws)
	if err != nil {
		return nil, s.failRun(ctx, ws, run, recorder, sink, store.RunFailed, "sandbox unavailable: "+err.Error(), err)
	}

	agentCtx, cancel := context.WithTimeout(ctx, s.cfg.AgentTimeout())
	defer cancel()
	resp, err := s.agent.Execute(agentCtx, agentURL, &agent.Request{
		Text:     prompt,
		RunID:    run.ID,
		ThreadID: store.StringVal(ws.ThreadID),
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, s.failRun(ctx, ws, run, recorder, sink, store.RunFailed, "canceled", apperrors.Canceled())
		case errors.Is(agentCtx.Err(), context.DeadlineExceeded):
			return nil, s.failRun(ctx, ws, run, recorder, sink, store.RunTimeout,
				"agent exceeded "+s.cfg.AgentTimeout().String(), apperrors.AgentTimeout(run.ID))
		default:
			return nil, s.failRun(ctx, ws, run, recorder, sink, store.RunFailed, err.Error(), apperrors.AgentFailure(err))
		}
	}

	delay := time.Duration(0)
	if streaming {
		delay = s.cfg.TokenDelay()
	}
	for i, delta := range SplitTokens(resp.FinalText) {
		_ = sink.Emit(ctx, NewToken(run.ID, delta, i))
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				delay = 0
			}
		}
	}
	if resp.Diff != "" {
		_ = sink.Emit(ctx, NewDiff(run.ID, resp.Diff))
	}

	// Finalization survives client disconnect: DB updates, the event log,
	// and the evidence schedule all run on a detached context.
	detached := context.WithoutCancel(ctx)
	finished := time.Now().UTC()
	duration := finished.Sub(run.StartedAt).Milliseconds()

	evidencePath := evidenceBase + "/" + run.ID
	run.Status = store.RunSucceeded
	run.FinalText = store.StringPtr(resp.FinalText)
	run.Diff = store.StringPtr(resp.Diff)
	run.GitCommit = store.StringPtr(resp.GitCommit)
	run.FinishedAt = &finished
	run.DurationMs = &duration
	if resp.InputTokens > 0 {
		run.InputTokens = &resp.InputTokens
	}
	if resp.OutputTokens > 0 {
		run.OutputTokens = &resp.OutputTokens
	}
	if run.EnvSnapshot == nil {
		run.EnvSnapshot = map[string]any{}
	}
	run.EnvSnapshot["evidencePath"] = evidencePath
	run.EnvSnapshot["hasCommandLog"] = s.probeFile(detached, *ws.ContainerID, evidencePath+"/command_log.jsonl")
	run.EnvSnapshot["hasOutputsManifest"] = s.probeFile(detached, *ws.ContainerID, evidencePath+"/outputs.json")

	if err := s.store.UpdateRun(detached, run); err != nil {
		s.logger.Error("Failed to finalize run", zap.String("run_id", run.ID), zap.Error(err))
	}
	if err := s.workspaces.Touch(detached, ws, resp.ThreadID); err != nil {
		s.logger.Error("Failed to touch workspace",
			zap.String("workspace_id", ws.ID),
			zap.Error(err),
		)
	}

	_ = sink.Emit(detached, NewRunComplete(run.ID, string(store.RunSucceeded), ""))

	s.writeEventLog(detached, ws, run.ID, recorder)
	s.schedule(detached, run)
	s.metrics.RunsTotal.WithLabelValues(string(store.RunSucceeded)).Inc()

	s.logger.Info("Run succeeded",
		zap.String("run_id", run.ID),
		zap.Int64("duration_ms", duration),
	)
	return &Result{RunID: run.ID, FinalText: resp.FinalText, Diff: resp.Diff}, nil
}

// failRun finalizes a run that ended in failed or timeout. Failed runs keep
// their event log and evidence bundle so they stay auditable.
func (s *Service) failRun(ctx context.Context, ws *store.Workspace, run *store.Run, recorder *Recorder, sink Sink, status store.RunStatus, errMsg string, appErr error) error {
	detached := context.WithoutCancel(ctx)
	finished := time.Now().UTC()
	duration := finished.Sub(run.StartedAt).Milliseconds()

	run.Status = status
	run.ErrorMessage = &errMsg
	run.FinishedAt = &finished
	run.DurationMs = &duration
	if err := s.store.UpdateRun(detached, run); err != nil {
		s.logger.Error("Failed to finalize run", zap.String("run_id", run.ID), zap.Error(err))
	}

	_ = sink.Emit(detached, NewRunComplete(run.ID, string(status), errMsg))

	s.writeEventLog(detached, ws, run.ID, recorder)
	s.schedule(detached, run)
	s.metrics.RunsTotal.WithLabelValues(string(status)).Inc()

	s.logger.Warn("Run finished with error",
		zap.String("run_id", run.ID),
		zap.String("status", string(status)),
		zap.String("error", errMsg),
	)
	return appErr
}

// writeEventLog flushes the recorded events into the sandbox as
// events.jsonl. The evidence build is only scheduled after this returns, so
// the builder always finds the log in place.
func (s *Service) writeEventLog(ctx context.Context, ws *store.Workspace, runID string, recorder *Recorder) {
	if ws.ContainerID == nil {
		s.logger.Warn("No container to write event log to", zap.String("run_id", runID))
		return
	}
	data, err := recorder.JSONL()
	if err != nil {
		s.logger.Error("Failed to render event log", zap.String("run_id", runID), zap.Error(err))
		return
	}
	path := evidenceBase + "/" + runID + "/events.jsonl"
	if err := s.driver.PutFile(ctx, *ws.ContainerID, path, data); err != nil {
		s.logger.Error("Failed to write event log",
			zap.String("run_id", runID),
			zap.String("path", path),
			zap.Error(err),
		)
	}
}

func (s *Service) schedule(ctx context.Context, run *store.Run) {
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Schedule(ctx, run); err != nil {
		s.logger.Error("Failed to schedule evidence build",
			zap.String("run_id", run.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) probeFile(ctx context.Context, containerID, path string) bool {
	res, err := s.driver.Exec(ctx, containerID, []string{"test", "-f", path}, "")
	return err == nil && res.ExitCode == 0
}

func cloneSnapshot(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
