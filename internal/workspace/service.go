// Package workspace owns the workspace lifecycle: opening (with per-user LRU
// eviction), stopping, and idle reaping.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/common/config"
	apperrors "github.com/sandrun/sandrun/internal/common/errors"
	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/metrics"
	"github.com/sandrun/sandrun/internal/sandbox"
	"github.com/sandrun/sandrun/internal/store"
)

const (
	volumeTarget = "/workspace"
	repoDir      = "/workspace/repo"
)

// Service implements the workspace state machine over the store and the
// sandbox driver.
type Service struct {
	store   store.Store
	driver  sandbox.Driver
	metrics *metrics.Metrics
	logger  *logger.Logger
	cfg     config.WorkspaceConfig
	runs    config.RunsConfig
}

// NewService creates a workspace service.
func NewService(st store.Store, driver sandbox.Driver, m *metrics.Metrics, cfg config.WorkspaceConfig, runs config.RunsConfig, log *logger.Logger) *Service {
	return &Service{
		store:   st,
		driver:  driver,
		metrics: m,
		logger:  log,
		cfg:     cfg,
		runs:    runs,
	}
}

// Open warms the workspace for (userID, projectID). Any other warm workspace
// of the user is evicted to cold first. Opening an already-warm workspace
// with a live container is idempotent.
func (s *Service) Open(ctx context.Context, userID, projectID string) (*store.Workspace, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("project", projectID)
		}
		return nil, err
	}
	if project.UserID != userID {
		return nil, apperrors.NotFound("project", projectID)
	}

	target, evicted, err := s.store.OpenWorkspace(ctx, userID, projectID)
	if err != nil {
		s.metrics.WorkspaceOpenTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	// Peers are already cold in the store; stopping their containers is
	// best-effort and must not block the target.
	for _, peer := range evicted {
		if peer.ContainerID == nil {
			continue
		}
		if err := s.withRetry(ctx, func() error {
			return s.driver.StopAndRemove(ctx, *peer.ContainerID)
		}); err != nil {
			s.logger.Warn("Failed to stop evicted workspace container",
				zap.String("workspace_id", peer.ID),
				zap.String("container_id", *peer.ContainerID),
				zap.Error(err),
			)
		} else {
			s.logger.Info("Evicted warm workspace",
				zap.String("workspace_id", peer.ID),
				zap.String("user_id", userID),
			)
		}
	}

	if target.ContainerID != nil {
		info, err := s.driver.Inspect(ctx, *target.ContainerID)
		if err == nil && info.Running {
			s.metrics.WorkspaceOpenTotal.WithLabelValues("reused").Inc()
			return target, nil
		}
		// Stale container id; rebuild below.
		_ = s.driver.StopAndRemove(ctx, *target.ContainerID)
		target.ContainerID = nil
	}

	if err := s.warm(ctx, project, target); err != nil {
		s.metrics.WorkspaceOpenTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	s.metrics.WorkspaceOpenTotal.WithLabelValues("warm").Inc()
	return target, nil
}

// warm runs the sandbox path: volume, container, clone, row update. On any
// failure the row lands in state error.
func (s *Service) warm(ctx context.Context, project *store.Project, ws *store.Workspace) error {
	if ws.VolumeName == nil {
		return s.fail(ctx, ws, "", apperrors.SandboxFailure("workspace has no volume", nil))
	}
	volumeName := *ws.VolumeName

	if err := s.withRetry(ctx, func() error {
		return s.driver.EnsureVolume(ctx, volumeName)
	}); err != nil {
		return s.fail(ctx, ws, "", apperrors.SandboxFailure("failed to create volume", err))
	}

	env := []string{}
	if s.runs.OpenAIAPIKey != "" {
		env = append(env, "OPENAI_API_KEY="+s.runs.OpenAIAPIKey)
	}
	if s.runs.ForceMockCodex != "" {
		env = append(env, "FORCE_MOCK_CODEX="+s.runs.ForceMockCodex)
	}
	if ws.ThreadID != nil {
		env = append(env, "CODEX_THREAD_ID="+*ws.ThreadID)
	}

	spec := sandbox.ContainerSpec{
		Name:         "sandrun-ws-" + ws.ID,
		Image:        s.cfg.Image,
		VolumeName:   volumeName,
		VolumeTarget: volumeTarget,
		Env:          env,
		AgentPort:    s.cfg.AgentPort,
		Labels: map[string]string{
			"sandrun.workspace_id": ws.ID,
			"sandrun.user_id":      ws.UserID,
			"sandrun.project_id":   ws.ProjectID,
		},
	}

	var containerID string
	err := s.withRetry(ctx, func() error {
		if containerID != "" {
			// Leftover from a create that succeeded but failed to start.
			_ = s.driver.StopAndRemove(ctx, containerID)
			containerID = ""
		}
		id, err := s.driver.CreateContainer(ctx, spec)
		if err != nil {
			return err
		}
		containerID = id
		return s.driver.StartContainer(ctx, id)
	})
	if err != nil {
		return s.fail(ctx, ws, containerID, apperrors.SandboxFailure("failed to start sandbox container", err))
	}

	info, err := s.driver.Inspect(ctx, containerID)
	if err != nil {
		return s.fail(ctx, ws, containerID, apperrors.SandboxFailure("failed to inspect sandbox container", err))
	}

	if err := s.cloneIfNeeded(ctx, containerID, project.RepoURL); err != nil {
		return s.fail(ctx, ws, containerID, err)
	}

	now := time.Now().UTC()
	idleExpires := now.Add(s.cfg.WarmIdle())
	ws.State = store.WorkspaceWarm
	ws.ContainerID = &containerID
	ws.ImageName = store.StringPtr(info.ImageName)
	ws.ImageDigest = store.StringPtr(info.ImageDigest)
	ws.RuntimeMetadata = map[string]any{
		"image_name":   info.ImageName,
		"image_digest": info.ImageDigest,
		"volume_name":  volumeName,
		"agent_port":   s.cfg.AgentPort,
		"warmed_at":    now.Format(time.RFC3339),
	}
	ws.LastActiveAt = now
	ws.IdleExpiresAt = &idleExpires
	if err := s.store.UpdateWorkspace(ctx, ws); err != nil {
		_ = s.driver.StopAndRemove(ctx, containerID)
		return err
	}

	s.logger.Info("Workspace warmed",
		zap.String("workspace_id", ws.ID),
		zap.String("container_id", containerID),
		zap.String("image", info.ImageName),
	)
	return nil
}

// cloneIfNeeded clones the project repository into the workspace on first
// warm. A populated repo directory is left alone.
func (s *Service) cloneIfNeeded(ctx context.Context, containerID, repoURL string) error {
	probe, err := s.driver.Exec(ctx, containerID, []string{"test", "-d", repoDir + "/.git"}, "")
	if err != nil {
		return apperrors.SandboxFailure("failed to probe workspace repo", err)
	}
	if probe.ExitCode == 0 {
		return nil
	}

	if res, err := s.driver.Exec(ctx, containerID, []string{"mkdir", "-p", repoDir}, ""); err != nil {
		return apperrors.SandboxFailure("failed to prepare repo directory", err)
	} else if res.ExitCode != 0 {
		return apperrors.SandboxFailure("failed to prepare repo directory", fmt.Errorf("mkdir exited %d: %s", res.ExitCode, res.Stderr))
	}

	clone, err := s.driver.Exec(ctx, containerID, []string{"git", "clone", repoURL, "."}, repoDir)
	if err != nil {
		return apperrors.SandboxFailure("failed to exec git clone", err)
	}
	if clone.ExitCode != 0 {
		return apperrors.CloneFailure(repoURL, fmt.Errorf("git clone exited %d: %s", clone.ExitCode, clone.Stderr))
	}
	return nil
}

// fail stops any partial container, flips the row to error, and returns
// opErr.
func (s *Service) fail(ctx context.Context, ws *store.Workspace, containerID string, opErr error) error {
	if containerID != "" {
		_ = s.driver.StopAndRemove(ctx, containerID)
	}
	ws.State = store.WorkspaceError
	ws.ContainerID = nil
	if err := s.store.UpdateWorkspace(ctx, ws); err != nil {
		s.logger.Error("Failed to mark workspace error",
			zap.String("workspace_id", ws.ID),
			zap.Error(err),
		)
	}
	return opErr
}

// Stop cools a warm workspace: container stopped and removed, volume and
// thread id retained. Stopping a non-warm workspace is a no-op.
func (s *Service) Stop(ctx context.Context, workspaceID string) error {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperrors.NotFound("workspace", workspaceID)
		}
		return err
	}
	if ws.State != store.WorkspaceWarm {
		return nil
	}

	if ws.ContainerID != nil {
		if err := s.withRetry(ctx, func() error {
			return s.driver.StopAndRemove(ctx, *ws.ContainerID)
		}); err != nil {
			return apperrors.SandboxFailure("failed to stop workspace container", err)
		}
	}

	ws.State = store.WorkspaceCold
	ws.ContainerID = nil
	ws.IdleExpiresAt = nil
	if err := s.store.UpdateWorkspace(ctx, ws); err != nil {
		return err
	}

	s.logger.Info("Workspace cooled", zap.String("workspace_id", workspaceID))
	return nil
}

// Touch refreshes the idle deadline and optionally records the agent thread
// id after a run.
func (s *Service) Touch(ctx context.Context, ws *store.Workspace, threadID string) error {
	now := time.Now().UTC()
	idleExpires := now.Add(s.cfg.WarmIdle())
	ws.LastActiveAt = now
	ws.IdleExpiresAt = &idleExpires
	if threadID != "" {
		ws.ThreadID = &threadID
	}
	return s.store.UpdateWorkspace(ctx, ws)
}

// AgentURL resolves the base URL of the agent worker inside the workspace's
// container.
func (s *Service) AgentURL(ctx context.Context, ws *store.Workspace) (string, error) {
	if ws.ContainerID == nil {
		return "", apperrors.NoWarmWorkspace(ws.ProjectID)
	}
	info, err := s.driver.Inspect(ctx, *ws.ContainerID)
	if err != nil {
		return "", apperrors.SandboxFailure("failed to inspect workspace container", err)
	}
	if info.HostPort > 0 {
		return fmt.Sprintf("http://127.0.0.1:%d", info.HostPort), nil
	}
	if info.IPAddress != "" {
		return fmt.Sprintf("http://%s:%d", info.IPAddress, s.cfg.AgentPort), nil
	}
	return "", apperrors.SandboxFailure("workspace container has no reachable address", nil)
}

// withRetry runs op and retries once unless the context is done. Agent calls
// never come through here; only driver operations are safe to repeat.
func (s *Service) withRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || ctx.Err() != nil {
		return err
	}
	s.logger.Debug("Retrying sandbox operation", zap.Error(err))
	return op()
}
