package workspace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sandrun/sandrun/internal/common/config"
	apperrors "github.com/sandrun/sandrun/internal/common/errors"
	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/metrics"
	"github.com/sandrun/sandrun/internal/sandbox"
	"github.com/sandrun/sandrun/internal/sandbox/fake"
	"github.com/sandrun/sandrun/internal/store"
	"github.com/sandrun/sandrun/internal/store/memory"
)

type testEnv struct {
	store   *memory.Store
	driver  *fake.Driver
	metrics *metrics.Metrics
	service *Service
	reaper  *Reaper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	st := memory.New()
	driver := fake.New()
	m := metrics.New()
	wsCfg := config.WorkspaceConfig{
		Image:           "sandrun-workspace:test",
		WarmIdleMinutes: 20,
		AgentPort:       7000,
	}
	runsCfg := config.RunsConfig{OpenAIAPIKey: "sk-test"}
	svc := NewService(st, driver, m, wsCfg, runsCfg, log)
	reaper := NewReaper(st, svc, m, time.Minute, log)
	return &testEnv{store: st, driver: driver, metrics: m, service: svc, reaper: reaper}
}

func (e *testEnv) seedProject(t *testing.T, userID string) *store.Project {
	t.Helper()
	ctx := context.Background()
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		require.NoError(t, e.store.CreateUser(ctx, &store.User{ID: userID}))
	}
	project := &store.Project{
		ID:      uuid.New().String(),
		UserID:  userID,
		Name:    "demo",
		RepoURL: "https://github.com/octocat/Hello-World.git",
	}
	require.NoError(t, e.store.CreateProject(ctx, project))
	return project
}

func TestOpenCreatesWarmWorkspace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := env.seedProject(t, "u1")

	ws, err := env.service.Open(ctx, "u1", project.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceWarm, ws.State)
	require.NotNil(t, ws.ContainerID)
	require.NotNil(t, ws.VolumeName)
	require.NotNil(t, ws.IdleExpiresAt)
	require.NotNil(t, ws.ImageDigest)
	require.Equal(t, "sandrun-workspace:test", *ws.ImageName)
	require.Equal(t, *ws.VolumeName, ws.RuntimeMetadata["volume_name"])

	require.Equal(t, []string{*ws.VolumeName}, env.driver.Volumes())
	require.Len(t, env.driver.Running(), 1)

	ctr := env.driver.Container(*ws.ContainerID)
	require.NotNil(t, ctr)
	require.Contains(t, ctr.Spec.Env, "OPENAI_API_KEY=sk-test")
	require.Equal(t, ws.ID, ctr.Spec.Labels["sandrun.workspace_id"])
}

func TestOpenIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := env.seedProject(t, "u1")

	first, err := env.service.Open(ctx, "u1", project.ID)
	require.NoError(t, err)
	second, err := env.service.Open(ctx, "u1", project.ID)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Equal(t, *first.ContainerID, *second.ContainerID)
	require.Len(t, env.driver.Running(), 1)
}

func TestOpenEvictsWarmPeer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p1 := env.seedProject(t, "u1")
	p2 := env.seedProject(t, "u1")

	ws1, err := env.service.Open(ctx, "u1", p1.ID)
	require.NoError(t, err)
	ws2, err := env.service.Open(ctx, "u1", p2.ID)
	require.NoError(t, err)

	cooled, err := env.store.GetWorkspace(ctx, ws1.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceCold, cooled.State)
	require.Nil(t, cooled.ContainerID)
	require.NotNil(t, cooled.VolumeName)

	require.Equal(t, store.WorkspaceWarm, ws2.State)
	require.Len(t, env.driver.Running(), 1)
	require.Equal(t, []string{*ws2.ContainerID}, env.driver.Running())
}

func TestOpenDoesNotEvictOtherUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pa := env.seedProject(t, "uA")
	pb := env.seedProject(t, "uB")

	wsA, err := env.service.Open(ctx, "uA", pa.ID)
	require.NoError(t, err)
	wsB, err := env.service.Open(ctx, "uB", pb.ID)
	require.NoError(t, err)

	stillWarm, err := env.store.GetWorkspace(ctx, wsA.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceWarm, stillWarm.State)
	require.Equal(t, store.WorkspaceWarm, wsB.State)
	require.Len(t, env.driver.Running(), 2)
}

func TestOpenWrongUserIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	project := env.seedProject(t, "u1")
	require.NoError(t, env.store.CreateUser(context.Background(), &store.User{ID: "u2"}))

	_, err := env.service.Open(context.Background(), "u2", project.ID)
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestOpenStartFailureMarksError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := env.seedProject(t, "u1")
	env.driver.FailNext("StartContainer", errors.New("daemon unavailable"), 2)

	_, err := env.service.Open(ctx, "u1", project.ID)
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeSandboxFailure))

	ws, err := env.store.GetWorkspaceByProject(ctx, "u1", project.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceError, ws.State)
	require.Nil(t, ws.ContainerID)
	require.Empty(t, env.driver.Running())
}

func TestOpenRetriesTransientStartFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := env.seedProject(t, "u1")
	env.driver.FailNext("StartContainer", errors.New("connection reset"), 1)

	ws, err := env.service.Open(ctx, "u1", project.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceWarm, ws.State)
}

func TestOpenCloneFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := env.seedProject(t, "u1")
	env.driver.ExecResults["test"] = &sandbox.ExecResult{ExitCode: 1}
	env.driver.ExecResults["git"] = &sandbox.ExecResult{ExitCode: 128, Stderr: "fatal: repository not found"}

	_, err := env.service.Open(ctx, "u1", project.ID)
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeCloneFailure))

	ws, err := env.store.GetWorkspaceByProject(ctx, "u1", project.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceError, ws.State)
	require.Empty(t, env.driver.Running())
}

func TestStopIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := env.seedProject(t, "u1")

	ws, err := env.service.Open(ctx, "u1", project.ID)
	require.NoError(t, err)
	thread := "thread-42"
	ws.ThreadID = &thread
	require.NoError(t, env.store.UpdateWorkspace(ctx, ws))

	require.NoError(t, env.service.Stop(ctx, ws.ID))
	cooled, err := env.store.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceCold, cooled.State)
	require.Nil(t, cooled.ContainerID)
	require.Equal(t, "thread-42", *cooled.ThreadID)
	require.NotNil(t, cooled.VolumeName)

	require.NoError(t, env.service.Stop(ctx, ws.ID))
}

func TestColdReopenKeepsVolumeAndThread(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := env.seedProject(t, "u1")

	ws, err := env.service.Open(ctx, "u1", project.ID)
	require.NoError(t, err)
	volume := *ws.VolumeName
	thread := "thread-7"
	ws.ThreadID = &thread
	require.NoError(t, env.store.UpdateWorkspace(ctx, ws))
	require.NoError(t, env.service.Stop(ctx, ws.ID))

	reopened, err := env.service.Open(ctx, "u1", project.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceWarm, reopened.State)
	require.Equal(t, volume, *reopened.VolumeName)
	require.Equal(t, "thread-7", *reopened.ThreadID)

	ctr := env.driver.Container(*reopened.ContainerID)
	require.Contains(t, ctr.Spec.Env, "CODEX_THREAD_ID=thread-7")
}

func TestReopenAfterRetentionDeletion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := env.seedProject(t, "u1")

	ws, err := env.service.Open(ctx, "u1", project.ID)
	require.NoError(t, err)
	require.NoError(t, env.service.Stop(ctx, ws.ID))

	// Retention collected the volume and marked the row deleted.
	cooled, err := env.store.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.NoError(t, env.driver.DeleteVolume(ctx, *cooled.VolumeName))
	thread := "thread-9"
	cooled.ThreadID = &thread
	cooled.State = store.WorkspaceDeleted
	cooled.VolumeName = nil
	cooled.ContainerID = nil
	require.NoError(t, env.store.UpdateWorkspace(ctx, cooled))

	reopened, err := env.service.Open(ctx, "u1", project.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceWarm, reopened.State)
	require.NotNil(t, reopened.VolumeName)
	require.Nil(t, reopened.ThreadID)
	require.NotNil(t, reopened.ContainerID)
	require.Len(t, env.driver.Running(), 1)
	require.Contains(t, env.driver.Volumes(), *reopened.VolumeName)
}

func TestReaperSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := env.seedProject(t, "u1")

	ws, err := env.service.Open(ctx, "u1", project.ID)
	require.NoError(t, err)
	thread := "thread-1"
	ws.ThreadID = &thread
	past := time.Now().UTC().Add(-time.Minute)
	ws.IdleExpiresAt = &past
	require.NoError(t, env.store.UpdateWorkspace(ctx, ws))

	env.reaper.Sweep(ctx)

	cooled, err := env.store.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceCold, cooled.State)
	require.Nil(t, cooled.ContainerID)
	require.Equal(t, "thread-1", *cooled.ThreadID)
	require.NotNil(t, cooled.VolumeName)
	require.Empty(t, env.driver.Running())

	snap, err := env.metrics.Snapshot()
	require.NoError(t, err)
	require.Equal(t, float64(1), snap["workspace_reaped_total"])

	// Second sweep finds nothing.
	env.reaper.Sweep(ctx)
	snap, err = env.metrics.Snapshot()
	require.NoError(t, err)
	require.Equal(t, float64(1), snap["workspace_reaped_total"])
}

func TestAgentURL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	project := env.seedProject(t, "u1")

	ws, err := env.service.Open(ctx, "u1", project.ID)
	require.NoError(t, err)

	url, err := env.service.AgentURL(ctx, ws)
	require.NoError(t, err)
	require.Equal(t, "http://172.17.0.2:7000", url)

	env.driver.Info = &sandbox.ContainerInfo{IPAddress: "172.17.0.2", HostPort: 32801, Running: true}
	url, err = env.service.AgentURL(ctx, ws)
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:32801", url)
}
