package run

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sandrun/sandrun/internal/agent"
	"github.com/sandrun/sandrun/internal/common/config"
	apperrors "github.com/sandrun/sandrun/internal/common/errors"
	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/events/bus"
	"github.com/sandrun/sandrun/internal/metrics"
	"github.com/sandrun/sandrun/internal/sandbox/fake"
	"github.com/sandrun/sandrun/internal/store"
	"github.com/sandrun/sandrun/internal/store/memory"
	"github.com/sandrun/sandrun/internal/workspace"
)

type captureScheduler struct {
	mu   sync.Mutex
	runs []*store.Run
}

func (c *captureScheduler) Schedule(ctx context.Context, run *store.Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs = append(c.runs, run)
	return nil
}

func (c *captureScheduler) scheduled() []*store.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*store.Run, len(c.runs))
	copy(out, c.runs)
	return out
}

type captureSink struct {
	mu     sync.Mutex
	events []*Event
}

func (c *captureSink) Emit(ctx context.Context, e *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) all() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Event, len(c.events))
	copy(out, c.events)
	return out
}

type runEnv struct {
	store     *memory.Store
	driver    *fake.Driver
	agent     *agent.ScriptedClient
	scheduler *captureScheduler
	metrics   *metrics.Metrics
	wsService *workspace.Service
	service   *Service
}

func newRunEnv(t *testing.T, quotaLimit int, runsCfg config.RunsConfig) *runEnv {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	st := memory.New()
	driver := fake.New()
	m := metrics.New()
	wsCfg := config.WorkspaceConfig{Image: "img:test", WarmIdleMinutes: 20, AgentPort: 7000}
	wsService := workspace.NewService(st, driver, m, wsCfg, runsCfg, log)

	agentClient := &agent.ScriptedClient{}
	scheduler := &captureScheduler{}
	quota := NewQuotaChecker(st, quotaLimit)
	eventBus := bus.NewMemoryBus(log)
	t.Cleanup(eventBus.Close)

	svc := NewService(st, wsService, agentClient, driver, quota, eventBus, scheduler, m, runsCfg, log)
	return &runEnv{
		store:     st,
		driver:    driver,
		agent:     agentClient,
		scheduler: scheduler,
		metrics:   m,
		wsService: wsService,
		service:   svc,
	}
}

func (e *runEnv) seedWarmWorkspace(t *testing.T, userID string) (*store.Project, *store.Workspace) {
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
	ws, err := e.wsService.Open(ctx, userID, project.ID)
	require.NoError(t, err)
	return project, ws
}

func defaultRunsCfg() config.RunsConfig {
	return config.RunsConfig{MaxRunsPerDay: 500, AgentTimeoutSeconds: 60, TokenDelayMs: 0}
}

func TestRunHappyPath(t *testing.T) {
	env := newRunEnv(t, 500, defaultRunsCfg())
	ctx := context.Background()
	project, ws := env.seedWarmWorkspace(t, "u1")

	env.agent.Responses = []*agent.Response{{
		FinalText: "created hello.txt with a greeting",
		Diff:      "--- /dev/null\n+++ b/hello.txt\n@@ +hello\n",
		ThreadID:  "thread-9",
		GitCommit: "abc123",
	}}

	result, err := env.service.Run(ctx, "u1", project.ID, "create hello.txt")
	require.NoError(t, err)
	require.NotEmpty(t, result.RunID)
	require.Equal(t, "created hello.txt with a greeting", result.FinalText)
	require.Contains(t, result.Diff, "hello.txt")

	run, err := env.store.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, run.Status)
	require.Equal(t, "create hello.txt", run.Prompt)
	require.Equal(t, "abc123", *run.GitCommit)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.DurationMs)
	require.Equal(t, *ws.ImageDigest, *run.ImageDigest)
	require.Equal(t, "/workspace/evidence/"+run.ID, run.EnvSnapshot["evidencePath"])

	// Workspace thread and idle deadline were refreshed.
	updated, err := env.store.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, "thread-9", *updated.ThreadID)
	require.True(t, updated.IdleExpiresAt.After(time.Now().UTC().Add(10*time.Minute)))

	// events.jsonl landed in the sandbox before the evidence schedule.
	ctr := env.driver.Container(*ws.ContainerID)
	require.NotNil(t, ctr)
	logData, ok := ctr.Files["/workspace/evidence/"+run.ID+"/events.jsonl"]
	require.True(t, ok)
	lines := strings.Split(strings.TrimRight(string(logData), "\n"), "\n")
	var first, last map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	require.Equal(t, "run-start", first["type"])
	require.Equal(t, run.ID, first["runId"])
	require.Equal(t, "run-complete", last["type"])
	require.Equal(t, "succeeded", last["status"])

	scheduled := env.scheduler.scheduled()
	require.Len(t, scheduled, 1)
	require.Equal(t, run.ID, scheduled[0].ID)

	snap, err := env.metrics.Snapshot()
	require.NoError(t, err)
	require.Equal(t, float64(1), snap[`runs_total{status="succeeded"}`])
}

func TestStreamEmitsOrderedEvents(t *testing.T) {
	env := newRunEnv(t, 500, defaultRunsCfg())
	project, _ := env.seedWarmWorkspace(t, "u1")

	finalText := "two words  here\n"
	env.agent.Responses = []*agent.Response{{
		FinalText: finalText,
		Diff:      "diff body",
		ThreadID:  "t1",
	}}

	sink := &captureSink{}
	err := env.service.Stream(context.Background(), "u1", project.ID, "prompt", sink)
	require.NoError(t, err)

	events := sink.all()
	require.GreaterOrEqual(t, len(events), 3)
	require.Equal(t, EventRunStart, events[0].Type)
	require.Equal(t, EventRunComplete, events[len(events)-1].Type)
	require.Equal(t, "succeeded", events[len(events)-1].Status)

	var rebuilt strings.Builder
	seq := 0
	sawDiff := false
	for _, e := range events[1 : len(events)-1] {
		switch e.Type {
		case EventToken:
			require.NotNil(t, e.Sequence)
			require.Equal(t, seq, *e.Sequence)
			seq++
			rebuilt.WriteString(e.Delta)
		case EventDiff:
			sawDiff = true
			require.Equal(t, "diff body", e.Diff)
		default:
			t.Fatalf("unexpected event type %q", e.Type)
		}
	}
	require.Equal(t, finalText, rebuilt.String())
	require.True(t, sawDiff)
}

func TestRunQuotaDenied(t *testing.T) {
	env := newRunEnv(t, 1, defaultRunsCfg())
	ctx := context.Background()
	project, _ := env.seedWarmWorkspace(t, "u1")

	_, err := env.service.Run(ctx, "u1", project.ID, "first")
	require.NoError(t, err)

	_, err = env.service.Run(ctx, "u1", project.ID, "second")
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeQuotaExceeded))

	// The denied request left no run row behind.
	runs, err := env.store.ListRunsByProject(ctx, project.ID, 50)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	snap, err := env.metrics.Snapshot()
	require.NoError(t, err)
	require.Equal(t, float64(1), snap["quota_denied_total"])
}

func TestStreamQuotaDeniedEmitsTerminalEvent(t *testing.T) {
	env := newRunEnv(t, 0, defaultRunsCfg())
	project, _ := env.seedWarmWorkspace(t, "u1")

	// Seeding warmed the workspace without consuming quota; limit 0 denies
	// the first run.
	sink := &captureSink{}
	err := env.service.Stream(context.Background(), "u1", project.ID, "prompt", sink)
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeQuotaExceeded))

	events := sink.all()
	require.Len(t, events, 1)
	require.Equal(t, EventRunComplete, events[0].Type)
	require.Equal(t, "failed", events[0].Status)
	require.Equal(t, "quota_exceeded", events[0].Error)
}

func TestRunNoWarmWorkspace(t *testing.T) {
	env := newRunEnv(t, 500, defaultRunsCfg())
	ctx := context.Background()
	require.NoError(t, env.store.CreateUser(ctx, &store.User{ID: "u1"}))
	project := &store.Project{ID: uuid.New().String(), UserID: "u1", Name: "p", RepoURL: "r"}
	require.NoError(t, env.store.CreateProject(ctx, project))

	_, err := env.service.Run(ctx, "u1", project.ID, "prompt")
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeNoWarmWorkspace))
}

func TestRunAgentFailure(t *testing.T) {
	env := newRunEnv(t, 500, defaultRunsCfg())
	ctx := context.Background()
	project, ws := env.seedWarmWorkspace(t, "u1")
	env.agent.Errs = []error{errors.New("agent returned 500: boom")}

	_, err := env.service.Run(ctx, "u1", project.ID, "prompt")
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeAgentFailure))

	runs, err := env.store.ListRunsByProject(ctx, project.ID, 50)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	require.Equal(t, store.RunFailed, run.Status)
	require.Contains(t, *run.ErrorMessage, "boom")
	require.NotNil(t, run.FinishedAt)

	// Failed runs stay auditable: event log written, bundle scheduled.
	ctr := env.driver.Container(*ws.ContainerID)
	_, ok := ctr.Files["/workspace/evidence/"+run.ID+"/events.jsonl"]
	require.True(t, ok)
	require.Len(t, env.scheduler.scheduled(), 1)
}

func TestRunAgentTimeout(t *testing.T) {
	cfg := defaultRunsCfg()
	cfg.AgentTimeoutSeconds = 1
	env := newRunEnv(t, 500, cfg)
	ctx := context.Background()
	project, _ := env.seedWarmWorkspace(t, "u1")

	env.agent.Delay = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	start := time.Now()
	_, err := env.service.Run(ctx, "u1", project.ID, "prompt")
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeAgentTimeout))
	require.Less(t, time.Since(start), 5*time.Second)

	runs, err := env.store.ListRunsByProject(ctx, project.ID, 50)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, store.RunTimeout, runs[0].Status)
	require.NotNil(t, runs[0].FinishedAt)
}

func TestRunCanceledContext(t *testing.T) {
	env := newRunEnv(t, 500, defaultRunsCfg())
	project, _ := env.seedWarmWorkspace(t, "u1")

	env.agent.Delay = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := env.service.Run(ctx, "u1", project.ID, "prompt")
	require.True(t, apperrors.IsCode(err, apperrors.ErrCodeCanceled))

	runs, err := env.store.ListRunsByProject(context.Background(), project.ID, 50)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, store.RunFailed, runs[0].Status)
	require.Equal(t, "canceled", *runs[0].ErrorMessage)
}

func TestConcurrentRunsSerialize(t *testing.T) {
	env := newRunEnv(t, 500, defaultRunsCfg())
	project, _ := env.seedWarmWorkspace(t, "u1")

	env.agent.Delay = func(ctx context.Context) error {
		select {
		case <-time.After(50 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.service.Run(context.Background(), "u1", project.ID, "prompt")
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	runs, err := env.store.ListRunsByProject(context.Background(), project.ID, 50)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// ListRunsByProject orders newest first.
	newer, older := runs[0], runs[1]
	require.True(t, newer.StartedAt.After(older.StartedAt))
	require.False(t, older.FinishedAt.After(newer.StartedAt))
}

func TestQuotaCheckerWindow(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.CreateUser(ctx, &store.User{ID: "u1"}))

	mkRun := func(started time.Time) {
		require.NoError(t, st.CreateRun(ctx, &store.Run{
			ID:          uuid.New().String(),
			UserID:      "u1",
			ProjectID:   "p1",
			WorkspaceID: "w1",
			Status:      store.RunSucceeded,
			StartedAt:   started,
		}))
	}

	// Yesterday's runs do not count against today.
	mkRun(time.Now().UTC().Add(-30 * time.Hour))
	mkRun(time.Now().UTC())

	q := NewQuotaChecker(st, 2)
	allowed, err := q.Check(ctx, "u1")
	require.NoError(t, err)
	require.True(t, allowed)

	mkRun(time.Now().UTC())
	allowed, err = q.Check(ctx, "u1")
	require.NoError(t, err)
	require.False(t, allowed)
}
