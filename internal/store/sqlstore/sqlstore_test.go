package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandrun/sandrun/internal/db"
	"github.com/sandrun/sandrun/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	s, err := New(pool)
	require.NoError(t, err)
	return s
}

func seedUserProject(t *testing.T, s *Store, name string) (*store.User, *store.Project) {
	t.Helper()
	ctx := context.Background()
	user := &store.User{}
	require.NoError(t, s.CreateUser(ctx, user))
	project := &store.Project{
		UserID:  user.ID,
		Name:    name,
		RepoURL: "https://github.com/octocat/Hello-World.git",
	}
	require.NoError(t, s.CreateProject(ctx, project))
	return user, project
}

func TestUserAndAPIKeyLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := &store.User{Email: store.StringPtr("dev@example.com"), IsAdmin: true}
	require.NoError(t, s.CreateUser(ctx, user))

	got, err := s.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, "dev@example.com", store.StringVal(got.Email))
	require.True(t, got.IsAdmin)

	key := &store.APIKey{UserID: user.ID, TokenHash: "abc123", Label: store.StringPtr("ci")}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	byKey, err := s.GetUserByAPIKeyHash(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, user.ID, byKey.ID)

	_, err = s.GetUserByAPIKeyHash(ctx, "nope")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Revoked keys do not resolve.
	now := time.Now().UTC()
	revoked := &store.APIKey{UserID: user.ID, TokenHash: "revoked", RevokedAt: &now}
	require.NoError(t, s.CreateAPIKey(ctx, revoked))
	_, err = s.GetUserByAPIKeyHash(ctx, "revoked")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, project := seedUserProject(t, s, "p1")

	got, err := s.GetProject(ctx, project.ID)
	require.NoError(t, err)
	require.Equal(t, user.ID, got.UserID)
	require.Equal(t, "https://github.com/octocat/Hello-World.git", got.RepoURL)

	list, err := s.ListProjects(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = s.GetProject(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOpenWorkspaceCreatesRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, project := seedUserProject(t, s, "p1")

	ws, evicted, err := s.OpenWorkspace(ctx, user.ID, project.ID)
	require.NoError(t, err)
	require.Empty(t, evicted)
	require.Equal(t, store.WorkspaceWarm, ws.State)
	require.Equal(t, "ws-"+ws.ID, store.StringVal(ws.VolumeName))

	// Second open returns the same row.
	again, evicted, err := s.OpenWorkspace(ctx, user.ID, project.ID)
	require.NoError(t, err)
	require.Empty(t, evicted)
	require.Equal(t, ws.ID, again.ID)
	require.Equal(t, store.StringVal(ws.VolumeName), store.StringVal(again.VolumeName))
}

func TestOpenWorkspaceAfterRetentionGetsFreshVolume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, project := seedUserProject(t, s, "p1")

	ws, _, err := s.OpenWorkspace(ctx, user.ID, project.ID)
	require.NoError(t, err)

	// Retention leaves the row deleted with no volume.
	ws.State = store.WorkspaceDeleted
	ws.VolumeName = nil
	ws.ContainerID = nil
	ws.ThreadID = store.StringPtr("thread-9")
	require.NoError(t, s.UpdateWorkspace(ctx, ws))

	reopened, _, err := s.OpenWorkspace(ctx, user.ID, project.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceWarm, reopened.State)
	require.Equal(t, "ws-"+ws.ID, store.StringVal(reopened.VolumeName))
	require.Nil(t, reopened.ThreadID, "conversation state lived on the old volume")

	got, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, "ws-"+ws.ID, store.StringVal(got.VolumeName))
	require.Nil(t, got.ThreadID)
}

func TestOpenWorkspaceEvictsWarmPeer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, p1 := seedUserProject(t, s, "p1")
	p2 := &store.Project{UserID: user.ID, Name: "p2", RepoURL: "https://example.com/p2.git"}
	require.NoError(t, s.CreateProject(ctx, p2))

	ws1, _, err := s.OpenWorkspace(ctx, user.ID, p1.ID)
	require.NoError(t, err)
	container := "c-1"
	ws1.ContainerID = &container
	require.NoError(t, s.UpdateWorkspace(ctx, ws1))

	ws2, evicted, err := s.OpenWorkspace(ctx, user.ID, p2.ID)
	require.NoError(t, err)
	require.Len(t, evicted, 1)
	require.Equal(t, ws1.ID, evicted[0].ID)
	require.Equal(t, "c-1", store.StringVal(evicted[0].ContainerID), "evicted rows carry the pre-flip container id")

	// Database now shows p1 cold without container, p2 warm.
	cold, err := s.GetWorkspace(ctx, ws1.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceCold, cold.State)
	require.Nil(t, cold.ContainerID)
	require.NotNil(t, cold.VolumeName)

	warm, err := s.GetWorkspace(ctx, ws2.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceWarm, warm.State)

	// At most one warm workspace per user.
	all := []*store.Workspace{cold, warm}
	warmCount := 0
	for _, ws := range all {
		if ws.State == store.WorkspaceWarm {
			warmCount++
		}
	}
	require.Equal(t, 1, warmCount)
}

func TestOpenWorkspaceDoesNotEvictOtherUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userA, pa := seedUserProject(t, s, "pa")
	userB, pb := seedUserProject(t, s, "pb")

	wsA, _, err := s.OpenWorkspace(ctx, userA.ID, pa.ID)
	require.NoError(t, err)
	_, evicted, err := s.OpenWorkspace(ctx, userB.ID, pb.ID)
	require.NoError(t, err)
	require.Empty(t, evicted)

	got, err := s.GetWorkspace(ctx, wsA.ID)
	require.NoError(t, err)
	require.Equal(t, store.WorkspaceWarm, got.State)
}

func TestUpdateWorkspaceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, project := seedUserProject(t, s, "p1")

	ws, _, err := s.OpenWorkspace(ctx, user.ID, project.ID)
	require.NoError(t, err)

	expires := time.Now().UTC().Add(20 * time.Minute).Truncate(time.Second)
	ws.ContainerID = store.StringPtr("c-9")
	ws.ThreadID = store.StringPtr("thread-1")
	ws.ImageName = store.StringPtr("sandrun-workspace:latest")
	ws.ImageDigest = store.StringPtr("sha256:deadbeef")
	ws.RuntimeMetadata = map[string]any{"imageDigest": "sha256:deadbeef"}
	ws.IdleExpiresAt = &expires
	require.NoError(t, s.UpdateWorkspace(ctx, ws))

	got, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	require.Equal(t, "c-9", store.StringVal(got.ContainerID))
	require.Equal(t, "thread-1", store.StringVal(got.ThreadID))
	require.Equal(t, "sha256:deadbeef", got.RuntimeMetadata["imageDigest"])
	require.WithinDuration(t, expires, *got.IdleExpiresAt, time.Second)

	require.ErrorIs(t, s.UpdateWorkspace(ctx, &store.Workspace{ID: "missing"}), store.ErrNotFound)
}

func TestListIdleExpiredWorkspaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, project := seedUserProject(t, s, "p1")

	ws, _, err := s.OpenWorkspace(ctx, user.ID, project.ID)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	ws.ContainerID = store.StringPtr("c-1")
	ws.IdleExpiresAt = &past
	require.NoError(t, s.UpdateWorkspace(ctx, ws))

	expired, err := s.ListIdleExpiredWorkspaces(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, ws.ID, expired[0].ID)

	// Cooling it removes it from the scan.
	ws.State = store.WorkspaceCold
	ws.ContainerID = nil
	require.NoError(t, s.UpdateWorkspace(ctx, ws))
	expired, err = s.ListIdleExpiredWorkspaces(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Empty(t, expired)
}

func TestListColdExpiredWorkspaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, project := seedUserProject(t, s, "p1")

	ws, _, err := s.OpenWorkspace(ctx, user.ID, project.ID)
	require.NoError(t, err)
	ws.State = store.WorkspaceCold
	ws.ContainerID = nil
	ws.LastActiveAt = time.Now().UTC().Add(-31 * 24 * time.Hour)
	require.NoError(t, s.UpdateWorkspace(ctx, ws))

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	expired, err := s.ListColdExpiredWorkspaces(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	// Deleted rows (volume removed) are skipped.
	ws.State = store.WorkspaceDeleted
	ws.VolumeName = nil
	require.NoError(t, s.UpdateWorkspace(ctx, ws))
	expired, err = s.ListColdExpiredWorkspaces(ctx, cutoff)
	require.NoError(t, err)
	require.Empty(t, expired)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, project := seedUserProject(t, s, "p1")
	ws, _, err := s.OpenWorkspace(ctx, user.ID, project.ID)
	require.NoError(t, err)

	run := &store.Run{
		UserID:      user.ID,
		ProjectID:   project.ID,
		WorkspaceID: ws.ID,
		Status:      store.RunRunning,
		Prompt:      "create hello.txt",
		EnvSnapshot: map[string]any{"imageDigest": "sha256:abc"},
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, got.Status)
	require.Nil(t, got.FinishedAt)
	require.Nil(t, got.DurationMs)
	require.Equal(t, "sha256:abc", got.EnvSnapshot["imageDigest"])

	finished := time.Now().UTC()
	duration := int64(1234)
	got.Status = store.RunSucceeded
	got.FinalText = store.StringPtr("done")
	got.Diff = store.StringPtr("--- a/hello.txt")
	got.FinishedAt = &finished
	got.DurationMs = &duration
	require.NoError(t, s.UpdateRun(ctx, got))

	updated, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunSucceeded, updated.Status)
	require.NotNil(t, updated.FinishedAt)
	require.Equal(t, int64(1234), *updated.DurationMs)
}

func TestListRunsByProjectOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, project := seedUserProject(t, s, "p1")
	ws, _, err := s.OpenWorkspace(ctx, user.ID, project.ID)
	require.NoError(t, err)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		run := &store.Run{
			UserID:      user.ID,
			ProjectID:   project.ID,
			WorkspaceID: ws.ID,
			Status:      store.RunSucceeded,
			Prompt:      "p",
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.CreateRun(ctx, run))
	}

	runs, err := s.ListRunsByProject(ctx, project.ID, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.True(t, runs[0].StartedAt.After(runs[1].StartedAt), "newest first")
}

func TestCountRunsSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, project := seedUserProject(t, s, "p1")
	ws, _, err := s.OpenWorkspace(ctx, user.ID, project.ID)
	require.NoError(t, err)

	today := time.Now().UTC()
	yesterday := today.Add(-25 * time.Hour)
	for _, startedAt := range []time.Time{today, today, yesterday} {
		require.NoError(t, s.CreateRun(ctx, &store.Run{
			UserID:      user.ID,
			ProjectID:   project.ID,
			WorkspaceID: ws.ID,
			Status:      store.RunSucceeded,
			Prompt:      "p",
			StartedAt:   startedAt,
		}))
	}

	dayStart := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC)
	count, err := s.CountRunsSince(ctx, user.ID, dayStart)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestBundleUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, project := seedUserProject(t, s, "p1")
	ws, _, err := s.OpenWorkspace(ctx, user.ID, project.ID)
	require.NoError(t, err)
	run := &store.Run{UserID: user.ID, ProjectID: project.ID, WorkspaceID: ws.ID, Status: store.RunSucceeded, Prompt: "p"}
	require.NoError(t, s.CreateRun(ctx, run))

	bundle := &store.EvidenceBundle{
		RunID:       run.ID,
		UserID:      user.ID,
		ProjectID:   project.ID,
		WorkspaceID: ws.ID,
	}
	require.NoError(t, s.UpsertPendingBundle(ctx, bundle))
	require.NoError(t, s.UpsertPendingBundle(ctx, &store.EvidenceBundle{
		RunID:       run.ID,
		UserID:      user.ID,
		ProjectID:   project.ID,
		WorkspaceID: ws.ID,
	}))

	got, err := s.GetBundleByRunID(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, bundle.ID, got.ID, "second upsert must not replace the row")
	require.Equal(t, store.BundlePending, got.Status)

	pending, err := s.ListPendingBundles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	got.Status = store.BundleReady
	got.BundlePath = store.StringPtr("/evidence/" + run.ID + ".zip")
	require.NoError(t, s.UpdateBundle(ctx, got))

	pending, err = s.ListPendingBundles(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestListExpiredBundles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, project := seedUserProject(t, s, "p1")
	ws, _, err := s.OpenWorkspace(ctx, user.ID, project.ID)
	require.NoError(t, err)
	run := &store.Run{UserID: user.ID, ProjectID: project.ID, WorkspaceID: ws.ID, Status: store.RunSucceeded, Prompt: "p"}
	require.NoError(t, s.CreateRun(ctx, run))

	bundle := &store.EvidenceBundle{RunID: run.ID, UserID: user.ID, ProjectID: project.ID, WorkspaceID: ws.ID}
	require.NoError(t, s.UpsertPendingBundle(ctx, bundle))
	bundle.Status = store.BundleReady
	bundle.BundlePath = store.StringPtr("/evidence/" + run.ID + ".zip")
	require.NoError(t, s.UpdateBundle(ctx, bundle))

	// Not yet expired.
	expired, err := s.ListExpiredBundles(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, expired)

	expired, err = s.ListExpiredBundles(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, run.ID, expired[0].RunID)
}
