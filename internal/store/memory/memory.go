// Package memory provides an in-memory Store for unit tests. It mirrors the
// transactional semantics of the SQL store under a single mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandrun/sandrun/internal/store"
)

// Store is a mutex-guarded in-memory Store implementation.
type Store struct {
	mu         sync.Mutex
	users      map[string]*store.User
	apiKeys    map[string]*store.APIKey
	projects   map[string]*store.Project
	workspaces map[string]*store.Workspace
	runs       map[string]*store.Run
	bundles    map[string]*store.EvidenceBundle // keyed by run_id
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:      make(map[string]*store.User),
		apiKeys:    make(map[string]*store.APIKey),
		projects:   make(map[string]*store.Project),
		workspaces: make(map[string]*store.Workspace),
		runs:       make(map[string]*store.Run),
		bundles:    make(map[string]*store.EvidenceBundle),
	}
}

func (s *Store) Close() error { return nil }

// CreateUser inserts a user.
func (s *Store) CreateUser(_ context.Context, user *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	u := *user
	s.users[user.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(_ context.Context, id string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	u := *user
	return &u, nil
}

// CreateAPIKey inserts an API key.
func (s *Store) CreateAPIKey(_ context.Context, key *store.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	key.CreatedAt = time.Now().UTC()
	k := *key
	s.apiKeys[key.ID] = &k
	return nil
}

// GetUserByAPIKeyHash resolves an unrevoked key hash to its owner.
func (s *Store) GetUserByAPIKeyHash(_ context.Context, tokenHash string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.apiKeys {
		if key.TokenHash == tokenHash && key.RevokedAt == nil {
			if user, ok := s.users[key.UserID]; ok {
				u := *user
				return &u, nil
			}
		}
	}
	return nil, store.ErrNotFound
}

// CreateProject inserts a project.
func (s *Store) CreateProject(_ context.Context, project *store.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	project.CreatedAt = time.Now().UTC()
	p := *project
	s.projects[project.ID] = &p
	return nil
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(_ context.Context, id string) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	project, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	p := *project
	return &p, nil
}

// ListProjects returns the user's projects, newest first.
func (s *Store) ListProjects(_ context.Context, userID string) ([]*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	projects := []*store.Project{}
	for _, project := range s.projects {
		if project.UserID == userID {
			p := *project
			projects = append(projects, &p)
		}
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].CreatedAt.After(projects[j].CreatedAt) })
	return projects, nil
}

// GetWorkspace retrieves a workspace by ID.
func (s *Store) GetWorkspace(_ context.Context, id string) (*store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	w := *ws
	return &w, nil
}

// GetWorkspaceByProject retrieves the workspace for a (user, project) pair.
func (s *Store) GetWorkspaceByProject(_ context.Context, userID, projectID string) (*store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.workspaces {
		if ws.UserID == userID && ws.ProjectID == projectID {
			w := *ws
			return &w, nil
		}
	}
	return nil, store.ErrNotFound
}

// OpenWorkspace flips the user's warm peers cold and upserts the target warm,
// all under the store mutex.
func (s *Store) OpenWorkspace(_ context.Context, userID, projectID string) (*store.Workspace, []*store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var target *store.Workspace
	evicted := []*store.Workspace{}
	for _, ws := range s.workspaces {
		if ws.UserID != userID {
			continue
		}
		if ws.ProjectID == projectID {
			target = ws
			continue
		}
		if ws.State == store.WorkspaceWarm {
			cold := *ws
			cold.State = store.WorkspaceCold
			evicted = append(evicted, &cold)
			ws.State = store.WorkspaceCold
			ws.ContainerID = nil
		}
	}

	if target == nil {
		id := uuid.New().String()
		volume := "ws-" + id
		target = &store.Workspace{
			ID:           id,
			UserID:       userID,
			ProjectID:    projectID,
			State:        store.WorkspaceWarm,
			VolumeName:   &volume,
			LastActiveAt: now,
		}
		s.workspaces[id] = target
	} else {
		if target.VolumeName == nil {
			// A deleted row lost its volume to retention. Re-open with a fresh
			// volume and without the stale thread id.
			volume := "ws-" + target.ID
			target.VolumeName = &volume
			target.ThreadID = nil
		}
		target.State = store.WorkspaceWarm
		target.LastActiveAt = now
	}

	t := *target
	return &t, evicted, nil
}

// UpdateWorkspace overwrites a workspace row.
func (s *Store) UpdateWorkspace(_ context.Context, ws *store.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[ws.ID]; !ok {
		return store.ErrNotFound
	}
	w := *ws
	s.workspaces[ws.ID] = &w
	return nil
}

// ListIdleExpiredWorkspaces returns warm workspaces past their idle deadline.
func (s *Store) ListIdleExpiredWorkspaces(_ context.Context, now time.Time) ([]*store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := []*store.Workspace{}
	for _, ws := range s.workspaces {
		if ws.State == store.WorkspaceWarm && ws.IdleExpiresAt != nil &&
			ws.IdleExpiresAt.Before(now) && ws.ContainerID != nil {
			w := *ws
			expired = append(expired, &w)
		}
	}
	return expired, nil
}

// ListColdExpiredWorkspaces returns cold workspaces inactive since before cutoff.
func (s *Store) ListColdExpiredWorkspaces(_ context.Context, cutoff time.Time) ([]*store.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := []*store.Workspace{}
	for _, ws := range s.workspaces {
		if ws.State == store.WorkspaceCold && ws.LastActiveAt.Before(cutoff) && ws.VolumeName != nil {
			w := *ws
			expired = append(expired, &w)
		}
	}
	return expired, nil
}

// CreateRun inserts a run.
func (s *Store) CreateRun(_ context.Context, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	r := *run
	s.runs[run.ID] = &r
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(_ context.Context, id string) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	r := *run
	return &r, nil
}

// UpdateRun overwrites a run row.
func (s *Store) UpdateRun(_ context.Context, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return store.ErrNotFound
	}
	r := *run
	s.runs[run.ID] = &r
	return nil
}

// ListRunsByProject returns the project's runs, newest first.
func (s *Store) ListRunsByProject(_ context.Context, projectID string, limit int) ([]*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	runs := []*store.Run{}
	for _, run := range s.runs {
		if run.ProjectID == projectID {
			r := *run
			runs = append(runs, &r)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// CountRunsSince counts the user's runs started at or after since.
func (s *Store) CountRunsSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, run := range s.runs {
		if run.UserID == userID && !run.StartedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// UpsertPendingBundle inserts a pending bundle unless the run already has one.
func (s *Store) UpsertPendingBundle(_ context.Context, bundle *store.EvidenceBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bundles[bundle.RunID]; ok {
		return nil
	}
	if bundle.ID == "" {
		bundle.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	bundle.Status = store.BundlePending
	bundle.CreatedAt = now
	bundle.UpdatedAt = now
	b := *bundle
	s.bundles[bundle.RunID] = &b
	return nil
}

// GetBundleByRunID retrieves a bundle by run ID.
func (s *Store) GetBundleByRunID(_ context.Context, runID string) (*store.EvidenceBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bundle, ok := s.bundles[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	b := *bundle
	return &b, nil
}

// UpdateBundle overwrites a bundle row.
func (s *Store) UpdateBundle(_ context.Context, bundle *store.EvidenceBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.bundles[bundle.RunID]
	if !ok || existing.ID != bundle.ID {
		return store.ErrNotFound
	}
	bundle.UpdatedAt = time.Now().UTC()
	b := *bundle
	s.bundles[bundle.RunID] = &b
	return nil
}

// ListPendingBundles returns pending bundles, oldest first.
func (s *Store) ListPendingBundles(_ context.Context, limit int) ([]*store.EvidenceBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	bundles := []*store.EvidenceBundle{}
	for _, bundle := range s.bundles {
		if bundle.Status == store.BundlePending {
			b := *bundle
			bundles = append(bundles, &b)
		}
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].CreatedAt.Before(bundles[j].CreatedAt) })
	if len(bundles) > limit {
		bundles = bundles[:limit]
	}
	return bundles, nil
}

// ListExpiredBundles returns ready bundles created before cutoff.
func (s *Store) ListExpiredBundles(_ context.Context, cutoff time.Time) ([]*store.EvidenceBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bundles := []*store.EvidenceBundle{}
	for _, bundle := range s.bundles {
		if bundle.Status == store.BundleReady && bundle.CreatedAt.Before(cutoff) && bundle.BundlePath != nil {
			b := *bundle
			bundles = append(bundles, &b)
		}
	}
	return bundles, nil
}
