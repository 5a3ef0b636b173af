package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a row does not exist (or is not visible to
// the caller).
var ErrNotFound = errors.New("not found")

// Store is the relational persistence interface for the six control-plane
// entities. Implementations must be safe for concurrent use.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// API keys. Lookup is by SHA-256 token hash and skips revoked keys.
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetUserByAPIKeyHash(ctx context.Context, tokenHash string) (*User, error)

	// Projects
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, userID string) ([]*Project, error)

	// Workspaces
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	GetWorkspaceByProject(ctx context.Context, userID, projectID string) (*Workspace, error)
	// OpenWorkspace is the transactional open described in the design notes:
	// in one transaction it locks the user's warm workspaces, flips every
	// warm peer (project_id != projectID) to cold, and upserts the target
	// row to warm (allocating a volume name for new rows). The returned
	// evicted slice carries the peers' pre-flip container ids so the caller
	// can stop their containers after the transaction commits.
	OpenWorkspace(ctx context.Context, userID, projectID string) (target *Workspace, evicted []*Workspace, err error)
	UpdateWorkspace(ctx context.Context, workspace *Workspace) error
	// ListIdleExpiredWorkspaces returns warm workspaces whose idle deadline
	// passed and that still hold a container.
	ListIdleExpiredWorkspaces(ctx context.Context, now time.Time) ([]*Workspace, error)
	// ListColdExpiredWorkspaces returns cold workspaces idle since before
	// cutoff that still hold a volume.
	ListColdExpiredWorkspaces(ctx context.Context, cutoff time.Time) ([]*Workspace, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRunsByProject(ctx context.Context, projectID string, limit int) ([]*Run, error)
	CountRunsSince(ctx context.Context, userID string, since time.Time) (int, error)

	// Evidence bundles
	// UpsertPendingBundle inserts a pending row keyed on run_id; it is a
	// no-op when a row for the run already exists.
	UpsertPendingBundle(ctx context.Context, bundle *EvidenceBundle) error
	GetBundleByRunID(ctx context.Context, runID string) (*EvidenceBundle, error)
	UpdateBundle(ctx context.Context, bundle *EvidenceBundle) error
	ListPendingBundles(ctx context.Context, limit int) ([]*EvidenceBundle, error)
	ListExpiredBundles(ctx context.Context, cutoff time.Time) ([]*EvidenceBundle, error)

	Close() error
}
