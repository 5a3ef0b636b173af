// Package store defines the persistent entities of the control plane and the
// Store interface over them.
package store

import "time"

// WorkspaceState is the lifecycle state of a workspace.
type WorkspaceState string

const (
	// WorkspaceWarm means a container is running for this workspace.
	WorkspaceWarm WorkspaceState = "warm"
	// WorkspaceCold means the container is stopped but the volume and
	// thread id are retained for resume.
	WorkspaceCold WorkspaceState = "cold"
	// WorkspaceDeleted means the volume has been removed. Terminal.
	WorkspaceDeleted WorkspaceState = "deleted"
	// WorkspaceError means a sandbox start or clone failed. Terminal.
	WorkspaceError WorkspaceState = "error"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunTimeout   RunStatus = "timeout"
)

// Finished reports whether the status is terminal.
func (s RunStatus) Finished() bool {
	return s == RunSucceeded || s == RunFailed || s == RunTimeout
}

// BundleStatus is the lifecycle state of an evidence bundle.
type BundleStatus string

const (
	BundlePending BundleStatus = "pending"
	BundleReady   BundleStatus = "ready"
	BundleError   BundleStatus = "error"
	BundleDeleted BundleStatus = "deleted"
)

// User is the identity anchor. Created by an external tool and never mutated
// by the core.
type User struct {
	ID          string    `json:"id"`
	Email       *string   `json:"email,omitempty"`
	DisplayName *string   `json:"display_name,omitempty"`
	IsAdmin     bool      `json:"is_admin"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// APIKey authenticates HTTP callers. The core stores only the SHA-256 hash.
type APIKey struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"-"`
	Label     *string    `json:"label,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Project groups runs against one source repository. Immutable after creation.
type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	RepoURL   string    `json:"repo_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Workspace is the durable handle to a sandbox: exactly one row per
// (user_id, project_id) pair.
//
// ContainerID is non-null only in state warm. VolumeName is allocated at
// first warm and survives until the row transitions to deleted. ThreadID
// carries agent conversation context across cold/warm cycles.
type Workspace struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	ProjectID       string         `json:"project_id"`
	State           WorkspaceState `json:"state"`
	ContainerID     *string        `json:"container_id,omitempty"`
	VolumeName      *string        `json:"volume_name,omitempty"`
	ThreadID        *string        `json:"thread_id,omitempty"`
	ImageName       *string        `json:"image_name,omitempty"`
	ImageDigest     *string        `json:"image_digest,omitempty"`
	RuntimeMetadata map[string]any `json:"runtime_metadata,omitempty"`
	LastActiveAt    time.Time      `json:"last_active_at"`
	IdleExpiresAt   *time.Time     `json:"idle_expires_at,omitempty"`
}

// Run is one prompt execution against a warm workspace.
type Run struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	ProjectID    string         `json:"project_id"`
	WorkspaceID  string         `json:"workspace_id"`
	Status       RunStatus      `json:"status"`
	Prompt       string         `json:"prompt"`
	FinalText    *string        `json:"final_text,omitempty"`
	Diff         *string        `json:"diff,omitempty"`
	TestOutput   *string        `json:"test_output,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	DurationMs   *int64         `json:"duration_ms,omitempty"`
	InputTokens  *int64         `json:"input_tokens,omitempty"`
	OutputTokens *int64         `json:"output_tokens,omitempty"`
	GitCommit    *string        `json:"git_commit,omitempty"`
	ImageName    *string        `json:"image_name,omitempty"`
	ImageDigest  *string        `json:"image_digest,omitempty"`
	EnvSnapshot  map[string]any `json:"env_snapshot,omitempty"`
}

// EvidenceBundle is the audit artifact for one run; run_id is unique.
type EvidenceBundle struct {
	ID           string       `json:"id"`
	RunID        string       `json:"run_id"`
	UserID       string       `json:"user_id"`
	ProjectID    string       `json:"project_id"`
	WorkspaceID  string       `json:"workspace_id"`
	Status       BundleStatus `json:"status"`
	BundlePath   *string      `json:"bundle_path,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// StringPtr returns a pointer to s, or nil if s is empty. Small helper for
// the nullable text columns above.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringVal returns the value of p or "" when nil.
func StringVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
