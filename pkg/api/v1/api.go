// Package v1 defines the wire types of the sandrun HTTP API.
package v1

import "time"

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// CreateProjectRequest is the body of POST /projects.
type CreateProjectRequest struct {
	Name    string `json:"name" binding:"required"`
	RepoURL string `json:"repoUrl" binding:"required"`
}

// CreateProjectResponse is the reply of POST /projects.
type CreateProjectResponse struct {
	ProjectID string `json:"projectId"`
}

// Project is one project summary.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RepoURL   string    `json:"repoUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListProjectsResponse is the reply of GET /projects.
type ListProjectsResponse struct {
	Projects []Project `json:"projects"`
}

// OpenWorkspaceResponse is the reply of POST /projects/:id/open.
type OpenWorkspaceResponse struct {
	WorkspaceID string `json:"workspaceId"`
	State       string `json:"state"`
}

// MessageRequest is the body of POST /projects/:id/message and
// /projects/:id/message/stream.
type MessageRequest struct {
	Text string `json:"text" binding:"required"`
}

// MessageResponse is the unary reply of POST /projects/:id/message.
type MessageResponse struct {
	RunID     string `json:"runId"`
	FinalText string `json:"finalText"`
	Diff      string `json:"diff,omitempty"`
}

// RunSummary is one entry of GET /projects/:id/runs.
type RunSummary struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Prompt     string     `json:"prompt"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	DurationMs *int64     `json:"durationMs,omitempty"`
}

// ListRunsResponse is the reply of GET /projects/:id/runs.
type ListRunsResponse struct {
	Runs []RunSummary `json:"runs"`
}

// RunResponse is the reply of GET /runs/:id.
type RunResponse struct {
	Run any `json:"run"`
}

// BundleStatusResponse is returned by GET /runs/:id/evidence when the bundle
// is not ready.
type BundleStatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// GCResponse is the reply of POST /ops/gc.
type GCResponse struct {
	OK bool `json:"ok"`
}

// CreateUserRequest is the body of POST /ops/users.
type CreateUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	IsAdmin     bool   `json:"isAdmin"`
	KeyLabel    string `json:"keyLabel"`
}

// CreateUserResponse is the reply of POST /ops/users. Token is returned once
// and never stored in the clear.
type CreateUserResponse struct {
	UserID string `json:"userId"`
	APIKey string `json:"apiKey"`
}
