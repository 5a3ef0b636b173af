package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/sandrun/sandrun/internal/common/errors"
	v1 "github.com/sandrun/sandrun/pkg/api/v1"

	"github.com/sandrun/sandrun/internal/store"
)

const runListLimit = 50

// respondError maps an error to the JSON error envelope. AppError carries its
// own status and code; anything else is a 500.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, v1.ErrorResponse{Error: appErr.Message, Code: appErr.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, v1.ErrorResponse{
		Error: "internal error",
		Code:  apperrors.ErrCodeInternalError,
	})
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{OK: true})
}

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.store.ListProjects(c.Request.Context(), currentUserID(c))
	if err != nil {
		respondError(c, apperrors.Internal("failed to list projects", err))
		return
	}

	resp := v1.ListProjectsResponse{Projects: make([]v1.Project, 0, len(projects))}
	for _, p := range projects {
		resp.Projects = append(resp.Projects, v1.Project{
			ID:        p.ID,
			Name:      p.Name,
			RepoURL:   p.RepoURL,
			CreatedAt: p.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var req v1.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("name and repoUrl are required"))
		return
	}

	project := &store.Project{
		ID:        uuid.New().String(),
		UserID:    currentUserID(c),
		Name:      req.Name,
		RepoURL:   req.RepoURL,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateProject(c.Request.Context(), project); err != nil {
		respondError(c, apperrors.Internal("failed to create project", err))
		return
	}
	c.JSON(http.StatusCreated, v1.CreateProjectResponse{ProjectID: project.ID})
}

func (s *Server) handleOpenProject(c *gin.Context) {
	ws, err := s.workspaces.Open(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.OpenWorkspaceResponse{
		WorkspaceID: ws.ID,
		State:       string(ws.State),
	})
}

func (s *Server) handleMessage(c *gin.Context) {
	var req v1.MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("text is required"))
		return
	}

	result, err := s.runs.Run(c.Request.Context(), currentUserID(c), c.Param("id"), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.MessageResponse{
		RunID:     result.RunID,
		FinalText: result.FinalText,
		Diff:      result.Diff,
	})
}

func (s *Server) handleMessageStream(c *gin.Context) {
	var req v1.MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("text is required"))
		return
	}

	sink := newSSESink(c)
	if sink == nil {
		respondError(c, apperrors.Internal("streaming unsupported", nil))
		return
	}

	// Headers are already written; failures reach the client as the terminal
	// run-complete event, not as an error status.
	if err := s.runs.Stream(c.Request.Context(), currentUserID(c), c.Param("id"), req.Text, sink); err != nil {
		s.logger.Debug("stream run failed",
			zap.String("project_id", c.Param("id")),
			zap.Error(err))
	}
}

func (s *Server) handleListRuns(c *gin.Context) {
	projectID := c.Param("id")
	project, err := s.store.GetProject(c.Request.Context(), projectID)
	if err != nil || project.UserID != currentUserID(c) {
		respondError(c, apperrors.NotFound("project", projectID))
		return
	}

	runs, err := s.store.ListRunsByProject(c.Request.Context(), projectID, runListLimit)
	if err != nil {
		respondError(c, apperrors.Internal("failed to list runs", err))
		return
	}

	resp := v1.ListRunsResponse{Runs: make([]v1.RunSummary, 0, len(runs))}
	for _, r := range runs {
		resp.Runs = append(resp.Runs, v1.RunSummary{
			ID:         r.ID,
			Status:     string(r.Status),
			Prompt:     r.Prompt,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
			DurationMs: r.DurationMs,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, ok := s.ownedRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, v1.RunResponse{Run: run})
}

func (s *Server) handleEvidence(c *gin.Context) {
	run, ok := s.ownedRun(c)
	if !ok {
		return
	}

	bundle, err := s.store.GetBundleByRunID(c.Request.Context(), run.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, apperrors.NotFound("evidence bundle", run.ID))
		} else {
			respondError(c, apperrors.Internal("failed to load evidence bundle", err))
		}
		return
	}

	switch bundle.Status {
	case store.BundleReady:
		if bundle.BundlePath == nil {
			respondError(c, apperrors.Internal("bundle marked ready without a path", nil))
			return
		}
		c.Header("Content-Type", "application/zip")
		c.FileAttachment(*bundle.BundlePath, run.ID+".zip")
	case store.BundlePending:
		c.JSON(http.StatusAccepted, v1.BundleStatusResponse{Status: string(store.BundlePending)})
	case store.BundleError:
		c.JSON(http.StatusInternalServerError, v1.BundleStatusResponse{
			Status:  string(store.BundleError),
			Message: store.StringVal(bundle.ErrorMessage),
		})
	default:
		respondError(c, apperrors.NotFound("evidence bundle", run.ID))
	}
}

func (s *Server) handleMetrics(c *gin.Context) {
	snapshot, err := s.metrics.Snapshot()
	if err != nil {
		respondError(c, apperrors.Internal("failed to gather metrics", err))
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleGC(c *gin.Context) {
	s.collector.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, v1.GCResponse{OK: true})
}

func (s *Server) handleCreateUser(c *gin.Context) {
	if !s.requireAdminToken(c) {
		return
	}

	var req v1.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid request body"))
		return
	}

	now := time.Now().UTC()
	user := &store.User{
		ID:          uuid.New().String(),
		Email:       store.StringPtr(req.Email),
		DisplayName: store.StringPtr(req.DisplayName),
		IsAdmin:     req.IsAdmin,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateUser(c.Request.Context(), user); err != nil {
		respondError(c, apperrors.Internal("failed to create user", err))
		return
	}

	token, err := newAPIToken()
	if err != nil {
		respondError(c, apperrors.Internal("failed to generate api key", err))
		return
	}
	key := &store.APIKey{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		TokenHash: HashToken(token),
		Label:     store.StringPtr(req.KeyLabel),
		CreatedAt: now,
	}
	if err := s.store.CreateAPIKey(c.Request.Context(), key); err != nil {
		respondError(c, apperrors.Internal("failed to create api key", err))
		return
	}

	// The clear token leaves the process exactly once, here.
	c.JSON(http.StatusCreated, v1.CreateUserResponse{UserID: user.ID, APIKey: token})
}

// ownedRun loads the run from the :id param and enforces that it belongs to
// the caller. Foreign runs are indistinguishable from missing ones.
func (s *Server) ownedRun(c *gin.Context) (*store.Run, bool) {
	runID := c.Param("id")
	run, err := s.store.GetRun(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, apperrors.NotFound("run", runID))
		} else {
			respondError(c, apperrors.Internal("failed to load run", err))
		}
		return nil, false
	}
	if run.UserID != currentUserID(c) {
		respondError(c, apperrors.NotFound("run", runID))
		return nil, false
	}
	return run, true
}

func newAPIToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return "sr_" + hex.EncodeToString(buf), nil
}
