package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sandrun/sandrun/internal/store"
)

// CreateProject inserts a project row.
func (s *Store) CreateProject(ctx context.Context, project *store.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	project.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO projects (id, user_id, name, repo_url, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), project.ID, project.UserID, project.Name, project.RepoURL, project.CreatedAt)
	return err
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*store.Project, error) {
	project := &store.Project{}
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT id, user_id, name, repo_url, created_at
		FROM projects WHERE id = ?
	`), id).Scan(&project.ID, &project.UserID, &project.Name, &project.RepoURL, &project.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	project.CreatedAt = project.CreatedAt.UTC()
	return project, nil
}

// ListProjects returns the user's projects, newest first.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]*store.Project, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, user_id, name, repo_url, created_at
		FROM projects WHERE user_id = ?
		ORDER BY created_at DESC
	`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := []*store.Project{}
	for rows.Next() {
		project := &store.Project{}
		if err := rows.Scan(&project.ID, &project.UserID, &project.Name, &project.RepoURL, &project.CreatedAt); err != nil {
			return nil, err
		}
		project.CreatedAt = project.CreatedAt.UTC()
		projects = append(projects, project)
	}
	return projects, rows.Err()
}
