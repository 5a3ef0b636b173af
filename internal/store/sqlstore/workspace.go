package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sandrun/sandrun/internal/store"
)

const workspaceColumns = `id, user_id, project_id, state, container_id, volume_name, thread_id,
	image_name, image_digest, runtime_metadata, last_active_at, idle_expires_at`

// GetWorkspace retrieves a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*store.Workspace, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = ?`), id)
	return scanWorkspaceRow(row)
}

// GetWorkspaceByProject retrieves the single workspace for a (user, project)
// pair.
func (s *Store) GetWorkspaceByProject(ctx context.Context, userID, projectID string) (*store.Workspace, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+workspaceColumns+` FROM workspaces WHERE user_id = ? AND project_id = ?`), userID, projectID)
	return scanWorkspaceRow(row)
}

// OpenWorkspace performs the transactional open: flip the user's warm peers
// to cold, upsert the target to warm. Row-level locking comes from
// SELECT ... FOR UPDATE on PostgreSQL; the SQLite writer is a single
// connection, which serializes the transaction as a whole.
func (s *Store) OpenWorkspace(ctx context.Context, userID, projectID string) (*store.Workspace, []*store.Workspace, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	lock := ""
	if s.postgres {
		lock = " FOR UPDATE"
	}

	rows, err := tx.QueryContext(ctx, tx.Rebind(
		`SELECT `+workspaceColumns+` FROM workspaces WHERE user_id = ? AND state = ?`+lock),
		userID, store.WorkspaceWarm)
	if err != nil {
		return nil, nil, err
	}
	warm, err := scanWorkspaces(rows)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	var target *store.Workspace
	evicted := []*store.Workspace{}
	for _, ws := range warm {
		if ws.ProjectID == projectID {
			target = ws
			continue
		}
		// Peer eviction: cold in the database now; the caller stops the
		// container after commit using the returned ContainerID.
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE workspaces SET state = ?, container_id = NULL WHERE id = ?
		`), store.WorkspaceCold, ws.ID); err != nil {
			return nil, nil, fmt.Errorf("evict workspace %s: %w", ws.ID, err)
		}
		cold := *ws
		cold.State = store.WorkspaceCold
		evicted = append(evicted, &cold)
	}

	if target == nil {
		row := tx.QueryRowContext(ctx, tx.Rebind(
			`SELECT `+workspaceColumns+` FROM workspaces WHERE user_id = ? AND project_id = ?`+lock),
			userID, projectID)
		target, err = scanWorkspaceRow(row)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
	}

	switch {
	case target == nil:
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
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO workspaces (id, user_id, project_id, state, volume_name, last_active_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`), target.ID, userID, projectID, store.WorkspaceWarm, volume, now); err != nil {
			return nil, nil, fmt.Errorf("create workspace: %w", err)
		}
	default:
		if target.VolumeName == nil {
			// A deleted row lost its volume to retention. Re-open with a fresh
			// volume; the thread id points at conversation state that lived on
			// the old volume, so it goes too.
			volume := "ws-" + target.ID
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE workspaces SET state = ?, volume_name = ?, thread_id = NULL, last_active_at = ? WHERE id = ?
			`), store.WorkspaceWarm, volume, now, target.ID); err != nil {
				return nil, nil, fmt.Errorf("warm workspace %s: %w", target.ID, err)
			}
			target.VolumeName = &volume
			target.ThreadID = nil
		} else {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE workspaces SET state = ?, last_active_at = ? WHERE id = ?
			`), store.WorkspaceWarm, now, target.ID); err != nil {
				return nil, nil, fmt.Errorf("warm workspace %s: %w", target.ID, err)
			}
		}
		target.State = store.WorkspaceWarm
		target.LastActiveAt = now
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return target, evicted, nil
}

// UpdateWorkspace persists every mutable column of a workspace row.
func (s *Store) UpdateWorkspace(ctx context.Context, ws *store.Workspace) error {
	metadata, err := marshalJSON(ws.RuntimeMetadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE workspaces
		SET state = ?, container_id = ?, volume_name = ?, thread_id = ?,
			image_name = ?, image_digest = ?, runtime_metadata = ?,
			last_active_at = ?, idle_expires_at = ?
		WHERE id = ?
	`), ws.State, nullString(ws.ContainerID), nullString(ws.VolumeName), nullString(ws.ThreadID),
		nullString(ws.ImageName), nullString(ws.ImageDigest), metadata,
		ws.LastActiveAt, nullTime(ws.IdleExpiresAt), ws.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return store.ErrNotFound
	}
	return err
}

// ListIdleExpiredWorkspaces returns warm workspaces past their idle deadline
// that still hold a container.
func (s *Store) ListIdleExpiredWorkspaces(ctx context.Context, now time.Time) ([]*store.Workspace, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+workspaceColumns+` FROM workspaces
		WHERE state = ? AND idle_expires_at IS NOT NULL AND idle_expires_at < ? AND container_id IS NOT NULL
	`), store.WorkspaceWarm, now.UTC())
	if err != nil {
		return nil, err
	}
	return scanWorkspaces(rows)
}

// ListColdExpiredWorkspaces returns cold workspaces inactive since before
// cutoff that still hold a volume.
func (s *Store) ListColdExpiredWorkspaces(ctx context.Context, cutoff time.Time) ([]*store.Workspace, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+workspaceColumns+` FROM workspaces
		WHERE state = ? AND last_active_at < ? AND volume_name IS NOT NULL
	`), store.WorkspaceCold, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	return scanWorkspaces(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(sc rowScanner) (*store.Workspace, error) {
	ws := &store.Workspace{}
	var containerID, volumeName, threadID, imageName, imageDigest, metadata sql.NullString
	var idleExpiresAt sql.NullTime
	err := sc.Scan(&ws.ID, &ws.UserID, &ws.ProjectID, &ws.State, &containerID, &volumeName, &threadID,
		&imageName, &imageDigest, &metadata, &ws.LastActiveAt, &idleExpiresAt)
	if err != nil {
		return nil, err
	}
	ws.ContainerID = stringPtr(containerID)
	ws.VolumeName = stringPtr(volumeName)
	ws.ThreadID = stringPtr(threadID)
	ws.ImageName = stringPtr(imageName)
	ws.ImageDigest = stringPtr(imageDigest)
	ws.RuntimeMetadata = unmarshalJSON(metadata)
	ws.LastActiveAt = ws.LastActiveAt.UTC()
	ws.IdleExpiresAt = timePtr(idleExpiresAt)
	return ws, nil
}

func scanWorkspaceRow(row *sql.Row) (*store.Workspace, error) {
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return ws, err
}

func scanWorkspaces(rows *sql.Rows) ([]*store.Workspace, error) {
	defer rows.Close()
	workspaces := []*store.Workspace{}
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}
