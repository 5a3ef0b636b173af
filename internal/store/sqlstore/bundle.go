package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sandrun/sandrun/internal/store"
)

const bundleColumns = `id, run_id, user_id, project_id, workspace_id, status, bundle_path,
	error_message, created_at, updated_at`

// UpsertPendingBundle inserts a pending bundle row keyed on run_id. The
// unique constraint on run_id makes a repeat schedule a no-op.
func (s *Store) UpsertPendingBundle(ctx context.Context, bundle *store.EvidenceBundle) error {
	if bundle.ID == "" {
		bundle.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	bundle.Status = store.BundlePending
	bundle.CreatedAt = now
	bundle.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO evidence_bundles (id, run_id, user_id, project_id, workspace_id, status,
			bundle_path, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING
	`), bundle.ID, bundle.RunID, bundle.UserID, bundle.ProjectID, bundle.WorkspaceID,
		bundle.Status, nullString(bundle.BundlePath), nullString(bundle.ErrorMessage),
		bundle.CreatedAt, bundle.UpdatedAt)
	return err
}

// GetBundleByRunID retrieves the bundle row for a run.
func (s *Store) GetBundleByRunID(ctx context.Context, runID string) (*store.EvidenceBundle, error) {
	bundle, err := scanBundle(s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+bundleColumns+` FROM evidence_bundles WHERE run_id = ?`), runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return bundle, err
}

// UpdateBundle persists the bundle's status, path, and error message.
func (s *Store) UpdateBundle(ctx context.Context, bundle *store.EvidenceBundle) error {
	bundle.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE evidence_bundles
		SET status = ?, bundle_path = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`), bundle.Status, nullString(bundle.BundlePath), nullString(bundle.ErrorMessage),
		bundle.UpdatedAt, bundle.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return store.ErrNotFound
	}
	return err
}

// ListPendingBundles returns pending bundle rows, oldest first. This is the
// durable build queue: a crashed builder's work is picked up on the next
// poll.
func (s *Store) ListPendingBundles(ctx context.Context, limit int) ([]*store.EvidenceBundle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+bundleColumns+` FROM evidence_bundles
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?
	`), store.BundlePending, limit)
	if err != nil {
		return nil, err
	}
	return scanBundles(rows)
}

// ListExpiredBundles returns ready bundles created before cutoff that still
// have a file on disk.
func (s *Store) ListExpiredBundles(ctx context.Context, cutoff time.Time) ([]*store.EvidenceBundle, error) {
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+bundleColumns+` FROM evidence_bundles
		WHERE status = ? AND created_at < ? AND bundle_path IS NOT NULL
	`), store.BundleReady, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	return scanBundles(rows)
}

func scanBundle(sc rowScanner) (*store.EvidenceBundle, error) {
	bundle := &store.EvidenceBundle{}
	var bundlePath, errorMessage sql.NullString
	err := sc.Scan(&bundle.ID, &bundle.RunID, &bundle.UserID, &bundle.ProjectID, &bundle.WorkspaceID,
		&bundle.Status, &bundlePath, &errorMessage, &bundle.CreatedAt, &bundle.UpdatedAt)
	if err != nil {
		return nil, err
	}
	bundle.BundlePath = stringPtr(bundlePath)
	bundle.ErrorMessage = stringPtr(errorMessage)
	bundle.CreatedAt = bundle.CreatedAt.UTC()
	bundle.UpdatedAt = bundle.UpdatedAt.UTC()
	return bundle, nil
}

func scanBundles(rows *sql.Rows) ([]*store.EvidenceBundle, error) {
	defer rows.Close()
	bundles := []*store.EvidenceBundle{}
	for rows.Next() {
		bundle, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, bundle)
	}
	return bundles, rows.Err()
}
