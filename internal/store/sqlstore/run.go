package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sandrun/sandrun/internal/store"
)

const runColumns = `id, user_id, project_id, workspace_id, status, prompt, final_text, diff,
	test_output, error_message, started_at, finished_at, duration_ms, input_tokens, output_tokens,
	git_commit, image_name, image_digest, env_snapshot`

// CreateRun inserts a run row in status running.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	snapshot, err := marshalJSON(run.EnvSnapshot)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO runs (id, user_id, project_id, workspace_id, status, prompt, final_text, diff,
			test_output, error_message, started_at, finished_at, duration_ms, input_tokens, output_tokens,
			git_commit, image_name, image_digest, env_snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.UserID, run.ProjectID, run.WorkspaceID, run.Status, run.Prompt,
		nullString(run.FinalText), nullString(run.Diff), nullString(run.TestOutput),
		nullString(run.ErrorMessage), run.StartedAt, nullTime(run.FinishedAt),
		nullInt64(run.DurationMs), nullInt64(run.InputTokens), nullInt64(run.OutputTokens),
		nullString(run.GitCommit), nullString(run.ImageName), nullString(run.ImageDigest), snapshot)
	return err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	run, err := scanRun(s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT `+runColumns+` FROM runs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return run, err
}

// UpdateRun persists every mutable column of a run row.
func (s *Store) UpdateRun(ctx context.Context, run *store.Run) error {
	snapshot, err := marshalJSON(run.EnvSnapshot)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE runs
		SET status = ?, final_text = ?, diff = ?, test_output = ?, error_message = ?,
			finished_at = ?, duration_ms = ?, input_tokens = ?, output_tokens = ?,
			git_commit = ?, env_snapshot = ?
		WHERE id = ?
	`), run.Status, nullString(run.FinalText), nullString(run.Diff), nullString(run.TestOutput),
		nullString(run.ErrorMessage), nullTime(run.FinishedAt), nullInt64(run.DurationMs),
		nullInt64(run.InputTokens), nullInt64(run.OutputTokens), nullString(run.GitCommit),
		snapshot, run.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return store.ErrNotFound
	}
	return err
}

// ListRunsByProject returns the project's most recent runs, newest first.
func (s *Store) ListRunsByProject(ctx context.Context, projectID string, limit int) ([]*store.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT `+runColumns+` FROM runs
		WHERE project_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`), projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []*store.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CountRunsSince counts the user's runs started at or after since. The quota
// checker calls this with the start of the current UTC day.
func (s *Store) CountRunsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT COUNT(*) FROM runs WHERE user_id = ? AND started_at >= ?
	`), userID, since.UTC()).Scan(&count)
	return count, err
}

func scanRun(sc rowScanner) (*store.Run, error) {
	run := &store.Run{}
	var finalText, diff, testOutput, errorMessage, gitCommit, imageName, imageDigest, snapshot sql.NullString
	var finishedAt sql.NullTime
	var durationMs, inputTokens, outputTokens sql.NullInt64
	err := sc.Scan(&run.ID, &run.UserID, &run.ProjectID, &run.WorkspaceID, &run.Status, &run.Prompt,
		&finalText, &diff, &testOutput, &errorMessage, &run.StartedAt, &finishedAt,
		&durationMs, &inputTokens, &outputTokens, &gitCommit, &imageName, &imageDigest, &snapshot)
	if err != nil {
		return nil, err
	}
	run.FinalText = stringPtr(finalText)
	run.Diff = stringPtr(diff)
	run.TestOutput = stringPtr(testOutput)
	run.ErrorMessage = stringPtr(errorMessage)
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = timePtr(finishedAt)
	run.DurationMs = int64Ptr(durationMs)
	run.InputTokens = int64Ptr(inputTokens)
	run.OutputTokens = int64Ptr(outputTokens)
	run.GitCommit = stringPtr(gitCommit)
	run.ImageName = stringPtr(imageName)
	run.ImageDigest = stringPtr(imageDigest)
	run.EnvSnapshot = unmarshalJSON(snapshot)
	return run, nil
}
