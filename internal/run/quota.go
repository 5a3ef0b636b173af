package run

import (
	"context"
	"time"

	"github.com/sandrun/sandrun/internal/store"
)

// QuotaChecker enforces the per-user daily run limit. The window is the
// current UTC day; the allow decision is made before the Run row insert, so
// a denied request leaves no row behind.
type QuotaChecker struct {
	store store.Store
	limit int
}

// NewQuotaChecker creates a checker with the given daily limit.
func NewQuotaChecker(st store.Store, limit int) *QuotaChecker {
	return &QuotaChecker{store: st, limit: limit}
}

// Check reports whether the user may start another run today.
func (q *QuotaChecker) Check(ctx context.Context, userID string) (bool, error) {
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	count, err := q.store.CountRunsSince(ctx, userID, dayStart)
	if err != nil {
		return false, err
	}
	return count < q.limit, nil
}

// Limit returns the configured daily limit.
func (q *QuotaChecker) Limit() int {
	return q.limit
}
