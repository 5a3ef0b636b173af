package workspace

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/metrics"
	"github.com/sandrun/sandrun/internal/store"
)

// Reaper cools warm workspaces whose idle deadline has passed. Thread id and
// volume are retained so the workspace can resume.
type Reaper struct {
	store    store.Store
	service  *Service
	metrics  *metrics.Metrics
	logger   *logger.Logger
	interval time.Duration
}

// NewReaper creates an idle reaper.
func NewReaper(st store.Store, svc *Service, m *metrics.Metrics, interval time.Duration, log *logger.Logger) *Reaper {
	return &Reaper{
		store:    st,
		service:  svc,
		metrics:  m,
		logger:   log,
		interval: interval,
	}
}

// Start runs the reap loop until ctx is canceled.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(ctx)
			}
		}
	}()
	r.logger.Info("Idle reaper started", zap.Duration("interval", r.interval))
}

// Sweep cools every idle-expired warm workspace. Per-workspace errors are
// logged and do not halt the sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	expired, err := r.store.ListIdleExpiredWorkspaces(ctx, time.Now().UTC())
	if err != nil {
		r.logger.Error("Failed to list idle-expired workspaces", zap.Error(err))
		return
	}

	for _, ws := range expired {
		if ctx.Err() != nil {
			return
		}
		if err := r.service.Stop(ctx, ws.ID); err != nil {
			r.logger.Warn("Failed to cool idle workspace",
				zap.String("workspace_id", ws.ID),
				zap.Error(err),
			)
			continue
		}
		r.metrics.WorkspaceReapedTotal.Inc()
		r.logger.Info("Cooled idle workspace",
			zap.String("workspace_id", ws.ID),
			zap.String("user_id", ws.UserID),
		)
	}
}
