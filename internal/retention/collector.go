// Package retention deletes expired cold workspaces and expired evidence
// bundles on an hourly cadence.
package retention

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/metrics"
	"github.com/sandrun/sandrun/internal/sandbox"
	"github.com/sandrun/sandrun/internal/store"
)

const (
	sweepInterval = time.Hour
	startupDelay  = 30 * time.Second
)

// Collector runs the two retention sweeps. Both are idempotent; per-item
// errors are logged and the sweep moves on.
type Collector struct {
	store        store.Store
	driver       sandbox.Driver
	metrics      *metrics.Metrics
	logger       *logger.Logger
	workspaceTTL time.Duration
	evidenceTTL  time.Duration
}

// NewCollector creates a retention collector.
func NewCollector(st store.Store, driver sandbox.Driver, m *metrics.Metrics, workspaceTTL, evidenceTTL time.Duration, log *logger.Logger) *Collector {
	return &Collector{
		store:        st,
		driver:       driver,
		metrics:      m,
		logger:       log,
		workspaceTTL: workspaceTTL,
		evidenceTTL:  evidenceTTL,
	}
}

// Start runs the sweep loop until ctx is canceled. One sweep also runs
// shortly after startup.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		startup := time.NewTimer(startupDelay)
		defer startup.Stop()
		select {
		case <-ctx.Done():
			return
		case <-startup.C:
			c.Sweep(ctx)
		}

		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()
	c.logger.Info("Retention collector started",
		zap.Duration("workspace_ttl", c.workspaceTTL),
		zap.Duration("evidence_ttl", c.evidenceTTL),
	)
}

// Sweep runs both sweeps synchronously. Also reachable from the operator
// endpoint.
func (c *Collector) Sweep(ctx context.Context) {
	c.SweepWorkspaces(ctx)
	c.SweepEvidence(ctx)
}

// SweepWorkspaces deletes volumes of cold workspaces past the cold TTL and
// marks the rows deleted. The driver treats a missing volume as already
// deleted; any other failure leaves the row cold so the next sweep retries,
// otherwise the volume would leak forever behind a terminal row.
func (c *Collector) SweepWorkspaces(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.workspaceTTL)
	expired, err := c.store.ListColdExpiredWorkspaces(ctx, cutoff)
	if err != nil {
		c.logger.Error("Failed to list cold-expired workspaces", zap.Error(err))
		return
	}

	for _, ws := range expired {
		if ctx.Err() != nil {
			return
		}
		if ws.VolumeName != nil {
			if err := c.driver.DeleteVolume(ctx, *ws.VolumeName); err != nil {
				c.logger.Warn("Failed to delete workspace volume; will retry next sweep",
					zap.String("workspace_id", ws.ID),
					zap.String("volume", *ws.VolumeName),
					zap.Error(err),
				)
				continue
			}
		}
		ws.State = store.WorkspaceDeleted
		ws.VolumeName = nil
		ws.ContainerID = nil
		if err := c.store.UpdateWorkspace(ctx, ws); err != nil {
			c.logger.Error("Failed to mark workspace deleted",
				zap.String("workspace_id", ws.ID),
				zap.Error(err),
			)
			continue
		}
		c.metrics.WorkspaceGCTotal.Inc()
		c.logger.Info("Deleted expired workspace", zap.String("workspace_id", ws.ID))
	}
}

// SweepEvidence deletes bundle zips past the evidence TTL and marks the rows
// deleted. A missing file is acceptable.
func (c *Collector) SweepEvidence(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.evidenceTTL)
	expired, err := c.store.ListExpiredBundles(ctx, cutoff)
	if err != nil {
		c.logger.Error("Failed to list expired bundles", zap.Error(err))
		return
	}

	for _, bundle := range expired {
		if ctx.Err() != nil {
			return
		}
		if bundle.BundlePath != nil {
			if err := os.Remove(*bundle.BundlePath); err != nil && !os.IsNotExist(err) {
				c.logger.Warn("Failed to delete bundle file",
					zap.String("run_id", bundle.RunID),
					zap.String("path", *bundle.BundlePath),
					zap.Error(err),
				)
				continue
			}
		}
		bundle.Status = store.BundleDeleted
		bundle.BundlePath = nil
		if err := c.store.UpdateBundle(ctx, bundle); err != nil {
			c.logger.Error("Failed to mark bundle deleted",
				zap.String("run_id", bundle.RunID),
				zap.Error(err),
			)
			continue
		}
		c.metrics.EvidenceGCTotal.Inc()
		c.logger.Info("Deleted expired evidence bundle", zap.String("run_id", bundle.RunID))
	}
}
