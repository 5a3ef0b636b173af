// Package evidence assembles per-run audit bundles. The pending rows in
// evidence_bundles are the durable build queue: a crashed builder's work is
// picked up on the next poll.
package evidence

import (
	"archive/tar"
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sandrun/sandrun/internal/common/config"
	apperrors "github.com/sandrun/sandrun/internal/common/errors"
	"github.com/sandrun/sandrun/internal/common/logger"
	"github.com/sandrun/sandrun/internal/metrics"
	"github.com/sandrun/sandrun/internal/sandbox"
	"github.com/sandrun/sandrun/internal/store"
)

const sandboxEvidenceBase = "/workspace/evidence"

// Builder copies evidence out of sandboxes and zips it under the evidence
// root. Builds for distinct runs may proceed concurrently, bounded by the
// worker semaphore; the in-flight set keeps one build per run.
type Builder struct {
	store   store.Store
	driver  sandbox.Driver
	metrics *metrics.Metrics
	logger  *logger.Logger
	cfg     config.EvidenceConfig
	root    string

	sem  *semaphore.Weighted
	wake chan struct{}

	mu       sync.Mutex
	inflight map[string]bool
}

// NewBuilder creates a builder and ensures the evidence root exists.
func NewBuilder(st store.Store, driver sandbox.Driver, m *metrics.Metrics, cfg config.EvidenceConfig, log *logger.Logger) (*Builder, error) {
	root, err := config.ExpandPath(cfg.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, "temp"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create evidence root %s: %w", root, err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Builder{
		store:    st,
		driver:   driver,
		metrics:  m,
		logger:   log,
		cfg:      cfg,
		root:     root,
		sem:      semaphore.NewWeighted(int64(workers)),
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]bool),
	}, nil
}

// Root returns the expanded evidence root directory.
func (b *Builder) Root() string {
	return b.root
}

// Schedule upserts the pending bundle row for a finished run and nudges the
// poll loop. Safe to call repeatedly for the same run.
func (b *Builder) Schedule(ctx context.Context, run *store.Run) error {
	bundle := &store.EvidenceBundle{
		RunID:       run.ID,
		UserID:      run.UserID,
		ProjectID:   run.ProjectID,
		WorkspaceID: run.WorkspaceID,
	}
	if err := b.store.UpsertPendingBundle(ctx, bundle); err != nil {
		return err
	}
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start runs the poll loop until ctx is canceled.
func (b *Builder) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(b.cfg.PollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-b.wake:
			}
			b.drainPending(ctx)
		}
	}()
	b.logger.Info("Evidence builder started",
		zap.String("root", b.root),
		zap.Int("workers", b.cfg.Workers),
	)
}

// drainPending dispatches a build for every pending bundle not already in
// flight.
func (b *Builder) drainPending(ctx context.Context) {
	pending, err := b.store.ListPendingBundles(ctx, 50)
	if err != nil {
		b.logger.Error("Failed to list pending bundles", zap.Error(err))
		return
	}

	for _, bundle := range pending {
		runID := bundle.RunID
		b.mu.Lock()
		if b.inflight[runID] {
			b.mu.Unlock()
			continue
		}
		b.inflight[runID] = true
		b.mu.Unlock()

		if err := b.sem.Acquire(ctx, 1); err != nil {
			b.clearInflight(runID)
			return
		}
		go func() {
			defer b.sem.Release(1)
			defer b.clearInflight(runID)
			if err := b.Build(context.WithoutCancel(ctx), runID); err != nil {
				b.logger.Warn("Evidence build failed",
					zap.String("run_id", runID),
					zap.Error(err),
				)
			}
		}()
	}
}

func (b *Builder) clearInflight(runID string) {
	b.mu.Lock()
	delete(b.inflight, runID)
	b.mu.Unlock()
}

// Build assembles the bundle for one run: copy the evidence directory out of
// the sandbox, add metadata, zip, and flip the row to ready.
func (b *Builder) Build(ctx context.Context, runID string) error {
	bundle, err := b.store.GetBundleByRunID(ctx, runID)
	if err != nil {
		return err
	}
	if bundle.Status != store.BundlePending {
		return nil
	}

	zipPath, err := b.assemble(ctx, bundle)
	if err != nil {
		bundle.Status = store.BundleError
		msg := err.Error()
		bundle.ErrorMessage = &msg
		bundle.BundlePath = nil
		if updateErr := b.store.UpdateBundle(ctx, bundle); updateErr != nil {
			b.logger.Error("Failed to mark bundle error",
				zap.String("run_id", runID),
				zap.Error(updateErr),
			)
		}
		b.metrics.EvidenceBundlesTotal.WithLabelValues(string(store.BundleError)).Inc()
		return apperrors.BundleFailure(runID, err)
	}

	bundle.Status = store.BundleReady
	bundle.BundlePath = &zipPath
	bundle.ErrorMessage = nil
	if err := b.store.UpdateBundle(ctx, bundle); err != nil {
		return err
	}
	b.metrics.EvidenceBundlesTotal.WithLabelValues(string(store.BundleReady)).Inc()
	b.logger.Info("Evidence bundle ready",
		zap.String("run_id", runID),
		zap.String("path", zipPath),
	)
	return nil
}

// assemble produces the zip file and returns its path.
func (b *Builder) assemble(ctx context.Context, bundle *store.EvidenceBundle) (string, error) {
	run, err := b.store.GetRun(ctx, bundle.RunID)
	if err != nil {
		return "", fmt.Errorf("failed to load run: %w", err)
	}
	ws, err := b.store.GetWorkspace(ctx, bundle.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("failed to load workspace: %w", err)
	}
	if ws.ContainerID == nil {
		return "", errors.New("workspace container not available")
	}

	tempDir := filepath.Join(b.root, "temp", run.ID)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	reader, err := b.driver.GetArchive(ctx, *ws.ContainerID, sandboxEvidenceBase+"/"+run.ID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch evidence archive: %w", err)
	}
	defer reader.Close()

	if err := extractTar(reader, tempDir); err != nil {
		return "", fmt.Errorf("failed to extract evidence archive: %w", err)
	}

	canonical, err := canonicalize(tempDir, run.ID)
	if err != nil {
		return "", err
	}

	if err := b.writeSidecars(canonical, run, ws); err != nil {
		return "", err
	}

	zipPath := filepath.Join(b.root, run.ID+".zip")
	if err := writeZip(zipPath, canonical, run.ID); err != nil {
		os.Remove(zipPath)
		return "", fmt.Errorf("failed to write bundle zip: %w", err)
	}
	return zipPath, nil
}

// writeSidecars adds the control plane's own files beside the sandbox copies.
func (b *Builder) writeSidecars(dir string, run *store.Run, ws *store.Workspace) error {
	metadata := map[string]any{
		"run":          run,
		"workspace":    ws,
		"generated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := writeJSON(filepath.Join(dir, "metadata.json"), metadata); err != nil {
		return err
	}

	envSnapshot := map[string]any{
		"runSnapshot":       run.EnvSnapshot,
		"workspaceMetadata": ws.RuntimeMetadata,
	}
	if err := writeJSON(filepath.Join(dir, "env_snapshot.json"), envSnapshot); err != nil {
		return err
	}

	if diff := store.StringVal(run.Diff); diff != "" {
		if err := os.WriteFile(filepath.Join(dir, "diff.patch"), []byte(diff), 0o644); err != nil {
			return fmt.Errorf("failed to write diff.patch: %w", err)
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// canonicalize reshapes the extracted archive so its root is the run id
// folder, whatever the tar's top-level layout was.
func canonicalize(tempDir, runID string) (string, error) {
	canonical := filepath.Join(tempDir, runID)
	if info, err := os.Stat(canonical); err == nil && info.IsDir() {
		return canonical, nil
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		return "", fmt.Errorf("failed to read extracted archive: %w", err)
	}

	// A single foreign top-level folder becomes the canonical dir directly.
	if len(entries) == 1 && entries[0].IsDir() {
		if err := os.Rename(filepath.Join(tempDir, entries[0].Name()), canonical); err != nil {
			return "", fmt.Errorf("failed to reshape bundle dir: %w", err)
		}
		return canonical, nil
	}

	if err := os.MkdirAll(canonical, 0o755); err != nil {
		return "", fmt.Errorf("failed to create bundle dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.Rename(filepath.Join(tempDir, entry.Name()), filepath.Join(canonical, entry.Name())); err != nil {
			return "", fmt.Errorf("failed to reshape bundle dir: %w", err)
		}
	}
	return canonical, nil
}

// extractTar unpacks a tar stream into dir, rejecting entries that escape it.
func extractTar(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			continue
		}
		target := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

// writeZip zips the contents of dir under a top-level prefix folder.
func writeZip(zipPath, dir, prefix string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(prefix + "/" + filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}
