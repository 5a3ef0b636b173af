// Package metrics holds the control plane's counters. Counters live in a
// private prometheus registry and are rendered as a flat JSON object by the
// /metrics handler.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics bundles the counters the control plane increments.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal            *prometheus.CounterVec
	QuotaDeniedTotal     prometheus.Counter
	WorkspaceOpenTotal   *prometheus.CounterVec
	WorkspaceReapedTotal prometheus.Counter
	WorkspaceGCTotal     prometheus.Counter
	EvidenceBundlesTotal *prometheus.CounterVec
	EvidenceGCTotal      prometheus.Counter
}

// New creates a Metrics with all counters registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runs_total",
			Help: "Completed runs by terminal status.",
		}, []string{"status"}),
		QuotaDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quota_denied_total",
			Help: "Run requests denied by the daily quota.",
		}),
		WorkspaceOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workspace_open_total",
			Help: "Workspace open attempts by outcome.",
		}, []string{"outcome"}),
		WorkspaceReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workspace_reaped_total",
			Help: "Warm workspaces cooled by the idle reaper.",
		}),
		WorkspaceGCTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workspace_gc_total",
			Help: "Cold workspaces deleted by retention.",
		}),
		EvidenceBundlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evidence_bundles_total",
			Help: "Evidence bundle builds by terminal status.",
		}, []string{"status"}),
		EvidenceGCTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evidence_gc_total",
			Help: "Evidence bundles deleted by retention.",
		}),
	}

	registry.MustRegister(
		m.RunsTotal,
		m.QuotaDeniedTotal,
		m.WorkspaceOpenTotal,
		m.WorkspaceReapedTotal,
		m.WorkspaceGCTotal,
		m.EvidenceBundlesTotal,
		m.EvidenceGCTotal,
	)
	return m
}

// Snapshot renders every counter as `name` or `name{label="value"}` mapped
// to its current count.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	out := make(map[string]float64)
	for _, family := range families {
		if family.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, metric := range family.GetMetric() {
			out[metricKey(family.GetName(), metric)] = metric.GetCounter().GetValue()
		}
	}
	return out, nil
}

func metricKey(name string, metric *dto.Metric) string {
	labels := metric.GetLabel()
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for _, label := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", label.GetName(), label.GetValue()))
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
