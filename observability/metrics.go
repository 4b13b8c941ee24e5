// Package observability hosts the prometheus registries for the claim
// service.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ClaimMetrics records claim engine and reconciliation activity.
type ClaimMetrics struct {
	ClaimOutcomes     *prometheus.CounterVec
	SettlementSeconds prometheus.Histogram
	ReconAnomalies    *prometheus.CounterVec
	ReconRepairs      prometheus.Counter
}

var (
	claimMetricsOnce sync.Once
	claimRegistry    *ClaimMetrics
)

// Claims returns the lazily-initialised claim metrics registry.
func Claims() *ClaimMetrics {
	claimMetricsOnce.Do(func() {
		claimRegistry = &ClaimMetrics{
			ClaimOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "reelchain",
				Subsystem: "claims",
				Name:      "outcomes_total",
				Help:      "Claim attempts segmented by terminal outcome kind.",
			}, []string{"outcome"}),
			SettlementSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "reelchain",
				Subsystem: "claims",
				Name:      "settlement_duration_seconds",
				Help:      "Latency from settlement submission to confirmed outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
			}),
			ReconAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "reelchain",
				Subsystem: "recon",
				Name:      "anomalies_total",
				Help:      "Reconciliation anomalies segmented by type.",
			}, []string{"type"}),
			ReconRepairs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "reelchain",
				Subsystem: "recon",
				Name:      "repairs_total",
				Help:      "Claim records completed by the reconciler from confirmed settlements.",
			}),
		}
		prometheus.MustRegister(
			claimRegistry.ClaimOutcomes,
			claimRegistry.SettlementSeconds,
			claimRegistry.ReconAnomalies,
			claimRegistry.ReconRepairs,
		)
	})
	return claimRegistry
}
