// Package metrics defines all Prometheus metrics for multisocks. All
// metrics use the "multisocks_" prefix, grounded on athena-dhcpd's
// internal/metrics package (promauto + a single namespace constant, one
// var block per concern).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "multisocks"

// --- Descriptor / Pool Metrics ---

var (
	// DescriptorAlive reports each descriptor's current liveness as 0/1.
	DescriptorAlive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "descriptor_alive",
		Help:      "1 if the descriptor is currently marked alive, 0 otherwise.",
	}, []string{"descriptor"})

	// DescriptorLatencySeconds reports each descriptor's smoothed latency.
	DescriptorLatencySeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "descriptor_latency_seconds",
		Help:      "Current EWMA-smoothed latency for the descriptor, in seconds.",
	}, []string{"descriptor"})

	// ActiveProxies is a gauge of the pool's current active-set size.
	ActiveProxies = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_proxies",
		Help:      "Number of descriptors currently in the active set.",
	})
)

// --- Selection / Tunnel Metrics ---

var (
	// SelectionsTotal counts pool selections by the fallback tier used.
	SelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "selections_total",
		Help:      "Total descriptor selections, by fallback tier.",
	}, []string{"tier"})

	// TunnelFailuresTotal counts upstream tunnel failures by protocol.
	TunnelFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tunnel_failures_total",
		Help:      "Total upstream tunnel failures, by protocol.",
	}, []string{"protocol"})
)

// --- Bandwidth / Optimizer Metrics ---

var (
	// UserBandwidthMbps is the most recently measured direct bandwidth.
	UserBandwidthMbps = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "user_bandwidth_mbps",
		Help:      "Most recently measured direct (no-proxy) bandwidth in Mbps.",
	})

	// ProxyAvgBandwidthMbps is the most recently measured average proxy bandwidth.
	ProxyAvgBandwidthMbps = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "proxy_avg_bandwidth_mbps",
		Help:      "Most recently measured average per-proxy bandwidth in Mbps.",
	})

	// OptimizationCyclesTotal counts completed optimization cycles.
	OptimizationCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "optimization_cycles_total",
		Help:      "Total bandwidth optimization cycles completed.",
	})
)
