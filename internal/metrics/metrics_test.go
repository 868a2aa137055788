package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistered(t *testing.T) {
	DescriptorAlive.WithLabelValues("socks5://h:1").Set(1)
	DescriptorLatencySeconds.WithLabelValues("socks5://h:1").Set(0.25)
	ActiveProxies.Set(3)
	SelectionsTotal.WithLabelValues("1").Inc()
	TunnelFailuresTotal.WithLabelValues("socks5").Inc()
	UserBandwidthMbps.Set(100)
	ProxyAvgBandwidthMbps.Set(20)
	OptimizationCyclesTotal.Inc()

	if got := testutil.ToFloat64(ActiveProxies); got != 3 {
		t.Errorf("ActiveProxies = %v, want 3", got)
	}
	if got := testutil.ToFloat64(UserBandwidthMbps); got != 100 {
		t.Errorf("UserBandwidthMbps = %v, want 100", got)
	}
	if got := testutil.ToFloat64(OptimizationCyclesTotal); got != 1 {
		t.Errorf("OptimizationCyclesTotal = %v, want 1", got)
	}
}

func TestMetricsNamespace(t *testing.T) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	for _, mf := range mfs {
		name := mf.GetName()
		if strings.HasPrefix(name, "go_") ||
			strings.HasPrefix(name, "process_") ||
			strings.HasPrefix(name, "promhttp_") {
			continue
		}
		if !strings.HasPrefix(name, "multisocks_") {
			t.Errorf("metric %q does not have multisocks_ prefix", name)
		}
	}
}
