// Package optimizer adjusts which descriptors are active based on measured
// bandwidth, ported from proxy_manager.py's _optimize_proxy_usage /
// start_continuous_optimization. Two cadences coexist, matching the
// original's split between the health-check loop's periodic optimize call
// and the independently-started continuous-optimization loop:
//
//   - RunCoarsePass rewrites the pool's active set. It is invoked by the
//     Health Prober every 20th tick (10 minutes) when auto-optimize is on.
//   - RunContinuous only measures and emits progress events; it never
//     mutates the active set itself.
package optimizer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/drsoft-oss/multisocks/internal/bandwidth"
	"github.com/drsoft-oss/multisocks/internal/descriptor"
	"github.com/drsoft-oss/multisocks/internal/errs"
	"github.com/drsoft-oss/multisocks/internal/events"
	"github.com/drsoft-oss/multisocks/internal/metrics"
	"github.com/drsoft-oss/multisocks/internal/pool"
	"github.com/drsoft-oss/multisocks/internal/upstream"
)

// DefaultContinuousInterval is the default cadence of RunContinuous's loop.
const DefaultContinuousInterval = 60 * time.Second

// Optimizer ties the pool, the upstream Connector, and the bandwidth Tester
// together to decide how many and which descriptors should be active.
type Optimizer struct {
	pool      *pool.Pool
	connector *upstream.Connector
	tester    *bandwidth.Tester
	bus       *events.Bus

	stop chan struct{}
}

// New creates an Optimizer.
func New(p *pool.Pool, c *upstream.Connector, tester *bandwidth.Tester, bus *events.Bus) *Optimizer {
	return &Optimizer{pool: p, connector: c, tester: tester, bus: bus, stop: make(chan struct{})}
}

// RunCoarsePass measures bandwidth and rewrites the pool's active set to the
// lowest-latency subset sized to saturate the user's connection. When the
// direct bandwidth measures 0 or no descriptor is alive, the pass is skipped
// and the active set is left unchanged.
func (o *Optimizer) RunCoarsePass(ctx context.Context) {
	log.Println("[optimizer] running coarse optimization pass")

	userMbps := o.tester.MeasureDirect(ctx)
	if userMbps <= 0 {
		log.Printf("[optimizer] %v", fmt.Errorf("%w: could not measure user bandwidth, leaving active set unchanged", errs.ErrMeasurementFailure))
		return
	}

	alive := aliveDescriptors(o.pool.All())
	if len(alive) == 0 {
		log.Printf("[optimizer] %v", fmt.Errorf("%w: no healthy descriptors available for optimization", errs.ErrMeasurementFailure))
		return
	}

	o.tester.MeasureViaProxies(ctx, o.connector, alive)
	optimalCount := o.tester.OptimalCount(len(alive))

	sorted := make([]*descriptor.Descriptor, len(alive))
	copy(sorted, alive)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Latency() < sorted[j].Latency() })

	if optimalCount > len(sorted) {
		optimalCount = len(sorted)
	}
	active := sorted[:optimalCount]
	o.pool.SetActive(active)
	metrics.OptimizationCyclesTotal.Inc()

	log.Printf("[optimizer] active set now %d of %d healthy descriptors", len(active), len(alive))
}

// RunContinuous runs the bandwidth-driven measurement/event loop on its own
// cadence until Stop is called. It never mutates the pool's active set —
// only RunCoarsePass does that.
func (o *Optimizer) RunContinuous(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultContinuousInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		o.cycle(context.Background())
		select {
		case <-ticker.C:
		case <-o.stop:
			return
		}
	}
}

// Stop signals RunContinuous's loop to exit after its current cycle.
func (o *Optimizer) Stop() {
	close(o.stop)
}

func (o *Optimizer) cycle(ctx context.Context) {
	o.bus.Emit("cycle_start", nil)

	userMbps := o.tester.MeasureDirect(ctx)
	all := o.pool.All()
	proxyAvg := o.tester.MeasureViaProxies(ctx, o.connector, all)
	optimalCount := o.tester.OptimalCount(len(all))

	metrics.OptimizationCyclesTotal.Inc()
	o.bus.Emit("cycle_done", map[string]any{
		"user_bandwidth_mbps":      userMbps,
		"proxy_avg_bandwidth_mbps": proxyAvg,
		"optimal_proxy_count":      optimalCount,
		"total_proxies":            len(all),
	})
}

func aliveDescriptors(in []*descriptor.Descriptor) []*descriptor.Descriptor {
	out := make([]*descriptor.Descriptor, 0, len(in))
	for _, d := range in {
		if d.Alive() {
			out = append(out, d)
		}
	}
	return out
}
