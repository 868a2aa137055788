// Package health performs background liveness probing of every descriptor
// known to the pool, adapted from the teacher's internal/monitor ticker
// loop and bounded-concurrency pattern (semaphore channel + sync.WaitGroup).
//
// Unlike the teacher's monitor, which probes by fetching an HTTP URl through
// the proxy, the Prober dials a fixed external target (1.1.1.1:53) directly
// through the upstream Connector: outcome bookkeeping (MarkSuccessful /
// UpdateLatency / MarkFailed) is handled entirely inside Connector.Connect,
// so a probe is just a dial-and-close.
package health

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/drsoft-oss/multisocks/internal/descriptor"
	"github.com/drsoft-oss/multisocks/internal/errs"
	"github.com/drsoft-oss/multisocks/internal/pool"
	"github.com/drsoft-oss/multisocks/internal/upstream"
)

const (
	// DefaultInterval is the cadence of a full-pool liveness pass.
	DefaultInterval = 30 * time.Second

	// ProbeTimeout bounds a single descriptor's probe.
	ProbeTimeout = 5 * time.Second

	// DefaultConcurrency caps how many descriptors are probed in parallel.
	DefaultConcurrency = 20

	// probeTargetHost:probeTargetPort is the fixed external target every
	// probe dials.
	probeTargetHost = "1.1.1.1"
	probeTargetPort = 53

	// optimizeEveryNTicks makes the coarse optimization pass run on every
	// 20th tick when auto-optimize is enabled (20 * 30s = 600s).
	optimizeEveryNTicks = 20
)

// Optimizer is the subset of the optimizer's behavior the Prober can drive
// on its coarse cadence. Kept as a narrow interface so internal/health does
// not import internal/optimizer directly.
type Optimizer interface {
	RunCoarsePass(ctx context.Context)
}

// Config controls Prober behavior.
type Config struct {
	Interval      time.Duration
	Concurrency   int
	AutoOptimize  bool
	OptimizeEvery int // ticks between coarse optimization passes; 0 = optimizeEveryNTicks
}

// Prober periodically probes every descriptor in the pool for liveness.
type Prober struct {
	pool      *pool.Pool
	connector *upstream.Connector
	optimizer Optimizer
	cfg       Config

	stop chan struct{}
	wg   sync.WaitGroup
	tick int
}

// New creates a Prober. Call Start to begin background probing.
// optimizer may be nil when auto-optimize is disabled.
func New(p *pool.Pool, c *upstream.Connector, optimizer Optimizer, cfg Config) *Prober {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.OptimizeEvery == 0 {
		cfg.OptimizeEvery = optimizeEveryNTicks
	}
	return &Prober{pool: p, connector: c, optimizer: optimizer, cfg: cfg, stop: make(chan struct{})}
}

// Start launches the background probing goroutine.
func (pr *Prober) Start() {
	pr.wg.Add(1)
	go pr.loop()
}

// Stop shuts down the Prober and waits for the goroutine to exit.
func (pr *Prober) Stop() {
	close(pr.stop)
	pr.wg.Wait()
}

// RunOnce performs a single liveness pass over every known descriptor.
// Safe to call directly, e.g. once at startup before serving traffic.
func (pr *Prober) RunOnce(ctx context.Context) {
	all := pr.pool.All()

	sem := make(chan struct{}, pr.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, d := range all {
		wg.Add(1)
		sem <- struct{}{}
		go func(d *descriptor.Descriptor) {
			defer wg.Done()
			defer func() { <-sem }()
			pr.probe(ctx, d)
		}(d)
	}
	wg.Wait()

	log.Printf("[health] probe pass done: %d/%d alive", pr.pool.AliveLen(), pr.pool.Len())
}

func (pr *Prober) probe(parent context.Context, d *descriptor.Descriptor) {
	ctx, cancel := context.WithTimeout(parent, ProbeTimeout)
	defer cancel()

	wasAlive := d.Alive()
	conn, err := pr.connector.Connect(ctx, d, probeTargetHost, probeTargetPort)
	if err != nil {
		// The descriptor is already marked failed inside Connect; this
		// just classifies and (when newly dead) logs the outcome, per
		// spec.md §7's ProbeFailure policy.
		probeErr := fmt.Errorf("%w: %s: %v", errs.ErrProbeFailure, d.String(), err)
		if wasAlive && !d.Alive() {
			log.Printf("[health] descriptor went DEAD %v", probeErr)
		}
		return
	}
	conn.Close()
	if !wasAlive && d.Alive() {
		log.Printf("[health] descriptor RECOVERED %s (latency=%.3fs)", d.String(), d.Latency())
	}
}

func (pr *Prober) loop() {
	defer pr.wg.Done()
	ticker := time.NewTicker(pr.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pr.cfg.Interval)
			pr.RunOnce(ctx)
			pr.tick++
			if pr.cfg.AutoOptimize && pr.optimizer != nil && pr.tick%pr.cfg.OptimizeEvery == 0 {
				pr.optimizer.RunCoarsePass(ctx)
			}
			cancel()
		case <-pr.stop:
			return
		}
	}
}
