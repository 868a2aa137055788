// Package pool holds the full and active sets of upstream proxy
// descriptors and serves weighted selection with layered fallback.
//
// Two ordered sequences share a common universe of descriptors:
//
//   - All: the full configured set, constant in membership for process
//     lifetime.
//   - Active: a subset of All, rewritten only by the optimizer. Rewrites
//     replace the slice reference wholesale (never mutate in place) so
//     that a concurrent Select sees either the old or the new set, never a
//     partially-updated one.
package pool

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/drsoft-oss/multisocks/internal/descriptor"
	"github.com/drsoft-oss/multisocks/internal/errs"
	"github.com/drsoft-oss/multisocks/internal/metrics"
)

// ErrNoProxies is returned by Select when neither the active nor the full
// set yields a single candidate. Alias of errs.ErrNoProxiesAvailable so
// callers across packages can test with a single sentinel via errors.Is.
var ErrNoProxies = errs.ErrNoProxiesAvailable

// WarnFunc receives a human-readable warning when selection falls back past
// the first (healthiest) tier. A nil WarnFunc is a valid no-op.
type WarnFunc func(msg string)

// Pool owns the descriptor set and the active/all indices. Selection and
// SetActive are serialized against each other by mu.
type Pool struct {
	mu     sync.Mutex
	all    []*descriptor.Descriptor
	active []*descriptor.Descriptor
	index  int

	Warn WarnFunc
}

// New creates a Pool from the full configured descriptor list. The active
// set initially equals the full set. at least one descriptor is required.
func New(all []*descriptor.Descriptor) (*Pool, error) {
	if len(all) == 0 {
		return nil, fmt.Errorf("%w: pool: at least one proxy must be provided", errs.ErrConfigInvalid)
	}
	cp := make([]*descriptor.Descriptor, len(all))
	copy(cp, all)
	metrics.ActiveProxies.Set(float64(len(cp)))
	return &Pool{
		all:    cp,
		active: cp,
	}, nil
}

// All returns a snapshot of the full descriptor set.
func (p *Pool) All() []*descriptor.Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*descriptor.Descriptor, len(p.all))
	copy(out, p.all)
	return out
}

// Active returns a snapshot of the current active set.
func (p *Pool) Active() []*descriptor.Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*descriptor.Descriptor, len(p.active))
	copy(out, p.active)
	return out
}

// SetActive atomically replaces the active set with subset. The slice
// itself is copied so the caller can't mutate the pool's internals through
// their own reference afterward.
func (p *Pool) SetActive(subset []*descriptor.Descriptor) {
	cp := make([]*descriptor.Descriptor, len(subset))
	copy(cp, subset)
	p.mu.Lock()
	p.active = cp
	p.index = 0
	p.mu.Unlock()
	metrics.ActiveProxies.Set(float64(len(cp)))
}

func (p *Pool) warn(msg string) {
	if p.Warn != nil {
		p.Warn(msg)
	}
}

// Select picks one descriptor for a new connection to destHost:destPort,
// following the four-tier fallback documented in spec.md §4.3:
//
//  1. active descriptors with Alive() == true
//  2. all descriptors with Alive() == true
//  3. all of active
//  4. all of all
//
// Tiers 2-4 emit a warning. Within the chosen tier, selection is weighted
// random (falling back to round-robin when every weight is zero).
func (p *Pool) Select(destHost string, destPort int) (*descriptor.Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates, tier := p.candidatesLocked()
	if candidates == nil {
		return nil, ErrNoProxies
	}
	if tier > 1 {
		p.warn("proxy pool: falling back to tier " + tierName(tier))
	}
	metrics.SelectionsTotal.WithLabelValues(fmt.Sprintf("%d", tier)).Inc()

	return p.pickLocked(candidates), nil
}

func (p *Pool) candidatesLocked() ([]*descriptor.Descriptor, int) {
	if c := aliveOf(p.active); len(c) > 0 {
		return c, 1
	}
	if c := aliveOf(p.all); len(c) > 0 {
		return c, 2
	}
	if len(p.active) > 0 {
		return p.active, 3
	}
	if len(p.all) > 0 {
		return p.all, 4
	}
	return nil, 0
}

func tierName(tier int) string {
	switch tier {
	case 2:
		return "2 (all alive)"
	case 3:
		return "3 (active, any health)"
	case 4:
		return "4 (all, any health)"
	default:
		return "unknown"
	}
}

func aliveOf(in []*descriptor.Descriptor) []*descriptor.Descriptor {
	var out []*descriptor.Descriptor
	for _, d := range in {
		if d.Alive() {
			out = append(out, d)
		}
	}
	return out
}

// pickLocked performs weighted random selection over candidates, with a
// round-robin fallback when every weight is zero. Must be called with mu
// held.
func (p *Pool) pickLocked(candidates []*descriptor.Descriptor) *descriptor.Descriptor {
	total := 0
	for _, d := range candidates {
		total += d.Weight
	}
	if total == 0 {
		selected := candidates[p.index%len(candidates)]
		p.index = (p.index + 1) % len(candidates)
		return selected
	}

	r := rand.IntN(total) + 1 // uniform in [1, total]
	for _, d := range candidates {
		r -= d.Weight
		if r <= 0 {
			return d
		}
	}
	// Unreachable in practice: weights sum to total, so the loop above
	// always returns before exhausting candidates.
	return candidates[len(candidates)-1]
}

// RecordSuccess forwards a successful outcome to the descriptor's health
// state: fail count zeroed, marked alive, and the latency sample folded
// into its EWMA.
func (p *Pool) RecordSuccess(d *descriptor.Descriptor, latencySample float64) {
	d.MarkSuccessful()
	d.UpdateLatency(latencySample)
}

// RecordFailure forwards a failed outcome to the descriptor's health state.
func (p *Pool) RecordFailure(d *descriptor.Descriptor) {
	d.MarkFailed()
}

// Len returns the number of descriptors in the full set.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

// AliveLen returns the number of descriptors in the full set currently
// marked alive.
func (p *Pool) AliveLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, d := range p.all {
		if d.Alive() {
			n++
		}
	}
	return n
}
