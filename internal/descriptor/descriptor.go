// Package descriptor models a single upstream SOCKS proxy: its immutable
// connection parameters plus the mutable health statistics gathered by the
// prober, the connector, and the optimizer.
package descriptor

import (
	"fmt"
	"sync"

	"github.com/drsoft-oss/multisocks/internal/metrics"
)

// Protocol identifies the SOCKS dialect spoken toward an upstream.
type Protocol string

const (
	SOCKS4  Protocol = "socks4"
	SOCKS4A Protocol = "socks4a"
	SOCKS5  Protocol = "socks5"
	SOCKS5H Protocol = "socks5h"
)

// Key is the identity of a descriptor: protocol, host, port, credentials,
// and weight. Two descriptors with equal keys are interchangeable. Mutable
// health fields (alive, fail count, latency) are deliberately excluded.
type Key struct {
	Protocol Protocol
	Host     string
	Port     int
	Username string
	Password string
	Weight   int
}

// Descriptor is one upstream proxy: an immutable Key plus mutable health
// state. All mutable-field access goes through the methods below, which
// serialize writes with a mutex — mirroring the per-proxy sync.RWMutex the
// teacher uses in its pool.Proxy type.
type Descriptor struct {
	Key

	mu        sync.Mutex
	alive     bool
	failCount int
	latency   float64 // seconds, EWMA
}

// New creates a descriptor with default health state (alive, zero fail
// count, zero latency). Weight defaults to 1 if zero or negative is passed.
func New(key Key) *Descriptor {
	if key.Weight <= 0 {
		key.Weight = 1
	}
	return &Descriptor{Key: key, alive: true}
}

// Alive reports whether the descriptor is currently considered healthy.
func (d *Descriptor) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive
}

// FailCount returns the current consecutive-failure count.
func (d *Descriptor) FailCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failCount
}

// Latency returns the current EWMA latency estimate, in seconds.
func (d *Descriptor) Latency() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.latency
}

// MarkFailed increments the fail count; at 3 or more consecutive failures
// the descriptor is marked dead.
func (d *Descriptor) MarkFailed() {
	d.mu.Lock()
	d.failCount++
	if d.failCount >= 3 {
		d.alive = false
	}
	alive := d.alive
	d.mu.Unlock()
	metrics.DescriptorAlive.WithLabelValues(d.ConnectionString()).Set(boolToFloat(alive))
}

// MarkSuccessful resets the fail count and marks the descriptor alive.
func (d *Descriptor) MarkSuccessful() {
	d.mu.Lock()
	d.failCount = 0
	d.alive = true
	d.mu.Unlock()
	metrics.DescriptorAlive.WithLabelValues(d.ConnectionString()).Set(1)
}

// UpdateLatency folds a new latency sample (seconds) into the EWMA. The
// first sample (from a zero baseline) is assigned directly; later samples
// are blended 0.7 old / 0.3 new. A stored value of exactly 0.0 is treated
// as "uninitialized" — a genuine zero-second sample would be replaced
// rather than averaged. This mirrors the original implementation's quirk
// and is preserved deliberately.
func (d *Descriptor) UpdateLatency(sample float64) {
	d.mu.Lock()
	if d.latency == 0.0 {
		d.latency = sample
	} else {
		d.latency = d.latency*0.7 + sample*0.3
	}
	latency := d.latency
	d.mu.Unlock()
	metrics.DescriptorLatencySeconds.WithLabelValues(d.ConnectionString()).Set(latency)
}

// ProtocolVersion returns the SOCKS wire version (4 or 5) for the
// descriptor's protocol, or an error for an unrecognized protocol.
func (d *Descriptor) ProtocolVersion() (int, error) {
	switch d.Protocol {
	case SOCKS4, SOCKS4A:
		return 4, nil
	case SOCKS5, SOCKS5H:
		return 5, nil
	default:
		return 0, fmt.Errorf("descriptor: unsupported protocol %q", d.Protocol)
	}
}

// ConnectionString renders the canonical protocol://[user[:pass]@]host:port
// form, omitting weight.
func (d *Descriptor) ConnectionString() string {
	auth := ""
	if d.Username != "" {
		if d.Password != "" {
			auth = fmt.Sprintf("%s:%s@", d.Username, d.Password)
		} else {
			auth = fmt.Sprintf("%s@", d.Username)
		}
	}
	return fmt.Sprintf("%s://%s%s:%d", d.Protocol, auth, d.Host, d.Port)
}

// String renders the same form as ConnectionString, with a trailing
// "/weight" suffix when the weight is not the default of 1.
func (d *Descriptor) String() string {
	s := d.ConnectionString()
	if d.Weight != 1 {
		s = fmt.Sprintf("%s/%d", s, d.Weight)
	}
	return s
}
