// Package bandwidth measures direct and via-proxy download throughput and
// derives how many upstream proxies are needed to saturate the user's own
// connection. Ported from original_source/multisocks/bandwidth.py's
// BandwidthTester, using net/http.Client with a Connector-backed
// Transport.DialContext in place of aiohttp + aiohttp_socks: the same
// pattern the teacher's internal/upstream/dialer.go uses to let
// http.Transport handle TLS transparently over a tunneled connection.
package bandwidth

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/drsoft-oss/multisocks/internal/descriptor"
	"github.com/drsoft-oss/multisocks/internal/events"
	"github.com/drsoft-oss/multisocks/internal/metrics"
	"github.com/drsoft-oss/multisocks/internal/upstream"
)

// TestURLs are large files hosted by various CDNs, used as bandwidth-test
// payloads. Mirrors bandwidth.py's TEST_URLS.
var TestURLs = []string{
	"https://speed.cloudflare.com/100mb.bin",
	"https://proof.ovh.net/files/100Mb.dat",
	"https://speedtest.tele2.net/100MB.zip",
}

// TestDuration bounds how long a single speed sample reads for.
const TestDuration = 5 * time.Second

// hardTimeout is the outer bound on a whole measurement including connect
// and TLS handshake overhead, per spec.md §8 (5s read / 7s hard timeout).
const hardTimeout = 7 * time.Second

// readChunk is the buffer size used while sampling throughput.
const readChunk = 1024 * 1024

// maxProxiesSampled caps how many candidates MeasureViaProxies tests.
const maxProxiesSampled = 5

// fallbackProxyMbps is assumed when every proxy sample fails or none exist.
const fallbackProxyMbps = 5.0

// Tester measures bandwidth and derives an optimal active-proxy count.
type Tester struct {
	MaxProxies int
	Bus        *events.Bus

	UserBandwidthMbps      float64
	ProxyAvgBandwidthMbps  float64
	OptimalProxyCount      int

	httpClient func() *http.Client
	pick       func() string
}

// New creates a Tester. maxProxies bounds OptimalCount regardless of
// measured bandwidth.
func New(maxProxies int, bus *events.Bus) *Tester {
	if maxProxies <= 0 {
		maxProxies = 100
	}
	return &Tester{
		MaxProxies:        maxProxies,
		Bus:               bus,
		OptimalProxyCount: 1,
		httpClient:        func() *http.Client { return &http.Client{Timeout: hardTimeout} },
		pick:              pickTestURL,
	}
}

func pickTestURL() string {
	return TestURLs[int(time.Now().UnixNano())%len(TestURLs)]
}

// SetTestURLPicker overrides which URL MeasureDirect/MeasureViaProxies
// sample from. Exposed for tests in other packages that need a
// deterministic, local test server in place of the real CDN URLs.
func (t *Tester) SetTestURLPicker(fn func() string) {
	t.pick = fn
}

// MeasureDirect downloads from a CDN test URL directly (no proxy) for up to
// TestDuration and returns the observed throughput in Mbps.
func (t *Tester) MeasureDirect(ctx context.Context) float64 {
	url := t.pick()
	t.Bus.Emit("start_user_bandwidth_test", map[string]any{"url": url})

	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	mbps := t.sample(ctx, t.httpClient(), url, func(total int, elapsed time.Duration) {
		t.Bus.Emit("user_bandwidth_progress", map[string]any{
			"bytes": total, "elapsed": elapsed.Seconds(),
		})
	})

	t.UserBandwidthMbps = mbps
	metrics.UserBandwidthMbps.Set(mbps)
	t.Bus.Emit("user_bandwidth_done", map[string]any{"mbps": mbps})
	return mbps
}

// MeasureViaProxies measures throughput through up to the first 5
// candidates, returning the mean of the nonzero samples (or
// fallbackProxyMbps if every sample failed or no candidates were given).
func (t *Tester) MeasureViaProxies(ctx context.Context, conn *upstream.Connector, candidates []*descriptor.Descriptor) float64 {
	n := len(candidates)
	if n > maxProxiesSampled {
		n = maxProxiesSampled
	}
	url := t.pick()

	var speeds []float64
	for idx := 0; idx < n; idx++ {
		d := candidates[idx]
		speed := t.sampleViaProxy(ctx, conn, d, url, idx)
		speeds = append(speeds, speed)
		t.Bus.Emit("proxy_bandwidth_done", map[string]any{
			"proxy": d.String(), "mbps": speed, "idx": idx,
		})
	}

	avg := fallbackProxyMbps
	if sum, count := 0.0, 0; true {
		for _, s := range speeds {
			if s > 0 {
				sum += s
				count++
			}
		}
		if count > 0 {
			avg = sum / float64(count)
		}
	}

	t.ProxyAvgBandwidthMbps = avg
	metrics.ProxyAvgBandwidthMbps.Set(avg)
	t.Bus.Emit("proxy_bandwidth_avg", map[string]any{"mbps": avg})
	return avg
}

func (t *Tester) sampleViaProxy(ctx context.Context, conn *upstream.Connector, d *descriptor.Descriptor, url string, idx int) float64 {
	ctx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	client := &http.Client{
		Timeout: hardTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, portStr, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				port := 0
				fmt.Sscanf(portStr, "%d", &port)
				return conn.Connect(ctx, d, host, port)
			},
		},
	}

	return t.sample(ctx, client, url, func(total int, elapsed time.Duration) {
		t.Bus.Emit("proxy_bandwidth_progress", map[string]any{
			"proxy": d.String(), "bytes": total, "idx": idx,
		})
	})
}

// sample performs a single GET against url, reading for up to TestDuration
// and returning observed Mbps. A failed request yields 0; a read error or
// timeout once the body is streaming ends the sample, and the bytes read so
// far still count.
func (t *Tester) sample(ctx context.Context, client *http.Client, url string, onProgress func(total int, elapsed time.Duration)) float64 {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()

	start := time.Now()
	deadline := start.Add(TestDuration)
	total := 0
	buf := make([]byte, readChunk)

	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		total += n
		if n > 0 && onProgress != nil {
			onProgress(total, time.Since(start))
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			break
		}
	}

	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return (float64(total) * 8) / (elapsed * 1000 * 1000)
}

// OptimalCount derives how many proxies should be active to saturate the
// user's own connection, with a 20% headroom allowance, clamped to
// [1, MaxProxies, len(available)]. Mirrors
// calculate_optimal_proxy_count's "default to all available" branch when
// either bandwidth measurement is non-positive.
func (t *Tester) OptimalCount(available int) int {
	if t.UserBandwidthMbps <= 0 || t.ProxyAvgBandwidthMbps <= 0 {
		if available < t.MaxProxies {
			t.OptimalProxyCount = available
		} else {
			t.OptimalProxyCount = t.MaxProxies
		}
		if t.OptimalProxyCount < 1 && available > 0 {
			t.OptimalProxyCount = 1
		}
		return t.OptimalProxyCount
	}

	needed := int((t.UserBandwidthMbps * 1.2) / t.ProxyAvgBandwidthMbps)

	count := needed
	if count > t.MaxProxies {
		count = t.MaxProxies
	}
	if count > available {
		count = available
	}
	if count < 1 {
		count = 1
	}

	t.OptimalProxyCount = count
	return count
}
