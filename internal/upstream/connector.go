// Package upstream opens a tunneled TCP connection to a destination host
// through one upstream SOCKS proxy, speaking SOCKS4, SOCKS4A, SOCKS5, or
// SOCKS5H depending on the descriptor. This is the client side of the
// handshake the teacher's internal/upstream/dialer.go implements for HTTP
// and SOCKS5 upstreams; generalized here to all four SOCKS dialects and to
// the descriptor/health-tracking contract of this system.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/drsoft-oss/multisocks/internal/descriptor"
	"github.com/drsoft-oss/multisocks/internal/metrics"
)

// HandshakeTimeout bounds the entire dial-plus-SOCKS-negotiation sequence,
// per spec.md §4.2.
const HandshakeTimeout = 10 * time.Second

// ErrAddressTypeUnsupported is returned when a SOCKS4 upstream is asked to
// reach a destination that does not resolve to an IPv4 address.
var ErrAddressTypeUnsupported = errors.New("upstream: destination has no IPv4 address for SOCKS4")

// ErrUnsupportedProtocol is returned for a descriptor whose protocol is not
// one of the four recognized SOCKS dialects.
var ErrUnsupportedProtocol = errors.New("upstream: unsupported protocol")

// Tunnel is a bidirectional byte stream to the destination, obtained via an
// upstream proxy. Close is idempotent.
type Tunnel interface {
	net.Conn
}

// Connector opens tunnels through upstream proxies.
type Connector struct {
	// Resolver is used for local DNS resolution (SOCKS4, SOCKS5). Defaults
	// to net.DefaultResolver.
	Resolver *net.Resolver
}

// NewConnector creates a Connector with the default resolver.
func NewConnector() *Connector {
	return &Connector{Resolver: net.DefaultResolver}
}

func (c *Connector) resolver() *net.Resolver {
	if c.Resolver != nil {
		return c.Resolver
	}
	return net.DefaultResolver
}

// Connect opens a tunnel to destHost:destPort through d, recording the
// outcome on d: a successful handshake calls d.MarkSuccessful() followed by
// d.UpdateLatency(elapsed); any failure calls d.MarkFailed().
func (c *Connector) Connect(ctx context.Context, d *descriptor.Descriptor, destHost string, destPort int) (Tunnel, error) {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	start := time.Now()
	conn, err := c.dial(ctx, d, destHost, destPort)
	if err != nil {
		d.MarkFailed()
		metrics.TunnelFailuresTotal.WithLabelValues(string(d.Protocol)).Inc()
		return nil, err
	}
	elapsed := time.Since(start).Seconds()
	d.MarkSuccessful()
	d.UpdateLatency(elapsed)
	return newTunnel(conn), nil
}

func (c *Connector) dial(ctx context.Context, d *descriptor.Descriptor, destHost string, destPort int) (net.Conn, error) {
	switch d.Protocol {
	case descriptor.SOCKS5, descriptor.SOCKS5H:
		return c.dialSOCKS5(ctx, d, destHost, destPort)
	case descriptor.SOCKS4, descriptor.SOCKS4A:
		return c.dialSOCKS4(ctx, d, destHost, destPort)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, d.Protocol)
	}
}

// dialSOCKS5 handles both socks5 (local DNS) and socks5h (remote DNS). The
// Connector never offers upstream auth beyond "no authentication" — Auth is
// always nil regardless of any username/password carried on the
// descriptor, per spec.md §4.2.
func (c *Connector) dialSOCKS5(ctx context.Context, d *descriptor.Descriptor, destHost string, destPort int) (net.Conn, error) {
	target := destHost
	if d.Protocol == descriptor.SOCKS5 {
		resolved, err := c.resolveLiteral(ctx, destHost)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", destHost, err)
		}
		target = resolved
	}

	dialer, err := proxy.SOCKS5("tcp", net.JoinHostPort(d.Host, portString(d.Port)), nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("create socks5 dialer: %w", err)
	}

	type contextDialer interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	}
	addr := net.JoinHostPort(target, portString(destPort))
	if cd, ok := dialer.(contextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return dialer.Dial("tcp", addr)
}

func (c *Connector) resolveLiteral(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}
	addrs, err := c.resolver().LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses found for %s", host)
	}
	return addrs[0].IP.String(), nil
}

func portString(p int) string {
	return fmt.Sprintf("%d", p)
}

// tunnel wraps a net.Conn to make Close idempotent, mirroring the teacher's
// bufferedConn wrapper style in dialer.go.
type tunnel struct {
	net.Conn
	once sync.Once
	err  error
}

func newTunnel(c net.Conn) *tunnel {
	return &tunnel{Conn: c}
}

func (t *tunnel) Close() error {
	t.once.Do(func() { t.err = t.Conn.Close() })
	return t.err
}

// CloseWrite half-closes the write side when the underlying connection
// supports it (true for the *net.TCPConn every dial path here produces),
// letting callers signal EOF to the upstream without tearing down the read
// side, mirroring the teacher's *net.TCPConn.CloseWrite usage in its tunnel
// helper.
func (t *tunnel) CloseWrite() error {
	if cw, ok := t.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
