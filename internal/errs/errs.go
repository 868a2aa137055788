// Package errs defines the typed error kinds used across multisocks, per
// the error-handling policy table: each kind carries its own handling rule
// (report-and-exit, per-connection refusal reply, silent close, mark-failed
// and continue). Kinds are sentinel values wrapped with errors.Is-compatible
// context via fmt.Errorf("...: %w", ...), matching the teacher's plain
// wrapped-error style (no custom error framework is used anywhere in the
// example pack).
package errs

import "errors"

// ErrConfigInvalid indicates a startup configuration problem (bad proxy
// string, empty proxy list, unreadable file). Callers report to stderr and
// exit 1.
var ErrConfigInvalid = errors.New("invalid configuration")

// ErrClientProtocolError indicates the connecting client sent a malformed or
// unsupported SOCKS request (bad version, truncated request, unsupported
// auth/command/address type). The connection is closed with a
// protocol-appropriate refusal reply; the pool is not affected.
var ErrClientProtocolError = errors.New("client protocol error")

// ErrUpstreamConnectFailure indicates the chosen upstream proxy failed to
// establish or negotiate a tunnel (timeout, connection refused, handshake
// refusal). The descriptor is marked failed and the client connection is
// closed with a refusal reply. Not retried within the same connection.
var ErrUpstreamConnectFailure = errors.New("upstream connect failure")

// ErrPipeIOError indicates a mid-tunnel I/O failure (reset, broken pipe, a
// cancellation racing the other half). Both sides are closed silently.
var ErrPipeIOError = errors.New("tunnel pipe I/O error")

// ErrProbeFailure indicates a health probe failed to reach a descriptor.
// The descriptor is marked failed and the prober continues its loop.
var ErrProbeFailure = errors.New("health probe failure")

// ErrMeasurementFailure indicates a bandwidth measurement could not be
// completed. The current optimization cycle is skipped and the previous
// active set is preserved.
var ErrMeasurementFailure = errors.New("bandwidth measurement failure")

// ErrNoProxiesAvailable indicates the pool has no candidate descriptor to
// offer at all (surfaced to the current connection handler as an
// ErrUpstreamConnectFailure).
var ErrNoProxiesAvailable = errors.New("no proxies available")
