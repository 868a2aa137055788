// Package socksserver implements the local SOCKS4/4A/5/5H proxy clients
// connect to, replacing the teacher's HTTP CONNECT/forward-proxy
// internal/server with a byte-exact SOCKS state machine ported from
// original_source/multisocks/proxy/server.py. The accept-loop shape,
// per-connection goroutine, and bidirectional tunnel helper are kept from
// the teacher's server.go (io.Copy pair + half-close via CloseWrite).
package socksserver

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/drsoft-oss/multisocks/internal/errs"
	"github.com/drsoft-oss/multisocks/internal/pool"
	"github.com/drsoft-oss/multisocks/internal/upstream"
)

const (
	socksVersion5 = 0x05
	socksVersion4 = 0x04

	socks5AuthNone              = 0x00
	socks5AuthNoAcceptable      = 0xFF
	socks5CmdConnect            = 0x01
	socks5AtypIPv4              = 0x01
	socks5AtypDomain            = 0x03
	socks5AtypIPv6              = 0x04
	socks5RespSuccess           = 0x00
	socks5RespGeneralFailure    = 0x01
	socks5RespCommandNotSupported    = 0x07
	socks5RespAddressTypeUnsupported = 0x08

	socks4CmdConnect = 0x01
	socks4RespGrant  = 0x5A
	socks4RespReject = 0x5B
)

// pipeChunk is the buffer size used by the bidirectional tunnel, matching
// the original's 8192-byte read chunk.
const pipeChunk = 8192

// Config controls Server behavior.
type Config struct {
	// ListenAddr is the address the server binds to (e.g. "127.0.0.1:1080").
	ListenAddr string

	// DialTimeout bounds the dial-plus-handshake to the chosen upstream.
	DialTimeout time.Duration
}

// Server is the local SOCKS4/4A/5/5H proxy.
type Server struct {
	cfg       Config
	pool      *pool.Pool
	connector *upstream.Connector
	ln        net.Listener
}

// New creates a Server. Call Start to begin accepting connections.
func New(cfg Config, p *pool.Pool, c *upstream.Connector) *Server {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = upstream.HandshakeTimeout
	}
	return &Server{cfg: cfg, pool: p, connector: c}
}

// Start begins listening and serving. Blocks until the listener is closed.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp4", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	log.Printf("[socksserver] listening on %s", s.cfg.ListenAddr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Stop closes the listener.
func (s *Server) Stop() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(clientConn net.Conn) {
	defer clientConn.Close()

	br := bufio.NewReader(clientConn)
	versionByte, err := br.ReadByte()
	if err != nil {
		logClientProtocolError(fmt.Errorf("%w: read version byte: %v", errs.ErrClientProtocolError, err))
		return
	}

	var protoErr error
	switch versionByte {
	case socksVersion5:
		protoErr = s.handleSOCKS5(clientConn, br)
	case socksVersion4:
		protoErr = s.handleSOCKS4(clientConn, br)
	default:
		protoErr = fmt.Errorf("%w: unsupported SOCKS version 0x%02x", errs.ErrClientProtocolError, versionByte)
	}
	if protoErr != nil {
		logClientProtocolError(protoErr)
	}
}

// logClientProtocolError logs a malformed/unsupported client request. The
// connection has already been refused and closed by the caller; this never
// affects the pool, per spec.md §7's ClientProtocolError policy.
func logClientProtocolError(err error) {
	log.Printf("[socksserver] %v", err)
}

// -----------------------------------------------------------------------
// SOCKS5
// -----------------------------------------------------------------------

func (s *Server) handleSOCKS5(conn net.Conn, br *bufio.Reader) error {
	if err := s.socks5Auth(conn, br); err != nil {
		return err
	}

	destAddr, destPort, err := s.socks5Request(conn, br)
	if err != nil {
		return err
	}

	s.dispatch(conn, br, destAddr, destPort, s.writeSOCKS5Success, func(c net.Conn) {
		s.writeSOCKS5Error(c, socks5RespGeneralFailure)
	})
	return nil
}

func (s *Server) socks5Auth(conn net.Conn, br *bufio.Reader) error {
	numMethods, err := br.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: read method count: %v", errs.ErrClientProtocolError, err)
	}
	methods := make([]byte, numMethods)
	if _, err := io.ReadFull(br, methods); err != nil {
		return fmt.Errorf("%w: read auth methods: %v", errs.ErrClientProtocolError, err)
	}

	for _, m := range methods {
		if m == socks5AuthNone {
			conn.Write([]byte{socksVersion5, socks5AuthNone})
			return nil
		}
	}
	conn.Write([]byte{socksVersion5, socks5AuthNoAcceptable})
	return fmt.Errorf("%w: client offered no acceptable auth method (methods=%v)", errs.ErrClientProtocolError, methods)
}

func (s *Server) socks5Request(conn net.Conn, br *bufio.Reader) (string, int, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(br, header); err != nil {
		return "", 0, fmt.Errorf("%w: read request header: %v", errs.ErrClientProtocolError, err)
	}
	cmd, atyp := header[1], header[3]

	if cmd != socks5CmdConnect {
		s.writeSOCKS5Error(conn, socks5RespCommandNotSupported)
		return "", 0, fmt.Errorf("%w: unsupported command 0x%02x", errs.ErrClientProtocolError, cmd)
	}

	addr, port, err := readSOCKS5Address(br, atyp)
	if err != nil {
		s.writeSOCKS5Error(conn, socks5RespAddressTypeUnsupported)
		return "", 0, fmt.Errorf("%w: %v", errs.ErrClientProtocolError, err)
	}
	return addr, port, nil
}

func readSOCKS5Address(br *bufio.Reader, atyp byte) (string, int, error) {
	var addr string
	switch atyp {
	case socks5AtypIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(br, buf); err != nil {
			return "", 0, err
		}
		addr = net.IP(buf).String()
	case socks5AtypDomain:
		length, err := br.ReadByte()
		if err != nil {
			return "", 0, err
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(br, buf); err != nil {
			return "", 0, err
		}
		addr = string(buf)
	case socks5AtypIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(br, buf); err != nil {
			return "", 0, err
		}
		addr = net.IP(buf).String()
	default:
		return "", 0, fmt.Errorf("unsupported address type 0x%02x", atyp)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(br, portBuf); err != nil {
		return "", 0, err
	}
	return addr, int(binary.BigEndian.Uint16(portBuf)), nil
}

func (s *Server) writeSOCKS5Error(conn net.Conn, code byte) {
	reply := []byte{socksVersion5, code, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
	conn.Write(reply)
}

func (s *Server) writeSOCKS5Success(conn net.Conn) {
	reply := []byte{socksVersion5, socks5RespSuccess, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
	conn.Write(reply)
}

// -----------------------------------------------------------------------
// SOCKS4 / SOCKS4A
// -----------------------------------------------------------------------

func (s *Server) handleSOCKS4(conn net.Conn, br *bufio.Reader) error {
	header := make([]byte, 7)
	if _, err := io.ReadFull(br, header); err != nil {
		return fmt.Errorf("%w: read request header: %v", errs.ErrClientProtocolError, err)
	}
	cmd := header[0]
	destPort := int(header[1])<<8 | int(header[2])
	ip := header[3:7]

	if _, err := readNullTerminated(br); err != nil { // userid, discarded
		return fmt.Errorf("%w: read userid: %v", errs.ErrClientProtocolError, err)
	}

	destAddr := net.IP(ip).String()
	if ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0 {
		hostname, err := readNullTerminated(br)
		if err != nil {
			return fmt.Errorf("%w: read socks4a hostname: %v", errs.ErrClientProtocolError, err)
		}
		destAddr = string(hostname)
	}

	if cmd != socks4CmdConnect {
		s.writeSOCKS4(conn, socks4RespReject, destPort)
		return fmt.Errorf("%w: unsupported command 0x%02x", errs.ErrClientProtocolError, cmd)
	}

	s.dispatch(conn, br, destAddr, destPort,
		func(c net.Conn) { s.writeSOCKS4(c, socks4RespGrant, destPort) },
		func(c net.Conn) { s.writeSOCKS4(c, socks4RespReject, destPort) },
	)
	return nil
}

// readNullTerminated reads up to and including a NUL delimiter, returning
// the bytes before it (the delimiter itself is consumed, not returned).
func readNullTerminated(br *bufio.Reader) ([]byte, error) {
	raw, err := br.ReadBytes(0x00)
	if err != nil {
		return nil, err
	}
	return raw[:len(raw)-1], nil
}

func (s *Server) writeSOCKS4(conn net.Conn, code byte, port int) {
	reply := make([]byte, 8)
	reply[0] = 0x00
	reply[1] = code
	reply[2] = byte(port >> 8)
	reply[3] = byte(port)
	// reply[4:8] left as 0.0.0.0 — clients are not expected to use BIND info.
	conn.Write(reply)
}

// -----------------------------------------------------------------------
// Shared dispatch + tunnel
// -----------------------------------------------------------------------

// dispatch selects an upstream, connects, and on success writes onSuccess
// then pipes bytes; on failure it writes onFailure. Shared between the
// SOCKS4 and SOCKS5 handlers since only the reply framing differs.
func (s *Server) dispatch(conn net.Conn, br *bufio.Reader, destAddr string, destPort int, onSuccess, onFailure func(net.Conn)) {
	d, err := s.pool.Select(destAddr, destPort)
	if err != nil {
		// NoProxiesAvailable surfaces as an UpstreamConnectFailure to this
		// handler, per spec.md §7's policy table.
		log.Printf("[socksserver] %v", fmt.Errorf("%w: no upstream available for %s:%d: %v", errs.ErrUpstreamConnectFailure, destAddr, destPort, err))
		onFailure(conn)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	defer cancel()

	tunnel, err := s.connector.Connect(ctx, d, destAddr, destPort)
	if err != nil {
		log.Printf("[socksserver] %v", fmt.Errorf("%w: upstream %s failed to reach %s:%d: %v", errs.ErrUpstreamConnectFailure, d.String(), destAddr, destPort, err))
		onFailure(conn)
		return
	}
	defer tunnel.Close()

	onSuccess(conn)
	pipeBidirectional(conn, br, tunnel)
}

// pipeBidirectional copies bytes between the client connection and the
// upstream tunnel until either side finishes, mirroring the teacher's
// tunnel() helper (io.Copy pair + half-close via CloseWrite). br may still
// hold buffered client bytes read during the handshake, so it — not
// conn — is the read side for the client-to-upstream direction.
func pipeBidirectional(conn net.Conn, br *bufio.Reader, tunnel upstream.Tunnel) {
	done := make(chan struct{}, 2)

	go func() {
		_ = copyChunked(tunnel, br) // PipeIOError: silent close, see copyChunked
		if cw, ok := tunnel.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		_ = copyChunked(conn, tunnel) // PipeIOError: silent close, see copyChunked
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		done <- struct{}{}
	}()

	<-done
	// The first direction to finish ends the session: closing both ends
	// unblocks the other direction's pending read.
	conn.Close()
	tunnel.Close()
	<-done
}

// copyChunked copies src to dst in pipeChunk-sized reads, draining after
// each write. Any I/O failure (reset, broken pipe, a cancellation racing the
// sibling direction) is a PipeIOError; per spec.md §7 the policy is a
// silent close of both sides, so the wrapped error is returned for the
// caller to discard rather than logged.
func copyChunked(dst io.Writer, src io.Reader) error {
	buf := make([]byte, pipeChunk)
	// Wrapped so CopyBuffer cannot hand off to ReaderFrom/WriterTo and
	// bypass buf.
	if _, err := io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, buf); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPipeIOError, err)
	}
	return nil
}
