package upstream

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/drsoft-oss/multisocks/internal/descriptor"
)

const (
	socks4Version    = 0x04
	socks4CmdConnect = 0x01
	socks4ReplyGrant = 0x5A

	// socks4aSentinelOctet is the non-zero fourth octet of the SOCKS4A
	// sentinel address 0.0.0.x, signaling the proxy to expect a hostname
	// after the userid field.
	socks4aSentinelOctet = 0x01
)

// dialSOCKS4 implements the SOCKS4 and SOCKS4A client handshake by hand:
// golang.org/x/net/proxy has no SOCKS4 support. Wire format grounded
// against other_examples' 33TU-socks socks4 client/server test vectors.
//
//	request:  VN(1)=4 CD(1)=1 DSTPORT(2,be) DSTIP(4) USERID\0 [DSTHOST\0]
//	response: VN(1)=0 CD(1) DSTPORT(2) DSTIP(4)
func (c *Connector) dialSOCKS4(ctx context.Context, d *descriptor.Descriptor, destHost string, destPort int) (net.Conn, error) {
	var ip [4]byte
	var hostname string

	if d.Protocol == descriptor.SOCKS4A {
		ip = [4]byte{0, 0, 0, socks4aSentinelOctet}
		hostname = destHost
	} else {
		resolved, err := c.resolver().LookupIP(ctx, "ip4", destHost)
		if err != nil || len(resolved) == 0 {
			return nil, ErrAddressTypeUnsupported
		}
		v4 := resolved[0].To4()
		if v4 == nil {
			return nil, ErrAddressTypeUnsupported
		}
		copy(ip[:], v4)
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(d.Host, portString(d.Port)))
	if err != nil {
		return nil, fmt.Errorf("dial socks4 proxy %s:%d: %w", d.Host, d.Port, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := make([]byte, 0, 9+len(d.Username)+1+len(hostname)+1)
	req = append(req, socks4Version, socks4CmdConnect, byte(destPort>>8), byte(destPort))
	req = append(req, ip[:]...)
	req = append(req, []byte(d.Username)...)
	req = append(req, 0x00)
	if hostname != "" {
		req = append(req, []byte(hostname)...)
		req = append(req, 0x00)
	}

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write socks4 request: %w", err)
	}

	reply := make([]byte, 8)
	if _, err := readFull(conn, reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read socks4 reply: %w", err)
	}
	if reply[1] != socks4ReplyGrant {
		conn.Close()
		return nil, fmt.Errorf("socks4 proxy rejected request: code 0x%02x", reply[1])
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
