package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"time"
)

const (
	socks4Version        byte = 4
	socks4CommandConnect byte = 1

	socks4ReplyGranted          byte = 90
	socks4ReplyRejected         byte = 91
	socks4ReplyNoIdentd         byte = 92
	socks4ReplyIdentdMismatched byte = 93
)

// socks4Connect performs a SOCKS4 CONNECT over conn. Hostname targets use the
// SOCKS4a extension so the proxy resolves the name; IPv6 targets cannot be
// expressed and are refused locally.
func socks4Connect(ctx context.Context, conn net.Conn, target string, userID string) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("invalid SOCKS4 target %q: %w", target, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return fmt.Errorf("invalid SOCKS4 target port %q: %w", portStr, err)
	}

	req := []byte{socks4Version, socks4CommandConnect, 0, 0}
	binary.BigEndian.PutUint16(req[2:], uint16(port))
	var hostname string
	if addr, err := netip.ParseAddr(host); err == nil {
		if !addr.Unmap().Is4() {
			return fmt.Errorf("SOCKS4 cannot carry IPv6 target %s", host)
		}
		ip := addr.Unmap().As4()
		req = append(req, ip[:]...)
	} else {
		// 0.0.0.x with x != 0 announces a SOCKS4a hostname.
		req = append(req, 0, 0, 0, 1)
		hostname = host
	}
	req = append(req, userID...)
	req = append(req, 0)
	if hostname != "" {
		req = append(req, hostname...)
		req = append(req, 0)
	}

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("failed to write SOCKS4 request: %w", err)
	}
	var reply [8]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return fmt.Errorf("failed to read SOCKS4 reply: %w", err)
	}
	// Servers disagree on the reply version byte; both 0 and 4 are seen.
	if reply[0] != 0 && reply[0] != socks4Version {
		return fmt.Errorf("unexpected SOCKS4 reply version %d", reply[0])
	}
	switch reply[1] {
	case socks4ReplyGranted:
		return nil
	case socks4ReplyRejected:
		return fmt.Errorf("%w: SOCKS4 request rejected or failed", ErrProxyRejected)
	case socks4ReplyNoIdentd, socks4ReplyIdentdMismatched:
		return fmt.Errorf("%w: SOCKS4 identd check failed (code %d)", ErrProxyRejected, reply[1])
	default:
		return errors.New("unknown SOCKS4 reply code " + strconv.Itoa(int(reply[1])))
	}
}
