package driver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/yolkispalkis/pacgate/pkg/pac"
)

// Dialer is the default HopDialer. It speaks every directive kind: plain TCP
// for DIRECT, HTTP CONNECT for PROXY/HTTP, CONNECT over TLS for HTTPS, SOCKS4a
// for SOCKS/SOCKS4 and SOCKS5 through golang.org/x/net/proxy.
type Dialer struct {
	// Base dials every TCP connection, to origins and to proxies alike.
	Base *net.Dialer
	// TLSConfig is cloned for HTTPS proxies; ServerName defaults to the hop host.
	TLSConfig *tls.Config
	// Auth answers 407 challenges from HTTP proxies. Optional.
	Auth ProxyAuthenticator
	// UserAgent is sent on CONNECT requests.
	UserAgent string
	// SOCKSUserID is sent in SOCKS4 requests.
	SOCKSUserID string
}

// NewDialer returns a Dialer with sensible defaults.
func NewDialer(auth ProxyAuthenticator) *Dialer {
	return &Dialer{
		Base: &net.Dialer{
			KeepAlive: 30 * time.Second,
		},
		Auth:      auth,
		UserAgent: "pacgate",
	}
}

// DialHop implements HopDialer.
func (d *Dialer) DialHop(ctx context.Context, hop pac.Directive, target string) (net.Conn, error) {
	switch hop.Kind {
	case pac.KindDirect:
		return d.Base.DialContext(ctx, "tcp", target)

	case pac.KindProxy, pac.KindHTTP:
		conn, err := d.dialProxy(ctx, hop)
		if err != nil {
			return nil, err
		}
		return d.connectTunnel(ctx, conn, hop, target)

	case pac.KindHTTPS:
		conn, err := d.dialProxy(ctx, hop)
		if err != nil {
			return nil, err
		}
		tlsConn, err := d.handshakeTLS(ctx, conn, hop)
		if err != nil {
			return nil, err
		}
		return d.connectTunnel(ctx, tlsConn, hop, target)

	case pac.KindSOCKS, pac.KindSOCKS4:
		conn, err := d.dialProxy(ctx, hop)
		if err != nil {
			return nil, err
		}
		if err := socks4Connect(ctx, conn, target, d.SOCKSUserID); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil

	case pac.KindSOCKS5:
		dialer, err := proxy.SOCKS5("tcp", hop.Address(), nil, d.Base)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", hop.Address(), err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", hop.Address())
		}
		conn, err := contextDialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("SOCKS5 proxy %s: %w", hop.Address(), err)
		}
		return conn, nil

	default:
		return nil, fmt.Errorf("unsupported directive kind %s", hop.Kind)
	}
}

func (d *Dialer) dialProxy(ctx context.Context, hop pac.Directive) (net.Conn, error) {
	conn, err := d.Base.DialContext(ctx, "tcp", hop.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to dial proxy server %s: %w", hop.Address(), err)
	}
	return conn, nil
}

func (d *Dialer) handshakeTLS(ctx context.Context, conn net.Conn, hop pac.Directive) (net.Conn, error) {
	cfg := &tls.Config{}
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = hop.Host
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with proxy %s failed: %w", hop.Address(), err)
	}
	return tlsConn, nil
}
