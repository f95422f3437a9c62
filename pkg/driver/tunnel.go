package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/yolkispalkis/pacgate/pkg/common"
	"github.com/yolkispalkis/pacgate/pkg/pac"
)

const maxConnectAttempts = 2

// ProxyAuthenticator adds credentials to a CONNECT request after the proxy
// answered 407 with the given Proxy-Authenticate challenge.
type ProxyAuthenticator interface {
	AuthorizeProxy(req *http.Request, proxyHost, challenge string) error
}

// connectTunnel issues CONNECT target over conn. On 407 it retries once with
// credentials from d.Auth, redialing if the proxy closed the connection.
// conn is consumed: it is either returned as the tunnel or closed.
func (d *Dialer) connectTunnel(ctx context.Context, conn net.Conn, hop pac.Directive, target string) (net.Conn, error) {
	logCtx := slog.With("proxy", hop.String(), "target", target)

	var challenge string
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			conn.Close()
			return nil, err
		}
		if dl, ok := ctx.Deadline(); ok {
			conn.SetDeadline(dl)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodConnect, "http://"+target, nil)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create CONNECT request: %w", err)
		}
		req.Host = target
		req.Header.Set("User-Agent", d.UserAgent)
		req.Header.Set("Proxy-Connection", "Keep-Alive")

		if attempt > 1 {
			if err := d.Auth.AuthorizeProxy(req, hop.Host, challenge); err != nil {
				conn.Close()
				return nil, fmt.Errorf("%w: authentication required by %s: %v", ErrProxyRejected, hop.Address(), err)
			}
			logCtx.Debug("Retrying CONNECT with proxy credentials")
		}

		if err := req.Write(conn); err != nil {
			conn.Close()
			if common.IsConnectionClosedErr(err) && attempt > 1 {
				return nil, fmt.Errorf("proxy closed connection after auth attempt: %w", err)
			}
			return nil, fmt.Errorf("failed to write CONNECT request to proxy: %w", err)
		}

		br := bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to read CONNECT response from proxy: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			conn.SetDeadline(time.Time{})
			logCtx.Debug("CONNECT tunnel established")
			if br.Buffered() > 0 {
				return &bufferedConn{Conn: conn, r: br}, nil
			}
			return conn, nil

		case http.StatusProxyAuthRequired:
			challenge = resp.Header.Get("Proxy-Authenticate")
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			if attempt >= maxConnectAttempts || d.Auth == nil {
				conn.Close()
				return nil, fmt.Errorf("%w: %s requires authentication (%s)", ErrProxyRejected, hop.Address(), challenge)
			}
			logCtx.Info("Proxy requires authentication (407), retrying with credentials")
			if resp.Close {
				conn.Close()
				if conn, err = d.redial(ctx, hop); err != nil {
					return nil, err
				}
			}

		default:
			resp.Body.Close()
			conn.Close()
			return nil, fmt.Errorf("%w: %s answered %s", ErrProxyRejected, hop.Address(), resp.Status)
		}
	}

	conn.Close()
	return nil, errors.New("failed to establish CONNECT tunnel after all attempts")
}

// redial reopens the transport to hop, including TLS for HTTPS proxies.
func (d *Dialer) redial(ctx context.Context, hop pac.Directive) (net.Conn, error) {
	conn, err := d.dialProxy(ctx, hop)
	if err != nil {
		return nil, err
	}
	if hop.Kind == pac.KindHTTPS {
		return d.handshakeTLS(ctx, conn, hop)
	}
	return conn, nil
}

// bufferedConn drains bytes the response reader already pulled off the wire
// before reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}
	return c.Conn.Read(p)
}
