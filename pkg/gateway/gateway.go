package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yolkispalkis/pacgate/pkg/common"
	"github.com/yolkispalkis/pacgate/pkg/driver"
	"github.com/yolkispalkis/pacgate/pkg/pac"
)

const (
	DefaultMaxConnections = 512
	requestHeaderTimeout  = 30 * time.Second
)

// DefaultListenAddr is the loopback address the gateway binds by default.
var DefaultListenAddr = net.JoinHostPort(common.LocalListenAddr, strconv.Itoa(common.DefaultGatewayPort))

// Router connects to the origin of a URL through whatever proxy chain
// applies to it. *manager.Manager implements it.
type Router interface {
	Connect(ctx context.Context, rawURL string) (*driver.Result, error)
}

// Options configures a Gateway.
type Options struct {
	ListenAddr     string // empty uses DefaultListenAddr
	MaxConnections int64  // <= 0 uses DefaultMaxConnections
}

// Gateway is a local explicit HTTP proxy. CONNECT requests are tunnelled and
// absolute-URI http requests are forwarded, both over connections obtained
// from the Router.
type Gateway struct {
	router    Router
	address   string
	semaphore *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener

	wg     sync.WaitGroup
	active atomic.Int64
}

// New creates a Gateway. Call Start, then Serve.
func New(router Router, opts Options) *Gateway {
	addr := opts.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	limit := opts.MaxConnections
	if limit <= 0 {
		limit = DefaultMaxConnections
	}
	return &Gateway{
		router:    router,
		address:   addr,
		semaphore: semaphore.NewWeighted(limit),
	}
}

// Start binds the listener.
func (g *Gateway) Start() error {
	listener, err := net.Listen("tcp", g.address)
	if err != nil {
		return fmt.Errorf("failed to start gateway listener on %s: %w", g.address, err)
	}
	g.mu.Lock()
	g.listener = listener
	g.mu.Unlock()
	slog.Info("Started gateway listener", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound address, nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener != nil {
		return g.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of connections being handled.
func (g *Gateway) ActiveConnections() int64 {
	return g.active.Load()
}

// Serve accepts connections until ctx is done or the listener is closed,
// then waits for in-flight connections to finish.
func (g *Gateway) Serve(ctx context.Context) error {
	g.mu.Lock()
	listener := g.listener
	g.mu.Unlock()
	if listener == nil {
		return errors.New("gateway not started")
	}

	stop := context.AfterFunc(ctx, func() { g.Close() })
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				slog.Info("Gateway listener stopped, waiting for active connections", "active", g.ActiveConnections())
				g.wg.Wait()
				return nil
			}
			if common.IsTimeoutError(err) {
				continue
			}
			return fmt.Errorf("gateway accept failed: %w", err)
		}
		g.handle(ctx, conn)
	}
}

// Close stops the listener. Active connections are not interrupted.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	slog.Info("Closing gateway listener", "address", g.address)
	err := g.listener.Close()
	g.listener = nil
	return err
}

func (g *Gateway) handle(ctx context.Context, conn net.Conn) {
	if !g.semaphore.TryAcquire(1) {
		slog.Warn("Too many concurrent connections, rejecting new client", "remote_addr", conn.RemoteAddr().String())
		writeStatus(conn, http.StatusServiceUnavailable, "too many connections")
		conn.Close()
		return
	}
	g.wg.Add(1)
	g.active.Add(1)

	go func() {
		defer g.semaphore.Release(1)
		defer g.active.Add(-1)
		defer g.wg.Done()
		defer conn.Close()

		logCtx := slog.With("remote_addr", conn.RemoteAddr().String())
		logCtx.Debug("Handling new client connection")
		g.serveConn(ctx, conn, logCtx)
		logCtx.Debug("Client connection finished")
	}()
}

func (g *Gateway) serveConn(ctx context.Context, conn net.Conn, logCtx *slog.Logger) {
	br := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(requestHeaderTimeout))
	req, err := http.ReadRequest(br)
	if err != nil {
		if !errors.Is(err, io.EOF) && !common.IsConnectionClosedErr(err) {
			logCtx.Warn("Failed to read client request", "error", err)
			writeStatus(conn, http.StatusBadRequest, "malformed request")
		}
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch {
	case req.Method == http.MethodConnect:
		g.serveConnect(ctx, conn, br, req, logCtx)
	case req.URL.IsAbs() && strings.EqualFold(req.URL.Scheme, "http"):
		g.serveForward(ctx, conn, req, logCtx)
	case req.URL.IsAbs():
		writeStatus(conn, http.StatusNotImplemented, "only http URLs can be forwarded; use CONNECT")
	default:
		writeStatus(conn, http.StatusBadRequest, "request target must be an absolute URI or CONNECT authority")
	}
}

func (g *Gateway) serveConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, logCtx *slog.Logger) {
	target := req.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(strings.Trim(target, "[]"), "443")
	}
	logCtx = logCtx.With("method", req.Method, "target", target)

	result, err := g.router.Connect(ctx, "https://"+target+"/")
	if err != nil {
		logCtx.Error("Failed to connect to target", "error", err)
		writeStatus(conn, statusFor(err), err.Error())
		return
	}
	upstream := result.Conn
	logCtx = logCtx.With("via", result.Via.String())
	logCtx.Info("Tunnel established")

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\n"); err != nil {
		upstream.Close()
		return
	}
	if n := br.Buffered(); n > 0 {
		early, _ := br.Peek(n)
		if _, err := upstream.Write(early); err != nil {
			upstream.Close()
			return
		}
	}

	g.finishRelay(ctx, conn, upstream, logCtx)
}

func (g *Gateway) serveForward(ctx context.Context, conn net.Conn, req *http.Request, logCtx *slog.Logger) {
	logCtx = logCtx.With("method", req.Method, "url", req.URL.String())

	result, err := g.router.Connect(ctx, req.URL.String())
	if err != nil {
		logCtx.Error("Failed to connect to origin", "error", err)
		writeStatus(conn, statusFor(err), err.Error())
		return
	}
	upstream := result.Conn
	logCtx = logCtx.With("via", result.Via.String())
	logCtx.Info("Forwarding request")

	removeHopHeaders(req.Header)
	req.Close = true
	req.RequestURI = ""
	if err := req.Write(upstream); err != nil {
		logCtx.Warn("Failed to forward request", "error", err)
		upstream.Close()
		writeStatus(conn, http.StatusBadGateway, "failed to forward request")
		return
	}

	g.finishRelay(ctx, conn, upstream, logCtx)
}

func (g *Gateway) finishRelay(ctx context.Context, conn, upstream net.Conn, logCtx *slog.Logger) {
	if err := relay(ctx, conn, upstream); !isBenignRelayErr(err) {
		logCtx.Warn("Error during data relay", "error", err)
	}
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func statusFor(err error) int {
	var exhausted *driver.ExhaustedError
	switch {
	case errors.Is(err, pac.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.As(err, &exhausted) && allTimedOut(exhausted):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func allTimedOut(e *driver.ExhaustedError) bool {
	if len(e.Failures) == 0 {
		return false
	}
	for _, f := range e.Failures {
		if f.Reason != driver.ReasonTimeout {
			return false
		}
	}
	return true
}

func writeStatus(w io.Writer, code int, msg string) {
	msg = strings.ReplaceAll(msg, "\r\n", " ") + "\n"
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(msg), msg)
}
