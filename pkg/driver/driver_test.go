package driver_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/pacgate/pkg/driver"
	"github.com/yolkispalkis/pacgate/pkg/pac"
)

// scriptedDialer fails every hop listed in failures and connects the rest
// through an in-memory pipe.
type scriptedDialer struct {
	failures map[string]error
	onDial   func(hop pac.Directive)

	mu    sync.Mutex
	tried []string
}

func (s *scriptedDialer) DialHop(ctx context.Context, hop pac.Directive, target string) (net.Conn, error) {
	s.mu.Lock()
	s.tried = append(s.tried, hop.String())
	s.mu.Unlock()
	if s.onDial != nil {
		s.onDial(hop)
	}
	if err, ok := s.failures[hop.String()]; ok {
		if err == nil {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, err
	}
	client, server := net.Pipe()
	server.Close()
	return client, nil
}

func (s *scriptedDialer) triedHops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tried...)
}

func TestConnectFallsBackToNextHop(t *testing.T) {
	t.Parallel()
	dialer := &scriptedDialer{failures: map[string]error{
		"PROXY p1:8080": fmt.Errorf("dial: %w", driver.ErrProxyRejected),
	}}
	d := driver.New(driver.Options{Dialer: dialer})

	chain := pac.MustParseDirectives("PROXY p1:8080; PROXY p2:8080; DIRECT")
	result, err := d.Connect(context.Background(), chain, "example.com:443")
	require.NoError(t, err)
	defer result.Conn.Close()

	require.Equal(t, chain[1], result.Via)
	require.Equal(t, chain[:2], result.Attempted)
	require.Equal(t, []string{"PROXY p1:8080", "PROXY p2:8080"}, dialer.triedHops())
}

func TestConnectExhausted(t *testing.T) {
	t.Parallel()
	dialer := &scriptedDialer{failures: map[string]error{
		"PROXY p1:8080": driver.ErrProxyRejected,
		"SOCKS5 s:1080": &net.DNSError{Err: "no such host", Name: "s"},
		"DIRECT":        nil, // blocks until the hop timeout fires
	}}
	d := driver.New(driver.Options{Dialer: dialer, ConnectTimeout: 50 * time.Millisecond})

	chain := pac.MustParseDirectives("PROXY p1:8080; SOCKS5 s:1080; DIRECT")
	result, err := d.Connect(context.Background(), chain, "example.com:80")
	require.Nil(t, result)

	var exhausted *driver.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Equal(t, chain, exhausted.Attempted)
	require.Equal(t, "example.com:80", exhausted.Target)
	require.Len(t, exhausted.Failures, 3)
	require.Equal(t, driver.ReasonRejected, exhausted.Failures[0].Reason)
	require.Equal(t, driver.ReasonDNS, exhausted.Failures[1].Reason)
	require.Equal(t, driver.ReasonTimeout, exhausted.Failures[2].Reason)
	require.ErrorIs(t, err, driver.ErrProxyRejected)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnectEmptyChainMeansDirect(t *testing.T) {
	t.Parallel()
	dialer := &scriptedDialer{}
	d := driver.New(driver.Options{Dialer: dialer})

	result, err := d.Connect(context.Background(), nil, "example.com:80")
	require.NoError(t, err)
	defer result.Conn.Close()
	require.Equal(t, pac.Direct, result.Via)
	require.Equal(t, []string{"DIRECT"}, dialer.triedHops())
}

func TestConnectStopsWhenCallerCancels(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	dialer := &scriptedDialer{
		failures: map[string]error{"PROXY p1:8080": errors.New("broken")},
		onDial: func(hop pac.Directive) {
			if hop.Host == "p1" {
				cancel()
			}
		},
	}
	d := driver.New(driver.Options{Dialer: dialer})

	_, err := d.Connect(ctx, pac.MustParseDirectives("PROXY p1:8080; DIRECT"), "example.com:80")
	var exhausted *driver.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	require.Equal(t, driver.ReasonCanceled, exhausted.Failures[0].Reason)
	require.Equal(t, []string{"PROXY p1:8080"}, dialer.triedHops())
}

func TestConnectRejectsBadTarget(t *testing.T) {
	t.Parallel()
	d := driver.New(driver.Options{Dialer: &scriptedDialer{}})
	_, err := d.Connect(context.Background(), pac.DirectChain(), "no-port")
	require.Error(t, err)
}

func TestStateString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "pending", driver.StatePending.String())
	require.Equal(t, "connected", driver.StateConnected.String())
	require.Equal(t, "exhausted", driver.StateExhausted.String())
}
