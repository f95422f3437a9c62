package pac_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yolkispalkis/pacgate/pkg/pac"
)

func TestEvaluateFixture(t *testing.T) {
	t.Parallel()
	engine := pac.NewEngine(pac.EngineOptions{})
	script := loadFixture(t, engine)
	ctx := context.Background()

	for _, tc := range []struct {
		url, host, want string
	}{
		{"http://simple.com/", "simple.com", "PROXY no-such-proxy:80"},
		{"http://www.simple.com/path", "www.simple.com", "PROXY no-such-proxy:80"},
		{"https://multi.com/", "multi.com", "HTTPS some-such-proxy; HTTPS any-such-proxy:41"},
		{"https://multi-legacy.com/", "multi-legacy.com", "PROXY some-such-proxy:443; PROXY any-such-proxy:41"},
		{"http://microsoft.com/test", "microsoft.com", "PROXY microsoft.com:80"},
		{"http://10.2.3.4/", "10.2.3.4", "SOCKS5 socks.corp:1080; DIRECT"},
		{"http://your-pc/", "your-pc", "DIRECT"},
		{"http://127.0.0.1/", "127.0.0.1", "DIRECT"},
		{"http://other.com/", "other.com", "DIRECT"},
	} {
		got, err := engine.Evaluate(ctx, script, tc.url, tc.host)
		require.NoError(t, err, tc.url)
		require.Equal(t, tc.want, got, tc.url)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	t.Parallel()
	engine := pac.NewEngine(pac.EngineOptions{})
	script, err := engine.LoadScript(context.Background(), `
var calls = 0;
function FindProxyForURL(url, host) {
  calls++;
  return calls > 1 ? "PROXY leaked:1" : "DIRECT";
}`)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				got, err := engine.Evaluate(context.Background(), script, "http://a.com/", "a.com")
				assert.NoError(t, err)
				assert.Equal(t, "DIRECT", got)
			}
		}()
	}
	wg.Wait()
}

func TestSandboxHasNoClockOrRandomness(t *testing.T) {
	t.Parallel()
	engine := pac.NewEngine(pac.EngineOptions{})
	script, err := engine.LoadScript(context.Background(), `
function FindProxyForURL(url, host) {
  var parts = [typeof Date, typeof Math.random, String(weekdayRange("MON", "SUN")), String(timeRange(0, 23))];
  return parts.join(",");
}`)
	require.NoError(t, err)
	got, err := engine.Evaluate(context.Background(), script, "http://a.com/", "a.com")
	require.NoError(t, err)
	require.Equal(t, "undefined,undefined,false,false", got)
}

func TestSandboxStringHelpers(t *testing.T) {
	t.Parallel()
	engine := pac.NewEngine(pac.EngineOptions{})
	script, err := engine.LoadScript(context.Background(), `
function FindProxyForURL(url, host) {
  return [
    dnsDomainIs("www.mozilla.org", ".mozilla.org"),
    dnsDomainIs("mozilla.org", ".mozilla.org"),
    shExpMatch("a{b", "a{b"),
    shExpMatch(url, "*/[x]")
  ].join(",");
}`)
	require.NoError(t, err)
	got, err := engine.Evaluate(context.Background(), script, "http://a.com/[x]", "a.com")
	require.NoError(t, err)
	require.Equal(t, "true,false,true,true", got)
}

func TestSandboxStaticResolution(t *testing.T) {
	t.Parallel()
	engine := pac.NewEngine(pac.EngineOptions{
		MyIPAddresses: []string{"192.168.10.5", "fd00::5"},
		Hosts:         map[string][]string{"Intranet.Corp": {"10.20.0.1"}},
	})
	script, err := engine.LoadScript(context.Background(), `
function FindProxyForURL(url, host) {
  if (!isResolvable(host)) return "PROXY unresolved:1";
  if (isInNet(host, "10.20.0.0", "255.255.0.0") && isInNet(myIpAddress(), "192.168.0.0", "255.255.0.0"))
    return "PROXY " + dnsResolve(host) + ":3128";
  if (isInNetEx(host, "127.0.0.0/8")) return "DIRECT";
  return "PROXY " + myIpAddressEx() + ":1";
}`)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := engine.Evaluate(ctx, script, "http://intranet.corp/", "intranet.corp")
	require.NoError(t, err)
	require.Equal(t, "PROXY 10.20.0.1:3128", got)

	got, err = engine.Evaluate(ctx, script, "http://localhost/", "localhost")
	require.NoError(t, err)
	require.Equal(t, "DIRECT", got)

	got, err = engine.Evaluate(ctx, script, "http://nowhere.example/", "nowhere.example")
	require.NoError(t, err)
	require.Equal(t, "PROXY unresolved:1", got)
}

func TestLoadScriptErrors(t *testing.T) {
	t.Parallel()
	engine := pac.NewEngine(pac.EngineOptions{ExecTimeout: 200 * time.Millisecond})
	for _, src := range []string{
		"",
		"function FindProxyForURL(url, host) { return \"DIRECT\";",
		"function SomethingElse() { return \"DIRECT\"; }",
		"var FindProxyForURL = 42;",
		"throw new Error('boom');",
		"while (true) { var x = 1; }",
	} {
		script, err := engine.LoadScript(context.Background(), src)
		require.Nil(t, script, src)
		var loadErr *pac.ScriptLoadError
		require.True(t, errors.As(err, &loadErr), src)
	}
}

func TestEvaluateRuntimeErrors(t *testing.T) {
	t.Parallel()
	engine := pac.NewEngine(pac.EngineOptions{})
	ctx := context.Background()
	for _, src := range []string{
		"function FindProxyForURL(url, host) { throw new Error('nope'); }",
		"function FindProxyForURL(url, host) { return undefinedHelper(host); }",
		"function FindProxyForURL(url, host) { return 42; }",
		"function FindProxyForURL(url, host) { }",
	} {
		script, err := engine.LoadScript(ctx, src)
		require.NoError(t, err, src)
		_, err = engine.Evaluate(ctx, script, "http://a.com/", "a.com")
		var runtimeErr *pac.ScriptRuntimeError
		require.True(t, errors.As(err, &runtimeErr), src)
		require.Equal(t, "a.com", runtimeErr.Host)
	}
}

func TestUnboundedRecursionIsContained(t *testing.T) {
	t.Parallel()
	engine := pac.NewEngine(pac.EngineOptions{})
	ctx := context.Background()

	script, err := engine.LoadScript(ctx, `
function f(n) { return f(n + 1); }
function FindProxyForURL(url, host) {
  if (host == "deep.com") return f(0);
  return "DIRECT";
}`)
	require.NoError(t, err)

	_, err = engine.Evaluate(ctx, script, "http://deep.com/", "deep.com")
	var runtimeErr *pac.ScriptRuntimeError
	require.True(t, errors.As(err, &runtimeErr))
	require.Equal(t, "deep.com", runtimeErr.Host)

	got, err := engine.Evaluate(ctx, script, "http://a.com/", "a.com")
	require.NoError(t, err)
	require.Equal(t, "DIRECT", got)

	// Runaway recursion during load fails the load, not the process.
	script, err = engine.LoadScript(ctx, `
function g(n) { return g(n + 1); }
g(0);
function FindProxyForURL(url, host) { return "DIRECT"; }`)
	require.Nil(t, script)
	var loadErr *pac.ScriptLoadError
	require.True(t, errors.As(err, &loadErr))
}

func TestEvaluateTimeout(t *testing.T) {
	t.Parallel()
	engine := pac.NewEngine(pac.EngineOptions{ExecTimeout: 100 * time.Millisecond})
	script, err := engine.LoadScript(context.Background(), `
function FindProxyForURL(url, host) {
  var i = 0;
  while (true) { i++; }
  return "DIRECT";
}`)
	require.NoError(t, err)

	start := time.Now()
	_, err = engine.Evaluate(context.Background(), script, "http://a.com/", "a.com")
	var timeoutErr *pac.ScriptTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 5*time.Second)

	// The script stays usable after an interrupted call.
	_, err = engine.Evaluate(context.Background(), script, "http://a.com/", "a.com")
	require.True(t, errors.As(err, &timeoutErr))
}

func TestEvaluateCancelled(t *testing.T) {
	t.Parallel()
	engine := pac.NewEngine(pac.EngineOptions{})
	script := loadFixture(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.Evaluate(ctx, script, "http://simple.com/", "simple.com")
	var timeoutErr *pac.ScriptTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	require.ErrorIs(t, err, context.Canceled)
}

func TestEvaluateRejectsBadQuery(t *testing.T) {
	t.Parallel()
	engine := pac.NewEngine(pac.EngineOptions{})
	script := loadFixture(t, engine)
	ctx := context.Background()

	_, err := engine.Evaluate(ctx, script, "", "a.com")
	require.ErrorIs(t, err, pac.ErrInvalidQuery)
	_, err = engine.Evaluate(ctx, script, "http://a.com/", "")
	require.ErrorIs(t, err, pac.ErrInvalidQuery)
	_, err = engine.Evaluate(ctx, script, "http://a.com/", "http://a.com")
	require.ErrorIs(t, err, pac.ErrInvalidQuery)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	engine := pac.NewEngine(pac.EngineOptions{})
	script := loadFixture(t, engine)
	require.Equal(t, pac.Fingerprint(script.Source()), script.Fingerprint())
	require.NotEqual(t, pac.Fingerprint("a"), pac.Fingerprint("b"))
}
