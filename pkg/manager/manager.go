package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yolkispalkis/pacgate/pkg/config"
	"github.com/yolkispalkis/pacgate/pkg/driver"
	"github.com/yolkispalkis/pacgate/pkg/pac"
	"github.com/yolkispalkis/pacgate/pkg/resolver"
	"github.com/yolkispalkis/pacgate/pkg/source"
)

// Mode selects where proxy decisions come from.
type Mode string

const (
	ModeNone   Mode = "none"
	ModeStatic Mode = "static"
	ModeEnv    Mode = "env"
	ModePAC    Mode = "pac"
	ModeWPAD   Mode = "wpad"
)

var ErrNoScript = errors.New("no PAC script loaded")

// DefaultLoadRetryInterval is the least time between request-driven load
// attempts while no script is active.
const DefaultLoadRetryInterval = 5 * time.Second

// Options wires a Manager. Resolver and Loader are required for ModePAC and
// ModeWPAD.
type Options struct {
	Mode            Mode
	Static          pac.Chain
	Bypass          []string
	Resolver        *resolver.Resolver
	Loader          *source.Loader
	Driver          *driver.Driver
	RefreshInterval time.Duration       // 0 disables periodic refresh
	Getenv          func(string) string // ModeEnv; nil uses os.Getenv
	Credentials     CredentialRefresher // optional, refreshed in the background
	LoadRetry       time.Duration       // <= 0 uses DefaultLoadRetryInterval
}

// Manager turns a URL into a proxy chain and, through the driver, into a
// connection.
type Manager struct {
	mode     Mode
	static   pac.Chain
	resolver *resolver.Resolver
	loader   *source.Loader
	driver   *driver.Driver
	getenv   func(string) string
	bypass   []string

	mu            sync.RWMutex
	script        *pac.Script
	env           *envProxies
	bypassMatcher *Bypass

	loadRetry   time.Duration
	retryMu     sync.Mutex
	lastAttempt time.Time // last request-driven or initial load attempt

	background *BackgroundTasks
	stopOnce   sync.Once
	cancel     context.CancelFunc
}

// New creates a Manager and performs the initial script load. A failed
// initial load is logged, not returned; the next refresh or request retries.
func New(ctx context.Context, opts Options) (*Manager, error) {
	m := &Manager{
		mode:     opts.Mode,
		static:   opts.Static.Clone(),
		resolver: opts.Resolver,
		loader:   opts.Loader,
		driver:   opts.Driver,
		getenv:   opts.Getenv,
		bypass:   opts.Bypass,

		loadRetry: opts.LoadRetry,
	}
	if m.loadRetry <= 0 {
		m.loadRetry = DefaultLoadRetryInterval
	}
	if m.driver == nil {
		m.driver = driver.New(driver.Options{})
	}
	if m.getenv == nil {
		m.getenv = os.Getenv
	}

	switch m.mode {
	case ModeNone, ModeEnv:
	case ModeStatic:
		if len(m.static) == 0 {
			return nil, errors.New("static mode requires a non-empty chain")
		}
	case ModePAC, ModeWPAD:
		if m.resolver == nil || m.loader == nil {
			return nil, fmt.Errorf("%s mode requires a resolver and a loader", m.mode)
		}
	default:
		return nil, fmt.Errorf("unknown proxy mode: %s", m.mode)
	}

	if err := m.reloadRules(); err != nil {
		return nil, err
	}

	slog.Info("Initializing proxy manager", "mode", m.mode, "bypass_entries", m.bypassMatcher.Len())
	if m.usesScript() {
		m.claimLoadAttempt()
		if err := m.Refresh(ctx); err != nil {
			slog.Error("Initial PAC load failed, proxying falls back to errors until a refresh succeeds", "error", err)
		}
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	var scriptRefresh func(context.Context) error
	if m.usesScript() {
		scriptRefresh = m.Refresh
	}
	m.background = NewBackgroundTasks(bgCtx, scriptRefresh, opts.RefreshInterval, opts.Credentials)
	m.background.Run()
	return m, nil
}

// FromConfig builds the whole resolution stack described by cfg.
func FromConfig(ctx context.Context, cfg *config.Config, auth driver.ProxyAuthenticator) (*Manager, error) {
	opts := Options{
		Mode:            Mode(strings.ToLower(cfg.Proxy.Mode)),
		Bypass:          cfg.Proxy.Bypass,
		RefreshInterval: config.Seconds(cfg.Proxy.RefreshInterval),
	}
	if refresher, ok := auth.(CredentialRefresher); ok {
		opts.Credentials = refresher
	}

	var hop driver.HopDialer
	if auth != nil {
		hop = driver.NewDialer(auth)
	}
	opts.Driver = driver.New(driver.Options{
		ConnectTimeout: config.Seconds(cfg.Driver.ConnectTimeout),
		MaxConcurrent:  int64(cfg.Driver.MaxConcurrent),
		Dialer:         hop,
	})

	switch opts.Mode {
	case ModeStatic:
		chain, err := pac.ParseDirectives(cfg.Proxy.Static)
		if err != nil {
			return nil, fmt.Errorf("invalid static proxy chain: %w", err)
		}
		opts.Static = chain

	case ModePAC, ModeWPAD:
		hosts, err := cfg.Engine.HostTable()
		if err != nil {
			return nil, err
		}
		myIP := cfg.Engine.MyIPAddress
		if len(myIP) == 0 {
			if ip := outboundIP(); ip != "" {
				myIP = []string{ip}
			}
		}
		engine := pac.NewEngine(pac.EngineOptions{
			ExecTimeout:   config.Seconds(cfg.Engine.ExecutionTimeout),
			MyIPAddresses: myIP,
			Hosts:         hosts,
		})
		opts.Resolver = resolver.New(engine, resolver.Options{
			CacheTTL:        config.Seconds(cfg.Resolver.CacheTTL),
			CleanupInterval: config.Seconds(cfg.Resolver.CacheCleanupInterval),
		})

		fetcher := source.NewFetcher(source.FetcherOptions{
			Timeout: config.Seconds(cfg.Proxy.FetchTimeout),
			Charset: cfg.Proxy.Charset,
		})
		locate := source.Static(cfg.Proxy.PacURL)
		if opts.Mode == ModeWPAD {
			locator, err := source.NewLocator(source.LocatorOptions{
				Domain:  cfg.Proxy.WpadDomain,
				Timeout: config.Seconds(cfg.Proxy.FetchTimeout),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to set up WPAD discovery: %w", err)
			}
			locate = source.Discovered(locator)
		}
		opts.Loader = source.NewLoader(fetcher, locate, opts.RefreshInterval)
	}

	return New(ctx, opts)
}

// Mode returns the configured mode.
func (m *Manager) Mode() Mode { return m.mode }

// Script returns the active PAC script, nil outside pac/wpad modes or before
// the first successful load.
func (m *Manager) Script() *pac.Script {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.script
}

// Resolver returns the decision resolver, nil outside pac/wpad modes.
func (m *Manager) Resolver() *resolver.Resolver { return m.resolver }

// ChainForURL returns the proxy chain for rawURL.
func (m *Manager) ChainForURL(ctx context.Context, rawURL string) (pac.Chain, error) {
	u, host, port, err := splitURL(rawURL)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	bypass, env := m.bypassMatcher, m.env
	m.mu.RUnlock()
	if bypass.Match(host, port) {
		slog.Debug("Host bypasses proxy", "host", host, "port", port)
		return pac.DirectChain(), nil
	}

	switch m.mode {
	case ModeNone:
		return pac.DirectChain(), nil
	case ModeStatic:
		return m.static.Clone(), nil
	case ModeEnv:
		return env.chain(u.Scheme), nil
	default:
		script, err := m.currentScript(ctx)
		if err != nil {
			return nil, err
		}
		chain, err := m.resolver.Resolve(ctx, script, scriptURL(u), host)
		if err != nil {
			slog.Error("PAC evaluation failed", "url", rawURL, "error", err)
			return nil, err
		}
		slog.Debug("PAC result", "url", rawURL, "chain", chain.String())
		return chain, nil
	}
}

// Connect resolves the chain for rawURL and connects to its origin.
func (m *Manager) Connect(ctx context.Context, rawURL string) (*driver.Result, error) {
	_, host, port, err := splitURL(rawURL)
	if err != nil {
		return nil, err
	}
	chain, err := m.ChainForURL(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return m.driver.Connect(ctx, chain, net.JoinHostPort(host, strconv.Itoa(port)))
}

// DialContext connects to addr through the proxy chain chosen for it. Port
// 443 is looked up as an https URL, anything else as http. Suitable for
// http.Transport.DialContext.
func (m *Manager) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	scheme := "http"
	if port == "443" {
		scheme = "https"
	}
	result, err := m.Connect(ctx, scheme+"://"+addr+"/")
	if err != nil {
		return nil, err
	}
	return result.Conn, nil
}

// HTTPClient returns a client whose connections are routed by the manager.
func (m *Manager) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           m.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Refresh re-reads environment-derived rules and, in pac/wpad modes,
// reloads the script. A new script supersedes the old one in the resolver;
// on failure the previous script stays active.
func (m *Manager) Refresh(ctx context.Context) error {
	if err := m.reloadRules(); err != nil {
		return err
	}
	if !m.usesScript() {
		return nil
	}

	doc, changed, err := m.loader.Load(ctx, true)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrNoScript
	}
	if !changed && m.Script() != nil {
		return nil
	}

	script, err := m.resolver.LoadScript(ctx, doc.Content)
	if err != nil {
		slog.Error("Fetched PAC script failed to load, keeping previous script", "uri", doc.Location, "error", err)
		return err
	}
	m.mu.Lock()
	m.script = script
	m.mu.Unlock()
	slog.Info("PAC script active", "uri", doc.Location, "fingerprint", script.Fingerprint()[:12])
	return nil
}

// Close stops background refreshes.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() {
		m.cancel()
		m.background.Wait()
		slog.Info("Proxy manager closed.")
	})
	return nil
}

func (m *Manager) usesScript() bool {
	return m.mode == ModePAC || m.mode == ModeWPAD
}

func (m *Manager) currentScript(ctx context.Context) (*pac.Script, error) {
	if script := m.Script(); script != nil {
		return script, nil
	}
	if !m.claimLoadAttempt() {
		if err := m.loader.LastError(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoScript, err)
		}
		return nil, ErrNoScript
	}
	if err := m.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoScript, err)
	}
	if script := m.Script(); script != nil {
		return script, nil
	}
	return nil, ErrNoScript
}

// claimLoadAttempt reports whether a load may start now, and if so records
// it. Requests arriving within loadRetry of the previous attempt fail fast.
func (m *Manager) claimLoadAttempt() bool {
	m.retryMu.Lock()
	defer m.retryMu.Unlock()
	now := time.Now()
	if !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.loadRetry {
		return false
	}
	m.lastAttempt = now
	return true
}

func (m *Manager) reloadRules() error {
	entries := append([]string(nil), m.bypass...)
	var env *envProxies
	if m.mode == ModeEnv {
		var err error
		if env, err = loadEnvProxies(m.getenv); err != nil {
			return err
		}
		entries = append(entries, env.noProxy...)
	}
	bypass, err := ParseBypass(entries)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.env = env
	m.bypassMatcher = bypass
	m.mu.Unlock()
	return nil
}

var defaultPorts = map[string]int{"http": 80, "ws": 80, "https": 443, "wss": 443, "ftp": 21}

// splitURL validates rawURL and returns its host and effective port.
func splitURL(rawURL string) (*url.URL, string, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", 0, fmt.Errorf("%w: %w", pac.ErrInvalidQuery, err)
	}
	host := u.Hostname()
	if u.Scheme == "" || host == "" {
		return nil, "", 0, fmt.Errorf("%w: %q is not an absolute URL", pac.ErrInvalidQuery, rawURL)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	port := defaultPorts[u.Scheme]
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, "", 0, fmt.Errorf("%w: invalid port in %q", pac.ErrInvalidQuery, rawURL)
		}
	}
	if port == 0 {
		return nil, "", 0, fmt.Errorf("%w: no default port for scheme %q", pac.ErrInvalidQuery, u.Scheme)
	}
	return u, host, port, nil
}

// scriptURL is the URL handed to FindProxyForURL: credentials and fragment
// are dropped, and for secure schemes so are path and query.
func scriptURL(u *url.URL) string {
	clean := *u
	clean.User = nil
	clean.Fragment = ""
	clean.RawFragment = ""
	if clean.Scheme == "https" || clean.Scheme == "wss" {
		clean.Path, clean.RawPath, clean.RawQuery = "/", "", ""
		clean.ForceQuery = false
	}
	return clean.String()
}

// outboundIP returns the local address used for the default route. No
// packets are sent.
func outboundIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		slog.Debug("Could not determine outbound address for myIpAddress", "error", err)
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
