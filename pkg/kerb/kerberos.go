package kerb

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	gokrb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/spnego"
)

const refreshMargin = 5 * time.Minute

var ErrNoCredentials = errors.New("no valid Kerberos credentials in ccache")

// Options locates the credential cache and krb5.conf.
type Options struct {
	CCachePath string // empty: KRB5CCNAME, then the usual per-uid defaults
	Krb5Conf   string // empty: KRB5_CONFIG, then /etc/krb5.conf
}

// Status describes the credentials currently held.
type Status struct {
	Initialized bool
	CCache      string
	Principal   string
	Realm       string
	Expiry      time.Time
}

// Authenticator answers "Proxy-Authenticate: Negotiate" challenges with a
// SPNEGO token built from the user's credential cache. The cache is reloaded
// when the TGT is missing or close to expiry, so an external kinit is picked
// up without a restart.
type Authenticator struct {
	opts Options

	mu         sync.Mutex
	client     *gokrb5client.Client
	expiry     time.Time
	ccachePath string
}

// New creates an Authenticator and makes a first attempt to load the cache.
// A missing or expired cache is not an error; AuthorizeProxy retries later.
func New(opts Options) *Authenticator {
	a := &Authenticator{opts: opts}
	if err := a.reload(); err != nil {
		slog.Error("Initial Kerberos ccache load failed", "ccache", a.ccachePath, "error", err)
	} else if !a.Ready() {
		slog.Info("Kerberos configured, but no valid credentials found in ccache yet", "ccache", a.ccachePath)
	}
	return a
}

// AuthorizeProxy sets Proxy-Authorization on req for the proxy at proxyHost.
func (a *Authenticator) AuthorizeProxy(req *http.Request, proxyHost, challenge string) error {
	if !strings.Contains(strings.ToLower(challenge), "negotiate") {
		return fmt.Errorf("proxy does not offer Negotiate authentication (offered: %q)", challenge)
	}
	if err := a.Refresh(); err != nil {
		return err
	}
	cl := a.gokrb5Client()
	if cl == nil {
		return ErrNoCredentials
	}

	// SetSPNEGOHeader writes Authorization; proxies read Proxy-Authorization.
	if err := spnego.SetSPNEGOHeader(cl, req, "HTTP/"+proxyHost); err != nil {
		return fmt.Errorf("failed to build SPNEGO token for HTTP/%s: %w", proxyHost, err)
	}
	token := req.Header.Get("Authorization")
	req.Header.Del("Authorization")
	req.Header.Set("Proxy-Authorization", token)
	slog.Debug("Added Proxy-Authorization: Negotiate header", "proxy", proxyHost)
	return nil
}

// Ready reports whether a valid, unexpired TGT is loaded.
func (a *Authenticator) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validLocked()
}

// Refresh reloads the ccache when the ticket is missing or expires within
// the refresh margin. Lack of credentials is not an error.
func (a *Authenticator) Refresh() error {
	a.mu.Lock()
	needsRefresh := a.client == nil || time.Now().Add(refreshMargin).After(a.expiry)
	a.mu.Unlock()
	if !needsRefresh {
		return nil
	}
	if err := a.reload(); err != nil {
		return fmt.Errorf("ccache reload failed: %w", err)
	}
	return nil
}

// Status snapshots the current credential state.
func (a *Authenticator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Status{Initialized: a.validLocked(), CCache: a.ccachePath, Expiry: a.expiry}
	if a.client != nil && a.client.Credentials != nil {
		st.Principal = strings.Join(a.client.Credentials.CName().NameString, "/")
		st.Realm = a.client.Credentials.Realm()
	}
	return st
}

// Close drops the loaded credentials.
func (a *Authenticator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Destroy()
		a.client = nil
	}
	a.expiry = time.Time{}
}

func (a *Authenticator) validLocked() bool {
	return a.client != nil && time.Now().Before(a.expiry)
}

func (a *Authenticator) gokrb5Client() *gokrb5client.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.validLocked() {
		return a.client
	}
	return nil
}

func (a *Authenticator) reload() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		a.client.Destroy()
		a.client = nil
	}
	a.expiry = time.Time{}
	a.ccachePath = resolveCCachePath(a.opts.CCachePath, os.Getenv, os.Getuid(), fileExists)

	cc, err := credentials.LoadCCache(a.ccachePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Credential cache not found", "path", a.ccachePath)
			return nil
		}
		return fmt.Errorf("unexpected error loading ccache '%s': %w", a.ccachePath, err)
	}

	cl, err := gokrb5client.NewFromCCache(cc, nil, gokrb5client.DisablePAFXFAST(true))
	if err != nil {
		confPath := krb5ConfPath(a.opts.Krb5Conf, os.Getenv)
		slog.Debug("Retrying ccache client with explicit krb5.conf", "path", confPath, "error", err)
		conf, confErr := krb5config.Load(confPath)
		if confErr != nil {
			return fmt.Errorf("failed to create client from ccache '%s': %w", a.ccachePath, err)
		}
		if cl, err = gokrb5client.NewFromCCache(cc, conf, gokrb5client.DisablePAFXFAST(true)); err != nil {
			return fmt.Errorf("failed to create client from ccache '%s': %w", a.ccachePath, err)
		}
	}

	if cl.Credentials == nil || cl.Credentials.Expired() {
		slog.Warn("Credentials in ccache are missing or expired", "ccache", a.ccachePath)
		cl.Destroy()
		return nil
	}

	a.client = cl
	a.expiry = cl.Credentials.ValidUntil()
	slog.Info("Kerberos credentials loaded from ccache",
		"principal", strings.Join(cl.Credentials.CName().NameString, "/"),
		"realm", cl.Credentials.Realm(),
		"tgt_expiry", a.expiry.Format(time.RFC3339))
	return nil
}

// resolveCCachePath picks the credential cache file. Only FILE caches can be
// read, so a "FILE:" prefix is stripped and other cache types are returned
// as-is for LoadCCache to reject.
func resolveCCachePath(explicit string, getenv func(string) string, uid int, exists func(string) bool) string {
	path := explicit
	if path == "" {
		path = getenv("KRB5CCNAME")
	}
	uidStr := strconv.Itoa(uid)
	if path == "" {
		path = "/tmp/krb5cc_" + uidStr
		for _, candidate := range []string{path, "/var/run/user/" + uidStr + "/krb5cc"} {
			if exists(candidate) {
				path = candidate
				break
			}
		}
	}
	path = strings.ReplaceAll(path, "%{uid}", uidStr)
	path = strings.ReplaceAll(path, "%{USERID}", uidStr)
	if strings.HasPrefix(strings.ToUpper(path), "FILE:") {
		path = path[len("FILE:"):]
	}
	return path
}

func krb5ConfPath(explicit string, getenv func(string) string) string {
	if explicit != "" {
		return explicit
	}
	if path := getenv("KRB5_CONFIG"); path != "" {
		return path
	}
	return "/etc/krb5.conf"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
