package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	DefaultResolvConf = "/etc/resolv.conf"
	wpadLabel         = "wpad"
	wpadPath          = "/wpad.dat"
)

var ErrNoWPAD = errors.New("no WPAD host found")

// HostExists reports whether name has an address record.
type HostExists func(ctx context.Context, name string) (bool, error)

// LocatorOptions configures WPAD discovery.
type LocatorOptions struct {
	Domain  string   // search domain; empty uses the host's FQDN
	Servers []string // host:port nameservers; empty reads resolv.conf
	Timeout time.Duration
	Lookup  HostExists // overrides DNS, mainly for tests
}

// Locator finds a PAC URL via DNS-based WPAD: wpad.<suffix> is tried for
// every suffix of the search domain, most specific first.
type Locator struct {
	domain string
	lookup HostExists
}

// NewLocator creates a Locator.
func NewLocator(opts LocatorOptions) (*Locator, error) {
	domain := opts.Domain
	if domain == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname for WPAD: %w", err)
		}
		domain = domainOf(hostname)
	}

	lookup := opts.Lookup
	if lookup == nil {
		servers := opts.Servers
		if len(servers) == 0 {
			conf, err := dns.ClientConfigFromFile(DefaultResolvConf)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", DefaultResolvConf, err)
			}
			for _, s := range conf.Servers {
				servers = append(servers, net.JoinHostPort(s, conf.Port))
			}
			if domain == "" && len(conf.Search) > 0 {
				domain = conf.Search[0]
			}
		}
		if len(servers) == 0 {
			return nil, errors.New("no DNS servers configured for WPAD")
		}
		lookup = dnsHostExists(servers, opts.Timeout)
	}

	return &Locator{domain: strings.Trim(domain, "."), lookup: lookup}, nil
}

// Domain returns the search domain candidates are derived from.
func (l *Locator) Domain() string {
	return l.domain
}

// Discover returns the URL of the first WPAD host that resolves.
func (l *Locator) Discover(ctx context.Context) (string, error) {
	candidates := Candidates(l.domain)
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: search domain %q has no usable suffix", ErrNoWPAD, l.domain)
	}
	var lastErr error
	for _, host := range candidates {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		ok, err := l.lookup(ctx, host)
		if err != nil {
			slog.Debug("WPAD lookup failed", "host", host, "error", err)
			lastErr = err
			continue
		}
		if ok {
			location := "http://" + host + wpadPath
			slog.Info("WPAD host discovered", "url", location)
			return location, nil
		}
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w under %s: %w", ErrNoWPAD, l.domain, lastErr)
	}
	return "", fmt.Errorf("%w under %s", ErrNoWPAD, l.domain)
}

// Candidates lists the WPAD host names for domain. Probing stops before a
// bare top-level domain.
func Candidates(domain string) []string {
	labels := strings.Split(strings.ToLower(strings.Trim(domain, ".")), ".")
	var out []string
	for i := 0; i+1 < len(labels); i++ {
		if labels[i] == "" {
			continue
		}
		out = append(out, wpadLabel+"."+strings.Join(labels[i:], "."))
	}
	return out
}

// domainOf strips the first label from a host name.
func domainOf(hostname string) string {
	if i := strings.IndexByte(hostname, '.'); i >= 0 {
		return hostname[i+1:]
	}
	return ""
}

func dnsHostExists(servers []string, timeout time.Duration) HostExists {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := &dns.Client{Timeout: timeout}
	return func(ctx context.Context, name string) (bool, error) {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), dns.TypeA)
		m.RecursionDesired = true

		var lastErr error
		for _, server := range servers {
			in, _, err := client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = err
				continue
			}
			switch in.Rcode {
			case dns.RcodeSuccess:
				for _, rr := range in.Answer {
					if _, ok := rr.(*dns.A); ok {
						return true, nil
					}
				}
				return false, nil
			case dns.RcodeNameError:
				return false, nil
			default:
				lastErr = fmt.Errorf("server %s answered %s", server, dns.RcodeToString[in.Rcode])
			}
		}
		return false, lastErr
	}
}
