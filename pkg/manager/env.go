package manager

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/yolkispalkis/pacgate/pkg/pac"
)

// envProxies is a snapshot of the *_proxy environment variables.
type envProxies struct {
	byScheme map[string]pac.Directive
	all      *pac.Directive
	noProxy  []string
}

// loadEnvProxies reads <scheme>_proxy, all_proxy and no_proxy. Uppercase
// variants are honoured except HTTP_PROXY, which CGI servers let clients set.
func loadEnvProxies(getenv func(string) string) (*envProxies, error) {
	e := &envProxies{byScheme: make(map[string]pac.Directive)}
	for _, scheme := range []string{"http", "https", "ftp", "ws", "wss"} {
		value := lookupEnv(getenv, scheme+"_proxy", scheme != "http")
		if value == "" {
			continue
		}
		d, err := directiveFromProxyURL(value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s_proxy: %w", scheme, err)
		}
		e.byScheme[scheme] = d
	}
	if value := lookupEnv(getenv, "all_proxy", true); value != "" {
		d, err := directiveFromProxyURL(value)
		if err != nil {
			return nil, fmt.Errorf("invalid all_proxy: %w", err)
		}
		e.all = &d
	}
	if value := lookupEnv(getenv, "no_proxy", true); value != "" {
		e.noProxy = strings.Split(value, ",")
	}
	return e, nil
}

func lookupEnv(getenv func(string) string, name string, upper bool) string {
	if v := strings.TrimSpace(getenv(name)); v != "" {
		return v
	}
	if upper {
		return strings.TrimSpace(getenv(strings.ToUpper(name)))
	}
	return ""
}

// chain returns the proxy for a URL scheme, DIRECT when none is set.
func (e *envProxies) chain(scheme string) pac.Chain {
	if d, ok := e.byScheme[strings.ToLower(scheme)]; ok {
		return pac.Chain{d}
	}
	switch strings.ToLower(scheme) {
	case "ws":
		if d, ok := e.byScheme["http"]; ok {
			return pac.Chain{d}
		}
	case "wss":
		if d, ok := e.byScheme["https"]; ok {
			return pac.Chain{d}
		}
	}
	if e.all != nil {
		return pac.Chain{*e.all}
	}
	return pac.DirectChain()
}

// directiveFromProxyURL converts "scheme://host:port" (scheme defaults to
// http) into a hop.
func directiveFromProxyURL(raw string) (pac.Directive, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return pac.Directive{}, err
	}
	var kind pac.Kind
	switch strings.ToLower(u.Scheme) {
	case "http":
		kind = pac.KindProxy
	case "https":
		kind = pac.KindHTTPS
	case "socks4", "socks4a":
		kind = pac.KindSOCKS4
	case "socks", "socks5", "socks5h":
		kind = pac.KindSOCKS5
	default:
		return pac.Directive{}, fmt.Errorf("unsupported proxy scheme '%s'", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return pac.Directive{}, fmt.Errorf("missing host in '%s'", raw)
	}
	port := kind.DefaultPort()
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return pac.Directive{}, fmt.Errorf("invalid port in '%s'", raw)
		}
	}
	return pac.Directive{Kind: kind, Host: host, Port: port}, nil
}
