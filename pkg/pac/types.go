package pac

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Kind identifies the connection method named by a single PAC directive.
type Kind int

const (
	KindDirect Kind = iota // "DIRECT"
	KindProxy              // "PROXY", plain HTTP proxy
	KindHTTP               // "HTTP", alias of PROXY used by some scripts
	KindHTTPS              // "HTTPS", TLS to the proxy
	KindSOCKS              // "SOCKS", treated as SOCKS4
	KindSOCKS4             // "SOCKS4"
	KindSOCKS5             // "SOCKS5"
)

var kindKeywords = map[Kind]string{
	KindDirect: "DIRECT",
	KindProxy:  "PROXY",
	KindHTTP:   "HTTP",
	KindHTTPS:  "HTTPS",
	KindSOCKS:  "SOCKS",
	KindSOCKS4: "SOCKS4",
	KindSOCKS5: "SOCKS5",
}

// String returns the PAC keyword for k.
func (k Kind) String() string {
	if s, ok := kindKeywords[k]; ok {
		return s
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// DefaultPort is the port assumed when a directive omits one.
func (k Kind) DefaultPort() int {
	switch k {
	case KindProxy, KindHTTP:
		return 80
	case KindHTTPS:
		return 443
	case KindSOCKS, KindSOCKS4, KindSOCKS5:
		return 1080
	default:
		return 0
	}
}

// Scheme maps the kind to the URI scheme used when a chain is rendered as a
// proxy URI list.
func (k Kind) Scheme() string {
	switch k {
	case KindProxy, KindHTTP:
		return "http"
	case KindHTTPS:
		return "https"
	case KindSOCKS, KindSOCKS4:
		return "socks4"
	case KindSOCKS5:
		return "socks5"
	default:
		return "direct"
	}
}

// IsSOCKS reports whether the kind is any SOCKS flavour.
func (k Kind) IsSOCKS() bool {
	return k == KindSOCKS || k == KindSOCKS4 || k == KindSOCKS5
}

// Directive is one parsed entry of a FindProxyForURL result. Host and Port
// are zero for DIRECT.
type Directive struct {
	Kind Kind
	Host string
	Port int
}

// Direct is the DIRECT directive.
var Direct = Directive{Kind: KindDirect}

// IsDirect reports whether d means "connect to the origin without a proxy".
func (d Directive) IsDirect() bool { return d.Kind == KindDirect }

// Address returns host:port of the proxy, or "" for DIRECT.
func (d Directive) Address() string {
	if d.IsDirect() {
		return ""
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// String renders d in PAC directive syntax, e.g. "PROXY proxy.corp:8080".
func (d Directive) String() string {
	if d.IsDirect() {
		return d.Kind.String()
	}
	return d.Kind.String() + " " + d.Address()
}

// URI renders d as a proxy URI ("http://h:p", "socks5://h:p", "direct://").
func (d Directive) URI() string {
	if d.IsDirect() {
		return "direct://"
	}
	return d.Kind.Scheme() + "://" + d.Address()
}

// URL is URI parsed into a *url.URL. It returns nil for DIRECT.
func (d Directive) URL() *url.URL {
	if d.IsDirect() {
		return nil
	}
	return &url.URL{Scheme: d.Kind.Scheme(), Host: d.Address()}
}

// Chain is the ordered fallback list produced from one FindProxyForURL
// result. The first entry is tried first.
type Chain []Directive

// DirectChain is the single-entry chain used when no proxy applies.
func DirectChain() Chain { return Chain{Direct} }

// String renders the chain back in PAC syntax joined by "; ".
func (c Chain) String() string {
	parts := make([]string, len(c))
	for i, d := range c {
		parts[i] = d.String()
	}
	return strings.Join(parts, "; ")
}

// URIs converts the chain into proxy URIs in chain order.
func (c Chain) URIs() []string {
	uris := make([]string, len(c))
	for i, d := range c {
		uris[i] = d.URI()
	}
	return uris
}

// Clone returns a copy that shares no backing array with c.
func (c Chain) Clone() Chain {
	if c == nil {
		return nil
	}
	out := make(Chain, len(c))
	copy(out, c)
	return out
}
