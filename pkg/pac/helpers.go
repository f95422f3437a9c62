package pac

import (
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"
	"github.com/gobwas/glob/syntax"
)

// --- Host classification ---
// These are pure: no name resolution, no I/O, and empty input yields false.

// IsPlainHostName reports whether host has no domain part.
func IsPlainHostName(host string) bool {
	return host != "" && !strings.Contains(host, ".")
}

// IsLiteralIP reports whether host is a dotted-decimal IPv4 address or an
// IPv6 literal, bracketed or bare. Zoned IPv6 addresses are rejected.
func IsLiteralIP(host string) bool {
	_, ok := parseLiteralIP(host)
	return ok
}

func parseLiteralIP(host string) (netip.Addr, bool) {
	if host == "" {
		return netip.Addr{}, false
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		addr, err := netip.ParseAddr(host[1 : len(host)-1])
		if err != nil || !addr.Is6() || addr.Zone() != "" {
			return netip.Addr{}, false
		}
		return addr, true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil || addr.Zone() != "" {
		return netip.Addr{}, false
	}
	return addr, true
}

// MatchesSuffix reports whether host equals suffix or lies beneath it.
// Comparison ignores case, a leading dot on suffix and a trailing root dot.
func MatchesSuffix(host, suffix string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	suffix = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(suffix, "."), "."))
	if host == "" || suffix == "" {
		return false
	}
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

// DNSDomainIs reports whether host ends with domain, ignoring case. It is a
// plain string suffix test: "mozilla.org" does not end with ".mozilla.org",
// and "www.mozilla.org" ends with "zilla.org".
func DNSDomainIs(host, domain string) bool {
	if host == "" || domain == "" {
		return false
	}
	return strings.HasSuffix(strings.ToLower(host), strings.ToLower(domain))
}

// DomainLevels counts the dots in host; IP literals have no levels.
func DomainLevels(host string) int {
	host = strings.TrimSuffix(host, ".")
	if host == "" || IsLiteralIP(host) {
		return 0
	}
	return strings.Count(host, ".")
}

// LocalHostOrDomainIs is true for an exact match, or when host is unqualified
// and equals the first label of hostdom.
func LocalHostOrDomainIs(host, hostdom string) bool {
	host = strings.ToLower(host)
	hostdom = strings.ToLower(hostdom)
	if host == "" || hostdom == "" {
		return false
	}
	if host == hostdom {
		return true
	}
	if strings.Contains(host, ".") {
		return false
	}
	label, _, _ := strings.Cut(hostdom, ".")
	return host == label
}

// maxCachedGlobs caps the compiled pattern cache; scripts that build patterns
// from the URL would otherwise grow it without bound.
const maxCachedGlobs = 1024

var (
	globCache   sync.Map // pattern -> glob.Glob
	cachedGlobs atomic.Int32
)

// ShExpMatch matches str against a shell expression where "*" and "?" cross
// every character, "/" included. Every other character is literal.
func ShExpMatch(str, pattern string) bool {
	if pattern == "" {
		return str == ""
	}
	if g, ok := globCache.Load(pattern); ok {
		return g.(glob.Glob).Match(str)
	}
	g, err := glob.Compile(quoteShExp(pattern))
	if err != nil {
		slog.Debug("PAC shExpMatch: invalid pattern", "pattern", pattern, "error", err)
		return false
	}
	if cachedGlobs.Load() < maxCachedGlobs {
		if _, loaded := globCache.LoadOrStore(pattern, g); !loaded {
			cachedGlobs.Add(1)
		}
	}
	return g.Match(str)
}

// quoteShExp escapes the glob syntax PAC patterns do not have, leaving only
// the "*" and "?" wildcards.
func quoteShExp(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 4)
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c != '*' && c != '?' && syntax.Special(c) {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// IsInNet reports whether the literal address ip lies in pattern/mask, where
// mask is written as an address ("255.255.0.0" or an IPv6 mask).
func IsInNet(ip, pattern, mask string) bool {
	addr, ok := parseLiteralIP(ip)
	if !ok {
		return false
	}
	patternIP := net.ParseIP(pattern)
	maskIP := net.ParseIP(mask)
	if patternIP == nil || maskIP == nil {
		return false
	}
	hostIP := net.IP(addr.Unmap().AsSlice())

	switch {
	case hostIP.To4() != nil && patternIP.To4() != nil && maskIP.To4() != nil:
		m := net.IPMask(maskIP.To4())
		return hostIP.To4().Mask(m).Equal(patternIP.To4().Mask(m))
	case hostIP.To4() == nil && patternIP.To4() == nil && maskIP.To4() == nil:
		m := net.IPMask(maskIP.To16())
		return hostIP.To16().Mask(m).Equal(patternIP.To16().Mask(m))
	default:
		return false
	}
}

// IsInNetEx reports whether the literal address ip lies in the CIDR prefix.
func IsInNetEx(ip, prefix string) bool {
	addr, ok := parseLiteralIP(ip)
	if !ok {
		return false
	}
	p, err := netip.ParsePrefix(strings.TrimSpace(prefix))
	if err != nil {
		return false
	}
	return p.Contains(addr.Unmap())
}

// SortIPAddressList sorts a ";"-separated address list, IPv6 before IPv4,
// each family ascending. It returns "" if any entry is not an address.
func SortIPAddressList(list string) string {
	var addrs []netip.Addr
	for _, part := range strings.Split(list, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, ok := parseLiteralIP(part)
		if !ok {
			return ""
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return ""
	}
	sort.SliceStable(addrs, func(i, j int) bool {
		a, b := addrs[i], addrs[j]
		if a.Is4() != b.Is4() {
			return !a.Is4()
		}
		return a.Less(b)
	})
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return strings.Join(out, ";")
}
