package manager

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/gobwas/glob"

	"github.com/yolkispalkis/pacgate/pkg/pac"
)

// Bypass decides which hosts skip proxy selection and go DIRECT.
//
// Entries:
//
//	*                  everything
//	<local>            plain host names (no dots)
//	example.com        example.com and its subdomains (a leading "." is ignored)
//	*.example.com      glob over the host name
//	10.0.0.0/8         literal addresses inside the range
//	192.168.1.1        one literal address
//	example.com:8080   any of the above restricted to one port ("[::1]:8080" for IPv6)
type Bypass struct {
	all   bool
	local bool
	rules []bypassRule
}

type bypassRule struct {
	raw    string
	suffix string
	glob   glob.Glob
	prefix netip.Prefix
	port   int
}

// ParseBypass compiles a bypass list. Blank entries are ignored.
func ParseBypass(entries []string) (*Bypass, error) {
	b := &Bypass{}
	for _, entry := range entries {
		entry = strings.ToLower(strings.TrimSpace(entry))
		switch entry {
		case "":
			continue
		case "*":
			b.all = true
			continue
		case "<local>":
			b.local = true
			continue
		}

		rule, err := parseBypassRule(entry)
		if err != nil {
			return nil, err
		}
		b.rules = append(b.rules, rule)
	}
	return b, nil
}

func parseBypassRule(entry string) (bypassRule, error) {
	rule := bypassRule{raw: entry}
	pattern, port, err := splitBypassPort(entry)
	if err != nil {
		return rule, err
	}
	rule.port = port

	if prefix, err := netip.ParsePrefix(pattern); err == nil {
		rule.prefix = prefix.Masked()
		return rule, nil
	}
	if addr, err := netip.ParseAddr(pattern); err == nil {
		rule.prefix = netip.PrefixFrom(addr, addr.BitLen())
		return rule, nil
	}
	if strings.ContainsAny(pattern, "*?[") {
		g, err := glob.Compile(pattern)
		if err != nil {
			return rule, fmt.Errorf("invalid bypass pattern '%s': %w", entry, err)
		}
		rule.glob = g
		return rule, nil
	}

	rule.suffix = strings.Trim(pattern, ".")
	if rule.suffix == "" {
		return rule, fmt.Errorf("invalid bypass entry '%s'", entry)
	}
	return rule, nil
}

// splitBypassPort separates an optional ":port". Unbracketed entries with
// more than one colon are IPv6 and carry no port.
func splitBypassPort(entry string) (string, int, error) {
	host, portStr := entry, ""
	if strings.HasPrefix(entry, "[") {
		end := strings.IndexByte(entry, ']')
		if end < 0 {
			return "", 0, fmt.Errorf("invalid bypass entry '%s': missing ']'", entry)
		}
		host = entry[1:end]
		rest := entry[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return "", 0, fmt.Errorf("invalid bypass entry '%s'", entry)
			}
			portStr = rest[1:]
		}
	} else if strings.Count(entry, ":") == 1 {
		i := strings.IndexByte(entry, ':')
		host, portStr = entry[:i], entry[i+1:]
	}
	if portStr == "" {
		return host, 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 || strings.Trim(portStr, "0123456789") != "" {
		return "", 0, fmt.Errorf("invalid port in bypass entry '%s'", entry)
	}
	return host, port, nil
}

// Match reports whether host (name or literal, brackets allowed) on port
// bypasses the proxy. Port 0 matches only port-less rules.
func (b *Bypass) Match(host string, port int) bool {
	if b == nil {
		return false
	}
	if b.all {
		return true
	}
	host = strings.TrimSuffix(strings.ToLower(strings.Trim(host, "[]")), ".")
	addr, addrErr := netip.ParseAddr(host)
	isIP := addrErr == nil

	if b.local && !isIP && !strings.Contains(host, ".") {
		return true
	}
	for _, rule := range b.rules {
		if rule.port != 0 && rule.port != port {
			continue
		}
		switch {
		case rule.prefix.IsValid():
			if isIP && rule.prefix.Contains(addr.Unmap()) {
				return true
			}
		case rule.glob != nil:
			if rule.glob.Match(host) {
				return true
			}
		default:
			if pac.MatchesSuffix(host, rule.suffix) {
				return true
			}
		}
	}
	return false
}

// Len returns the number of entries, counting "*" and "<local>".
func (b *Bypass) Len() int {
	if b == nil {
		return 0
	}
	n := len(b.rules)
	if b.all {
		n++
	}
	if b.local {
		n++
	}
	return n
}
