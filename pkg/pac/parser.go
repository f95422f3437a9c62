package pac

import (
	"net"
	"strconv"
	"strings"
)

const pacDelimiter = ";"

var keywordKinds = map[string]Kind{
	"DIRECT": KindDirect,
	"PROXY":  KindProxy,
	"HTTP":   KindHTTP,
	"HTTPS":  KindHTTPS,
	"SOCKS":  KindSOCKS,
	"SOCKS4": KindSOCKS4,
	"SOCKS5": KindSOCKS5,
}

// ParseDirectives turns a FindProxyForURL result into a Chain.
//
// Entries are separated by ";" and surrounding whitespace is ignored, so a
// trailing separator is harmless. Keywords are matched case-insensitively.
// Parsing is all-or-nothing: one malformed entry rejects the whole result and
// no entry is ever dropped, reordered or deduplicated.
func ParseDirectives(result string) (Chain, error) {
	var chain Chain
	for _, raw := range strings.Split(result, pacDelimiter) {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		d, err := parseEntry(entry)
		if err != nil {
			err.Input = result
			return nil, err
		}
		chain = append(chain, d)
	}
	if len(chain) == 0 {
		return nil, &DirectiveParseError{Input: result, Reason: "no directives"}
	}
	return chain, nil
}

// MustParseDirectives is ParseDirectives for literals known to be valid.
func MustParseDirectives(result string) Chain {
	chain, err := ParseDirectives(result)
	if err != nil {
		panic(err)
	}
	return chain
}

func parseEntry(entry string) (Directive, *DirectiveParseError) {
	fields := strings.Fields(entry)
	kind, ok := keywordKinds[strings.ToUpper(fields[0])]
	if !ok {
		return Directive{}, &DirectiveParseError{Entry: entry, Reason: "unknown keyword " + strconv.Quote(fields[0])}
	}

	if kind == KindDirect {
		if len(fields) > 1 {
			return Directive{}, &DirectiveParseError{Entry: entry, Reason: "DIRECT takes no address"}
		}
		return Direct, nil
	}

	switch {
	case len(fields) < 2:
		return Directive{}, &DirectiveParseError{Entry: entry, Reason: "missing host"}
	case len(fields) > 2:
		return Directive{}, &DirectiveParseError{Entry: entry, Reason: "unexpected data after address"}
	}

	host, port, reason := splitHostPort(fields[1], kind.DefaultPort())
	if reason != "" {
		return Directive{}, &DirectiveParseError{Entry: entry, Reason: reason}
	}
	return Directive{Kind: kind, Host: host, Port: port}, nil
}

// splitHostPort accepts "host", "host:port", "[v6]", "[v6]:port" and a bare
// IPv6 literal without port. The returned reason is empty on success.
func splitHostPort(addr string, defaultPort int) (string, int, string) {
	var host, portStr string
	switch {
	case strings.HasPrefix(addr, "["):
		end := strings.Index(addr, "]")
		if end < 0 {
			return "", 0, "unterminated IPv6 literal"
		}
		host = addr[1:end]
		rest := addr[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return "", 0, "garbage after IPv6 literal"
			}
			portStr = rest[1:]
			if portStr == "" {
				return "", 0, "empty port"
			}
		}
		if ip := net.ParseIP(host); ip == nil || ip.To4() != nil {
			return "", 0, "invalid IPv6 literal"
		}
	case strings.Count(addr, ":") > 1:
		if net.ParseIP(addr) == nil {
			return "", 0, "invalid address"
		}
		host = addr
	default:
		var found bool
		host, portStr, found = strings.Cut(addr, ":")
		if found && portStr == "" {
			return "", 0, "empty port"
		}
	}

	if host == "" {
		return "", 0, "empty host"
	}
	if portStr == "" {
		return host, defaultPort, ""
	}
	if !allDigits(portStr) {
		return "", 0, "invalid port " + strconv.Quote(portStr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, "invalid port " + strconv.Quote(portStr)
	}
	return host, port, ""
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
