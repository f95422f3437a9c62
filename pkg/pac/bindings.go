package pac

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strings"

	"github.com/robertkrimen/otto"
)

const (
	// clientVersion is what getClientVersion reports to scripts.
	clientVersion = "1.0"

	// maxCallDepth bounds script recursion; deeper calls raise a RangeError
	// instead of exhausting the goroutine stack.
	maxCallDepth = 1000
)

// sandboxEnv carries the fixed, configuration-driven facts the PAC helpers may
// consult. It is read-only once the engine is built.
type sandboxEnv struct {
	myIP  []string
	hosts map[string][]string // lower-cased host -> addresses
}

func newSandboxEnv(opts EngineOptions) *sandboxEnv {
	env := &sandboxEnv{
		myIP:  opts.MyIPAddresses,
		hosts: make(map[string][]string, len(opts.Hosts)+1),
	}
	if len(env.myIP) == 0 {
		env.myIP = []string{DefaultMyIPAddress}
	}
	env.hosts["localhost"] = []string{"127.0.0.1"}
	for host, addrs := range opts.Hosts {
		env.hosts[strings.ToLower(strings.TrimSuffix(host, "."))] = addrs
	}
	return env
}

// resolve answers dnsResolve from IP literals and the static hosts table.
func (env *sandboxEnv) resolve(host string) []string {
	host = strings.TrimSpace(host)
	if addr, ok := parseLiteralIP(host); ok {
		return []string{addr.String()}
	}
	return env.hosts[strings.ToLower(strings.TrimSuffix(host, "."))]
}

// resolveFirst prefers an IPv4 answer, which is what classic scripts expect
// to feed into isInNet.
func (env *sandboxEnv) resolveFirst(host string) (string, bool) {
	addrs := env.resolve(host)
	if len(addrs) == 0 {
		return "", false
	}
	for _, a := range addrs {
		if ip, err := netip.ParseAddr(a); err == nil && ip.Is4() {
			return a, true
		}
	}
	return addrs[0], true
}

// install registers the helper set into vm and strips the sources of
// non-determinism from the global scope.
func (env *sandboxEnv) install(vm *otto.Otto) error {
	vm.SetStackDepthLimit(maxCallDepth)

	helpers := map[string]interface{}{
		"isPlainHostName":     boolFn1(IsPlainHostName),
		"dnsDomainIs":         boolFn2(DNSDomainIs),
		"localHostOrDomainIs": boolFn2(LocalHostOrDomainIs),
		"isValidIpAddress":    boolFn1(IsLiteralIP),
		"shExpMatch":          boolFn2(ShExpMatch),
		"dnsDomainLevels":     pacDNSDomainLevels,
		"sortIpAddressList":   pacSortIPAddressList,
		"isResolvable":        env.pacIsResolvable,
		"isResolvableEx":      env.pacIsResolvable,
		"dnsResolve":          env.pacDNSResolve,
		"dnsResolveEx":        env.pacDNSResolveEx,
		"myIpAddress":         env.pacMyIPAddress,
		"myIpAddressEx":       env.pacMyIPAddressEx,
		"isInNet":             env.pacIsInNet,
		"isInNetEx":           env.pacIsInNetEx,
		"getClientVersion":    pacGetClientVersion,
		"alert":               pacAlert,

		// No clock inside the sandbox.
		"weekdayRange": func(otto.FunctionCall) otto.Value { return otto.FalseValue() },
		"dateRange":    func(otto.FunctionCall) otto.Value { return otto.FalseValue() },
		"timeRange":    func(otto.FunctionCall) otto.Value { return otto.FalseValue() },
	}
	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set PAC helper '%s': %w", name, err)
		}
	}

	if err := vm.Set("Date", otto.UndefinedValue()); err != nil {
		return fmt.Errorf("failed to remove Date: %w", err)
	}
	math, err := vm.Get("Math")
	if err != nil {
		return fmt.Errorf("failed to look up Math: %w", err)
	}
	if math.IsObject() {
		if err := math.Object().Set("random", otto.UndefinedValue()); err != nil {
			return fmt.Errorf("failed to remove Math.random: %w", err)
		}
	}
	return nil
}

// --- Individual helper bindings ---

func boolValue(b bool) otto.Value {
	if b {
		return otto.TrueValue()
	}
	return otto.FalseValue()
}

func stringArg(call otto.FunctionCall, i int) string {
	arg := call.Argument(i)
	if arg.IsUndefined() || arg.IsNull() {
		return ""
	}
	s, err := arg.ToString()
	if err != nil {
		return ""
	}
	return s
}

func stringValue(s string) otto.Value {
	v, err := otto.ToValue(s)
	if err != nil {
		return otto.NullValue()
	}
	return v
}

func boolFn1(fn func(string) bool) func(otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		return boolValue(fn(stringArg(call, 0)))
	}
}

func boolFn2(fn func(string, string) bool) func(otto.FunctionCall) otto.Value {
	return func(call otto.FunctionCall) otto.Value {
		return boolValue(fn(stringArg(call, 0), stringArg(call, 1)))
	}
}

func pacDNSDomainLevels(call otto.FunctionCall) otto.Value {
	v, err := otto.ToValue(DomainLevels(stringArg(call, 0)))
	if err != nil {
		return otto.UndefinedValue()
	}
	return v
}

func pacSortIPAddressList(call otto.FunctionCall) otto.Value {
	sorted := SortIPAddressList(stringArg(call, 0))
	if sorted == "" {
		return otto.FalseValue()
	}
	return stringValue(sorted)
}

func pacGetClientVersion(otto.FunctionCall) otto.Value {
	return stringValue(clientVersion)
}

func pacAlert(call otto.FunctionCall) otto.Value {
	slog.Info("PAC alert", "message", stringArg(call, 0))
	return otto.UndefinedValue()
}

func (env *sandboxEnv) pacIsResolvable(call otto.FunctionCall) otto.Value {
	_, ok := env.resolveFirst(stringArg(call, 0))
	return boolValue(ok)
}

func (env *sandboxEnv) pacDNSResolve(call otto.FunctionCall) otto.Value {
	host := stringArg(call, 0)
	ip, ok := env.resolveFirst(host)
	if !ok {
		slog.Debug("PAC dnsResolve: no static answer", "host", host)
		return otto.NullValue()
	}
	return stringValue(ip)
}

func (env *sandboxEnv) pacDNSResolveEx(call otto.FunctionCall) otto.Value {
	return stringValue(strings.Join(env.resolve(stringArg(call, 0)), ";"))
}

func (env *sandboxEnv) pacMyIPAddress(otto.FunctionCall) otto.Value {
	return stringValue(env.myIP[0])
}

func (env *sandboxEnv) pacMyIPAddressEx(otto.FunctionCall) otto.Value {
	return stringValue(strings.Join(env.myIP, ";"))
}

func (env *sandboxEnv) pacIsInNet(call otto.FunctionCall) otto.Value {
	ip, ok := env.resolveFirst(stringArg(call, 0))
	if !ok {
		return otto.FalseValue()
	}
	return boolValue(IsInNet(ip, stringArg(call, 1), stringArg(call, 2)))
}

func (env *sandboxEnv) pacIsInNetEx(call otto.FunctionCall) otto.Value {
	prefix := stringArg(call, 1)
	for _, ip := range env.resolve(stringArg(call, 0)) {
		if IsInNetEx(ip, prefix) {
			return otto.TrueValue()
		}
	}
	return otto.FalseValue()
}
