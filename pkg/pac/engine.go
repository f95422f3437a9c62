package pac

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
)

const (
	DefaultExecTimeout = 5 * time.Second
	DefaultMyIPAddress = "127.0.0.1"

	entryPoint     = "FindProxyForURL"
	scriptFilename = "proxy.pac"
)

var errMissingEntryPoint = errors.New("function 'FindProxyForURL' not found in PAC script")

// EngineOptions configures the sandbox every script runs in.
type EngineOptions struct {
	// ExecTimeout bounds one load or one FindProxyForURL call.
	ExecTimeout time.Duration
	// MyIPAddresses is what myIpAddress/myIpAddressEx report. The first entry
	// wins for myIpAddress.
	MyIPAddresses []string
	// Hosts is the static name table behind dnsResolve and isInNet.
	Hosts map[string][]string
}

// Engine loads PAC scripts and evaluates FindProxyForURL against them. It
// holds no per-script state and is safe for concurrent use.
type Engine struct {
	execTimeout time.Duration
	env         *sandboxEnv
}

// NewEngine creates a PAC evaluation engine.
func NewEngine(opts EngineOptions) *Engine {
	timeout := opts.ExecTimeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &Engine{
		execTimeout: timeout,
		env:         newSandboxEnv(opts),
	}
}

// ExecTimeout returns the per-call execution budget.
func (e *Engine) ExecTimeout() time.Duration { return e.execTimeout }

// Script is a compiled PAC script. The template VM holds the state after the
// script's top-level code ran; every evaluation works on a copy of it.
type Script struct {
	source      string
	fingerprint string

	mu       sync.Mutex // guards template.Copy
	template *otto.Otto
}

// Source returns the script text as loaded.
func (s *Script) Source() string { return s.source }

// Fingerprint identifies the script content (hex SHA-256 of the source).
func (s *Script) Fingerprint() string { return s.fingerprint }

func (s *Script) clone() *otto.Otto {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.template.Copy()
}

// Fingerprint computes the identity LoadScript would assign to source.
func Fingerprint(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// LoadScript compiles source, runs its top-level code once inside a fresh
// sandbox and checks that FindProxyForURL is a function. Every failure is a
// *ScriptLoadError.
func (e *Engine) LoadScript(ctx context.Context, source string) (*Script, error) {
	if strings.TrimSpace(source) == "" {
		return nil, &ScriptLoadError{Err: errors.New("empty script")}
	}

	vm := otto.New()
	if err := e.env.install(vm); err != nil {
		return nil, &ScriptLoadError{Err: err}
	}

	program, err := vm.Compile(scriptFilename, source)
	if err != nil {
		return nil, &ScriptLoadError{Err: err}
	}

	err = e.interruptible(ctx, vm, func() error {
		_, runErr := vm.Run(program)
		return runErr
	})
	if err != nil {
		return nil, &ScriptLoadError{Err: err}
	}

	fn, err := vm.Get(entryPoint)
	if err != nil {
		return nil, &ScriptLoadError{Err: err}
	}
	if !fn.IsFunction() {
		return nil, &ScriptLoadError{Err: errMissingEntryPoint}
	}

	vm.Interrupt = nil

	s := &Script{
		source:      source,
		fingerprint: Fingerprint(source),
		template:    vm,
	}
	slog.Debug("PAC script loaded", "fingerprint", s.fingerprint[:12], "size", len(source))
	return s, nil
}

// Evaluate calls FindProxyForURL(url, host) and returns its raw result.
// Host must be a bare hostname or address, without scheme.
func (e *Engine) Evaluate(ctx context.Context, script *Script, url, host string) (string, error) {
	if script == nil {
		return "", errors.New("nil PAC script")
	}
	if url == "" || host == "" {
		return "", fmt.Errorf("%w: url and host must be non-empty", ErrInvalidQuery)
	}
	if strings.Contains(host, "://") {
		return "", fmt.Errorf("%w: host %q carries a scheme", ErrInvalidQuery, host)
	}
	if err := ctx.Err(); err != nil {
		return "", &ScriptTimeoutError{Timeout: e.execTimeout, Err: err}
	}

	vm := script.clone()
	var result otto.Value
	err := e.interruptible(ctx, vm, func() error {
		fn, err := vm.Get(entryPoint)
		if err != nil {
			return err
		}
		result, err = fn.Call(otto.UndefinedValue(), url, host)
		return err
	})
	if err != nil {
		var timeoutErr *ScriptTimeoutError
		if errors.As(err, &timeoutErr) {
			slog.Warn("PAC script execution interrupted", "url", url, "timeout", e.execTimeout, "cause", timeoutErr.Err)
			return "", err
		}
		return "", &ScriptRuntimeError{URL: url, Host: host, Err: err}
	}

	if !result.IsString() {
		return "", &ScriptRuntimeError{URL: url, Host: host, Err: fmt.Errorf("FindProxyForURL returned %s, want string", typeOf(result))}
	}
	raw := result.String()
	slog.Debug("PAC evaluation", "url", url, "host", host, "result", raw)
	return raw, nil
}

func typeOf(v otto.Value) string {
	switch {
	case v.IsUndefined():
		return "undefined"
	case v.IsNull():
		return "null"
	case v.IsBoolean():
		return "boolean"
	case v.IsNumber():
		return "number"
	case v.IsFunction():
		return "function"
	default:
		return "object"
	}
}

// haltSignal is panicked into the VM through its Interrupt channel.
type haltSignal struct{ cause error }

// interruptible runs fn against vm and aborts it once the execution budget
// or ctx runs out. An abort surfaces as *ScriptTimeoutError.
func (e *Engine) interruptible(ctx context.Context, vm *otto.Otto, fn func() error) (err error) {
	execCtx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()

	interrupt := make(chan func(), 1)
	vm.Interrupt = interrupt
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-execCtx.Done():
			cause := execCtx.Err()
			interrupt <- func() { panic(haltSignal{cause: cause}) }
		case <-done:
		}
	}()

	defer func() {
		if caught := recover(); caught != nil {
			halt, ok := caught.(haltSignal)
			if !ok {
				panic(caught)
			}
			err = &ScriptTimeoutError{Timeout: e.execTimeout, Err: halt.cause}
		}
	}()

	return fn()
}
