package pac

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidQuery is returned when the URL or host handed to the evaluator
// is empty, or the host still carries a scheme.
var ErrInvalidQuery = errors.New("invalid PAC query")

// ScriptLoadError means the script could not be compiled or does not define
// a callable FindProxyForURL.
type ScriptLoadError struct {
	Err error
}

func (e *ScriptLoadError) Error() string {
	return fmt.Sprintf("failed to load PAC script: %v", e.Err)
}

func (e *ScriptLoadError) Unwrap() error { return e.Err }

// ScriptRuntimeError means FindProxyForURL threw, or returned something that
// is not a string.
type ScriptRuntimeError struct {
	URL  string
	Host string
	Err  error
}

func (e *ScriptRuntimeError) Error() string {
	return fmt.Sprintf("PAC script failed for url %q host %q: %v", e.URL, e.Host, e.Err)
}

func (e *ScriptRuntimeError) Unwrap() error { return e.Err }

// ScriptTimeoutError means evaluation was interrupted, either because the
// execution budget ran out or because the caller's context ended.
type ScriptTimeoutError struct {
	Timeout time.Duration
	Err     error // context.DeadlineExceeded or context.Canceled
}

func (e *ScriptTimeoutError) Error() string {
	return fmt.Sprintf("PAC script execution interrupted (budget %s): %v", e.Timeout, e.Err)
}

func (e *ScriptTimeoutError) Unwrap() error { return e.Err }

// DirectiveParseError reports the first malformed entry of a
// FindProxyForURL result. The whole result is rejected.
type DirectiveParseError struct {
	Input  string // full result string
	Entry  string // offending entry, empty when the input has no entries
	Reason string
}

func (e *DirectiveParseError) Error() string {
	if e.Entry == "" {
		return fmt.Sprintf("invalid PAC result %q: %s", e.Input, e.Reason)
	}
	return fmt.Sprintf("invalid PAC directive %q in %q: %s", e.Entry, e.Input, e.Reason)
}
