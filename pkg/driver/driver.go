package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/yolkispalkis/pacgate/pkg/common"
	"github.com/yolkispalkis/pacgate/pkg/pac"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultMaxConcurrent  = 256
)

// ErrProxyRejected marks a hop whose proxy answered but refused the tunnel.
var ErrProxyRejected = errors.New("proxy rejected tunnel")

// State is the position of a chain walk.
type State int

const (
	StatePending State = iota
	StateConnected
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnected:
		return "connected"
	case StateExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FailureReason classifies why a single hop failed.
type FailureReason string

const (
	ReasonTimeout  FailureReason = "timeout"
	ReasonRefused  FailureReason = "refused"
	ReasonDNS      FailureReason = "dns"
	ReasonRejected FailureReason = "rejected"
	ReasonCanceled FailureReason = "canceled"
	ReasonOther    FailureReason = "error"
)

// HopFailure records one failed hop. The walk recovers from it by moving on.
type HopFailure struct {
	Hop    pac.Directive
	Reason FailureReason
	Err    error
}

func (f HopFailure) Error() string {
	return fmt.Sprintf("%s (%s): %v", f.Hop, f.Reason, f.Err)
}

func (f HopFailure) Unwrap() error { return f.Err }

// ExhaustedError is returned when no hop of the chain produced a connection.
type ExhaustedError struct {
	Target    string
	Attempted pac.Chain
	Failures  []HopFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("all %d proxy hops failed for %s: %s", len(e.Attempted), e.Target, strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Result describes a successful walk.
type Result struct {
	Conn      net.Conn
	Via       pac.Directive
	Attempted pac.Chain // every hop tried, Via last
}

// HopDialer opens a connection to target through a single hop.
type HopDialer interface {
	DialHop(ctx context.Context, hop pac.Directive, target string) (net.Conn, error)
}

// Options configures a Driver.
type Options struct {
	ConnectTimeout time.Duration // per hop; <= 0 uses DefaultConnectTimeout
	MaxConcurrent  int64         // concurrent walks; <= 0 uses DefaultMaxConcurrent
	Dialer         HopDialer     // nil uses NewDialer(nil)
}

// Driver walks proxy chains. Each walk is sequential; independent walks run
// concurrently up to MaxConcurrent.
type Driver struct {
	dialer         HopDialer
	connectTimeout time.Duration
	sem            *semaphore.Weighted
}

// New creates a Driver.
func New(opts Options) *Driver {
	d := &Driver{
		dialer:         opts.Dialer,
		connectTimeout: opts.ConnectTimeout,
	}
	if d.dialer == nil {
		d.dialer = NewDialer(nil)
	}
	if d.connectTimeout <= 0 {
		d.connectTimeout = DefaultConnectTimeout
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	d.sem = semaphore.NewWeighted(maxConcurrent)
	return d
}

// Connect tries chain[0], chain[1], ... until one hop yields a connection to
// target ("host:port"). An empty chain is treated as [DIRECT]. A hop is tried
// once, bounded by the per-hop connect timeout.
func (d *Driver) Connect(ctx context.Context, chain pac.Chain, target string) (*Result, error) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", target, err)
	}
	if len(chain) == 0 {
		chain = pac.DirectChain()
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for connection slot: %w", err)
	}
	defer d.sem.Release(1)

	logCtx := slog.With("target", target, "chain", chain.String())
	attempted := make(pac.Chain, 0, len(chain))
	var failures []HopFailure

	for i, hop := range chain {
		logCtx.Debug("Attempting hop", "state", StatePending, "index", i, "hop", hop.String())
		attempted = append(attempted, hop)

		hopCtx, cancel := context.WithTimeout(ctx, d.connectTimeout)
		conn, err := d.dialer.DialHop(hopCtx, hop, target)
		cancel()
		if err == nil {
			logCtx.Debug("Hop connected", "state", StateConnected, "via", hop.String(), "attempts", len(attempted))
			return &Result{Conn: conn, Via: hop, Attempted: attempted}, nil
		}

		failure := HopFailure{Hop: hop, Reason: classify(ctx, err), Err: err}
		failures = append(failures, failure)
		logCtx.Warn("Hop failed", "index", i, "hop", hop.String(), "reason", failure.Reason, "error", err)

		if failure.Reason == ReasonCanceled {
			break
		}
	}

	logCtx.Warn("Proxy chain exhausted", "state", StateExhausted, "attempts", len(attempted))
	return nil, &ExhaustedError{Target: target, Attempted: attempted, Failures: failures}
}

func classify(parent context.Context, err error) FailureReason {
	switch {
	case parent.Err() != nil:
		return ReasonCanceled
	case errors.Is(err, ErrProxyRejected):
		return ReasonRejected
	case common.IsDNSError(err):
		return ReasonDNS
	case common.IsTimeoutError(err):
		return ReasonTimeout
	case common.IsConnectionRefused(err):
		return ReasonRefused
	default:
		return ReasonOther
	}
}
