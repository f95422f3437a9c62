package resolver

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/yolkispalkis/pacgate/pkg/pac"
)

const (
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCleanupInterval = 10 * time.Minute

	keySep = "\x00"
)

// Options tunes the result cache.
type Options struct {
	CacheTTL        time.Duration // <= 0 uses DefaultCacheTTL
	CleanupInterval time.Duration // <= 0 uses DefaultCleanupInterval
}

// Stats is a snapshot of cache effectiveness.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evaluated uint64
	Entries   int
}

// Resolver combines script evaluation and directive parsing, and memoises
// successful chains per (script, URL, host). Failures are never cached.
type Resolver struct {
	engine *pac.Engine
	cache  *gocache.Cache
	group  singleflight.Group

	mu      sync.Mutex
	current string // fingerprint of the most recently loaded script

	hits, misses, evaluated atomic.Uint64
}

// New creates a Resolver backed by engine.
func New(engine *pac.Engine, opts Options) *Resolver {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cleanup := opts.CleanupInterval
	if cleanup <= 0 {
		cleanup = DefaultCleanupInterval
	}
	return &Resolver{
		engine: engine,
		cache:  gocache.New(ttl, cleanup),
	}
}

// Engine exposes the evaluator the resolver runs scripts on.
func (r *Resolver) Engine() *pac.Engine { return r.engine }

// LoadScript compiles source. The new script supersedes the previously loaded
// one: cached chains of the old script are dropped.
func (r *Resolver) LoadScript(ctx context.Context, source string) (*pac.Script, error) {
	script, err := r.engine.LoadScript(ctx, source)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	previous := r.current
	r.current = script.Fingerprint()
	r.mu.Unlock()

	if previous != "" && previous != script.Fingerprint() {
		purged := r.Invalidate(previous)
		slog.Info("PAC script replaced", "old", shortFingerprint(previous), "new", shortFingerprint(script.Fingerprint()), "purged_entries", purged)
	}
	return script, nil
}

// Resolve returns the proxy chain for (url, host) under script.
func (r *Resolver) Resolve(ctx context.Context, script *pac.Script, url, host string) (pac.Chain, error) {
	if script == nil {
		return nil, errors.New("no PAC script loaded")
	}
	key := cacheKey(script.Fingerprint(), url, host)
	if cached, ok := r.cache.Get(key); ok {
		r.hits.Add(1)
		return cached.(pac.Chain).Clone(), nil
	}
	r.misses.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, &pac.ScriptTimeoutError{Timeout: r.engine.ExecTimeout(), Err: err}
	}

	// The shared evaluation outlives any single caller; each caller waits
	// on its own ctx and the engine budget bounds the work.
	evalCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		// A concurrent caller may have filled the entry before we got the key.
		if cached, ok := r.cache.Get(key); ok {
			return cached, nil
		}
		r.evaluated.Add(1)
		raw, err := r.engine.Evaluate(evalCtx, script, url, host)
		if err != nil {
			return nil, err
		}
		chain, err := pac.ParseDirectives(raw)
		if err != nil {
			return nil, err
		}
		r.cache.SetDefault(key, chain)
		return chain, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			slog.Debug("PAC resolution failed", "url", url, "host", host, "error", res.Err)
			return nil, res.Err
		}
		return res.Val.(pac.Chain).Clone(), nil
	case <-ctx.Done():
		slog.Debug("PAC resolution abandoned", "url", url, "host", host, "error", ctx.Err())
		return nil, &pac.ScriptTimeoutError{Timeout: r.engine.ExecTimeout(), Err: ctx.Err()}
	}
}

// Invalidate drops every cached chain computed by the script with the given
// fingerprint and returns how many were removed.
func (r *Resolver) Invalidate(fingerprint string) int {
	prefix := fingerprint + keySep
	removed := 0
	for key := range r.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			r.cache.Delete(key)
			removed++
		}
	}
	return removed
}

// Purge empties the cache.
func (r *Resolver) Purge() {
	r.cache.Flush()
}

// Stats reports cache counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Hits:      r.hits.Load(),
		Misses:    r.misses.Load(),
		Evaluated: r.evaluated.Load(),
		Entries:   r.cache.ItemCount(),
	}
}

func cacheKey(fingerprint, url, host string) string {
	return fingerprint + keySep + url + keySep + host
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
