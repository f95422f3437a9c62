package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const DefaultRefreshInterval = 15 * time.Minute

// LocationFunc yields the PAC location to fetch, e.g. a fixed URL or the
// result of WPAD discovery.
type LocationFunc func(ctx context.Context) (string, error)

// Static returns a LocationFunc for a fixed location.
func Static(location string) LocationFunc {
	return func(context.Context) (string, error) { return location, nil }
}

// Discovered returns a LocationFunc backed by WPAD discovery.
func Discovered(l *Locator) LocationFunc {
	return l.Discover
}

// Loader keeps the most recent PAC script. Concurrent loads are coalesced and
// a failed refresh keeps serving the previous script.
type Loader struct {
	fetcher *Fetcher
	locate  LocationFunc
	ttl     time.Duration

	group singleflight.Group

	mu        sync.RWMutex
	doc       *Document
	fetchedAt time.Time
	lastErr   error
}

// NewLoader creates a Loader. A ttl <= 0 uses DefaultRefreshInterval.
func NewLoader(fetcher *Fetcher, locate LocationFunc, ttl time.Duration) *Loader {
	if ttl <= 0 {
		ttl = DefaultRefreshInterval
	}
	return &Loader{fetcher: fetcher, locate: locate, ttl: ttl}
}

// Current returns the last good document, or nil before the first success.
func (l *Loader) Current() *Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.doc
}

// LastError returns the error of the most recent failed load, cleared on success.
func (l *Loader) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}

// Stale reports whether the document is missing or older than the TTL.
func (l *Loader) Stale() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.doc == nil || time.Since(l.fetchedAt) >= l.ttl
}

// Load returns the current document, fetching it first when stale or when
// force is set. changed is true when the content differs from the previous
// document. On failure the previous document, if any, is returned with the
// error.
func (l *Loader) Load(ctx context.Context, force bool) (doc *Document, changed bool, err error) {
	if !force && !l.Stale() {
		return l.Current(), false, nil
	}

	type outcome struct {
		doc     *Document
		changed bool
	}
	v, err, _ := l.group.Do("load", func() (interface{}, error) {
		d, c, e := l.refresh(ctx)
		return outcome{d, c}, e
	})
	res := v.(outcome)
	return res.doc, res.changed, err
}

func (l *Loader) refresh(ctx context.Context) (*Document, bool, error) {
	prev := l.Current()

	location, err := l.locate(ctx)
	if err != nil {
		return prev, false, l.fail(fmt.Errorf("failed to locate PAC script: %w", err))
	}

	lastModified := ""
	if prev != nil && prev.Location == location {
		lastModified = prev.LastModified
	}

	doc, err := l.fetcher.Fetch(ctx, location, lastModified)
	if errors.Is(err, ErrNotModified) {
		l.mu.Lock()
		l.fetchedAt = time.Now()
		l.lastErr = nil
		l.mu.Unlock()
		return prev, false, nil
	}
	if err != nil {
		return prev, false, l.fail(err)
	}

	changed := prev == nil || prev.Content != doc.Content
	l.mu.Lock()
	l.doc = doc
	l.fetchedAt = time.Now()
	l.lastErr = nil
	l.mu.Unlock()

	if changed {
		slog.Info("PAC script loaded", "uri", doc.Location, "size", len(doc.Content))
	} else {
		slog.Debug("PAC script content unchanged", "uri", doc.Location)
	}
	return doc, changed, nil
}

func (l *Loader) fail(err error) error {
	l.mu.Lock()
	l.lastErr = err
	hasPrevious := l.doc != nil
	l.mu.Unlock()
	if hasPrevious {
		slog.Warn("PAC refresh failed, keeping previous script", "error", err)
	}
	return err
}
