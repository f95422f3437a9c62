package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultMaxSize      = 1 * 1024 * 1024

	pacMediaType = "application/x-ns-proxy-autoconfig"
)

// ErrNotModified is returned when the script is unchanged since lastModified.
var ErrNotModified = errors.New("PAC script not modified")

// Document is a fetched PAC script, already decoded to UTF-8.
type Document struct {
	Location     string
	Content      string
	LastModified string // Last-Modified header or file mtime, in http.TimeFormat
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	Timeout   time.Duration // <= 0 uses DefaultFetchTimeout
	MaxSize   int64         // <= 0 uses DefaultMaxSize
	Charset   string        // forces a charset; empty means detect
	UserAgent string
}

// Fetcher retrieves PAC scripts over http(s) or from the filesystem. HTTP
// requests never go through a proxy.
type Fetcher struct {
	client    *http.Client
	maxSize   int64
	charset   string
	userAgent string
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts FetcherOptions) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "pacgate/PAC-Fetcher"
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: nil,
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        5,
				IdleConnTimeout:     60 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		maxSize:   maxSize,
		charset:   opts.Charset,
		userAgent: userAgent,
	}
}

// Fetch loads the script at location: an http(s) URL, a file URL or a plain
// path. A non-empty lastModified enables conditional fetching; an unchanged
// script yields ErrNotModified.
func (f *Fetcher) Fetch(ctx context.Context, location, lastModified string) (*Document, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || isWindowsDrive(u.Scheme) {
		return f.fetchFile(location, location, lastModified)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.fetchHTTP(ctx, u, lastModified)
	case "file":
		path := u.Path
		if strings.HasPrefix(path, "/") && len(path) > 2 && path[2] == ':' {
			path = path[1:]
		}
		return f.fetchFile(location, path, lastModified)
	default:
		return nil, fmt.Errorf("unsupported PAC location scheme: %s", u.Scheme)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL, lastModified string) (*Document, error) {
	location := u.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create PAC request: %w", err)
	}
	req.Header.Set("Accept", pacMediaType)
	req.Header.Set("User-Agent", f.userAgent)
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch PAC file from %s: %w", location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		slog.Debug("PAC file not modified (304)", "uri", location)
		return nil, ErrNotModified
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch PAC file: %s returned status %s", location, resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read PAC response body: %w", err)
	}
	if int64(len(raw)) > f.maxSize {
		return nil, fmt.Errorf("PAC file size exceeds limit (%d bytes)", f.maxSize)
	}

	return f.document(location, raw, resp.Header.Get("Content-Type"), resp.Header.Get("Last-Modified"))
}

func (f *Fetcher) fetchFile(location, path, lastModified string) (*Document, error) {
	path = filepath.Clean(path)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat PAC file %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("PAC file path %s is a directory, not a file", path)
	}
	if info.Size() > f.maxSize {
		return nil, fmt.Errorf("PAC file %s exceeds maximum size limit (%d bytes)", path, f.maxSize)
	}
	modTime := info.ModTime().UTC().Format(http.TimeFormat)
	if lastModified != "" && modTime == lastModified {
		slog.Debug("PAC file not modified (mtime)", "path", path)
		return nil, ErrNotModified
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PAC file %s: %w", path, err)
	}
	return f.document(location, raw, "", modTime)
}

func (f *Fetcher) document(location string, raw []byte, contentType, lastModified string) (*Document, error) {
	decoded, err := decodeBytesWithCharset(raw, contentType, f.charset)
	if err != nil {
		slog.Warn("Failed to decode PAC content, using raw bytes", "uri", location, "error", err)
		decoded = raw
	}
	if !utf8.Valid(decoded) {
		slog.Warn("PAC content is not valid UTF-8 after decoding", "uri", location)
	}
	slog.Debug("Fetched PAC script", "uri", location, "size", len(decoded))
	return &Document{Location: location, Content: string(decoded), LastModified: lastModified}, nil
}

func isWindowsDrive(scheme string) bool {
	return len(scheme) == 1
}
