// Package http implements a patch source backed by a patch server.
//
// A patch server exposes version.txt with the current build, <name>.bin with
// the 20-byte hash of a top-level file, and <hex>.bin with stored content, the
// last two optionally below a <build>/ prefix.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzhttp"

	"github.com/meigma/nexus"
	"github.com/meigma/nexus/internal/sizing"
	"github.com/meigma/nexus/patch"
)

// DefaultUserAgent is sent with every request unless overridden.
const DefaultUserAgent = "Nexus.Archive.Patcher/1.0"

// maxVersionSize bounds the version.txt body.
const maxVersionSize = 64

// ErrNotFound matches a 404 response.
var ErrNotFound = patch.ErrNotFound

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

// Is reports a 404 as ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == nethttp.StatusNotFound
}

// Source fetches patch content over HTTP.
type Source struct {
	base      *url.URL
	client    *nethttp.Client
	headers   nethttp.Header
	userAgent string
	logger    *slog.Logger

	mu    sync.Mutex
	build int
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests. Its transport is
// wrapped to negotiate gzip and zstd response compression.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) Option {
	return func(s *Source) {
		s.userAgent = ua
	}
}

// WithLogger sets the logger for requests.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		s.logger = logger
	}
}

// NewSource returns a Source for the patch server at baseURL.
func NewSource(baseURL string, opts ...Option) (*Source, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL %q: unsupported scheme", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	s := &Source{base: base, userAgent: DefaultUserAgent}
	for _, opt := range opts {
		opt(s)
	}

	client := nethttp.Client{}
	if s.client != nil {
		client = *s.client
	}
	parent := client.Transport
	if parent == nil {
		parent = nethttp.DefaultTransport
	}
	client.Transport = gzhttp.Transport(parent)
	s.client = &client
	return s, nil
}

func (s *Source) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// ServerBuild returns the build in version.txt. The first successful answer
// is cached for the life of the Source.
func (s *Source) ServerBuild(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.build > 0 {
		return s.build, nil
	}

	body, err := s.get(ctx, "version.txt")
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck // read side
	data, err := sizing.ReadAllWithLimit(body, maxVersionSize, errors.New("version.txt too large"))
	if err != nil {
		return 0, err
	}
	build, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("version.txt: %w", err)
	}
	s.build = build
	s.log().Debug("server build", "build", build)
	return build, nil
}

// FileHash returns the hash the server publishes for the named file.
func (s *Source) FileHash(ctx context.Context, build int, name string) ([]byte, error) {
	body, err := s.get(ctx, buildPath(build, name+".bin"))
	if err != nil {
		return nil, err
	}
	defer body.Close() //nolint:errcheck // read side
	hash, err := sizing.ReadAllWithLimit(body, nexus.HashSize, nexus.ErrInvalidHashLength)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(hash) != nexus.HashSize {
		return nil, fmt.Errorf("%s: %w: got %d bytes", name, nexus.ErrInvalidHashLength, len(hash))
	}
	return hash, nil
}

// DownloadHash streams the content stored under hash. The caller closes the
// returned body.
func (s *Source) DownloadHash(ctx context.Context, build int, hash []byte) (io.ReadCloser, error) {
	if len(hash) != nexus.HashSize {
		return nil, fmt.Errorf("%w: got %d bytes", nexus.ErrInvalidHashLength, len(hash))
	}
	return s.get(ctx, buildPath(build, hex.EncodeToString(hash)+".bin"))
}

// DownloadFile streams the named file. A build <= 0 means the server's
// current build.
func (s *Source) DownloadFile(ctx context.Context, build int, name string) (io.ReadCloser, error) {
	if build <= 0 {
		b, err := s.ServerBuild(ctx)
		if err != nil {
			return nil, err
		}
		build = b
	}
	hash, err := s.FileHash(ctx, build, name)
	if err != nil {
		return nil, err
	}
	return s.DownloadHash(ctx, build, hash)
}

func buildPath(build int, name string) string {
	if build > 0 {
		return strconv.Itoa(build) + "/" + name
	}
	return name
}

func (s *Source) get(ctx context.Context, rel string) (io.ReadCloser, error) {
	u := s.base.ResolveReference(&url.URL{Path: rel})
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, u.String(), nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
		return nil, &StatusError{URL: u.String(), StatusCode: resp.StatusCode, Status: resp.Status}
	}
	s.log().Debug("fetching", "url", u.String(), "size", resp.ContentLength)
	return resp.Body, nil
}

var _ patch.Source = (*Source)(nil)
