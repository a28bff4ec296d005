// Package probe answers one question: is the remote authority reachable now.
//
// Every Prober resolves to a boolean and never blocks past its timeout.
// Errors, timeouts and non-2xx answers all mean unreachable, so callers that
// branch on the result fail closed.
package probe

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single health check.
const DefaultTimeout = 3 * time.Second

// Prober reports whether the remote authority is reachable.
type Prober interface {
	Reachable(ctx context.Context) bool
}

// HTTPProber checks reachability with GET {baseURL}/health.
type HTTPProber struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an HTTPProber.
type Option func(*HTTPProber)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(p *HTTPProber) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithHTTPClient sets the client used for health checks.
func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPProber) {
		p.client = c
	}
}

// WithLogger sets the logger for probe outcomes.
func WithLogger(l *slog.Logger) Option {
	return func(p *HTTPProber) {
		p.logger = l
	}
}

// NewHTTP creates a prober for the authority rooted at baseURL.
func NewHTTP(baseURL string, opts ...Option) *HTTPProber {
	p := &HTTPProber{
		url:     strings.TrimRight(baseURL, "/") + "/health",
		client:  http.DefaultClient,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reachable returns true only when /health answers 2xx within the timeout.
func (p *HTTPProber) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.logger.Debug("probe request invalid", "url", p.url, "error", err)
		return false
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe failed", "url", p.url, "error", err, "elapsed", time.Since(start))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	p.logger.Debug("probe answered", "url", p.url, "status", resp.StatusCode, "reachable", ok)
	return ok
}

// Static always returns its own value. Used to pin connectivity in tests
// and in the CLI's --offline mode.
type Static bool

// Reachable implements Prober.
func (s Static) Reachable(context.Context) bool { return bool(s) }

// Func adapts a function to the Prober interface.
type Func func(ctx context.Context) bool

// Reachable implements Prober.
func (f Func) Reachable(ctx context.Context) bool { return f(ctx) }
