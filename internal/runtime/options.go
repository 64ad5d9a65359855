package runtime

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Proxy.
type Option func(*Proxy) error

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		p.logger = l
		return nil
	}
}

// WithHTTPClient replaces the upstream HTTP client, e.g. to point the proxy
// at a recorded fixture transport in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Proxy) error {
		p.httpClient = c
		return nil
	}
}

// WithTraceWriter sends exported spans to w instead of stdout. Only used when
// tracing is enabled.
func WithTraceWriter(w io.Writer) Option {
	return func(p *Proxy) error {
		p.traceWriter = w
		return nil
	}
}

// WithClock overrides time.Now for trace timestamps and cassette recording
// times.
func WithClock(now func() time.Time) Option {
	return func(p *Proxy) error {
		if now == nil {
			return errors.New("clock is nil")
		}
		p.now = now
		return nil
	}
}
