// Package upstream forwards canonical requests to the real provider APIs.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/metrics"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/codec"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/telemetry"
)

const defaultTimeout = 120 * time.Second

// ProviderOptions configures how one provider is reached.
type ProviderOptions struct {
	// BaseURL overrides the public endpoint, e.g. for a local mock.
	BaseURL string

	// APIKey replaces the caller's credentials when set.
	APIKey string

	// Timeout bounds the whole call including the streamed body.
	Timeout time.Duration

	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithHTTPClient sets the HTTP client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Forwarder) {
		f.client = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithProvider configures a provider. Unconfigured providers use the public
// endpoint with caller credentials and no rate limit.
func WithProvider(p domain.Provider, opts ProviderOptions) Option {
	return func(f *Forwarder) {
		f.options[p] = opts
	}
}

// Forwarder implements ports.Forwarder over HTTP.
type Forwarder struct {
	codecs  *codec.Registry
	client  *http.Client
	logger  *slog.Logger
	options map[domain.Provider]ProviderOptions
	now     func() time.Time

	mu       sync.Mutex
	limiters map[domain.Provider]*rate.Limiter
}

var _ ports.Forwarder = (*Forwarder)(nil)

// New creates a forwarder encoding requests with codecs.
func New(codecs *codec.Registry, opts ...Option) *Forwarder {
	f := &Forwarder{
		codecs:   codecs,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:   slog.Default(),
		options:  make(map[domain.Provider]ProviderOptions),
		now:      time.Now,
		limiters: make(map[domain.Provider]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Forwarder) limiter(p domain.Provider) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[p]; ok {
		return l
	}
	opts := f.options[p]
	if opts.RateLimit <= 0 {
		return nil
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	l := rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	f.limiters[p] = l
	return l
}

// call is one prepared upstream request.
type call struct {
	codec   codec.Codec
	httpReq *http.Request
	cancel  context.CancelFunc
	span    trace.Span
	start   time.Time
}

// prepare runs every check that must precede network I/O, in order: mode,
// rate limit, encoding.
func (f *Forwarder) prepare(ctx context.Context, mode domain.Mode, req *domain.CanonicalRequest, name string) (*call, error) {
	if !mode.AllowsUpstream() {
		return nil, domain.ErrModeForbidsUpstream(mode).WithProvider(req.Provider)
	}
	ep, ok := endpoints[req.Provider]
	if !ok {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("no upstream endpoint for provider %q", req.Provider))
	}
	if l := f.limiter(req.Provider); l != nil && !l.Allow() {
		metrics.RateLimited.WithLabelValues(string(req.Provider)).Inc()
		return nil, domain.ErrRateLimit(fmt.Sprintf("%s upstream budget exhausted", req.Provider)).WithProvider(req.Provider)
	}

	c, err := f.codecs.Get(req.Provider)
	if err != nil {
		return nil, err
	}
	body, err := c.EncodeRequest(req)
	if err != nil {
		return nil, err
	}

	opts := f.options[req.Provider]
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, span := telemetry.Tracer().Start(ctx, name, trace.WithAttributes(
		telemetry.AttrProvider.String(string(req.Provider)),
		telemetry.AttrMode.String(string(mode)),
	))
	ctx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url(opts.BaseURL), bytes.NewReader(body))
	if err != nil {
		cancel()
		telemetry.EndSpan(span, err)
		return nil, domain.ErrServer("build upstream request").WithCause(err)
	}
	httpReq.Header = ep.headers(req.Headers, opts.APIKey)

	return &call{codec: c, httpReq: httpReq, cancel: cancel, span: span, start: f.now()}, nil
}

// finish records metrics and closes the span.
func (f *Forwarder) finish(c *call, p domain.Provider, status int, err error) {
	c.cancel()
	outcome := "ok"
	if err != nil {
		outcome = string(domain.ToAPIError(err).Type)
	}
	dur := f.now().Sub(c.start)
	metrics.ObserveUpstream(string(p), outcome, dur)
	if status != 0 {
		c.span.SetAttributes(telemetry.AttrStatus.Int(status))
	}
	telemetry.EndSpan(c.span, err)

	attrs := []any{
		slog.String("provider", string(p)),
		slog.Int("status", status),
		slog.Duration("duration", dur),
	}
	if err != nil {
		f.logger.Warn("upstream call failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	f.logger.Debug("upstream call completed", attrs...)
}

// transportError maps a failed round trip or body read onto the taxonomy.
func transportError(ctx context.Context, p domain.Provider, err error) *domain.APIError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ErrTimeout(fmt.Sprintf("%s upstream call timed out", p)).WithProvider(p).WithCause(err)
	}
	return domain.ErrUpstream(0, fmt.Sprintf("%s upstream request failed", p)).WithProvider(p).WithCause(err)
}

func (f *Forwarder) do(c *call, p domain.Provider) (*http.Response, error) {
	resp, err := f.client.Do(c.httpReq)
	if err != nil {
		return nil, transportError(c.httpReq.Context(), p, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, c.codec.ParseError(resp.StatusCode, body).WithProvider(p)
	}
	return resp, nil
}

// Call performs a non-streaming upstream call.
func (f *Forwarder) Call(ctx context.Context, mode domain.Mode, req *domain.CanonicalRequest) (resp *domain.CanonicalResponse, err error) {
	c, err := f.prepare(ctx, mode, req, "upstream.call")
	if err != nil {
		return nil, err
	}
	status := 0
	defer func() { f.finish(c, req.Provider, status, err) }()

	httpResp, err := f.do(c, req.Provider)
	if err != nil {
		status = domain.ToAPIError(err).StatusCode
		return nil, err
	}
	defer httpResp.Body.Close()
	status = httpResp.StatusCode

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, transportError(c.httpReq.Context(), req.Provider, err)
	}
	body, err := c.codec.DecodeResponse(data)
	if err != nil {
		return nil, err
	}

	return &domain.CanonicalResponse{
		StatusCode: httpResp.StatusCode,
		Headers:    keepHeaders(httpResp.Header),
		Body:       *body,
	}, nil
}

// Stream performs a streaming upstream call. Frames reach sink in arrival
// order; the returned response carries every frame with its inter-arrival
// delay. A stream that ends before its terminal event is an error.
func (f *Forwarder) Stream(ctx context.Context, mode domain.Mode, req *domain.CanonicalRequest, sink ports.StreamSink) (resp *domain.CanonicalResponse, err error) {
	if !req.Stream {
		return nil, domain.ErrInvalidRequest("stream called for a non-streaming request")
	}
	c, err := f.prepare(ctx, mode, req, "upstream.stream")
	if err != nil {
		return nil, err
	}
	status := 0
	defer func() { f.finish(c, req.Provider, status, err) }()

	httpResp, err := f.do(c, req.Provider)
	if err != nil {
		status = domain.ToAPIError(err).StatusCode
		return nil, err
	}
	defer httpResp.Body.Close()
	status = httpResp.StatusCode

	acc := c.codec.NewStreamAccumulator()
	var chunks []domain.StreamChunk
	last := f.now()

	readErr := readFrames(httpResp.Body, func(fr frame) error {
		now := f.now()
		chunks = append(chunks, domain.StreamChunk{
			Event:   fr.event,
			Data:    fr.data,
			DelayMS: now.Sub(last).Milliseconds(),
		})
		last = now

		if err := sink.WriteFrame(fr.event, []byte(fr.data)); err != nil {
			return &sinkError{err: err}
		}
		return acc.Add(fr.event, []byte(fr.data))
	})
	if readErr != nil {
		var (
			sinkErr *sinkError
			apiErr  *domain.APIError
		)
		if errors.As(readErr, &sinkErr) {
			return nil, domain.ErrServer("client went away during stream").WithCause(sinkErr.err)
		}
		if errors.As(readErr, &apiErr) {
			return nil, apiErr.WithProvider(req.Provider)
		}
		return nil, transportError(c.httpReq.Context(), req.Provider, readErr)
	}
	if !acc.Done() {
		return nil, domain.ErrUpstream(0, fmt.Sprintf("%s stream ended before its terminal event", req.Provider)).WithProvider(req.Provider)
	}

	body, err := acc.Result()
	if err != nil {
		return nil, err
	}
	return &domain.CanonicalResponse{
		StatusCode: httpResp.StatusCode,
		Headers:    keepHeaders(httpResp.Header),
		Body:       *body,
		Chunks:     chunks,
	}, nil
}

// sinkError marks a failure writing to the caller rather than reading from
// upstream.
type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return "write stream frame: " + e.err.Error() }

func (e *sinkError) Unwrap() error { return e.err }
