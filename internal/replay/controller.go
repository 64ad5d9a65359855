package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/cassette"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/ports"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/metrics"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/redact"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/signature"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/telemetry"
)

// Config is the immutable controller configuration.
type Config struct {
	// Mode applies when a call carries no override.
	Mode domain.Mode

	MatchPolicy domain.MatchPolicy

	// AllowModeOverride permits Call.ModeOverride.
	AllowModeOverride bool
}

// TokenEstimator counts tokens locally when the upstream reports no usage.
type TokenEstimator interface {
	EstimateTokens(req *domain.CanonicalRequest, resp *domain.CanonicalResponse) (int, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithTraceStore enables trace records.
func WithTraceStore(s ports.TraceStore) Option {
	return func(c *Controller) {
		c.traces = s
	}
}

// WithRedactor replaces the default redactor.
func WithRedactor(r *redact.Redactor) Option {
	return func(c *Controller) {
		if r != nil {
			c.redactor = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTokenEstimator enables local token estimates on trace metadata.
func WithTokenEstimator(e TokenEstimator) Option {
	return func(c *Controller) {
		c.tokens = e
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithIDGenerator overrides trace ID generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Controller) {
		c.newID = gen
	}
}

// Session links a call to a caller-side workflow. The controller stores it
// verbatim on the trace.
type Session struct {
	ID           string
	StepIndex    *int
	ParentStepID string
}

// Call is one inbound request.
type Call struct {
	Request *domain.CanonicalRequest

	// ModeOverride is the raw per-request mode, empty for the default.
	ModeOverride string

	Session Session

	// Sink receives frames for streaming requests.
	Sink ports.StreamSink
}

// Result describes how a call was served. It is returned alongside errors
// whenever the signature could be computed.
type Result struct {
	Response  *domain.CanonicalResponse
	Source    domain.Source
	Mode      domain.Mode
	Signature signature.Signature
	Action    Action
	TraceID   string

	// Streamed reports that the response frames were already written to
	// Call.Sink.
	Streamed bool

	// PersistErr is set when the cassette or trace write failed. The call
	// itself still succeeded.
	PersistErr error
}

// Controller is safe for concurrent use.
type Controller struct {
	cfg       Config
	cassettes cassette.Store
	forwarder ports.Forwarder
	traces    ports.TraceStore
	redactor  *redact.Redactor
	tokens    TokenEstimator
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	// flights coalesces concurrent auto-mode misses for one cassette key.
	flights singleflight.Group
}

// New creates a controller.
func New(cfg Config, cassettes cassette.Store, forwarder ports.Forwarder, opts ...Option) (*Controller, error) {
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("replay: invalid mode %q", cfg.Mode)
	}
	if cfg.MatchPolicy == "" {
		cfg.MatchPolicy = domain.MatchFuzzy
	}
	if cassettes == nil || forwarder == nil {
		return nil, errors.New("replay: cassette store and forwarder are required")
	}
	c := &Controller{
		cfg:       cfg,
		cassettes: cassettes,
		forwarder: forwarder,
		redactor:  redact.Default(),
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mode returns the default mode.
func (c *Controller) Mode() domain.Mode {
	return c.cfg.Mode
}

func (c *Controller) resolveMode(override string) (domain.Mode, error) {
	if override == "" {
		return c.cfg.Mode, nil
	}
	if !c.cfg.AllowModeOverride {
		return "", domain.ErrInvalidRequest("per-request mode override is disabled").WithParam("X-VCR-Mode")
	}
	return domain.ParseMode(override)
}

// Handle dispatches one call according to its mode.
func (c *Controller) Handle(ctx context.Context, call *Call) (*Result, error) {
	if call == nil || call.Request == nil {
		return nil, domain.ErrInvalidRequest("request is required")
	}
	req := call.Request
	start := c.now()

	mode, err := c.resolveMode(call.ModeOverride)
	if err != nil {
		return nil, err
	}
	sig, err := signature.Sign(req, c.cfg.MatchPolicy)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "replay.handle", trace.WithAttributes(
		telemetry.AttrProvider.String(string(req.Provider)),
		telemetry.AttrMode.String(string(mode)),
		telemetry.AttrSignature.String(sig.String()),
	))

	res := &Result{Mode: mode, Signature: sig, Source: domain.SourceNone, TraceID: c.newID()}

	lookup, found, lookupErr := c.lookup(ctx, mode, req, sig)
	res.Action = Decide(mode, lookup)
	if lookupErr != nil && lookup != LookupCorrupt {
		// the store could not be read; never guess between hit and miss
		err = lookupErr
	} else {
		err = c.execute(ctx, mode, call, sig, res, found, lookupErr)
	}

	if mode != domain.ModeStrict {
		if traceErr := c.saveTrace(context.WithoutCancel(ctx), call, res, start, err); traceErr != nil {
			res.PersistErr = errors.Join(res.PersistErr, traceErr)
		}
	}

	c.observe(req.Provider, res, lookup, err)
	span.SetAttributes(telemetry.AttrSource.String(string(res.Source)))
	telemetry.EndSpan(span, err)

	attrs := []any{
		slog.String("provider", string(req.Provider)),
		slog.String("mode", string(mode)),
		slog.String("signature", sig.Short()),
		slog.String("lookup", lookup.String()),
		slog.String("action", res.Action.String()),
		slog.String("source", string(res.Source)),
		slog.String("trace_id", res.TraceID),
		slog.Duration("duration", c.now().Sub(start)),
	}
	if err != nil {
		c.logger.Warn("replay call failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		c.logger.Info("replay call handled", attrs...)
	}
	return res, err
}

func (c *Controller) lookup(ctx context.Context, mode domain.Mode, req *domain.CanonicalRequest, sig signature.Signature) (Lookup, *cassette.Cassette, error) {
	if req.Stream && mode != domain.ModeAuto {
		return LookupStreamingRequest, nil, nil
	}
	if !ConsultsCassettes(mode) {
		return LookupSkipped, nil, nil
	}

	found, err := c.cassettes.Find(ctx, req.Provider, sig.String())
	switch {
	case err == nil && req.Stream:
		return LookupStreamingRequest, nil, nil
	case err == nil && found.Response.Streamed():
		return LookupStreamed, found, nil
	case err == nil:
		return LookupHit, found, nil
	case errors.Is(err, domain.ErrRecordNotFound):
		return LookupMiss, nil, nil
	case errors.Is(err, domain.ErrCorruptCassette):
		return LookupCorrupt, nil, err
	default:
		return LookupMiss, nil, err
	}
}

func (c *Controller) execute(ctx context.Context, mode domain.Mode, call *Call, sig signature.Signature, res *Result, found *cassette.Cassette, lookupErr error) error {
	req := call.Request
	switch res.Action {
	case ActionServe:
		res.Response = found.Response.Clone()
		res.Source = domain.SourceCassette
		return nil

	case ActionFailReplayMiss:
		return domain.ErrReplayMiss(missMessage(mode, req, sig, found)).WithProvider(req.Provider).WithCode(missCode(req, found))

	case ActionFailStrictMiss:
		return domain.ErrStrictMiss(missMessage(mode, req, sig, found)).WithProvider(req.Provider).WithCode(missCode(req, found))

	case ActionFailCorrupt:
		return lookupErr

	case ActionForward:
		resp, err := c.forward(ctx, mode, call)
		if err != nil {
			return err
		}
		res.Response = resp
		res.Source = domain.SourceUpstream
		res.Streamed = req.Stream
		return nil

	case ActionForwardRecord:
		f, err := c.forwardRecord(ctx, mode, call, sig)
		if err != nil {
			return err
		}
		res.Response = f.resp
		res.Source = domain.SourceUpstream
		res.Streamed = req.Stream
		res.PersistErr = f.persistErr
		return nil
	}
	return domain.ErrServer("unhandled replay action " + res.Action.String())
}

// found is set only when the cassette exists but holds a streamed response.
func missMessage(mode domain.Mode, req *domain.CanonicalRequest, sig signature.Signature, found *cassette.Cassette) string {
	switch {
	case req.Stream:
		return fmt.Sprintf("streaming requests cannot be served in %s mode", mode)
	case found != nil:
		return fmt.Sprintf("cassette for %s request %s holds a streamed response and cannot be replayed", req.Provider, sig.Short())
	}
	return fmt.Sprintf("no cassette for %s request %s in %s mode", req.Provider, sig.Short(), mode)
}

func missCode(req *domain.CanonicalRequest, found *cassette.Cassette) domain.ErrorCode {
	switch {
	case req.Stream:
		return domain.ErrorCodeStreamingRequest
	case found != nil:
		return domain.ErrorCodeStreamedCassette
	}
	return ""
}

func (c *Controller) forward(ctx context.Context, mode domain.Mode, call *Call) (*domain.CanonicalResponse, error) {
	if call.Request.Stream {
		if call.Sink == nil {
			return nil, domain.ErrServer("streaming request without a sink")
		}
		return c.forwarder.Stream(ctx, mode, call.Request, call.Sink)
	}
	return c.forwarder.Call(ctx, mode, call.Request)
}

// flight is the shared outcome of one coalesced upstream call.
type flight struct {
	resp       *domain.CanonicalResponse
	persistErr error
}

// forwardRecord calls upstream and persists the cassette before returning.
// Streamed responses are recorded with their chunks once the stream ends.
//
// In auto mode concurrent misses for the same key share one call. The shared
// call and its cassette write ignore caller cancellation and are bounded by
// the forwarder's timeout. Each waiter still returns on its own ctx.
func (c *Controller) forwardRecord(ctx context.Context, mode domain.Mode, call *Call, sig signature.Signature) (*flight, error) {
	req := call.Request
	if mode != domain.ModeAuto || req.Stream {
		resp, err := c.forward(ctx, mode, call)
		if err != nil {
			return nil, err
		}
		return &flight{resp: resp, persistErr: c.saveCassette(context.WithoutCancel(ctx), req, resp, sig)}, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(string(req.Provider)+"/"+sig.String(), func() (any, error) {
		resp, err := c.forwarder.Call(detached, mode, req)
		if err != nil {
			return nil, err
		}
		return &flight{resp: resp, persistErr: c.saveCassette(detached, req, resp, sig)}, nil
	})

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.ErrTimeout("request deadline passed while waiting for upstream").
				WithProvider(req.Provider).WithCause(ctx.Err())
		}
		return nil, fmt.Errorf("waiting for upstream: %w", ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		f := r.Val.(*flight)
		if r.Shared {
			return &flight{resp: f.resp.Clone(), persistErr: f.persistErr}, nil
		}
		return f, nil
	}
}

func (c *Controller) saveCassette(ctx context.Context, req *domain.CanonicalRequest, resp *domain.CanonicalResponse, sig signature.Signature) error {
	cas := cassette.New(sig.String(), c.cfg.MatchPolicy,
		c.redactor.RedactRequest(req),
		c.redactor.RedactResponse(resp),
		c.now())
	if err := c.cassettes.Save(ctx, cas); err != nil {
		metrics.PersistenceFailures.WithLabelValues("cassette").Inc()
		c.logger.Error("cassette write failed",
			slog.String("provider", string(req.Provider)),
			slog.String("signature", sig.Short()),
			slog.String("error", err.Error()))
		return fmt.Errorf("save cassette: %w", err)
	}
	return nil
}

func (c *Controller) saveTrace(ctx context.Context, call *Call, res *Result, start time.Time, callErr error) error {
	if c.traces == nil {
		return nil
	}
	req := call.Request

	rec := domain.NewTraceRecord(res.TraceID, start)
	rec.Endpoint = req.Endpoint
	rec.Provider = req.Provider
	rec.Mode = res.Mode
	rec.Source = res.Source
	rec.Signature = res.Signature.String()
	rec.Request = req
	rec.Response = res.Response
	rec.SessionID = call.Session.ID
	rec.StepIndex = call.Session.StepIndex
	rec.ParentStepID = call.Session.ParentStepID
	rec.Metadata = domain.TraceMetadata{
		DurationMS: c.now().Sub(start).Milliseconds(),
		Model:      req.Model,
		Error:      domain.NewTraceError(callErr),
	}
	if callErr != nil {
		rec.Metadata.Status = domain.ToAPIError(callErr).HTTPStatusCode()
	}
	if res.Response != nil {
		rec.Metadata.Status = res.Response.StatusCode
		if m := res.Response.Body.Model; m != "" {
			rec.Metadata.Model = m
		}
		if u := res.Response.Body.Usage; u != nil {
			n := u.TotalTokens
			rec.Metadata.TokensUsed = &n
		} else if c.tokens != nil {
			if n, err := c.tokens.EstimateTokens(req, res.Response); err == nil {
				rec.Metadata.TokensUsed = &n
				rec.Metadata.TokensEstimated = true
			}
		}
	}

	if err := c.traces.SaveTrace(ctx, c.redactor.RedactTrace(rec)); err != nil {
		metrics.PersistenceFailures.WithLabelValues("trace").Inc()
		c.logger.Error("trace write failed",
			slog.String("trace_id", rec.ID),
			slog.String("error", err.Error()))
		return fmt.Errorf("save trace: %w", err)
	}
	return nil
}

func (c *Controller) observe(p domain.Provider, res *Result, lookup Lookup, err error) {
	if lookup != LookupSkipped && lookup != LookupStreamingRequest {
		metrics.CassetteLookups.WithLabelValues(string(p), lookup.String()).Inc()
	}
	outcome := "ok"
	if err != nil {
		outcome = string(domain.ToAPIError(err).Type)
	}
	metrics.RequestsTotal.WithLabelValues(string(p), string(res.Mode), string(res.Source), outcome).Inc()
}
