// Package frontdoor serves the provider-native HTTP routes. One Handler per
// provider decodes the inbound call with that provider's codec, dispatches it
// through the replay controller and writes the reply in the same wire format.
package frontdoor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/codec"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/replay"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/server"
)

// Request headers.
const (
	HeaderMode         = "X-VCR-Mode"
	HeaderSessionID    = "X-VCR-Session-ID"
	HeaderStepIndex    = "X-VCR-Step-Index"
	HeaderParentStepID = "X-VCR-Parent-Step-ID"
)

// Response headers.
const (
	HeaderSource    = "X-VCR-Source"
	HeaderSignature = "X-VCR-Signature"
	HeaderTraceID   = "X-VCR-Trace-ID"
	HeaderRecording = "X-VCR-Recording"
)

// DefaultMaxBodyBytes bounds inbound request bodies.
const DefaultMaxBodyBytes int64 = 32 << 20

// Dispatcher serves one decoded call. *replay.Controller implements it.
type Dispatcher interface {
	Handle(ctx context.Context, call *replay.Call) (*replay.Result, error)
}

// Handler serves one provider route.
type Handler struct {
	codec      codec.Codec
	dispatcher Dispatcher
	logger     *slog.Logger
	maxBody    int64
}

// NewHandler creates a handler speaking c's wire format.
func NewHandler(c codec.Codec, d Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		codec:      c,
		dispatcher: d,
		logger:     logger,
		maxBody:    DefaultMaxBodyBytes,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	server.AddLogField(ctx, "provider", string(h.codec.Provider()))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, nil, domain.ErrInvalidRequest("request body too large").WithStatusCode(http.StatusRequestEntityTooLarge))
			return
		}
		h.writeError(w, r, nil, domain.ErrInvalidRequest("failed to read request body").WithCause(err))
		return
	}

	req, err := h.codec.DecodeRequest(body)
	if err != nil {
		h.writeError(w, r, nil, err)
		return
	}
	req.Headers = r.Header.Clone()
	req.Endpoint = r.URL.Path

	session, err := sessionFromHeaders(r.Header)
	if err != nil {
		h.writeError(w, r, nil, err)
		return
	}

	call := &replay.Call{
		Request:      req,
		ModeOverride: r.Header.Get(HeaderMode),
		Session:      session,
	}
	var sse *sseWriter
	if req.Stream {
		sse = newSSEWriter(w)
		call.Sink = sse
	}

	res, err := h.dispatcher.Handle(ctx, call)
	if res != nil {
		server.AddLogField(ctx, "vcr_mode", string(res.Mode))
		server.AddLogField(ctx, "vcr_source", string(res.Source))
		server.AddLogField(ctx, "vcr_signature", res.Signature.Short())
		server.AddLogField(ctx, "vcr_trace_id", res.TraceID)
		if res.PersistErr != nil {
			server.AddLogField(ctx, "vcr_recording", "failed")
		}
	}

	if err != nil {
		if sse != nil && sse.Started() {
			// headers are gone; the client sees a truncated stream
			server.AddError(ctx, err)
			h.logger.Warn("stream failed after first frame",
				slog.String("request_id", server.GetRequestID(ctx)),
				slog.String("error", err.Error()))
			return
		}
		h.writeError(w, r, res, err)
		return
	}

	if res.Streamed {
		if sse == nil || !sse.Started() {
			h.logger.Warn("streamed call produced no frames",
				slog.String("request_id", server.GetRequestID(ctx)))
		}
		return
	}

	data, err := h.codec.EncodeResponse(res.Response)
	if err != nil {
		h.writeError(w, r, res, domain.ErrServer("failed to encode response").WithCause(err))
		return
	}

	for k, v := range res.Response.Headers {
		w.Header().Set(k, v)
	}
	setResultHeaders(w.Header(), res)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))

	status := res.Response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, res *replay.Result, err error) {
	server.AddError(r.Context(), err)
	if res != nil {
		setResultHeaders(w.Header(), res)
	}
	codec.WriteError(w, h.codec, err)
}

func setResultHeaders(h http.Header, res *replay.Result) {
	if res.Source != "" && res.Source != domain.SourceNone {
		h.Set(HeaderSource, string(res.Source))
	}
	if sig := res.Signature.String(); sig != "" {
		h.Set(HeaderSignature, sig)
	}
	if res.TraceID != "" {
		h.Set(HeaderTraceID, res.TraceID)
	}
	if res.PersistErr != nil {
		h.Set(HeaderRecording, "failed")
	}
}

func sessionFromHeaders(h http.Header) (replay.Session, error) {
	s := replay.Session{
		ID:           h.Get(HeaderSessionID),
		ParentStepID: h.Get(HeaderParentStepID),
	}
	if raw := h.Get(HeaderStepIndex); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return s, domain.ErrInvalidRequest("step index must be a non-negative integer").WithParam(HeaderStepIndex)
		}
		s.StepIndex = &n
	}
	return s, nil
}
