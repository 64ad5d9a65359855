// Package runtime assembles the proxy from configuration and manages its
// lifecycle: routes, controller, stores, tracing and trace retention.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/cassette"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/frontdoor"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/config"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/redact"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/registration"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/replay"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/server"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/storage"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/telemetry"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/tokens"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/upstream"
)

const serviceName = "polyglot-llm-vcr"

// Proxy is a fully wired record/replay proxy.
type Proxy struct {
	cfg    *config.Config
	logger *slog.Logger

	// injected via options
	httpClient  *http.Client
	traceWriter io.Writer
	now         func() time.Time

	server     *server.Server
	controller *replay.Controller
	cassettes  *cassette.FileStore
	traces     *storage.Manager
	routes     []frontdoor.Route

	shutdownTracer func(context.Context) error

	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New builds every component from cfg. The caller must Close the proxy.
func New(cfg *config.Config, opts ...Option) (*Proxy, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	p := &Proxy{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if err := p.init(); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Proxy) init() error {
	cfg := p.cfg

	mode, err := domain.ParseMode(cfg.Replay.Mode)
	if err != nil {
		return fmt.Errorf("replay mode: %w", err)
	}
	policy, err := domain.ParseMatchPolicy(cfg.Replay.MatchPolicy)
	if err != nil {
		return fmt.Errorf("match policy: %w", err)
	}

	if cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracer(serviceName, p.traceWriter, p.logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		p.shutdownTracer = shutdown
	}

	storeOpts := []cassette.FileStoreOption{cassette.WithLogger(p.logger)}
	if cfg.Replay.IntegritySecret != "" {
		storeOpts = append(storeOpts, cassette.WithSealer(cassette.NewSealer([]byte(cfg.Replay.IntegritySecret))))
	} else {
		p.logger.Warn("no integrity secret configured; cassettes are written without integrity tags")
	}
	p.cassettes, err = cassette.NewFileStore(cfg.Replay.CassetteDir, storeOpts...)
	if err != nil {
		return fmt.Errorf("open cassette store: %w", err)
	}

	// A process pinned to strict mode never writes, so trace backends are
	// not opened and nothing is created on disk.
	if mode != domain.ModeStrict || cfg.Replay.AllowModeOverride {
		p.traces, err = storage.Open(cfg.Storage, p.logger)
		if err != nil {
			return fmt.Errorf("open trace storage: %w", err)
		}
	}

	redactor, err := newRedactor(cfg.Redaction)
	if err != nil {
		return fmt.Errorf("build redactor: %w", err)
	}

	codecs := registration.Builtins()
	fwd := upstream.New(codecs, p.forwarderOptions()...)

	controllerOpts := []replay.Option{
		replay.WithRedactor(redactor),
		replay.WithTokenEstimator(tokens.Default()),
		replay.WithLogger(p.logger),
		replay.WithClock(p.now),
	}
	var backends []string
	if p.traces != nil {
		controllerOpts = append(controllerOpts, replay.WithTraceStore(p.traces))
		backends = p.traces.Backends()
	}
	p.controller, err = replay.New(replay.Config{
		Mode:              mode,
		MatchPolicy:       policy,
		AllowModeOverride: cfg.Replay.AllowModeOverride,
	}, p.cassettes, fwd, controllerOpts...)
	if err != nil {
		return fmt.Errorf("build replay controller: %w", err)
	}

	p.server = server.New(cfg.Server, p.logger, cfg.Telemetry.Metrics)
	p.routes, err = frontdoor.Mount(p.server.Router, codecs, map[domain.Provider]string{
		domain.ProviderOpenAI:    cfg.Providers.OpenAI.PathPrefix,
		domain.ProviderAnthropic: cfg.Providers.Anthropic.PathPrefix,
	}, p.controller, p.logger)
	if err != nil {
		return fmt.Errorf("mount routes: %w", err)
	}

	p.logger.Info("proxy configured",
		slog.String("mode", string(mode)),
		slog.String("match_policy", string(policy)),
		slog.String("cassette_dir", p.cassettes.Dir()),
		slog.Any("trace_backends", backends),
		slog.Bool("mode_override", cfg.Replay.AllowModeOverride))
	return nil
}

func (p *Proxy) forwarderOptions() []upstream.Option {
	opts := []upstream.Option{upstream.WithLogger(p.logger)}
	if p.httpClient != nil {
		opts = append(opts, upstream.WithHTTPClient(p.httpClient))
	}
	for _, prov := range []domain.Provider{domain.ProviderOpenAI, domain.ProviderAnthropic} {
		pc, ok := p.cfg.Provider(string(prov))
		if !ok {
			continue
		}
		opts = append(opts, upstream.WithProvider(prov, upstream.ProviderOptions{
			BaseURL:   pc.BaseURL,
			APIKey:    pc.APIKey,
			Timeout:   pc.Timeout,
			RateLimit: pc.RateLimit,
			Burst:     pc.Burst,
		}))
	}
	return opts
}

func newRedactor(rc config.RedactionConfig) (*redact.Redactor, error) {
	patterns := make([]redact.PatternConfig, len(rc.Patterns))
	for i, pc := range rc.Patterns {
		patterns[i] = redact.PatternConfig{Name: pc.Name, Regex: pc.Regex}
	}
	return redact.New(redact.Options{
		Enabled:       rc.Enabled,
		FieldDenylist: rc.FieldDenylist,
		Patterns:      patterns,
	})
}

// Handler returns the HTTP handler with every route mounted.
func (p *Proxy) Handler() http.Handler {
	return p.server.Router
}

// Routes returns the mounted provider routes.
func (p *Proxy) Routes() []frontdoor.Route {
	return p.routes
}

// Controller returns the replay controller.
func (p *Proxy) Controller() *replay.Controller {
	return p.controller
}

// Cassettes returns the cassette store.
func (p *Proxy) Cassettes() *cassette.FileStore {
	return p.cassettes
}

// Traces returns the trace storage manager, nil when the proxy is pinned to
// strict mode.
func (p *Proxy) Traces() *storage.Manager {
	return p.traces
}

// Run listens on the configured port and serves until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", p.cfg.Server.Port, err)
	}
	return p.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then drains in-flight requests
// within the shutdown timeout. The retention loop runs alongside.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	p.startRetention()

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := p.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return <-errCh
}

// Close stops background work and releases stores and exporters. It is safe
// to call more than once.
func (p *Proxy) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()

		if p.traces != nil {
			if err := p.traces.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close trace storage: %w", err))
			}
		}
		if p.shutdownTracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.shutdownTracer(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// Prune deletes trace records older than the configured retention.
func (p *Proxy) Prune(ctx context.Context) (int, error) {
	if p.traces == nil {
		return 0, nil
	}
	return Prune(ctx, p.traces, p.cfg.Storage.Retention, p.logger)
}

func (p *Proxy) startRetention() {
	interval := p.cfg.Storage.PruneInterval
	if p.traces == nil || p.cfg.Storage.Retention <= 0 || interval <= 0 {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		runRetention(p.stop, interval, func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			_, _ = p.Prune(ctx)
		})
	}()
}
