// Package bridge assembles the render bridge: it resolves settings, builds
// the session pool, and routes pipeline requests through the processor.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/renderbridge/internal/browser"
	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/driver"
	"github.com/Rorqualx/renderbridge/internal/lifecycle"
	"github.com/Rorqualx/renderbridge/internal/metrics"
	"github.com/Rorqualx/renderbridge/internal/presets"
	"github.com/Rorqualx/renderbridge/internal/render"
	"github.com/Rorqualx/renderbridge/internal/security"
	"github.com/Rorqualx/renderbridge/internal/session"
	"github.com/Rorqualx/renderbridge/internal/stats"
	"github.com/Rorqualx/renderbridge/internal/types"
)

// Bridge is one configured render bridge. It owns its sessions; they are
// closed when the pipeline fires lifecycle.SignalClosed or Close is called.
type Bridge struct {
	cfg        *config.Config
	driverCfg  *config.DriverConfig
	factory    *driver.Factory
	pool       *browser.Pool
	processor  *render.Processor
	presets    *presets.Manager
	hosts      *stats.Manager
	lifecycle  *lifecycle.Manager
	dispatcher *lifecycle.Dispatcher
}

// hostStatsMaxAge is how long a host's statistics outlive its last render.
const hostStatsMaxAge = 30 * time.Minute

// Option customizes a Bridge.
type Option func(*Bridge)

// WithFactory replaces the default driver factory.
func WithFactory(f *driver.Factory) Option {
	return func(b *Bridge) { b.factory = f }
}

// WithDispatcher connects the bridge's shutdown to an existing pipeline
// dispatcher instead of a private one.
func WithDispatcher(d *lifecycle.Dispatcher) Option {
	return func(b *Bridge) { b.dispatcher = d }
}

// FromSettings validates raw backend settings, pre-warms the session pool,
// and registers the bridge for shutdown. Invalid settings return a
// *types.ConfigurationError before any browser is started.
func FromSettings(ctx context.Context, cfg *config.Config, raw config.Settings, opts ...Option) (*Bridge, error) {
	driverCfg, err := config.Resolve(raw)
	if err != nil {
		return nil, err
	}
	mode, err := driver.Plan(driverCfg)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:       cfg,
		driverCfg: driverCfg,
		processor: render.NewProcessor(cfg.WaitPollInterval, cfg.DefaultWaitBudget),
		hosts:     stats.NewManager(hostStatsMaxAge),
		lifecycle: lifecycle.New(cfg.ShutdownGrace),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.factory == nil {
		b.factory = driver.NewFactory()
	}
	if b.dispatcher == nil {
		b.dispatcher = lifecycle.NewDispatcher()
	}

	log.Info().
		Str("backend", driverCfg.BackendName()).
		Str("mode", string(mode)).
		Int("pool_size", cfg.PoolSize).
		Msg("Starting render bridge")

	b.presets, err = presets.NewManager(cfg.PresetsPath, cfg.PresetsHotReload)
	if err != nil {
		b.hosts.Close()
		return nil, fmt.Errorf("failed to load wait presets: %w", err)
	}

	b.pool, err = browser.NewPool(ctx, cfg, b.spawn)
	if err != nil {
		_ = b.presets.Close()
		b.hosts.Close()
		return nil, err
	}

	b.lifecycle.Register("host_stats", closerFunc(func(context.Context) error { b.hosts.Close(); return nil }))
	b.lifecycle.Register("presets", closerFunc(func(context.Context) error { return b.presets.Close() }))
	b.lifecycle.Register("pool", b.pool)
	b.dispatcher.Connect(lifecycle.SignalClosed, b.lifecycle.Hook())

	log.Info().Str("backend", driverCfg.BackendName()).Msg("Render bridge ready")
	return b, nil
}

func (b *Bridge) spawn(ctx context.Context) (*session.Session, error) {
	return b.factory.Create(ctx, b.driverCfg)
}

// ProcessRequest renders req on a pooled session. Requests that are not
// *render.BrowserRequest are returned unhandled without taking a session.
//
// The returned Response references the session that rendered it; the
// session has already been returned to the pool.
func (b *Bridge) ProcessRequest(ctx context.Context, req render.Request) (*render.Response, bool, error) {
	if _, ok := req.(*render.BrowserRequest); !ok {
		return nil, false, nil
	}

	start := time.Now()
	if b.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.RequestTimeout)
		defer cancel()
	}

	s, err := b.pool.Acquire(ctx)
	if err != nil {
		metrics.RecordRequest(b.Backend(), "acquire_error", time.Since(start))
		b.hosts.Record(req.RequestURL(), "acquire_error", time.Since(start))
		return nil, true, fmt.Errorf("acquire session: %w", err)
	}

	resp, handled, err := b.processor.Process(ctx, s, req)
	if session.IsIllegalState(err) {
		log.Error().
			Err(err).
			Str("session_id", s.ID).
			Str("url", security.RedactURL(req.RequestURL())).
			Msg("Session in illegal state, retiring it")
		b.pool.Retire(s, "illegal_state")
	} else {
		b.pool.Release(s)
	}

	outcome := Outcome(err)
	metrics.RecordRequest(b.Backend(), outcome, time.Since(start))
	b.hosts.Record(req.RequestURL(), outcome, time.Since(start))
	if err != nil {
		log.Warn().
			Err(err).
			Str("url", security.RedactURL(req.RequestURL())).
			Str("outcome", outcome).
			Dur("duration", time.Since(start)).
			Msg("Render request failed")
	}
	return resp, handled, err
}

// Render converts an API request and renders it.
func (b *Bridge) Render(ctx context.Context, req *types.RenderRequest) (*render.Response, error) {
	br, err := render.FromAPI(req, b.cfg, b.presets)
	if err != nil {
		return nil, err
	}
	resp, _, err := b.ProcessRequest(ctx, br)
	return resp, err
}

// Backend returns the configured backend name.
func (b *Bridge) Backend() string {
	return b.driverCfg.BackendName()
}

// Presets returns the wait presets in use.
func (b *Bridge) Presets() *presets.Manager {
	return b.presets
}

// Status reports pool occupancy.
func (b *Bridge) Status() *types.PoolStatus {
	return &types.PoolStatus{
		Backend:   b.Backend(),
		Size:      b.pool.Size(),
		Available: b.pool.Available(),
	}
}

// Stats returns pool counters.
func (b *Bridge) Stats() browser.PoolStatsSnapshot {
	return b.pool.Stats()
}

// HostStats returns render statistics per target host.
func (b *Bridge) HostStats() map[string]types.HostStats {
	return b.hosts.All()
}

// Dispatcher returns the dispatcher the bridge's shutdown is connected to.
func (b *Bridge) Dispatcher() *lifecycle.Dispatcher {
	return b.dispatcher
}

// Close fires the pipeline-closed signal, closing every session. Safe to
// call more than once.
func (b *Bridge) Close(ctx context.Context) error {
	if err := b.dispatcher.Fire(ctx, lifecycle.SignalClosed); err != nil {
		return err
	}
	// A shared dispatcher may already have fired; wait for our own shutdown.
	return b.lifecycle.Shutdown(ctx)
}

// Outcome classifies a request error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return stats.OutcomeOK
	case errors.Is(err, types.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, types.ErrIllegalState):
		return "illegal_state"
	case errors.Is(err, types.ErrWaitTimeout):
		return "timeout"
	case errors.Is(err, types.ErrConnection):
		return "connection_error"
	case errors.Is(err, types.ErrPoolTimeout), errors.Is(err, types.ErrPoolClosed), errors.Is(err, types.ErrSessionUnhealthy):
		return "pool_error"
	case errors.Is(err, types.ErrContextCanceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

type closerFunc func(ctx context.Context) error

func (f closerFunc) Close(ctx context.Context) error { return f(ctx) }
