// Package browser provides session pool management.
// The pool keeps a fixed number of live browser sessions and hands each to one
// request at a time. A pool of size 1 is the single shared session mode.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/metrics"
	"github.com/Rorqualx/renderbridge/internal/session"
	"github.com/Rorqualx/renderbridge/internal/types"
)

// Tunables; tests shorten them.
var (
	healthCheckInterval = time.Minute
	recycleInterval     = time.Second
	spawnTimeout        = 2 * time.Minute
	recycleCloseTimeout = 10 * time.Second
)

const (
	maxAcquireRetries = 5
	healthCheckBudget = 5 * time.Second
	maxConcurrentOps  = 4
)

// Spawner creates one active session.
type Spawner func(ctx context.Context) (*session.Session, error)

// Pool manages a fixed set of reusable sessions.
//
// Lock ordering: mu is never held while closing or spawning a session.
type Pool struct {
	mu        sync.Mutex
	sessions  []*sessionEntry
	available chan *session.Session
	spawn     Spawner
	config    *config.Config
	closed    atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	availableCount atomic.Int32

	// Background recycles are throttled so a backend that keeps failing
	// does not turn into a launch loop.
	recycleLimiter *rate.Limiter
	recycleSem     chan struct{}
	recycleWg      sync.WaitGroup

	// Sessions handed out and not yet returned; guarded by mu. drained is
	// set by Close and closed when checkedOut reaches zero.
	checkedOut int
	drained    chan struct{}

	stats PoolStats
}

type sessionEntry struct {
	session  *session.Session
	useCount atomic.Int64
	out      bool // guarded by Pool.mu
}

// PoolStats provides statistics about pool usage.
type PoolStats struct {
	Acquired atomic.Int64
	Released atomic.Int64
	Recycled atomic.Int64
	Errors   atomic.Int64
}

// NewPool creates a pool of cfg.PoolSize sessions and pre-warms it.
// If any session fails to start, the ones already created are closed and the
// error is returned.
func NewPool(ctx context.Context, cfg *config.Config, spawn Spawner) (*Pool, error) {
	log.Info().
		Int("pool_size", cfg.PoolSize).
		Dur("max_age", cfg.SessionMaxAge).
		Msg("Initializing session pool")

	p := &Pool{
		config:         cfg,
		spawn:          spawn,
		available:      make(chan *session.Session, cfg.PoolSize),
		sessions:       make([]*sessionEntry, 0, cfg.PoolSize),
		stopCh:         make(chan struct{}),
		recycleLimiter: rate.NewLimiter(rate.Every(recycleInterval), 1),
		recycleSem:     make(chan struct{}, maxConcurrentOps),
	}

	for i := 0; i < cfg.PoolSize; i++ {
		s, err := spawn(ctx)
		if err != nil {
			log.Error().Err(err).Int("session_index", i).Msg("Failed to create session during pool initialization")
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
			if closeErr := p.Close(closeCtx); closeErr != nil {
				log.Error().Err(closeErr).Msg("Failed to close pool during cleanup")
			}
			cancel()
			return nil, fmt.Errorf("failed to create session %d: %w", i, err)
		}
		p.sessions = append(p.sessions, &sessionEntry{session: s})
		p.available <- s
		log.Debug().Int("session_index", i).Str("session_id", s.ID).Msg("Session added to pool")
	}
	p.availableCount.Store(int32(cfg.PoolSize))
	p.updateMetrics()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.healthCheckRoutine()
	}()

	log.Info().Int("pool_size", cfg.PoolSize).Msg("Session pool initialized")
	return p, nil
}

// Acquire takes a session from the pool. It blocks until one is free, ctx is
// done, or the acquire timeout elapses. Sessions that are closed, unhealthy
// or past their maximum age are recycled instead of returned.
//
// The caller must hand the session back with Release or Retire.
func (p *Pool) Acquire(ctx context.Context) (*session.Session, error) {
	if p.closed.Load() {
		return nil, types.ErrPoolClosed
	}

	timer := time.NewTimer(p.config.PoolAcquireTimeout)
	defer timer.Stop()

	for retry := 0; retry < maxAcquireRetries; retry++ {
		select {
		case s, ok := <-p.available:
			if !ok || p.closed.Load() {
				if s != nil {
					p.closeSession(s, "pool_closed")
				}
				return nil, types.ErrPoolClosed
			}
			p.availableCount.Add(-1)
			p.stats.Acquired.Add(1)

			if reason := p.unfit(ctx, s); reason != "" {
				log.Warn().
					Str("session_id", s.ID).
					Str("reason", reason).
					Int("retry", retry).
					Msg("Acquired unusable session, recycling")
				p.stats.Errors.Add(1)
				p.startRecycle(s, reason)
				continue
			}

			if !p.checkout(s) {
				return nil, types.ErrPoolClosed
			}
			metrics.PoolAcquired.Inc()
			p.updateMetrics()
			log.Debug().Str("session_id", s.ID).Msg("Session acquired from pool")
			return s, nil

		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for session: %w", types.ErrContextCanceled, ctx.Err())

		case <-timer.C:
			p.stats.Errors.Add(1)
			return nil, types.ErrPoolTimeout
		}
	}

	p.stats.Errors.Add(1)
	return nil, fmt.Errorf("%w: all sessions unusable after %d retries", types.ErrSessionUnhealthy, maxAcquireRetries)
}

// Release returns a session to the pool. A session that is no longer active
// is replaced in the background. Release of nil is a no-op.
func (p *Pool) Release(s *session.Session) {
	if s == nil {
		return
	}
	p.checkin(s)
	if p.closed.Load() {
		// Close shuts every tracked session down itself.
		return
	}
	if s.State() != session.Active {
		p.Retire(s, "inactive")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return
	}

	p.stats.Released.Add(1)
	select {
	case p.available <- s:
		p.availableCount.Add(1)
		p.updateMetrics()
		log.Debug().Str("session_id", s.ID).Msg("Session released to pool")
	default:
		log.Warn().Str("session_id", s.ID).Msg("Pool is full, closing excess session")
		go p.closeSession(s, "excess")
	}
}

// Retire closes a session that must not be reused and starts a replacement.
func (p *Pool) Retire(s *session.Session, reason string) {
	if s == nil {
		return
	}
	p.checkin(s)
	log.Warn().Str("session_id", s.ID).Str("reason", reason).Msg("Retiring session")
	p.startRecycle(s, reason)
}

// checkout marks s as handed out. It reports false once the pool is closed;
// Close then owns s.
func (p *Pool) checkout(s *session.Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return false
	}
	e := p.entryLocked(s)
	if e == nil {
		return true
	}
	e.useCount.Add(1)
	e.out = true
	p.checkedOut++
	return true
}

// checkin undoes checkout. Repeated calls for one checkout are ignored.
func (p *Pool) checkin(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entryLocked(s)
	if e == nil || !e.out {
		return
	}
	e.out = false
	p.checkedOut--
	if p.checkedOut == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
}

// unfit returns why s cannot be handed out, or "".
func (p *Pool) unfit(ctx context.Context, s *session.Session) string {
	if s.State() != session.Active {
		return "inactive"
	}
	if p.config.SessionMaxAge > 0 && s.Age() > p.config.SessionMaxAge {
		return "max_age"
	}
	hctx, cancel := context.WithTimeout(ctx, healthCheckBudget)
	defer cancel()
	if !s.Healthy(hctx) {
		return "unhealthy"
	}
	return ""
}

// startRecycle replaces s in the background. After Close it only closes s.
func (p *Pool) startRecycle(s *session.Session, reason string) {
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		p.closeSession(s, "pool_closed")
		return
	}
	p.recycleWg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.recycleWg.Done()
		p.recycleSession(s, reason)
	}()
}

// recycleSession replaces old with a fresh session. It gives up quietly when
// the pool shuts down.
func (p *Pool) recycleSession(old *session.Session, reason string) {
	p.closeSession(old, reason)

	if p.closed.Load() {
		p.removeEntry(old)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), spawnTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	select {
	case p.recycleSem <- struct{}{}:
		defer func() { <-p.recycleSem }()
	case <-ctx.Done():
		p.removeEntry(old)
		return
	}

	if err := p.recycleLimiter.Wait(ctx); err != nil {
		log.Debug().Err(err).Msg("Session recycle abandoned")
		p.removeEntry(old)
		return
	}

	p.stats.Recycled.Add(1)
	metrics.PoolRecycled.Inc()
	log.Info().
		Str("old_session_id", old.ID).
		Str("reason", reason).
		Int64("total_recycled", p.stats.Recycled.Load()).
		Msg("Recycling session")

	fresh, err := p.spawn(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create replacement session")
		p.stats.Errors.Add(1)
		p.removeEntry(old)
		return
	}

	if !p.replaceEntry(old, fresh) {
		p.closeSession(fresh, "pool_closed")
		return
	}
	p.addToPool(fresh)
}

func (p *Pool) closeSession(s *session.Session, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), recycleCloseTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("Error closing session")
	}
	metrics.RecordSessionClosed(reason)
}

func (p *Pool) addToPool(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		go p.closeSession(s, "pool_closed")
		return
	}
	select {
	case p.available <- s:
		p.availableCount.Add(1)
		p.updateMetrics()
		log.Info().Str("session_id", s.ID).Msg("Session added to pool")
	default:
		log.Warn().Msg("Pool is full, closing session")
		go p.closeSession(s, "excess")
	}
}

// healthCheckRoutine periodically sweeps idle sessions.
func (p *Pool) healthCheckRoutine() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			log.Debug().Msg("Health check routine stopping")
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep recycles idle sessions that closed or outlived their maximum age.
// Healthy idle sessions go back in FIFO order.
func (p *Pool) sweep() {
	type stale struct {
		session *session.Session
		reason  string
	}
	var recycle []stale

	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return
	}
	n := len(p.available)
	for i := 0; i < n; i++ {
		var s *session.Session
		select {
		case s = <-p.available:
		default:
		}
		if s == nil {
			break
		}

		reason := ""
		switch {
		case s.State() != session.Active:
			reason = "inactive"
		case p.config.SessionMaxAge > 0 && s.Age() > p.config.SessionMaxAge:
			reason = "max_age"
		}
		if reason == "" {
			p.available <- s
			continue
		}
		p.availableCount.Add(-1)
		recycle = append(recycle, stale{s, reason})
	}
	p.updateMetrics()
	p.mu.Unlock()

	for _, st := range recycle {
		log.Info().Str("session_id", st.session.ID).Str("reason", st.reason).Msg("Recycling idle session")
		p.startRecycle(st.session, st.reason)
	}
}

// Size returns the configured pool size.
func (p *Pool) Size() int {
	return p.config.PoolSize
}

// Available returns the number of idle sessions.
func (p *Pool) Available() int {
	if p.closed.Load() {
		return 0
	}
	return int(p.availableCount.Load())
}

// Sessions returns the sessions the pool currently tracks.
func (p *Pool) Sessions() []*session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*session.Session, len(p.sessions))
	for i, e := range p.sessions {
		out[i] = e.session
	}
	return out
}

// PoolStatsSnapshot holds a point-in-time snapshot of pool statistics.
type PoolStatsSnapshot struct {
	Acquired int64
	Released int64
	Recycled int64
	Errors   int64
}

// Stats returns a snapshot of the current pool statistics.
func (p *Pool) Stats() PoolStatsSnapshot {
	return PoolStatsSnapshot{
		Acquired: p.stats.Acquired.Load(),
		Released: p.stats.Released.Load(),
		Recycled: p.stats.Recycled.Load(),
		Errors:   p.stats.Errors.Load(),
	}
}

// Close shuts the pool down and closes every session exactly once, in
// parallel. Sessions handed out by Acquire are waited for until they are
// released or ctx is done; sessions still leased after that are killed.
// Close is safe to call more than once.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.available)
	var drained chan struct{}
	if p.checkedOut > 0 {
		p.drained = make(chan struct{})
		drained = p.drained
	}
	inFlight := p.checkedOut
	p.mu.Unlock()

	log.Info().Msg("Closing session pool")
	close(p.stopCh)
	p.wg.Wait()

	var closeErr error
	if drained != nil {
		log.Info().Int("in_flight", inFlight).Msg("Waiting for in-flight requests to return their sessions")
		select {
		case <-drained:
		case <-ctx.Done():
			log.Warn().Msg("Timeout waiting for in-flight requests, closing their sessions")
			closeErr = ctx.Err()
		}
	}

	p.mu.Lock()
	entries := make([]*sessionEntry, len(p.sessions))
	copy(entries, p.sessions)
	p.sessions = nil
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(maxConcurrentOps)
	for _, e := range entries {
		s := e.session
		eg.Go(func() error {
			if err := s.Close(ctx); err != nil {
				log.Warn().Err(err).Str("session_id", s.ID).Msg("Error closing session during pool shutdown")
				return err
			}
			metrics.RecordSessionClosed("shutdown")
			return nil
		})
	}
	closeErr = errors.Join(closeErr, eg.Wait())

	// Drain after close; every drained session was tracked and is closed.
	for range p.available {
	}

	done := make(chan struct{})
	go func() {
		p.recycleWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Timeout waiting for session recycles to stop")
		closeErr = errors.Join(closeErr, ctx.Err())
	}

	metrics.UpdatePoolMetrics(p.config.PoolSize, 0)
	log.Info().
		Int64("total_acquired", p.stats.Acquired.Load()).
		Int64("total_recycled", p.stats.Recycled.Load()).
		Int64("total_errors", p.stats.Errors.Load()).
		Msg("Session pool closed")
	return closeErr
}

func (p *Pool) entryLocked(s *session.Session) *sessionEntry {
	for _, e := range p.sessions {
		if e.session == s {
			return e
		}
	}
	return nil
}

// removeEntry drops a session from tracking using swap-with-last.
func (p *Pool) removeEntry(s *session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.sessions {
		if e.session == s {
			last := len(p.sessions) - 1
			if i != last {
				p.sessions[i] = p.sessions[last]
			}
			p.sessions = p.sessions[:last]
			return
		}
	}
}

// replaceEntry swaps old for fresh in tracking. It reports false when the
// pool has closed meanwhile.
func (p *Pool) replaceEntry(old, fresh *session.Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return false
	}
	for i, e := range p.sessions {
		if e.session == old {
			p.sessions[i] = &sessionEntry{session: fresh}
			return true
		}
	}
	p.sessions = append(p.sessions, &sessionEntry{session: fresh})
	return true
}

func (p *Pool) updateMetrics() {
	metrics.UpdatePoolMetrics(p.config.PoolSize, int(p.availableCount.Load()))
}
