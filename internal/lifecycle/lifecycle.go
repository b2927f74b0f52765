// Package lifecycle ties session teardown to pipeline shutdown.
//
// A Manager owns the set of resources that must be released when the
// pipeline stops. Shutdown closes them exactly once, waits up to a grace
// period, then forces termination of anything still running.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// killWait bounds how long Shutdown waits for a target after killing it.
var killWait = 5 * time.Second

// Closer is a resource released at shutdown. Close should honor ctx and
// force-terminate when ctx ends.
type Closer interface {
	Close(ctx context.Context) error
}

// Killer is implemented by resources that can be terminated without
// cooperation. It is used when Close overruns the grace period.
type Killer interface {
	Kill() error
}

// Hook is a shutdown notification handler. Pipeline dispatchers may pass
// arguments the handler does not need; they are ignored.
type Hook func(ctx context.Context, args ...any) error

type target struct {
	name string
	c    Closer
}

// Manager closes registered resources once at shutdown.
type Manager struct {
	grace time.Duration

	mu       sync.Mutex
	targets  []target
	shutdown bool

	once sync.Once
	done chan struct{}
	err  error
}

// New creates a Manager whose Shutdown waits at most grace before forcing
// termination.
func New(grace time.Duration) *Manager {
	return &Manager{
		grace: grace,
		done:  make(chan struct{}),
	}
}

// Register adds c to the resources closed at shutdown. Resources are closed
// in reverse registration order. Registering after Shutdown has started
// closes c immediately.
func (m *Manager) Register(name string, c Closer) {
	m.mu.Lock()
	if !m.shutdown {
		m.targets = append(m.targets, target{name: name, c: c})
		m.mu.Unlock()
		log.Debug().Str("target", name).Msg("Registered for shutdown")
		return
	}
	m.mu.Unlock()

	log.Warn().Str("target", name).Msg("Registered after shutdown, closing immediately")
	ctx, cancel := context.WithTimeout(context.Background(), m.grace)
	defer cancel()
	if err := m.closeTarget(ctx, target{name: name, c: c}); err != nil {
		log.Error().Err(err).Str("target", name).Msg("Failed to close late target")
	}
}

// Hook returns a Hook that runs Shutdown.
func (m *Manager) Hook() Hook {
	return func(ctx context.Context, _ ...any) error {
		return m.Shutdown(ctx)
	}
}

// Shutdown closes every registered resource. It blocks until they confirm
// termination or the grace period elapses, after which remaining resources
// are killed. Only the first call does any work; later calls wait for it
// and return nil.
func (m *Manager) Shutdown(ctx context.Context) error {
	first := false
	m.once.Do(func() {
		first = true
		m.err = m.run(ctx)
		close(m.done)
	})
	if !first {
		select {
		case <-m.done:
		case <-ctx.Done():
		}
		return nil
	}
	return m.err
}

// Done is closed once Shutdown has finished.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) run(ctx context.Context) error {
	start := time.Now()

	m.mu.Lock()
	m.shutdown = true
	targets := m.targets
	m.targets = nil
	m.mu.Unlock()

	log.Info().
		Int("targets", len(targets)).
		Dur("grace", m.grace).
		Msg("Shutting down")

	graceCtx, cancel := context.WithTimeout(ctx, m.grace)
	defer cancel()

	var errs []error
	for i := len(targets) - 1; i >= 0; i-- {
		if err := m.closeTarget(graceCtx, targets[i]); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info().Dur("duration", time.Since(start)).Msg("Shutdown complete")
	return errors.Join(errs...)
}

// closeTarget runs Close and kills the target if Close outlives ctx.
func (m *Manager) closeTarget(ctx context.Context, t target) error {
	result := make(chan error, 1)
	go func() { result <- t.c.Close(ctx) }()

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("close %s: %w", t.name, err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Warn().Str("target", t.name).Msg("Grace period elapsed, forcing termination")
	if k, ok := t.c.(Killer); ok {
		if err := k.Kill(); err != nil {
			log.Error().Err(err).Str("target", t.name).Msg("Forced termination failed")
		}
	}

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("close %s: %w", t.name, err)
		}
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("close %s: did not terminate after grace period", t.name)
	}
}
