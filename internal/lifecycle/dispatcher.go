package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// Signal names a pipeline event.
type Signal string

// Pipeline signals.
const (
	SignalOpened Signal = "pipeline_opened"
	SignalClosed Signal = "pipeline_closed"
)

// Dispatcher delivers each signal to its hooks exactly once.
type Dispatcher struct {
	mu    sync.Mutex
	hooks map[Signal][]Hook
	fired map[Signal]bool
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		hooks: make(map[Signal][]Hook),
		fired: make(map[Signal]bool),
	}
}

// Connect adds hook to the handlers of sig.
func (d *Dispatcher) Connect(sig Signal, hook Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks[sig] = append(d.hooks[sig], hook)
}

// Fire runs the hooks of sig in connection order, passing args through.
// Only the first Fire of a signal runs anything; later calls return nil.
func (d *Dispatcher) Fire(ctx context.Context, sig Signal, args ...any) error {
	d.mu.Lock()
	if d.fired[sig] {
		d.mu.Unlock()
		log.Debug().Str("signal", string(sig)).Msg("Signal already fired, ignoring")
		return nil
	}
	d.fired[sig] = true
	hooks := append([]Hook(nil), d.hooks[sig]...)
	d.mu.Unlock()

	log.Debug().Str("signal", string(sig)).Int("hooks", len(hooks)).Msg("Firing signal")

	var errs []error
	for _, h := range hooks {
		if err := h(ctx, args...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
