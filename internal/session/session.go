// Package session provides the stateful browser session handle.
// A Session wraps one backend connection, enforces the
// Uninitialized -> Active -> Closed lifecycle, and serializes callers through
// an exclusive lease.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/renderbridge/internal/types"
)

// State is a session lifecycle state.
type State int32

const (
	Uninitialized State = iota
	Active
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Driver is a live connection to one browser backend.
// Scripts use function-body form: "return document.title".
type Driver interface {
	Navigate(ctx context.Context, url string) error
	AddCookie(ctx context.Context, name, value string) error
	Cookies(ctx context.Context) (map[string]string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	ExecuteScript(ctx context.Context, script string) (any, error)
	PageSource(ctx context.Context) (string, error)
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)

	// Quit asks the backend to end the session and release its process.
	Quit(ctx context.Context) error
	// Kill force-terminates anything Quit would have released.
	Kill() error
}

// Session is a handle on one live browser connection.
type Session struct {
	ID        string
	Backend   string
	CreatedAt time.Time

	driver   Driver
	state    atomic.Int32
	lastUsed atomic.Int64 // Unix nano timestamp for lock-free access
	lease    chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// New wraps driver in an Uninitialized session.
func New(backend string, driver Driver) *Session {
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Backend:   backend,
		CreatedAt: now,
		driver:    driver,
		lease:     make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	s.lastUsed.Store(now.UnixNano())
	return s
}

// Activate moves an Uninitialized session to Active.
func (s *Session) Activate() error {
	if !s.state.CompareAndSwap(int32(Uninitialized), int32(Active)) {
		return s.illegal("activate")
	}
	log.Debug().
		Str("session_id", s.ID).
		Str("backend", s.Backend).
		Msg("Session active")
	return nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Lock takes the exclusive lease, waiting until ctx is done.
// Every per-request sequence of operations runs under the lease.
func (s *Session) Lock(ctx context.Context) error {
	select {
	case s.lease <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for session lease: %w", types.ErrContextCanceled, ctx.Err())
	}
	if s.State() != Active {
		<-s.lease
		return s.illegal("lease")
	}
	return nil
}

// Unlock releases the lease taken by Lock.
func (s *Session) Unlock() {
	select {
	case <-s.lease:
	default:
		log.Warn().Str("session_id", s.ID).Msg("Unlock of session that is not leased")
	}
}

// Touch updates the LastUsed timestamp atomically.
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// LastUsedTime returns the last used time.
func (s *Session) LastUsedTime() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Age returns how long ago the session was created.
func (s *Session) Age() time.Duration {
	return time.Since(s.CreatedAt)
}

// Healthy reports whether the session is Active and its backend answers.
func (s *Session) Healthy(ctx context.Context) bool {
	if s.State() != Active {
		return false
	}
	_, err := s.driver.CurrentURL(ctx)
	return err == nil
}

// Navigate loads url.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.use("navigate"); err != nil {
		return err
	}
	return s.driver.Navigate(ctx, url)
}

// AddCookie sets one cookie for the current document.
func (s *Session) AddCookie(ctx context.Context, name, value string) error {
	if err := s.use("add_cookie"); err != nil {
		return err
	}
	return s.driver.AddCookie(ctx, name, value)
}

// Cookies returns the cookies visible to the current document.
func (s *Session) Cookies(ctx context.Context) (map[string]string, error) {
	if err := s.use("cookies"); err != nil {
		return nil, err
	}
	return s.driver.Cookies(ctx)
}

// Screenshot captures the viewport as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	if err := s.use("screenshot"); err != nil {
		return nil, err
	}
	return s.driver.Screenshot(ctx)
}

// ExecuteScript runs script and returns its JSON-decoded result.
func (s *Session) ExecuteScript(ctx context.Context, script string) (any, error) {
	if err := s.use("execute_script"); err != nil {
		return nil, err
	}
	return s.driver.ExecuteScript(ctx, script)
}

// PageSource returns the current document markup.
func (s *Session) PageSource(ctx context.Context) (string, error) {
	if err := s.use("page_source"); err != nil {
		return "", err
	}
	return s.driver.PageSource(ctx)
}

// CurrentURL returns the URL of the current document.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	if err := s.use("current_url"); err != nil {
		return "", err
	}
	return s.driver.CurrentURL(ctx)
}

// Title returns the current document title.
func (s *Session) Title(ctx context.Context) (string, error) {
	if err := s.use("title"); err != nil {
		return "", err
	}
	return s.driver.Title(ctx)
}

// Close ends the session. It waits for the lease until ctx is done, then
// quits the backend; if the lease or Quit do not complete in time the
// backend is killed. Close is idempotent: later calls wait for the first
// to finish and return nil.
func (s *Session) Close(ctx context.Context) error {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closeErr = s.shutdown(ctx)
		close(s.closed)
	})
	if !first {
		select {
		case <-s.closed:
		case <-ctx.Done():
		}
		return nil
	}
	return s.closeErr
}

// Done is closed once the session has finished closing.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) shutdown(ctx context.Context) error {
	start := time.Now()

	leased := false
	select {
	case s.lease <- struct{}{}:
		leased = true
	case <-ctx.Done():
	}

	// From here on every operation fails with IllegalStateError.
	s.state.Store(int32(Closed))

	if !leased {
		log.Warn().
			Str("session_id", s.ID).
			Dur("waited", time.Since(start)).
			Msg("Session still leased at end of grace period, forcing termination")
		return s.kill()
	}
	defer func() { <-s.lease }()

	if err := s.driver.Quit(ctx); err != nil {
		log.Warn().
			Err(err).
			Str("session_id", s.ID).
			Msg("Session quit failed, forcing termination")
		return s.kill()
	}

	log.Info().
		Str("session_id", s.ID).
		Str("backend", s.Backend).
		Dur("lifetime", time.Since(s.CreatedAt)).
		Msg("Session closed")
	return nil
}

func (s *Session) kill() error {
	if err := s.driver.Kill(); err != nil {
		log.Error().Err(err).Str("session_id", s.ID).Msg("Failed to kill session backend")
		return fmt.Errorf("kill session %s: %w", s.ID, err)
	}
	log.Info().Str("session_id", s.ID).Msg("Session backend killed")
	return nil
}

func (s *Session) use(op string) error {
	if s.State() != Active {
		return s.illegal(op)
	}
	s.Touch()
	return nil
}

func (s *Session) illegal(op string) error {
	return &types.IllegalStateError{SessionID: s.ID, Op: op, State: s.State().String()}
}

// IsIllegalState reports whether err came from an operation on an inactive session.
func IsIllegalState(err error) bool {
	var ise *types.IllegalStateError
	return errors.As(err, &ise)
}
