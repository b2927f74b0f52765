package webdriver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/ysmood/leakless"
)

const (
	readyPollInterval = 100 * time.Millisecond
	killWait          = 5 * time.Second
)

// ErrServiceExited is returned when the driver process exits before it is ready.
var ErrServiceExited = errors.New("webdriver: driver service exited before becoming ready")

// Service is a locally started driver process, for example chromedriver.
// When the platform supports it the process runs under a leakless guard so it
// dies with this process even on a hard crash.
type Service struct {
	URL *url.URL

	cmd    *exec.Cmd
	pid    int
	exited chan struct{}
}

// StartService starts executable on a free local port and waits until it
// answers /status or ctx is done. portFlag is formatted with the port and
// split on whitespace; extraArgs precede it.
func StartService(ctx context.Context, executable, portFlag string, extraArgs ...string) (*Service, error) {
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("webdriver: find free port: %w", err)
	}

	args := make([]string, 0, len(extraArgs)+2)
	args = append(args, extraArgs...)
	args = append(args, strings.Fields(fmt.Sprintf(portFlag, port))...)

	var guard *leakless.Launcher
	var cmd *exec.Cmd
	if leakless.Support() {
		guard = leakless.New()
		cmd = guard.Command(executable, args...)
	} else {
		cmd = exec.Command(executable, args...)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("webdriver: start %s: %w", executable, err)
	}

	s := &Service{
		URL:    &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))},
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		exited: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(s.exited)
	}()

	if guard != nil {
		select {
		case pid := <-guard.Pid():
			s.pid = pid
		case <-s.exited:
			return nil, fmt.Errorf("%w: %s", ErrServiceExited, guard.Err())
		case <-ctx.Done():
			_ = s.Kill()
			return nil, ctx.Err()
		}
		if msg := guard.Err(); msg != "" {
			_ = s.Kill()
			return nil, fmt.Errorf("webdriver: leakless guard: %s", msg)
		}
	}

	log.Debug().
		Str("executable", executable).
		Int("pid", s.pid).
		Int("port", port).
		Bool("leakless", guard != nil).
		Msg("Driver service started")

	if err := s.waitReady(ctx); err != nil {
		_ = s.Kill()
		return nil, err
	}
	return s, nil
}

// Pid returns the driver process id.
func (s *Service) Pid() int { return s.pid }

// Exited is closed once the driver process has exited.
func (s *Service) Exited() <-chan struct{} { return s.exited }

func (s *Service) waitReady(ctx context.Context) error {
	httpClient := &http.Client{Timeout: 2 * time.Second}
	defer httpClient.CloseIdleConnections()

	for {
		if Ready(ctx, httpClient, s.URL) {
			return nil
		}
		select {
		case <-s.exited:
			return ErrServiceExited
		case <-ctx.Done():
			return fmt.Errorf("webdriver: driver service not ready: %w", ctx.Err())
		case <-time.After(readyPollInterval):
		}
	}
}

// Stop asks the driver to exit and kills it if it has not exited when ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	select {
	case <-s.exited:
		return nil
	default:
	}

	if p, err := os.FindProcess(s.pid); err == nil {
		if err := p.Signal(os.Interrupt); err != nil {
			log.Debug().Err(err).Int("pid", s.pid).Msg("Interrupt failed, killing driver service")
			return s.Kill()
		}
	}

	select {
	case <-s.exited:
		log.Debug().Int("pid", s.pid).Msg("Driver service stopped")
		return nil
	case <-ctx.Done():
		return s.Kill()
	}
}

// Kill terminates the driver process and its guard. It is safe to call more than once.
func (s *Service) Kill() error {
	select {
	case <-s.exited:
		return nil
	default:
	}

	var errs []error
	if p, err := os.FindProcess(s.pid); err == nil {
		if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
	}
	if s.cmd.Process.Pid != s.pid {
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, err)
		}
	}

	select {
	case <-s.exited:
	case <-time.After(killWait):
		errs = append(errs, fmt.Errorf("webdriver: driver service pid %d did not exit", s.pid))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Debug().Int("pid", s.pid).Msg("Driver service killed")
	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
