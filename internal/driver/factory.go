// Package driver turns a resolved DriverConfig into a live browser session.
//
// Construction follows a fixed priority:
//
//  1. local-capable backend with an executable: launch it locally
//  2. a remote endpoint: open a remote session
//  3. an executable only: legacy direct launch, if the variant supports it
//  4. a local-capable backend with no target: local launch of its default
//
// Anything else is a configuration error. Launch failures are connection errors.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/renderbridge/internal/backend"
	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/metrics"
	"github.com/Rorqualx/renderbridge/internal/security"
	"github.com/Rorqualx/renderbridge/internal/session"
	"github.com/Rorqualx/renderbridge/internal/types"
)

// Mode names the construction path taken for a session.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeRemote Mode = "remote"
	ModeLegacy Mode = "legacy"
)

// Launcher constructs drivers for one protocol family.
type Launcher interface {
	Local(ctx context.Context, cfg *config.DriverConfig) (session.Driver, error)
	Remote(ctx context.Context, cfg *config.DriverConfig) (session.Driver, error)
	Legacy(ctx context.Context, cfg *config.DriverConfig) (session.Driver, error)
}

// Factory creates sessions. The zero value is not usable; call NewFactory.
type Factory struct {
	mu        sync.RWMutex
	launchers map[backend.Protocol]Launcher
}

// NewFactory returns a factory with the built-in launcher for every protocol.
func NewFactory() *Factory {
	return &Factory{
		launchers: map[backend.Protocol]Launcher{
			backend.WebDriver:  &webDriverLauncher{},
			backend.CDP:        &rodLauncher{},
			backend.Playwright: &playwrightLauncher{},
		},
	}
}

// Register replaces the launcher used for a protocol.
func (f *Factory) Register(p backend.Protocol, l Launcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchers[p] = l
}

// Plan reports which construction path Create would take for cfg.
func Plan(cfg *config.DriverConfig) (Mode, error) {
	if cfg == nil {
		return "", types.NewConfigurationError("", "driver configuration is missing", types.ErrNotConfigured)
	}
	v := cfg.Variant()
	switch {
	case v.LocalCapable && cfg.HasExecutable():
		return ModeLocal, nil
	case cfg.HasRemote():
		return ModeRemote, nil
	case cfg.HasExecutable():
		if !v.LegacyLaunch {
			return "", types.NewConfigurationError(config.KeyExecutablePath,
				fmt.Sprintf("backend %q cannot be launched from an executable alone; set %s", v.Name, config.KeyRemoteEndpoint),
				types.ErrLegacyLaunchUnsupported)
		}
		return ModeLegacy, nil
	case v.LocalCapable:
		return ModeLocal, nil
	default:
		return "", types.NewConfigurationError(config.KeyExecutablePath,
			fmt.Sprintf("backend %q needs %s or %s", v.Name, config.KeyExecutablePath, config.KeyRemoteEndpoint),
			types.ErrLaunchTargetRequired)
	}
}

// Create builds and activates a session for cfg.
func (f *Factory) Create(ctx context.Context, cfg *config.DriverConfig) (*session.Session, error) {
	mode, err := Plan(cfg)
	if err != nil {
		return nil, err
	}

	v := cfg.Variant()
	f.mu.RLock()
	l, ok := f.launchers[v.Protocol]
	f.mu.RUnlock()
	if !ok {
		return nil, types.NewConfigurationError(config.KeyBackendName,
			fmt.Sprintf("no launcher for protocol %s", v.Protocol), types.ErrUnknownBackend)
	}

	target := launchTarget(cfg, mode)
	log.Info().
		Str("backend", v.Name).
		Str("mode", string(mode)).
		Str("target", target).
		Strs("arguments", security.RedactArguments(cfg.Arguments())).
		Msg("Creating browser session")

	start := time.Now()
	var d session.Driver
	switch mode {
	case ModeLocal:
		d, err = l.Local(ctx, cfg)
	case ModeRemote:
		d, err = l.Remote(ctx, cfg)
	case ModeLegacy:
		d, err = l.Legacy(ctx, cfg)
	}
	metrics.RecordSessionCreated(v.Name, string(mode), err)
	if err != nil {
		var cfgErr *types.ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, types.NewSessionCreateError(target, err)
	}

	s := session.New(v.Name, d)
	if err := s.Activate(); err != nil {
		_ = d.Kill()
		return nil, err
	}

	log.Info().
		Str("session_id", s.ID).
		Str("backend", v.Name).
		Str("mode", string(mode)).
		Dur("duration", time.Since(start)).
		Msg("Browser session created")
	return s, nil
}

func launchTarget(cfg *config.DriverConfig, mode Mode) string {
	switch {
	case mode == ModeRemote:
		return security.RedactURL(cfg.RemoteEndpoint().String())
	case cfg.HasExecutable():
		return cfg.ExecutablePath()
	case cfg.Variant().DefaultExecutable != "":
		return cfg.Variant().DefaultExecutable
	default:
		return cfg.BackendName() + " default browser"
	}
}
