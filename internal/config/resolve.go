package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Rorqualx/renderbridge/internal/backend"
	"github.com/Rorqualx/renderbridge/internal/types"
)

// DriverConfig is a validated backend configuration. It is immutable once
// constructed; accessors return copies.
type DriverConfig struct {
	variant           backend.Variant
	executablePath    string
	browserBinaryPath string
	remoteEndpoint    *url.URL
	arguments         []string
	shape             backend.CapabilityShape
	headless          bool
}

// Variant returns the selected backend variant.
func (c *DriverConfig) Variant() backend.Variant { return c.variant }

// BackendName returns the canonical backend name.
func (c *DriverConfig) BackendName() string { return c.variant.Name }

// ExecutablePath returns the driver or browser executable, or "".
func (c *DriverConfig) ExecutablePath() string { return c.executablePath }

// BrowserBinaryPath returns the browser binary override, or "".
func (c *DriverConfig) BrowserBinaryPath() string { return c.browserBinaryPath }

// RemoteEndpoint returns a copy of the remote endpoint, or nil.
func (c *DriverConfig) RemoteEndpoint() *url.URL {
	if c.remoteEndpoint == nil {
		return nil
	}
	u := *c.remoteEndpoint
	if c.remoteEndpoint.User != nil {
		user := *c.remoteEndpoint.User
		u.User = &user
	}
	return &u
}

// Arguments returns the browser arguments in their configured order.
func (c *DriverConfig) Arguments() []string {
	out := make([]string, len(c.arguments))
	copy(out, c.arguments)
	return out
}

// CapabilityShape returns the configured WebDriver capability shape.
func (c *DriverConfig) CapabilityShape() backend.CapabilityShape { return c.shape }

// Headless reports whether locally launched CDP and Playwright browsers run headless.
func (c *DriverConfig) Headless() bool { return c.headless }

// HasExecutable reports whether an executable path is configured.
func (c *DriverConfig) HasExecutable() bool { return c.executablePath != "" }

// HasRemote reports whether a remote endpoint is configured.
func (c *DriverConfig) HasRemote() bool { return c.remoteEndpoint != nil }

// Resolve validates raw settings and produces a DriverConfig.
// It has no side effects; every failure is a *types.ConfigurationError.
func Resolve(raw Settings) (*DriverConfig, error) {
	name, err := stringSetting(raw, KeyBackendName)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, types.NewConfigurationError(KeyBackendName, "backend name is required", types.ErrBackendRequired)
	}

	variant, ok := backend.Lookup(name)
	if !ok {
		return nil, types.NewConfigurationError(KeyBackendName,
			fmt.Sprintf("unknown backend %q (supported: %s)", name, strings.Join(backend.Names(), ", ")),
			types.ErrUnknownBackend)
	}

	cfg := &DriverConfig{variant: variant, headless: true}

	if cfg.executablePath, err = stringSetting(raw, KeyExecutablePath); err != nil {
		return nil, err
	}
	if cfg.browserBinaryPath, err = stringSetting(raw, KeyBrowserBinaryPath); err != nil {
		return nil, err
	}

	endpoint, err := stringSetting(raw, KeyRemoteEndpoint)
	if err != nil {
		return nil, err
	}
	if endpoint != "" {
		if cfg.remoteEndpoint, err = parseEndpoint(endpoint); err != nil {
			return nil, err
		}
	}

	if cfg.arguments, err = argumentsSetting(raw); err != nil {
		return nil, err
	}

	shapeName, err := stringSetting(raw, KeyCapabilityShape)
	if err != nil {
		return nil, err
	}
	shape, ok := backend.ParseShape(shapeName)
	if !ok {
		return nil, types.NewConfigurationError(KeyCapabilityShape,
			fmt.Sprintf("unknown capability shape %q (want auto, w3c or legacy)", shapeName), nil)
	}
	cfg.shape = shape

	if v, ok := raw.Get(KeyHeadless); ok && v != nil {
		b, isBool := v.(bool)
		if !isBool {
			return nil, types.NewConfigurationError(KeyHeadless, fmt.Sprintf("must be a boolean, got %T", v), nil)
		}
		cfg.headless = b
	}

	if !variant.LocalCapable && cfg.executablePath == "" && cfg.remoteEndpoint == nil {
		return nil, types.NewConfigurationError("",
			fmt.Sprintf("backend %q needs %s or %s", variant.Name, KeyExecutablePath, KeyRemoteEndpoint),
			types.ErrLaunchTargetRequired)
	}

	if !variant.SupportsBrowserOptions() && (cfg.browserBinaryPath != "" || len(cfg.arguments) > 0) {
		return nil, types.NewConfigurationError(KeyArguments,
			fmt.Sprintf("backend %q accepts no browser binary or arguments", variant.Name),
			types.ErrOptionUnsupported)
	}

	return cfg, nil
}

func stringSetting(raw Settings, key string) (string, error) {
	v, ok := raw.Get(key)
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", types.NewConfigurationError(key, fmt.Sprintf("must be a string, got %T", v), nil)
	}
	return strings.TrimSpace(s), nil
}

func argumentsSetting(raw Settings) ([]string, error) {
	v, ok := raw.Get(KeyArguments)
	if !ok || v == nil {
		return nil, nil
	}
	switch args := v.(type) {
	case []string:
		out := make([]string, len(args))
		copy(out, args)
		return out, nil
	case []any:
		out := make([]string, 0, len(args))
		for i, a := range args {
			s, ok := a.(string)
			if !ok {
				return nil, types.NewConfigurationError(KeyArguments,
					fmt.Sprintf("argument %d must be a string, got %T", i, a), nil)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, types.NewConfigurationError(KeyArguments,
			fmt.Sprintf("must be a list of strings, got %T", v), nil)
	}
}

func parseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, types.NewConfigurationError(KeyRemoteEndpoint, "invalid URL", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return nil, types.NewConfigurationError(KeyRemoteEndpoint,
			fmt.Sprintf("scheme must be http, https, ws or wss, got %q", u.Scheme), nil)
	}
	if u.Host == "" {
		return nil, types.NewConfigurationError(KeyRemoteEndpoint, "host is required", nil)
	}
	return u, nil
}
