package driver

import (
	"context"
	"net/http"
	"net/url"

	"github.com/Rorqualx/renderbridge/internal/backend"
	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/session"
	"github.com/Rorqualx/renderbridge/internal/webdriver"
)

// webDriverLauncher drives chrome, firefox, edge and safari over the wire protocol.
type webDriverLauncher struct {
	// HTTPClient is used for every wire call. Nil uses the client default.
	HTTPClient *http.Client
}

// Local starts the driver binary as an owned service and opens a session on it.
// Without an executable path the variant's default driver is taken from PATH.
func (l *webDriverLauncher) Local(ctx context.Context, cfg *config.DriverConfig) (session.Driver, error) {
	v := cfg.Variant()
	exe := cfg.ExecutablePath()
	if exe == "" {
		exe = v.DefaultExecutable
	}
	svc, err := webdriver.StartService(ctx, exe, v.ServicePortFlag)
	if err != nil {
		return nil, err
	}
	c, err := l.open(ctx, svc.URL, cfg, l.shape(ctx, svc.URL, cfg))
	if err != nil {
		_ = svc.Kill()
		return nil, err
	}
	c.Own(svc)
	return c, nil
}

// Remote opens a session on an already running endpoint.
func (l *webDriverLauncher) Remote(ctx context.Context, cfg *config.DriverConfig) (session.Driver, error) {
	endpoint := cfg.RemoteEndpoint()
	return l.open(ctx, endpoint, cfg, l.shape(ctx, endpoint, cfg))
}

// Legacy starts the driver binary with its legacy port flag and always
// speaks the legacy dialect to it.
func (l *webDriverLauncher) Legacy(ctx context.Context, cfg *config.DriverConfig) (session.Driver, error) {
	v := cfg.Variant()
	svc, err := webdriver.StartService(ctx, cfg.ExecutablePath(), v.LegacyPortFlag)
	if err != nil {
		return nil, err
	}
	c, err := l.open(ctx, svc.URL, cfg, backend.ShapeLegacy)
	if err != nil {
		_ = svc.Kill()
		return nil, err
	}
	c.Own(svc)
	return c, nil
}

// shape resolves auto to a concrete dialect so the capability key matches
// the payload.
func (l *webDriverLauncher) shape(ctx context.Context, endpoint *url.URL, cfg *config.DriverConfig) backend.CapabilityShape {
	shape := cfg.CapabilityShape()
	if shape != backend.ShapeAuto {
		return shape
	}
	httpClient := l.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return webdriver.Probe(ctx, httpClient, endpoint)
}

func (l *webDriverLauncher) open(ctx context.Context, endpoint *url.URL, cfg *config.DriverConfig, shape backend.CapabilityShape) (*webdriver.Client, error) {
	legacy := shape == backend.ShapeLegacy
	caps := webdriver.BuildCapabilities(cfg.Variant(), cfg.BrowserBinaryPath(), cfg.Arguments(), legacy)
	return webdriver.NewSession(ctx, l.HTTPClient, endpoint, shape, caps)
}
