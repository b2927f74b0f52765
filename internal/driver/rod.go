package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/session"
	"github.com/Rorqualx/renderbridge/internal/types"
)

// rodLauncher drives Chromium over the DevTools protocol.
type rodLauncher struct{}

// Local launches the browser binary with rod's launcher and connects to it.
func (rodLauncher) Local(ctx context.Context, cfg *config.DriverConfig) (session.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := newRodLauncher(cfg)
	controlURL, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	d, err := newRodDriver(browser, l)
	if err != nil {
		_ = browser.Close()
		l.Kill()
		return nil, err
	}
	log.Debug().Str("url", controlURL).Int("pid", l.PID()).Msg("Browser launched")
	return d, nil
}

// Remote connects to a running browser. An http endpoint is resolved to its
// DevTools websocket first.
func (rodLauncher) Remote(ctx context.Context, cfg *config.DriverConfig) (session.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	controlURL := cfg.RemoteEndpoint().String()
	if !strings.HasPrefix(controlURL, "ws") {
		resolved, err := launcher.ResolveURL(controlURL)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve devtools url: %w", err)
		}
		controlURL = resolved
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	d, err := newRodDriver(browser, nil)
	if err != nil {
		_ = browser.Close()
		return nil, err
	}
	return d, nil
}

// Legacy is never reached: Plan refuses legacy launch for this variant.
func (rodLauncher) Legacy(context.Context, *config.DriverConfig) (session.Driver, error) {
	return nil, types.NewConfigurationError(config.KeyExecutablePath, "cdp backends have no legacy launch", types.ErrLegacyLaunchUnsupported)
}

// newRodLauncher builds a launcher from the configuration. Arguments take the
// form --name or --name=value and are applied in order after the defaults.
// Without a binary rod finds or fetches a browser itself.
func newRodLauncher(cfg *config.DriverConfig) *launcher.Launcher {
	bin := cfg.ExecutablePath()
	if cfg.BrowserBinaryPath() != "" {
		bin = cfg.BrowserBinaryPath()
	}

	l := launcher.New().
		Headless(cfg.Headless()).
		Leakless(true).
		Set("no-first-run").
		Set("no-default-browser-check")
	if bin != "" {
		l = l.Bin(bin)
	}

	for _, arg := range cfg.Arguments() {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			l = l.Set(flags.Flag(name), value)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// rodDriver adapts a rod browser and its single page to session.Driver.
type rodDriver struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher // nil for remote browsers
}

func newRodDriver(browser *rod.Browser, l *launcher.Launcher) (*rodDriver, error) {
	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	return &rodDriver{browser: browser, page: page, launcher: l}, nil
}

func (d *rodDriver) Navigate(ctx context.Context, u string) error {
	p := d.page.Context(ctx)
	if err := p.Navigate(u); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (d *rodDriver) AddCookie(ctx context.Context, name, value string) error {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return err
	}
	return d.page.Context(ctx).SetCookies([]*proto.NetworkCookieParam{{
		Name:  name,
		Value: value,
		URL:   info.URL,
	}})
}

func (d *rodDriver) Cookies(ctx context.Context) (map[string]string, error) {
	cookies, err := d.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out, nil
}

func (d *rodDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return d.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (d *rodDriver) ExecuteScript(ctx context.Context, script string) (any, error) {
	res, err := d.page.Context(ctx).Eval("() => {" + script + "\n}")
	if err != nil {
		return nil, err
	}
	return res.Value.Val(), nil
}

func (d *rodDriver) PageSource(ctx context.Context) (string, error) {
	return d.page.Context(ctx).HTML()
}

func (d *rodDriver) CurrentURL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (d *rodDriver) Title(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

// Quit closes the browser and, for launched browsers, waits for the process
// to exit and removes its profile directory.
func (d *rodDriver) Quit(ctx context.Context) error {
	err := d.browser.Context(ctx).Close()
	if d.launcher == nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.launcher.Cleanup()
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		d.launcher.Kill()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Warn().Int("pid", d.launcher.PID()).Msg("Browser cleanup did not finish after kill")
		}
		return fmt.Errorf("browser did not exit: %w", ctx.Err())
	}
}

// Kill terminates a launched browser. Remote browsers are abandoned.
func (d *rodDriver) Kill() error {
	if d.launcher != nil {
		d.launcher.Kill()
	}
	return nil
}
