package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/session"
	"github.com/Rorqualx/renderbridge/internal/types"
)

// playwrightLauncher drives Chromium through the playwright driver process.
// Browsers must already be installed; the launcher never downloads them.
type playwrightLauncher struct{}

func runPlaywright() (*playwright.Playwright, error) {
	pw, err := playwright.Run(&playwright.RunOptions{
		SkipInstallBrowsers: true,
		Verbose:             false,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	return pw, nil
}

// Local launches the configured Chromium executable, or the installed one.
func (playwrightLauncher) Local(ctx context.Context, cfg *config.DriverConfig) (session.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := runPlaywright()
	if err != nil {
		return nil, err
	}

	exe := cfg.ExecutablePath()
	if cfg.BrowserBinaryPath() != "" {
		exe = cfg.BrowserBinaryPath()
	}
	opts := playwright.BrowserTypeLaunchOptions{
		Args:     cfg.Arguments(),
		Headless: playwright.Bool(cfg.Headless()),
	}
	if exe != "" {
		opts.ExecutablePath = playwright.String(exe)
	}
	browser, err := pw.Chromium.Launch(opts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return newPlaywrightDriver(pw, browser)
}

// Remote connects to a playwright server over ws, or to a Chromium DevTools
// endpoint over http.
func (playwrightLauncher) Remote(ctx context.Context, cfg *config.DriverConfig) (session.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := runPlaywright()
	if err != nil {
		return nil, err
	}

	endpoint := cfg.RemoteEndpoint().String()
	var browser playwright.Browser
	if strings.HasPrefix(endpoint, "ws") {
		browser, err = pw.Chromium.Connect(endpoint)
	} else {
		browser, err = pw.Chromium.ConnectOverCDP(endpoint)
	}
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	return newPlaywrightDriver(pw, browser)
}

// Legacy is never reached: Plan refuses legacy launch for this variant.
func (playwrightLauncher) Legacy(context.Context, *config.DriverConfig) (session.Driver, error) {
	return nil, types.NewConfigurationError(config.KeyExecutablePath, "playwright backends have no legacy launch", types.ErrLegacyLaunchUnsupported)
}

// playwrightDriver adapts one browser context and page to session.Driver.
type playwrightDriver struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

func newPlaywrightDriver(pw *playwright.Playwright, browser playwright.Browser) (*playwrightDriver, error) {
	bctx, err := browser.NewContext()
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &playwrightDriver{pw: pw, browser: browser, context: bctx, page: page}, nil
}

// await runs fn and gives up when ctx is done. Playwright calls take no
// context, so an abandoned call finishes in the background.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// timeoutMs converts the context deadline to a playwright timeout. Zero
// means no timeout.
func timeoutMs(ctx context.Context) *float64 {
	deadline, ok := ctx.Deadline()
	if !ok {
		return playwright.Float(0)
	}
	ms := float64(time.Until(deadline).Milliseconds())
	if ms < 1 {
		ms = 1
	}
	return playwright.Float(ms)
}

func (d *playwrightDriver) Navigate(ctx context.Context, u string) error {
	_, err := await(ctx, func() (playwright.Response, error) {
		return d.page.Goto(u, playwright.PageGotoOptions{
			Timeout:   timeoutMs(ctx),
			WaitUntil: playwright.WaitUntilStateLoad,
		})
	})
	return err
}

func (d *playwrightDriver) AddCookie(ctx context.Context, name, value string) error {
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, d.context.AddCookies([]playwright.OptionalCookie{{
			Name:  name,
			Value: value,
			URL:   playwright.String(d.page.URL()),
		}})
	})
	return err
}

func (d *playwrightDriver) Cookies(ctx context.Context) (map[string]string, error) {
	cookies, err := await(ctx, func() ([]playwright.Cookie, error) {
		return d.context.Cookies(d.page.URL())
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out, nil
}

func (d *playwrightDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return await(ctx, func() ([]byte, error) {
		return d.page.Screenshot()
	})
}

func (d *playwrightDriver) ExecuteScript(ctx context.Context, script string) (any, error) {
	return await(ctx, func() (any, error) {
		return d.page.Evaluate("() => {" + script + "\n}")
	})
}

func (d *playwrightDriver) PageSource(ctx context.Context) (string, error) {
	return await(ctx, d.page.Content)
}

func (d *playwrightDriver) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if d.page.IsClosed() {
		return "", errors.New("page is closed")
	}
	return d.page.URL(), nil
}

func (d *playwrightDriver) Title(ctx context.Context) (string, error) {
	return await(ctx, d.page.Title)
}

// Quit closes the browser and stops the playwright driver.
func (d *playwrightDriver) Quit(ctx context.Context) error {
	_, err := await(ctx, func() (struct{}, error) {
		return struct{}{}, errors.Join(d.browser.Close(), d.pw.Stop())
	})
	return err
}

// Kill stops the playwright driver, which takes launched browsers with it.
func (d *playwrightDriver) Kill() error {
	return d.pw.Stop()
}
