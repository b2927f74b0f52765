// Package sessiontest provides an in-memory session.Driver for tests.
package sessiontest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Page is a document served by the fake browser.
type Page struct {
	Title string
	HTML  string
	// RedirectTo, if set, becomes the current URL after navigation.
	RedirectTo string
}

// Driver is a scripted in-memory browser. The zero value serves empty pages.
// Exported fields must be set before the driver is shared.
type Driver struct {
	Pages         map[string]Page
	NavigateErr   error
	CookieErrs    map[string]error // per cookie name
	ScreenshotPNG []byte
	// Eval answers ExecuteScript; nil returns (nil, nil).
	Eval func(script string) (any, error)
	// QuitDelay makes Quit block until it elapses or ctx is done.
	QuitDelay time.Duration
	QuitErr   error
	// Unhealthy makes CurrentURL fail.
	Unhealthy bool

	mu      sync.Mutex
	url     string
	cookies map[string]string
	calls   []string
	quits   int
	kills   int
}

// ErrUnhealthy is returned by CurrentURL when Unhealthy is set.
var ErrUnhealthy = errors.New("fake browser unhealthy")

// Navigate implements session.Driver.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.record("navigate " + url)
	if d.NavigateErr != nil {
		return d.NavigateErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = url
	if p, ok := d.Pages[url]; ok && p.RedirectTo != "" {
		d.url = p.RedirectTo
	}
	return nil
}

// AddCookie implements session.Driver.
func (d *Driver) AddCookie(_ context.Context, name, value string) error {
	d.record("cookie " + name)
	if err := d.CookieErrs[name]; err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cookies == nil {
		d.cookies = make(map[string]string)
	}
	d.cookies[name] = value
	return nil
}

// Cookies implements session.Driver.
func (d *Driver) Cookies(context.Context) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.cookies))
	for k, v := range d.cookies {
		out[k] = v
	}
	return out, nil
}

// Screenshot implements session.Driver.
func (d *Driver) Screenshot(context.Context) ([]byte, error) {
	d.record("screenshot")
	if d.ScreenshotPNG != nil {
		return d.ScreenshotPNG, nil
	}
	return []byte("\x89PNG\r\n\x1a\n"), nil
}

// ExecuteScript implements session.Driver.
func (d *Driver) ExecuteScript(_ context.Context, script string) (any, error) {
	d.record("script " + script)
	if d.Eval == nil {
		return nil, nil
	}
	return d.Eval(script)
}

// PageSource implements session.Driver.
func (d *Driver) PageSource(context.Context) (string, error) {
	d.record("source")
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.page().HTML, nil
}

// CurrentURL implements session.Driver.
func (d *Driver) CurrentURL(context.Context) (string, error) {
	if d.Unhealthy {
		return "", ErrUnhealthy
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url, nil
}

// Title implements session.Driver.
func (d *Driver) Title(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.page().Title, nil
}

// Quit implements session.Driver.
func (d *Driver) Quit(ctx context.Context) error {
	d.record("quit")
	if d.QuitDelay > 0 {
		select {
		case <-time.After(d.QuitDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	d.quits++
	d.mu.Unlock()
	return d.QuitErr
}

// Kill implements session.Driver.
func (d *Driver) Kill() error {
	d.record("kill")
	d.mu.Lock()
	d.kills++
	d.mu.Unlock()
	return nil
}

// Calls returns the operations performed so far, in order.
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallsWithPrefix returns recorded calls that start with prefix.
func (d *Driver) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range d.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Quits returns how many times Quit completed.
func (d *Driver) Quits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quits
}

// Kills returns how many times Kill was called.
func (d *Driver) Kills() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.kills
}

func (d *Driver) record(call string) {
	d.mu.Lock()
	d.calls = append(d.calls, call)
	d.mu.Unlock()
}

// page returns the current page; d.mu must be held.
func (d *Driver) page() Page {
	if p, ok := d.Pages[d.url]; ok {
		return p
	}
	return Page{HTML: "<html><head></head><body></body></html>"}
}
