// Package render drives a leased browser session through one render request
// and turns the resulting page into a response.
package render

import (
	"fmt"
	"time"

	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/session"
	"github.com/Rorqualx/renderbridge/internal/types"
)

// Metadata keys set on a Response.
const (
	MetaScreenshot = "screenshot"
	MetaSessionID  = "session_id"
	MetaBackend    = "backend"
	MetaElapsed    = "elapsed"
)

// Request is anything the pipeline hands to the processor. Only
// *BrowserRequest values are rendered; other requests pass through.
type Request interface {
	RequestURL() string
}

// BrowserRequest asks for url to be rendered in a browser session.
type BrowserRequest struct {
	URL     string
	Cookies map[string]string
	// Wait, if set, is polled after cookies are applied until it holds or
	// WaitBudget elapses.
	Wait       Condition
	WaitBudget time.Duration
	Screenshot bool
	// Script runs after the wait; its result is discarded.
	Script string
}

// RequestURL implements Request.
func (r *BrowserRequest) RequestURL() string { return r.URL }

// PlainRequest is a request the processor does not handle.
type PlainRequest struct {
	URL string
}

// RequestURL implements Request.
func (r *PlainRequest) RequestURL() string { return r.URL }

// Response is a rendered page.
type Response struct {
	URL      string
	Body     []byte
	Encoding string
	Metadata map[string]any
	// Session is the session that rendered the page. It is returned to the
	// pool when the request completes and must not be used after that.
	Session *session.Session
}

// Text returns the body decoded as a string.
func (r *Response) Text() string { return string(r.Body) }

// ScreenshotPNG returns the captured screenshot, if any.
func (r *Response) ScreenshotPNG() []byte {
	png, _ := r.Metadata[MetaScreenshot].([]byte)
	return png
}

// FromAPI converts a validated API request into a BrowserRequest. The wait
// budget is clamped to cfg, and preset waits are resolved against presets.
func FromAPI(req *types.RenderRequest, cfg *config.Config, presets PresetSource) (*BrowserRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidRequest, err)
	}

	br := &BrowserRequest{
		URL:        req.URL,
		Cookies:    req.Cookies,
		WaitBudget: cfg.ClampWaitBudget(req.WaitTimeout),
		Screenshot: req.Screenshot,
		Script:     req.Script,
	}
	if req.WaitFor != nil {
		cond, err := ConditionFromSpec(req.WaitFor, presets)
		if err != nil {
			return nil, fmt.Errorf("%w: waitFor: %w", types.ErrInvalidRequest, err)
		}
		br.Wait = cond
	}
	return br, nil
}
