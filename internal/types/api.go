package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Request validation limits.
const (
	MaxURLLength         = 8192
	MaxWaitTimeoutMs     = 600000 // 10 minutes in milliseconds
	MaxCookies           = 100
	MaxCookieNameLength  = 256
	MaxCookieValueLength = 4096
	MaxScriptLength      = 64 * 1024
	MaxWaitValueLength   = 4096
)

// Wait kinds accepted by the render API.
const (
	WaitSelector      = "selector"
	WaitTitleContains = "title"
	WaitURLContains   = "url"
	WaitScript        = "script"
	WaitDocumentReady = "ready"
	WaitPreset        = "preset"
)

// RenderRequest represents an incoming render API request.
type RenderRequest struct {
	URL         string            `json:"url"`
	Cookies     map[string]string `json:"cookies,omitempty"`
	WaitFor     *WaitSpec         `json:"waitFor,omitempty"`
	WaitTimeout int               `json:"waitTimeout,omitempty"` // Wait budget in milliseconds
	Screenshot  bool              `json:"screenshot,omitempty"`
	Script      string            `json:"script,omitempty"`
}

// WaitSpec names a wait predicate. Value is interpreted per Kind; for the
// "preset" kind it is the preset name.
type WaitSpec struct {
	Kind  string `json:"kind"`
	Value string `json:"value,omitempty"`
}

// Validate validates the request and returns an error if invalid.
func (r *RenderRequest) Validate() error {
	if r.URL == "" {
		return ErrURLRequired
	}
	if len(r.URL) > MaxURLLength {
		return fmt.Errorf("url exceeds maximum length of %d", MaxURLLength)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" && scheme != "file" && scheme != "data" {
		return fmt.Errorf("url scheme must be http, https, file or data, got: %q", scheme)
	}

	if len(r.Cookies) > MaxCookies {
		return fmt.Errorf("too many cookies (maximum %d)", MaxCookies)
	}
	for name, value := range r.Cookies {
		if name == "" {
			return fmt.Errorf("cookie name is required")
		}
		if len(name) > MaxCookieNameLength {
			return fmt.Errorf("cookie %q: name exceeds maximum length of %d", name[:32], MaxCookieNameLength)
		}
		if len(value) > MaxCookieValueLength {
			return fmt.Errorf("cookie %q: value exceeds maximum length of %d", name, MaxCookieValueLength)
		}
	}

	if r.WaitTimeout < 0 {
		return fmt.Errorf("waitTimeout cannot be negative")
	}
	if r.WaitTimeout > MaxWaitTimeoutMs {
		return fmt.Errorf("waitTimeout exceeds maximum of %d ms", MaxWaitTimeoutMs)
	}

	if r.WaitFor != nil {
		if err := r.WaitFor.Validate(); err != nil {
			return fmt.Errorf("waitFor: %w", err)
		}
	}

	if len(r.Script) > MaxScriptLength {
		return fmt.Errorf("script exceeds maximum length of %d", MaxScriptLength)
	}

	return nil
}

// Validate checks the wait kind and its value.
func (w *WaitSpec) Validate() error {
	switch w.Kind {
	case WaitDocumentReady:
		return nil
	case WaitSelector, WaitTitleContains, WaitURLContains, WaitScript, WaitPreset:
		if w.Value == "" {
			return fmt.Errorf("value is required for kind %q", w.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", w.Kind)
	}
	if len(w.Value) > MaxWaitValueLength {
		return fmt.Errorf("value exceeds maximum length of %d", MaxWaitValueLength)
	}
	return nil
}

// Response represents an API response.
type Response struct {
	Status    string               `json:"status"`
	Message   string               `json:"message"`
	StartTime int64                `json:"startTimestamp"`
	EndTime   int64                `json:"endTimestamp"`
	Version   string               `json:"version"`
	Result    *RenderResult        `json:"result,omitempty"`
	Pool      *PoolStatus          `json:"pool,omitempty"`
	Presets   []PresetInfo         `json:"presets,omitempty"`
	Hosts     map[string]HostStats `json:"hosts,omitempty"`
}

// RenderResult contains the rendered page.
type RenderResult struct {
	URL        string `json:"url"`
	Body       string `json:"body"`
	Encoding   string `json:"encoding"`
	Screenshot string `json:"screenshot,omitempty"` // Base64 encoded PNG screenshot
	SessionID  string `json:"sessionId,omitempty"`
}

// PoolStatus is reported by the health endpoint.
type PoolStatus struct {
	Backend   string `json:"backend"`
	Size      int    `json:"size"`
	Available int    `json:"available"`
}

// PresetInfo describes a named wait condition.
type PresetInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

// HostStats summarizes renders of one target host.
type HostStats struct {
	Renders      int64            `json:"renders"`
	Successes    int64            `json:"successes"`
	Failures     int64            `json:"failures"`
	Outcomes     map[string]int64 `json:"outcomes"`
	AvgLatencyMs int64            `json:"avgLatencyMs"`
	ErrorRate    float64          `json:"errorRate"`
	LastRender   time.Time        `json:"lastRender,omitempty"`
	LastSuccess  time.Time        `json:"lastSuccess,omitempty"`
}

// Status values for API responses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)
