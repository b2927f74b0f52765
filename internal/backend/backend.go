// Package backend describes the closed set of browser backends the bridge can drive.
package backend

import (
	"sort"
	"strings"
)

// Protocol identifies how a backend is controlled.
type Protocol int

const (
	// WebDriver backends speak the HTTP+JSON remote control protocol.
	WebDriver Protocol = iota
	// CDP backends are driven over the DevTools protocol via rod.
	CDP
	// Playwright backends are driven through the playwright driver.
	Playwright
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case WebDriver:
		return "webdriver"
	case CDP:
		return "cdp"
	case Playwright:
		return "playwright"
	default:
		return "unknown"
	}
}

// Variant is one supported backend and its capabilities.
type Variant struct {
	Name     string
	Protocol Protocol

	// LocalCapable backends can be launched from an executable path alone.
	LocalCapable bool

	// LegacyLaunch reports whether the driver binary can be started directly
	// with LegacyPortFlag and driven with the legacy capability shape.
	LegacyLaunch   bool
	LegacyPortFlag string

	// BrowserName is the browserName capability value.
	BrowserName string

	// OptionsKey holds browser binary and arguments in W3C capabilities.
	// Empty means the variant accepts no browser options.
	OptionsKey       string
	LegacyOptionsKey string

	// ServicePortFlag is the flag used to put a driver service on a port.
	// It is formatted with the port and split on whitespace.
	ServicePortFlag string

	// DefaultExecutable is looked up on PATH when a local-capable backend is
	// launched without an executable path. Empty lets the launcher find the
	// browser itself.
	DefaultExecutable string
}

// SupportsBrowserOptions reports whether a binary path and arguments can be
// passed to the browser.
func (v Variant) SupportsBrowserOptions() bool {
	return v.OptionsKey != "" || v.Protocol != WebDriver
}

// CapabilityKey returns the options key for the given shape.
func (v Variant) CapabilityKey(legacy bool) string {
	if legacy && v.LegacyOptionsKey != "" {
		return v.LegacyOptionsKey
	}
	return v.OptionsKey
}

var variants = map[string]Variant{
	"chrome": {
		Name:              "chrome",
		Protocol:          WebDriver,
		LocalCapable:      true,
		LegacyLaunch:      true,
		LegacyPortFlag:    "--port=%d",
		BrowserName:       "chrome",
		OptionsKey:        "goog:chromeOptions",
		LegacyOptionsKey:  "chromeOptions",
		ServicePortFlag:   "--port=%d",
		DefaultExecutable: "chromedriver",
	},
	"firefox": {
		Name:             "firefox",
		Protocol:         WebDriver,
		LegacyLaunch:     true,
		LegacyPortFlag:   "--port=%d",
		BrowserName:      "firefox",
		OptionsKey:       "moz:firefoxOptions",
		LegacyOptionsKey: "moz:firefoxOptions",
		ServicePortFlag:  "--port=%d",
	},
	"edge": {
		Name:             "edge",
		Protocol:         WebDriver,
		LegacyLaunch:     true,
		LegacyPortFlag:   "--port=%d",
		BrowserName:      "MicrosoftEdge",
		OptionsKey:       "ms:edgeOptions",
		LegacyOptionsKey: "edgeOptions",
		ServicePortFlag:  "--port=%d",
	},
	"safari": {
		Name:            "safari",
		Protocol:        WebDriver,
		LegacyLaunch:    true,
		LegacyPortFlag:  "--port %d",
		BrowserName:     "safari",
		ServicePortFlag: "--port %d",
	},
	"rod": {
		Name:         "rod",
		Protocol:     CDP,
		LocalCapable: true,
		BrowserName:  "chromium",
	},
	"playwright": {
		Name:         "playwright",
		Protocol:     Playwright,
		LocalCapable: true,
		BrowserName:  "chromium",
	},
}

// Lookup returns the variant registered under name. Matching is case-insensitive.
func Lookup(name string) (Variant, bool) {
	v, ok := variants[strings.ToLower(strings.TrimSpace(name))]
	return v, ok
}

// Names returns all registered backend names in sorted order.
func Names() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CapabilityShape selects how a WebDriver capability descriptor is built.
type CapabilityShape string

const (
	// ShapeAuto probes the remote endpoint's /status to pick a shape.
	ShapeAuto CapabilityShape = "auto"
	// ShapeW3C sends {"capabilities":{"alwaysMatch":{...}}}.
	ShapeW3C CapabilityShape = "w3c"
	// ShapeLegacy sends {"desiredCapabilities":{...}}.
	ShapeLegacy CapabilityShape = "legacy"
)

// ParseShape parses a capability shape name. Empty selects ShapeAuto.
func ParseShape(s string) (CapabilityShape, bool) {
	switch CapabilityShape(strings.ToLower(strings.TrimSpace(s))) {
	case "", ShapeAuto:
		return ShapeAuto, true
	case ShapeW3C:
		return ShapeW3C, true
	case ShapeLegacy:
		return ShapeLegacy, true
	default:
		return "", false
	}
}
