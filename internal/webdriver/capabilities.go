// Package webdriver is a client for the HTTP+JSON remote browser control
// protocol. It speaks both the W3C dialect and the legacy JSON wire dialect,
// and can own the lifetime of a locally started driver service.
package webdriver

import (
	"github.com/Rorqualx/renderbridge/internal/backend"
)

// Capabilities is a capability descriptor for one session.
type Capabilities map[string]any

// BuildCapabilities builds the descriptor for variant. The browser binary is
// set only when binary is non-empty; args keep their order.
func BuildCapabilities(v backend.Variant, binary string, args []string, legacy bool) Capabilities {
	caps := Capabilities{"browserName": v.BrowserName}

	key := v.CapabilityKey(legacy)
	if key == "" || (binary == "" && len(args) == 0) {
		return caps
	}

	opts := map[string]any{}
	if binary != "" {
		opts["binary"] = binary
	}
	if len(args) > 0 {
		ordered := make([]string, len(args))
		copy(ordered, args)
		opts["args"] = ordered
	}
	caps[key] = opts
	return caps
}

// NewSessionPayload wraps caps in the request body for the given shape.
// ShapeAuto must be resolved with Probe before calling.
func NewSessionPayload(shape backend.CapabilityShape, caps Capabilities) map[string]any {
	if shape == backend.ShapeLegacy {
		return map[string]any{"desiredCapabilities": caps}
	}
	return map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": caps,
		},
	}
}
