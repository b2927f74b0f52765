package render

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/Rorqualx/renderbridge/internal/presets"
	"github.com/Rorqualx/renderbridge/internal/session"
	"github.com/Rorqualx/renderbridge/internal/types"
)

// Condition is a predicate over the current page of a session.
type Condition interface {
	// Name identifies the condition in logs, metrics and timeout errors.
	Name() string
	Met(ctx context.Context, s *session.Session) (bool, error)
}

// PresetSource resolves named wait presets.
type PresetSource interface {
	Lookup(name string) (presets.Preset, bool)
}

type condition struct {
	name string
	met  func(ctx context.Context, s *session.Session) (bool, error)
}

func (c condition) Name() string { return c.name }

func (c condition) Met(ctx context.Context, s *session.Session) (bool, error) {
	return c.met(ctx, s)
}

// NewCondition builds a Condition from a function.
func NewCondition(name string, met func(ctx context.Context, s *session.Session) (bool, error)) Condition {
	return condition{name: name, met: met}
}

// ElementPresent holds once an element matches the CSS selector.
func ElementPresent(selector string) Condition {
	quoted, _ := json.Marshal(selector)
	script := fmt.Sprintf("return document.querySelector(%s) !== null", quoted)
	return condition{
		name: "element_present",
		met: func(ctx context.Context, s *session.Session) (bool, error) {
			v, err := s.ExecuteScript(ctx, script)
			if err != nil {
				return false, err
			}
			return truthy(v), nil
		},
	}
}

// TitleContains holds once the document title contains substr.
func TitleContains(substr string) Condition {
	return condition{
		name: "title_contains",
		met: func(ctx context.Context, s *session.Session) (bool, error) {
			title, err := s.Title(ctx)
			if err != nil {
				return false, err
			}
			return strings.Contains(title, substr), nil
		},
	}
}

// URLContains holds once the current URL contains substr.
func URLContains(substr string) Condition {
	return condition{
		name: "url_contains",
		met: func(ctx context.Context, s *session.Session) (bool, error) {
			u, err := s.CurrentURL(ctx)
			if err != nil {
				return false, err
			}
			return strings.Contains(u, substr), nil
		},
	}
}

// ScriptTruthy holds once script returns a truthy value.
// The script uses function-body form: "return window.appReady".
func ScriptTruthy(script string) Condition {
	return condition{
		name: "script_truthy",
		met: func(ctx context.Context, s *session.Session) (bool, error) {
			v, err := s.ExecuteScript(ctx, script)
			if err != nil {
				return false, err
			}
			return truthy(v), nil
		},
	}
}

// DocumentReady holds once document.readyState is "complete".
func DocumentReady() Condition {
	return condition{
		name: "document_ready",
		met: func(ctx context.Context, s *session.Session) (bool, error) {
			v, err := s.ExecuteScript(ctx, "return document.readyState")
			if err != nil {
				return false, err
			}
			state, _ := v.(string)
			return state == "complete", nil
		},
	}
}

// ConditionFromSpec builds the Condition a wait spec describes. Preset
// specs are resolved through src and may not name other presets.
func ConditionFromSpec(spec *types.WaitSpec, src PresetSource) (Condition, error) {
	if spec == nil {
		return nil, nil
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Kind != types.WaitPreset {
		return conditionFor(spec.Kind, spec.Value)
	}

	if src == nil {
		return nil, fmt.Errorf("preset %q: no presets loaded", spec.Value)
	}
	p, ok := src.Lookup(spec.Value)
	if !ok {
		return nil, fmt.Errorf("unknown preset %q", spec.Value)
	}
	if p.Kind == types.WaitPreset {
		return nil, fmt.Errorf("preset %q: presets cannot reference other presets", spec.Value)
	}
	cond, err := conditionFor(p.Kind, p.Value)
	if err != nil {
		return nil, fmt.Errorf("preset %q: %w", spec.Value, err)
	}
	return condition{name: "preset:" + spec.Value, met: cond.Met}, nil
}

func conditionFor(kind, value string) (Condition, error) {
	switch kind {
	case types.WaitSelector:
		return ElementPresent(value), nil
	case types.WaitTitleContains:
		return TitleContains(value), nil
	case types.WaitURLContains:
		return URLContains(value), nil
	case types.WaitScript:
		return ScriptTruthy(value), nil
	case types.WaitDocumentReady:
		return DocumentReady(), nil
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

// truthy applies JavaScript truthiness to a decoded script result.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0 && !math.IsNaN(x)
	case float32:
		return x != 0 && !math.IsNaN(float64(x))
	case int:
		return x != 0
	case int64:
		return x != 0
	case json.Number:
		f, err := x.Float64()
		return err == nil && f != 0
	default:
		// Objects and arrays are truthy.
		return true
	}
}
