// Package presets provides named wait conditions loaded from YAML.
package presets

import (
	"embed"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Rorqualx/renderbridge/internal/types"
)

//go:embed presets.yaml
var defaultPresetsFS embed.FS

// Preset is one named wait condition.
type Preset struct {
	Kind        string `yaml:"kind"`
	Value       string `yaml:"value"`
	Description string `yaml:"description"`
}

// Presets is a set of named wait conditions.
type Presets struct {
	Presets map[string]Preset `yaml:"presets"`
}

var (
	instance *Presets
	once     sync.Once
	loadErr  error
)

// Default returns the embedded presets.
func Default() *Presets {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("Failed to load embedded presets, using defaults")
			instance = defaultPresets()
		}
	})
	return instance
}

func load() (*Presets, error) {
	data, err := defaultPresetsFS.ReadFile("presets.yaml")
	if err != nil {
		return nil, err
	}
	p, err := parseAndValidate(data)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("presets", len(p.Presets)).Msg("Presets loaded")
	return p, nil
}

// defaultPresets returns hardcoded fallback presets.
func defaultPresets() *Presets {
	return &Presets{Presets: map[string]Preset{
		"body":  {Kind: types.WaitSelector, Value: "body"},
		"ready": {Kind: types.WaitDocumentReady},
	}}
}

// parseAndValidate parses YAML data and validates the presets.
func parseAndValidate(data []byte) (*Presets, error) {
	var p Presets
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks that there is at least one preset and that every preset is
// a well-formed, non-recursive wait spec.
func (p *Presets) Validate() error {
	if len(p.Presets) == 0 {
		return fmt.Errorf("presets file defines no presets")
	}
	for name, preset := range p.Presets {
		if preset.Kind == types.WaitPreset {
			return fmt.Errorf("preset %q: presets cannot reference other presets", name)
		}
		spec := types.WaitSpec{Kind: preset.Kind, Value: preset.Value}
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("preset %q: %w", name, err)
		}
	}
	return nil
}

// Lookup returns the named preset.
func (p *Presets) Lookup(name string) (Preset, bool) {
	preset, ok := p.Presets[name]
	return preset, ok
}

// Names returns preset names in sorted order.
func (p *Presets) Names() []string {
	names := make([]string, 0, len(p.Presets))
	for name := range p.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
