package presets

import (
	"strings"
	"testing"

	"github.com/Rorqualx/renderbridge/internal/types"
)

func TestDefault(t *testing.T) {
	p := Default()
	if p == nil {
		t.Fatal("Default() returned nil")
	}
	if p != Default() {
		t.Error("Default() should return the same instance")
	}

	for _, name := range []string{"body", "ready", "spa-root", "images-loaded"} {
		if _, ok := p.Lookup(name); !ok {
			t.Errorf("expected embedded preset %q", name)
		}
	}

	ready, _ := p.Lookup("ready")
	if ready.Kind != types.WaitDocumentReady {
		t.Errorf("ready.Kind = %q, want %q", ready.Kind, types.WaitDocumentReady)
	}
}

func TestNamesSorted(t *testing.T) {
	names := Default().Names()
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("Names() not sorted: %v", names)
		}
	}
}

func TestParseAndValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid",
			yaml: `
presets:
  main:
    kind: selector
    value: "#main"
`,
		},
		{
			name:    "empty",
			yaml:    `presets: {}`,
			wantErr: "no presets",
		},
		{
			name: "recursive",
			yaml: `
presets:
  loop:
    kind: preset
    value: loop
`,
			wantErr: "cannot reference",
		},
		{
			name: "unknown kind",
			yaml: `
presets:
  odd:
    kind: telepathy
    value: x
`,
			wantErr: "odd",
		},
		{
			name: "missing value",
			yaml: `
presets:
  blank:
    kind: selector
`,
			wantErr: "blank",
		},
		{
			name:    "invalid yaml",
			yaml:    "presets: [",
			wantErr: "invalid YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := parseAndValidate([]byte(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if _, ok := p.Lookup("main"); !ok {
					t.Error("expected preset main")
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}
