package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Settings keys understood by Resolve.
const (
	KeyBackendName       = "backend_name"
	KeyExecutablePath    = "executable_path"
	KeyBrowserBinaryPath = "browser_binary_path"
	KeyRemoteEndpoint    = "remote_endpoint"
	KeyArguments         = "arguments"
	KeyCapabilityShape   = "capability_shape"
	KeyHeadless          = "headless"
)

// envKeys maps environment variables onto settings keys.
var envKeys = []struct {
	env string
	key string
}{
	{"RENDER_BACKEND_NAME", KeyBackendName},
	{"RENDER_EXECUTABLE_PATH", KeyExecutablePath},
	{"RENDER_BROWSER_BINARY_PATH", KeyBrowserBinaryPath},
	{"RENDER_REMOTE_ENDPOINT", KeyRemoteEndpoint},
	{"RENDER_CAPABILITY_SHAPE", KeyCapabilityShape},
	{"RENDER_HEADLESS", KeyHeadless},
}

// Settings is the raw, unvalidated backend configuration as supplied by the
// host pipeline. Values are whatever the source produced; Resolve checks them.
type Settings map[string]any

// Get returns the value stored under key.
func (s Settings) Get(key string) (any, bool) {
	v, ok := s[key]
	return v, ok
}

// LoadSettings reads path (if non-empty) as YAML and overlays RENDER_*
// environment variables. A missing file is an error; an empty path is not.
func LoadSettings(path string) (Settings, error) {
	s := Settings{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("failed to parse settings file: %w", err)
		}
		// A null document ("~") decodes to a nil map.
		if s == nil {
			s = Settings{}
		}
		log.Debug().
			Str("path", path).
			Int("keys", len(s)).
			Msg("Loaded backend settings file")
	}

	s.overlayEnv()
	return s, nil
}

func (s Settings) overlayEnv() {
	for _, ek := range envKeys {
		if value := os.Getenv(ek.env); value != "" {
			if ek.key == KeyHeadless {
				b, err := strconv.ParseBool(value)
				if err != nil {
					log.Warn().
						Str("key", ek.env).
						Str("value", value).
						Err(err).
						Msg("Invalid boolean in environment variable, ignoring")
					continue
				}
				s[ek.key] = b
				continue
			}
			s[ek.key] = value
		}
	}
	if args, ok := getEnvFields("RENDER_ARGUMENTS"); ok {
		s[KeyArguments] = args
	}
}
