// Package main provides the renderbridge command.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/pkg/version"
)

var (
	settingsFile   string
	backendName    string
	remoteEndpoint string
	logLevel       string
)

var rootCmd = &cobra.Command{
	Use:           "renderbridge",
	Short:         "Render pages in a real browser for a crawling pipeline",
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", "", "Backend settings YAML file (default: RENDER_SETTINGS_FILE)")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "", "Backend name, overrides settings (e.g. rod, playwright, chrome, firefox)")
	rootCmd.PersistentFlags().StringVar(&remoteEndpoint, "remote", "", "Remote endpoint, overrides settings")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(renderCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadConfig reads the environment, applies command-line overrides and
// returns the validated config with its backend settings.
func loadConfig() (*config.Config, config.Settings, error) {
	cfg := config.Load()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if settingsFile != "" {
		cfg.SettingsFile = settingsFile
	}

	setupLogging(cfg.LogLevel)
	cfg.Validate()

	raw, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		return nil, nil, err
	}
	if backendName != "" {
		raw[config.KeyBackendName] = backendName
	}
	if remoteEndpoint != "" {
		raw[config.KeyRemoteEndpoint] = remoteEndpoint
	}
	return cfg, raw, nil
}

// setupLogging writes human-readable logs to stderr so stdout stays free
// for rendered output.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printBanner() {
	fmt.Fprintf(os.Stderr, "renderbridge %s (%s)\n", version.Full(), version.GoVersion())
}
