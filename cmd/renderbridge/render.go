package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Rorqualx/renderbridge/internal/bridge"
	"github.com/Rorqualx/renderbridge/internal/types"
)

var renderOpts struct {
	cookies     map[string]string
	waitKind    string
	waitValue   string
	waitTimeout time.Duration
	script      string
	screenshot  string
	output      string
}

var renderCmd = &cobra.Command{
	Use:   "render URL",
	Short: "Render one page and print its source",
	Example: `  renderbridge render https://example.com --backend rod
  renderbridge render https://example.com --wait-kind selector --wait-value '#app' --screenshot page.png`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

func init() {
	f := renderCmd.Flags()
	f.StringToStringVar(&renderOpts.cookies, "cookie", nil, "Cookie to set before rendering, name=value (repeatable)")
	f.StringVar(&renderOpts.waitKind, "wait-kind", "", "Wait condition: selector, title, url, script, ready or preset")
	f.StringVar(&renderOpts.waitValue, "wait-value", "", "Argument of the wait condition")
	f.DurationVar(&renderOpts.waitTimeout, "wait-timeout", 0, "Wait budget (default: DEFAULT_WAIT_BUDGET)")
	f.StringVar(&renderOpts.script, "script", "", "JavaScript to run after the wait")
	f.StringVar(&renderOpts.screenshot, "screenshot", "", "Write a PNG screenshot to this path")
	f.StringVarP(&renderOpts.output, "output", "o", "", "Write the page source to this file instead of stdout")
}

// buildRenderRequest turns the command line into an API request.
func buildRenderRequest(url string) *types.RenderRequest {
	req := &types.RenderRequest{
		URL:         url,
		Cookies:     renderOpts.cookies,
		WaitTimeout: int(renderOpts.waitTimeout / time.Millisecond),
		Screenshot:  renderOpts.screenshot != "",
		Script:      renderOpts.script,
	}
	if renderOpts.waitKind != "" {
		req.WaitFor = &types.WaitSpec{Kind: renderOpts.waitKind, Value: renderOpts.waitValue}
	}
	return req
}

func runRender(cmd *cobra.Command, args []string) error {
	cfg, raw, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.PoolSize = 1

	req := buildRenderRequest(args[0])
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bridge.FromSettings(ctx, cfg, raw)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+10*time.Second)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Bridge close error")
		}
	}()

	resp, err := b.Render(ctx, req)
	if err != nil {
		return err
	}

	if renderOpts.screenshot != "" {
		if err := os.WriteFile(renderOpts.screenshot, resp.ScreenshotPNG(), 0o644); err != nil {
			return fmt.Errorf("write screenshot: %w", err)
		}
		log.Info().Str("path", renderOpts.screenshot).Msg("Screenshot saved")
	}

	if renderOpts.output != "" {
		if err := os.WriteFile(renderOpts.output, resp.Body, 0o644); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		log.Info().Str("path", renderOpts.output).Str("url", resp.URL).Msg("Page source saved")
		return nil
	}
	_, err = cmd.OutOrStdout().Write(resp.Body)
	return err
}
