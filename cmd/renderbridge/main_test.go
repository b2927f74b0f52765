package main

import (
	"testing"

	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/types"
)

func TestBuildRenderRequest(t *testing.T) {
	t.Cleanup(func() {
		renderOpts.cookies = nil
		renderOpts.waitKind, renderOpts.waitValue = "", ""
		renderOpts.waitTimeout = 0
		renderOpts.screenshot = ""
	})

	if err := renderCmd.Flags().Parse([]string{
		"--cookie", "sid=abc",
		"--cookie", "theme=dark",
		"--wait-kind", "selector",
		"--wait-value", "#app",
		"--wait-timeout", "2500ms",
		"--screenshot", "out.png",
	}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	req := buildRenderRequest("https://example.com")
	if err := req.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if req.Cookies["sid"] != "abc" || req.Cookies["theme"] != "dark" {
		t.Errorf("Unexpected cookies: %v", req.Cookies)
	}
	if req.WaitFor == nil || req.WaitFor.Kind != types.WaitSelector || req.WaitFor.Value != "#app" {
		t.Errorf("Unexpected wait spec: %+v", req.WaitFor)
	}
	if req.WaitTimeout != 2500 {
		t.Errorf("Expected 2500ms wait, got %d", req.WaitTimeout)
	}
	if !req.Screenshot {
		t.Error("Expected screenshot to be requested")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("RENDER_BACKEND_NAME", "chrome")
	t.Setenv("RENDER_REMOTE_ENDPOINT", "")
	backendName, remoteEndpoint = "firefox", "http://grid:4444/wd/hub"
	t.Cleanup(func() { backendName, remoteEndpoint = "", "" })

	cfg, raw, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected config")
	}
	if raw[config.KeyBackendName] != "firefox" {
		t.Errorf("Flag must override environment, got %v", raw[config.KeyBackendName])
	}
	if raw[config.KeyRemoteEndpoint] != "http://grid:4444/wd/hub" {
		t.Errorf("Unexpected remote endpoint: %v", raw[config.KeyRemoteEndpoint])
	}
}
