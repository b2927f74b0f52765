//go:build integration

// Run with: go test -tags=integration ./internal/bridge/...
// Requires a local Chromium that rod can launch or download.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/handlers"
	"github.com/Rorqualx/renderbridge/internal/types"
)

const delayedPage = `<html><head><title>Loading</title></head><body>
<script>
setTimeout(function () {
  document.title = "Ready";
  var el = document.createElement("div");
  el.id = "content";
  el.textContent = "cookie=" + document.cookie;
  document.body.appendChild(el);
}, 300);
</script></body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, delayedPage)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newRodBridge(t *testing.T) *Bridge {
	t.Helper()
	cfg := testConfig()
	cfg.RequestTimeout = 60 * time.Second
	cfg.PoolAcquireTimeout = 30 * time.Second

	b, err := FromSettings(context.Background(), cfg, config.Settings{
		config.KeyBackendName: "rod",
		config.KeyHeadless:    true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestIntegrationRenderWithWaitAndCookies(t *testing.T) {
	site := newSite(t)
	b := newRodBridge(t)

	resp, err := b.Render(context.Background(), &types.RenderRequest{
		URL:         site.URL,
		Cookies:     map[string]string{"sid": "abc"},
		WaitFor:     &types.WaitSpec{Kind: types.WaitSelector, Value: "#content"},
		WaitTimeout: 5000,
		Screenshot:  true,
	})
	require.NoError(t, err)

	assert.Contains(t, resp.Text(), "Ready")
	assert.Contains(t, resp.Text(), "sid=abc")
	assert.NotEmpty(t, resp.ScreenshotPNG())
}

func TestIntegrationWaitTimeout(t *testing.T) {
	site := newSite(t)
	b := newRodBridge(t)

	start := time.Now()
	_, err := b.Render(context.Background(), &types.RenderRequest{
		URL:         site.URL,
		WaitFor:     &types.WaitSpec{Kind: types.WaitTitleContains, Value: "never"},
		WaitTimeout: 1000,
	})
	var timeoutErr *types.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, 1, b.Status().Available, "session must survive a wait timeout")
}

func TestIntegrationHTTPAPI(t *testing.T) {
	site := newSite(t)
	b := newRodBridge(t)

	cfg := testConfig()
	cfg.AllowPrivateTargets = true
	api := httptest.NewServer(handlers.NewRouter(handlers.New(b, cfg), cfg))
	t.Cleanup(api.Close)

	body, _ := json.Marshal(types.RenderRequest{
		URL:     site.URL,
		WaitFor: &types.WaitSpec{Kind: types.WaitTitleContains, Value: "Ready"},
	})
	httpResp, err := http.Post(api.URL+"/v1/render", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer httpResp.Body.Close()

	var resp types.Response
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&resp))
	require.Equal(t, http.StatusOK, httpResp.StatusCode, resp.Message)
	require.NotNil(t, resp.Result)
	assert.Contains(t, resp.Result.Body, "Ready")
}
