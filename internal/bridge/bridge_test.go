package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/renderbridge/internal/backend"
	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/driver"
	"github.com/Rorqualx/renderbridge/internal/lifecycle"
	"github.com/Rorqualx/renderbridge/internal/render"
	"github.com/Rorqualx/renderbridge/internal/session"
	"github.com/Rorqualx/renderbridge/internal/session/sessiontest"
	"github.com/Rorqualx/renderbridge/internal/types"
	"github.com/Rorqualx/renderbridge/internal/webdriver"
)

const examplePage = "<html><head><title>Example Domain</title></head><body>Example</body></html>"

// fakeLauncher hands out scripted drivers for every launch path.
type fakeLauncher struct {
	mu      sync.Mutex
	drivers []*sessiontest.Driver
	err     error
}

func (l *fakeLauncher) launch() (session.Driver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	d := &sessiontest.Driver{Pages: map[string]sessiontest.Page{
		"http://example.com": {Title: "Example Domain", HTML: examplePage},
	}}
	l.drivers = append(l.drivers, d)
	return d, nil
}

func (l *fakeLauncher) launched() []*sessiontest.Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*sessiontest.Driver(nil), l.drivers...)
}

func (l *fakeLauncher) Local(context.Context, *config.DriverConfig) (session.Driver, error) {
	return l.launch()
}

func (l *fakeLauncher) Remote(context.Context, *config.DriverConfig) (session.Driver, error) {
	return l.launch()
}

func (l *fakeLauncher) Legacy(context.Context, *config.DriverConfig) (session.Driver, error) {
	return l.launch()
}

func testConfig() *config.Config {
	return &config.Config{
		PoolSize:           1,
		PoolAcquireTimeout: 2 * time.Second,
		SessionMaxAge:      time.Hour,
		DefaultWaitBudget:  time.Second,
		MaxWaitBudget:      5 * time.Second,
		RequestTimeout:     10 * time.Second,
		ShutdownGrace:      time.Second,
		WaitPollInterval:   10 * time.Millisecond,
	}
}

func newTestBridge(t *testing.T, cfg *config.Config) (*Bridge, *fakeLauncher) {
	t.Helper()
	l := &fakeLauncher{}
	f := driver.NewFactory()
	f.Register(backend.CDP, l)

	b, err := FromSettings(context.Background(), cfg, config.Settings{config.KeyBackendName: "rod"}, WithFactory(f))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b, l
}

func TestFromSettingsMissingBackend(t *testing.T) {
	_, err := FromSettings(context.Background(), testConfig(), config.Settings{})
	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, types.ErrBackendRequired)
}

func TestFromSettingsNoLaunchTarget(t *testing.T) {
	l := &fakeLauncher{}
	f := driver.NewFactory()
	f.Register(backend.WebDriver, l)

	_, err := FromSettings(context.Background(), testConfig(),
		config.Settings{config.KeyBackendName: "firefox"}, WithFactory(f))
	var cfgErr *types.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Empty(t, l.launched(), "no browser may be started for invalid settings")
}

func TestFromSettingsLaunchFailure(t *testing.T) {
	f := driver.NewFactory()
	f.Register(backend.CDP, &fakeLauncher{err: errors.New("chromium not found")})

	_, err := FromSettings(context.Background(), testConfig(),
		config.Settings{config.KeyBackendName: "rod"}, WithFactory(f))
	assert.ErrorIs(t, err, types.ErrConnection)
}

func TestProcessRequestRendersPage(t *testing.T) {
	b, l := newTestBridge(t, testConfig())

	resp, handled, err := b.ProcessRequest(context.Background(), &render.BrowserRequest{URL: "http://example.com"})
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, "http://example.com", resp.URL)
	assert.Equal(t, examplePage, resp.Text())
	assert.Equal(t, "utf-8", resp.Encoding)
	require.NotNil(t, resp.Session)
	assert.Equal(t, "rod", resp.Session.Backend)

	assert.Len(t, l.launched(), 1)
	assert.Equal(t, 1, b.Status().Available, "session must be returned to the pool")

	hosts := b.HostStats()
	require.Contains(t, hosts, "example.com")
	assert.Equal(t, int64(1), hosts["example.com"].Successes)
}

func TestProcessRequestPassthrough(t *testing.T) {
	b, _ := newTestBridge(t, testConfig())

	resp, handled, err := b.ProcessRequest(context.Background(), &render.PlainRequest{URL: "http://example.com"})
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Nil(t, resp)
	assert.Zero(t, b.Stats().Acquired, "passthrough must not take a session")
}

func TestProcessRequestSerializesSingleSession(t *testing.T) {
	b, l := newTestBridge(t, testConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := b.ProcessRequest(context.Background(), &render.BrowserRequest{
				URL:     "http://example.com",
				Cookies: map[string]string{"a": "1", "b": "2"},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// With one session, each request's steps must not interleave with another's.
	calls := l.launched()[0].Calls()
	var inFlight bool
	for _, c := range calls {
		switch {
		case strings.HasPrefix(c, "navigate"):
			assert.False(t, inFlight, "navigate started while another request was in flight: %v", calls)
			inFlight = true
		case c == "source":
			assert.True(t, inFlight)
			inFlight = false
		}
	}
	assert.Len(t, l.launched()[0].CallsWithPrefix("navigate"), 8)
}

func TestProcessRequestWaitTimeoutReleasesSession(t *testing.T) {
	b, _ := newTestBridge(t, testConfig())

	_, _, err := b.ProcessRequest(context.Background(), &render.BrowserRequest{
		URL:        "http://example.com",
		Wait:       render.TitleContains("never"),
		WaitBudget: 100 * time.Millisecond,
	})
	var timeoutErr *types.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "timeout", Outcome(err))
	assert.Equal(t, 1, b.Status().Available)
	assert.Equal(t, int64(1), b.HostStats()["example.com"].Outcomes["timeout"])
}

func TestProcessRequestRetiresReapedSession(t *testing.T) {
	b, l := newTestBridge(t, testConfig())
	reaped := l.launched()[0]
	reaped.NavigateErr = &webdriver.CommandError{Command: "navigate", Code: "invalid session id", HTTPStatus: 404}

	_, _, err := b.ProcessRequest(context.Background(), &render.BrowserRequest{URL: "http://example.com"})
	require.ErrorIs(t, err, types.ErrIllegalState)
	assert.Equal(t, "illegal_state", Outcome(err))

	assert.Eventually(t, func() bool {
		return len(l.launched()) == 2 && b.Status().Available == 1
	}, 2*time.Second, 10*time.Millisecond, "a replacement session must be started")
	assert.Equal(t, 1, reaped.Quits())
	assert.Equal(t, int64(0), b.Stats().Released, "the dead session must not go back to the pool")

	_, _, err = b.ProcessRequest(context.Background(), &render.BrowserRequest{URL: "http://example.com"})
	require.NoError(t, err)
}

func TestRenderAPIRequest(t *testing.T) {
	b, _ := newTestBridge(t, testConfig())

	resp, err := b.Render(context.Background(), &types.RenderRequest{
		URL:        "http://example.com",
		WaitFor:    &types.WaitSpec{Kind: types.WaitTitleContains, Value: "Example"},
		Screenshot: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ScreenshotPNG())

	_, err = b.Render(context.Background(), &types.RenderRequest{URL: ""})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestCloseIsIdempotent(t *testing.T) {
	b, l := newTestBridge(t, testConfig())

	require.NoError(t, b.Close(context.Background()))
	require.NoError(t, b.Close(context.Background()))

	for _, d := range l.launched() {
		assert.Equal(t, 1, d.Quits())
	}

	_, _, err := b.ProcessRequest(context.Background(), &render.BrowserRequest{URL: "http://example.com"})
	assert.ErrorIs(t, err, types.ErrPoolClosed)
}

func TestSharedDispatcherClosesBridge(t *testing.T) {
	d := lifecycle.NewDispatcher()
	l := &fakeLauncher{}
	f := driver.NewFactory()
	f.Register(backend.CDP, l)

	cfg := testConfig()
	cfg.PoolSize = 2
	b, err := FromSettings(context.Background(), cfg,
		config.Settings{config.KeyBackendName: "rod"}, WithFactory(f), WithDispatcher(d))
	require.NoError(t, err)
	assert.Same(t, d, b.Dispatcher())

	require.NoError(t, d.Fire(context.Background(), lifecycle.SignalClosed, "finished"))
	require.NoError(t, b.Close(context.Background()))

	require.Len(t, l.launched(), 2)
	for _, drv := range l.launched() {
		assert.Equal(t, 1, drv.Quits())
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&types.TimeoutError{}, "timeout"},
		{types.NewNavigationError("http://x", errors.New("dns")), "connection_error"},
		{&types.IllegalStateError{}, "illegal_state"},
		{types.ErrPoolTimeout, "pool_error"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.err), "Outcome(%v)", tt.err)
	}
}
