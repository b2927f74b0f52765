package webdriver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rorqualx/renderbridge/internal/backend"
	"github.com/Rorqualx/renderbridge/internal/types"
)

// fakeRemote is a minimal remote end speaking either dialect.
type fakeRemote struct {
	legacy bool

	mu        sync.Mutex
	newBody   map[string]any
	paths     []string
	url       string
	cookies   []map[string]any
	deleted   bool
	failTitle bool
	reaped    bool
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /wd/hub/status", func(w http.ResponseWriter, r *http.Request) {
		if f.legacy {
			f.write(w, map[string]any{"status": 0, "value": map[string]any{"build": map[string]any{"version": "3.141"}}})
			return
		}
		f.write(w, map[string]any{"value": map[string]any{"ready": true, "message": "ok"}})
	})

	mux.HandleFunc("POST /wd/hub/session", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.newBody = body
		f.mu.Unlock()
		if f.legacy {
			f.write(w, map[string]any{"sessionId": "legacy-1", "status": 0, "value": map[string]any{"browserName": "chrome"}})
			return
		}
		f.write(w, map[string]any{"value": map[string]any{"sessionId": "w3c-1", "capabilities": map[string]any{}}})
	})

	mux.HandleFunc("/wd/hub/session/{id}/{cmd...}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.paths = append(f.paths, r.Method+" "+r.PathValue("cmd"))
		reaped := f.reaped
		f.mu.Unlock()
		if reaped {
			f.sessionGone(w)
			return
		}

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch r.Method + " " + r.PathValue("cmd") {
		case "POST url":
			f.mu.Lock()
			f.url, _ = body["url"].(string)
			f.mu.Unlock()
			f.ok(w, nil)
		case "GET url":
			f.mu.Lock()
			current := f.url
			f.mu.Unlock()
			f.ok(w, current)
		case "GET title":
			f.mu.Lock()
			fail := f.failTitle
			f.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				if f.legacy {
					f.write(w, map[string]any{"status": 13, "value": map[string]any{"message": "boom"}})
					return
				}
				f.write(w, map[string]any{"value": map[string]any{"error": "unknown error", "message": "boom"}})
				return
			}
			f.ok(w, "Example Domain")
		case "GET source":
			f.ok(w, "<html><body>hi</body></html>")
		case "POST cookie":
			c, _ := body["cookie"].(map[string]any)
			f.mu.Lock()
			f.cookies = append(f.cookies, c)
			f.mu.Unlock()
			f.ok(w, nil)
		case "GET cookie":
			f.mu.Lock()
			cookies := f.cookies
			f.mu.Unlock()
			f.ok(w, cookies)
		case "GET screenshot":
			f.ok(w, base64.StdEncoding.EncodeToString([]byte("\x89PNG")))
		case "POST execute/sync", "POST execute":
			f.ok(w, map[string]any{"script": body["script"]})
		default:
			w.WriteHeader(http.StatusNotFound)
			f.write(w, map[string]any{"value": map[string]any{"error": "unknown command", "message": r.URL.Path}})
		}
	})

	mux.HandleFunc("DELETE /wd/hub/session/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = true
		reaped := f.reaped
		f.mu.Unlock()
		if reaped {
			f.sessionGone(w)
			return
		}
		f.ok(w, nil)
	})

	return mux
}

func (f *fakeRemote) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func (f *fakeRemote) ok(w http.ResponseWriter, value any) {
	if f.legacy {
		f.write(w, map[string]any{"sessionId": "legacy-1", "status": 0, "value": value})
		return
	}
	f.write(w, map[string]any{"value": value})
}

// sessionGone answers the way a grid does after reaping the session.
func (f *fakeRemote) sessionGone(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	if f.legacy {
		f.write(w, map[string]any{"status": 6, "value": map[string]any{"message": "no such session"}})
		return
	}
	f.write(w, map[string]any{"value": map[string]any{"error": "invalid session id", "message": "session deleted"}})
}

func (f *fakeRemote) write(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func startRemote(t *testing.T, legacy bool) (*fakeRemote, *url.URL) {
	t.Helper()
	f := &fakeRemote{legacy: legacy}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL + "/wd/hub")
	require.NoError(t, err)
	return f, u
}

func TestBuildCapabilities(t *testing.T) {
	chrome, _ := backend.Lookup("chrome")

	caps := BuildCapabilities(chrome, "/opt/chrome", []string{"--b", "--a"}, false)
	assert.Equal(t, "chrome", caps["browserName"])
	opts, ok := caps["goog:chromeOptions"].(map[string]any)
	require.True(t, ok, "w3c options key missing: %v", caps)
	assert.Equal(t, "/opt/chrome", opts["binary"])
	assert.Equal(t, []string{"--b", "--a"}, opts["args"], "argument order must be preserved")

	legacy := BuildCapabilities(chrome, "", []string{"--headless"}, true)
	legacyOpts, ok := legacy["chromeOptions"].(map[string]any)
	require.True(t, ok, "legacy options key missing: %v", legacy)
	_, hasBinary := legacyOpts["binary"]
	assert.False(t, hasBinary, "binary must only be set when given")

	bare := BuildCapabilities(chrome, "", nil, false)
	assert.Len(t, bare, 1)

	safari, _ := backend.Lookup("safari")
	assert.Equal(t, Capabilities{"browserName": "safari"}, BuildCapabilities(safari, "", nil, true))
}

func TestNewSessionPayload(t *testing.T) {
	caps := Capabilities{"browserName": "firefox"}

	w3c := NewSessionPayload(backend.ShapeW3C, caps)
	assert.Equal(t, map[string]any{"capabilities": map[string]any{"alwaysMatch": caps}}, w3c)

	legacy := NewSessionPayload(backend.ShapeLegacy, caps)
	assert.Equal(t, map[string]any{"desiredCapabilities": caps}, legacy)
}

func TestProbe(t *testing.T) {
	ctx := context.Background()

	_, legacyURL := startRemote(t, true)
	assert.Equal(t, backend.ShapeLegacy, Probe(ctx, http.DefaultClient, legacyURL))

	_, w3cURL := startRemote(t, false)
	assert.Equal(t, backend.ShapeW3C, Probe(ctx, http.DefaultClient, w3cURL))

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer garbage.Close()
	gu, _ := url.Parse(garbage.URL)
	assert.Equal(t, backend.ShapeW3C, Probe(ctx, http.DefaultClient, gu), "probe failure falls back to W3C")

	unreachable, _ := url.Parse("http://127.0.0.1:1")
	assert.Equal(t, backend.ShapeW3C, Probe(ctx, http.DefaultClient, unreachable))
}

func TestW3CSession(t *testing.T) {
	ctx := context.Background()
	f, endpoint := startRemote(t, false)

	chrome, _ := backend.Lookup("chrome")
	c, err := NewSession(ctx, nil, endpoint, backend.ShapeAuto, BuildCapabilities(chrome, "", []string{"--headless"}, false))
	require.NoError(t, err)
	assert.Equal(t, "w3c-1", c.SessionID())
	assert.False(t, c.Legacy())

	f.mu.Lock()
	_, hasW3C := f.newBody["capabilities"]
	f.mu.Unlock()
	assert.True(t, hasW3C, "auto shape against a W3C end must send capabilities.alwaysMatch")

	require.NoError(t, c.Navigate(ctx, "http://example.com"))
	current, err := c.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com", current)

	title, err := c.Title(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", title)

	src, err := c.PageSource(ctx)
	require.NoError(t, err)
	assert.Contains(t, src, "hi")

	require.NoError(t, c.AddCookie(ctx, "sid", "abc"))
	cookies, err := c.Cookies(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"sid": "abc"}, cookies)

	png, err := c.Screenshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png)

	res, err := c.ExecuteScript(ctx, "return 1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"script": "return 1"}, res)
	assert.Contains(t, f.calls(), "POST execute/sync")

	require.NoError(t, c.Quit(ctx))
	f.mu.Lock()
	assert.True(t, f.deleted)
	f.mu.Unlock()
	assert.NoError(t, c.Kill(), "kill of a remote session only abandons it")
}

func TestLegacySession(t *testing.T) {
	ctx := context.Background()
	f, endpoint := startRemote(t, true)

	firefox, _ := backend.Lookup("firefox")
	c, err := NewSession(ctx, nil, endpoint, backend.ShapeAuto, BuildCapabilities(firefox, "", nil, true))
	require.NoError(t, err)
	assert.Equal(t, "legacy-1", c.SessionID())
	assert.True(t, c.Legacy())

	f.mu.Lock()
	_, hasLegacy := f.newBody["desiredCapabilities"]
	f.mu.Unlock()
	assert.True(t, hasLegacy, "auto shape against a legacy end must send desiredCapabilities")

	_, err = c.ExecuteScript(ctx, "return 2")
	require.NoError(t, err)
	assert.Contains(t, f.calls(), "POST execute")
}

func TestExplicitShapeSkipsProbe(t *testing.T) {
	ctx := context.Background()
	f, endpoint := startRemote(t, true)

	// The end is legacy but the flag forces W3C; the fake accepts either body.
	_, err := NewSession(ctx, nil, endpoint, backend.ShapeW3C, Capabilities{"browserName": "chrome"})
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	_, hasW3C := f.newBody["capabilities"]
	assert.True(t, hasW3C)
}

func TestCommandErrors(t *testing.T) {
	ctx := context.Background()

	for _, legacy := range []bool{false, true} {
		f, endpoint := startRemote(t, legacy)
		c, err := NewSession(ctx, nil, endpoint, backend.ShapeAuto, Capabilities{"browserName": "chrome"})
		require.NoError(t, err)

		f.mu.Lock()
		f.failTitle = true
		f.mu.Unlock()
		_, err = c.Title(ctx)
		var cmdErr *CommandError
		require.True(t, errors.As(err, &cmdErr), "legacy=%v: got %v", legacy, err)
		assert.Equal(t, "boom", cmdErr.Message)
		assert.Equal(t, http.StatusInternalServerError, cmdErr.HTTPStatus)
		assert.False(t, cmdErr.SessionGone())
		assert.NotErrorIs(t, err, types.ErrIllegalState)
	}
}

func TestReapedSessionIsIllegalState(t *testing.T) {
	ctx := context.Background()

	for _, legacy := range []bool{false, true} {
		f, endpoint := startRemote(t, legacy)
		c, err := NewSession(ctx, nil, endpoint, backend.ShapeAuto, Capabilities{"browserName": "chrome"})
		require.NoError(t, err)

		f.mu.Lock()
		f.reaped = true
		f.mu.Unlock()

		err = c.Navigate(ctx, "http://example.com")
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrIllegalState, "legacy=%v", legacy)

		var ise *types.IllegalStateError
		require.ErrorAs(t, err, &ise)
		assert.Equal(t, c.SessionID(), ise.SessionID)
		assert.Equal(t, "navigate", ise.Op)

		assert.NoError(t, c.Quit(ctx), "quitting a session the remote end already dropped")
	}
}

func TestNewSessionWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":{}}`))
	}))
	defer srv.Close()
	u, _ := url.Parse(srv.URL)

	_, err := NewSession(context.Background(), nil, u, backend.ShapeW3C, Capabilities{})
	assert.ErrorIs(t, err, ErrNoSession)
}
