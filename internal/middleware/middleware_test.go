package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) types.Response {
	t.Helper()
	var resp types.Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode error envelope: %v", err)
	}
	return resp
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	req := httptest.NewRequest("GET", "/v1/render?token=secret", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Error("Expected Content-Type application/json")
	}
	resp := decodeEnvelope(t, w)
	if resp.Status != types.StatusError || resp.Version == "" {
		t.Errorf("Unexpected envelope: %+v", resp)
	}
}

func TestRecoveryMiddlewareNoPanic(t *testing.T) {
	handler := Recovery(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestLoggingMiddlewareCapturesStatusCode(t *testing.T) {
	handler := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/missing", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestMaskIP(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"203.0.113.77:5123", "203.0.113.0/24"},
		{"203.0.113.77", "203.0.113.0/24"},
		{"[2001:db8:abcd:12::1]:443", "2001:db8:abcd::/48"},
		{"not-an-ip", "[redacted]"},
	}
	for _, tt := range tests {
		if got := maskIP(tt.addr); got != tt.want {
			t.Errorf("maskIP(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestRequestIDGenerated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if seen == "" {
		t.Fatal("Expected a request ID in the context")
	}
	if got := w.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("Response header %q does not match context ID %q", got, seen)
	}
}

func TestRequestIDPropagated(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "upstream-42" {
		t.Errorf("Expected incoming ID to be reused, got %q", seen)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "bad id\nwith newline")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "" || strings.Contains(seen, "\n") {
		t.Errorf("Expected malformed ID to be replaced, got %q", seen)
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	handler := Timeout(5 * time.Second)(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("Expected body ok, got %q", w.Body.String())
	}
}

func TestTimeoutMiddlewareTimesOut(t *testing.T) {
	slowHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(5 * time.Second):
			w.WriteHeader(http.StatusOK)
		}
	})

	handler := Timeout(50 * time.Millisecond)(slowHandler)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("Expected status 504, got %d", w.Code)
	}
}

func TestTimeoutMiddlewareRepanics(t *testing.T) {
	handler := Recovery(Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("render blew up")
	})))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected panic to reach Recovery as 500, got %d", w.Code)
	}
}

func TestTimeoutWriterDiscardsAfterTimeout(t *testing.T) {
	w := httptest.NewRecorder()
	tw := &timeoutWriter{ResponseWriter: w}

	if n, err := tw.Write([]byte("hello")); err != nil || n != 5 {
		t.Errorf("Write before timeout failed: n=%d, err=%v", n, err)
	}

	tw.timeOut(time.Now())

	if n, err := tw.Write([]byte("world")); err != nil || n != 5 {
		t.Errorf("Write after timeout should report success: n=%d, err=%v", n, err)
	}
	if body := w.Body.String(); body != "hello" {
		t.Errorf("Expected body 'hello', got %q", body)
	}
}

func TestChainMiddleware(t *testing.T) {
	var order []string
	mark := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name+"-before")
				next.ServeHTTP(w, r)
				order = append(order, name+"-after")
			})
		}
	}

	handler := Chain(mark("m1"), mark("m2"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))

	expected := []string{"m1-before", "m2-before", "handler", "m2-after", "m1-after"}
	if strings.Join(order, ",") != strings.Join(expected, ",") {
		t.Errorf("Expected order %v, got %v", expected, order)
	}
}

func TestRateLimiterAllowsBurst(t *testing.T) {
	rl := NewRateLimiter(10, time.Minute, false)
	defer rl.Close()

	for i := 0; i < 10; i++ {
		if !rl.Allow("192.168.1.1") {
			t.Fatalf("Request %d should be allowed", i+1)
		}
	}
	if rl.Allow("192.168.1.1") {
		t.Error("Request 11 should be blocked")
	}
}

func TestRateLimiterDifferentIPs(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, false)
	defer rl.Close()

	if !rl.Allow("10.0.0.1") || !rl.Allow("10.0.0.2") {
		t.Fatal("First request from each client should be allowed")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("Second request from 10.0.0.1 should be blocked")
	}
	if rl.Tracked() != 2 {
		t.Errorf("Expected 2 tracked clients, got %d", rl.Tracked())
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 20*time.Millisecond, false)
	defer rl.Close()

	rl.Allow("10.0.0.1")
	deadline := time.Now().Add(2 * time.Second)
	for rl.Tracked() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Idle client was never removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRateLimiterHandler(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, false)
	defer rl.Close()
	handler := rl.Handler(okHandler())

	req := httptest.NewRequest("POST", "/v1/render", nil)
	req.RemoteAddr = "198.51.100.7:4000"

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("First request: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Second request: expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}

	health := httptest.NewRequest("GET", "/health", nil)
	health.RemoteAddr = req.RemoteAddr
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, health)
	if w.Code != http.StatusOK {
		t.Errorf("Health checks must not be limited, got %d", w.Code)
	}
}

func TestRateLimiterCloseTwice(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute, false)
	rl.Close()
	rl.Close()
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		realIP     string
		trustProxy bool
		want       string
	}{
		{"remote addr", "203.0.113.9:1234", "", "", false, "203.0.113.9"},
		{"xff ignored without trust", "203.0.113.9:1234", "1.2.3.4", "", false, "203.0.113.9"},
		{"xff leftmost", "10.0.0.1:1234", "1.2.3.4, 10.0.0.1", "", true, "1.2.3.4"},
		{"real ip", "10.0.0.1:1234", "", "5.6.7.8", true, "5.6.7.8"},
		{"mapped ipv6", "[::ffff:203.0.113.9]:1234", "", "", false, "203.0.113.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := getClientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	enabled := &config.Config{APIKeyEnabled: true, APIKey: "s3cret"}

	tests := []struct {
		name    string
		cfg     *config.Config
		path    string
		headers map[string]string
		want    int
	}{
		{"disabled", &config.Config{}, "/v1/render", nil, http.StatusOK},
		{"valid header", enabled, "/v1/render", map[string]string{"X-API-Key": "s3cret"}, http.StatusOK},
		{"valid bearer", enabled, "/v1/render", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"invalid key", enabled, "/v1/render", map[string]string{"X-API-Key": "wrong"}, http.StatusUnauthorized},
		{"missing key", enabled, "/v1/render", nil, http.StatusUnauthorized},
		{"query param ignored", enabled, "/v1/render?api_key=s3cret", nil, http.StatusUnauthorized},
		{"prefix of key", enabled, "/v1/render", map[string]string{"X-API-Key": "s3cre"}, http.StatusUnauthorized},
		{"health bypass", enabled, "/health", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := APIKey(tt.cfg)(okHandler())
			req := httptest.NewRequest("POST", tt.path, nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, w.Code)
			}
		})
	}
}
