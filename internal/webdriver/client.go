package webdriver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/renderbridge/internal/backend"
	"github.com/Rorqualx/renderbridge/internal/types"
)

// maxResponseSize bounds a single protocol response; screenshots are the largest.
const maxResponseSize = 64 * 1024 * 1024

// ErrNoSession is returned when the endpoint did not report a session id.
var ErrNoSession = errors.New("webdriver: endpoint returned no session id")

// Codes meaning the remote end no longer knows the session. Legacy status 6
// is NoSuchDriver.
const (
	codeInvalidSession = "invalid session id"
	codeNoSuchDriver   = "status 6"
)

// CommandError is an error reported by the remote end.
type CommandError struct {
	Command    string
	Code       string // W3C error code, or the legacy numeric status
	Message    string
	HTTPStatus int
	SessionID  string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("webdriver %s: %s: %s (http %d)", e.Command, e.Code, e.Message, e.HTTPStatus)
}

// SessionGone reports whether the remote end has discarded the session,
// e.g. a grid reaping an idle node.
func (e *CommandError) SessionGone() bool {
	return e.Code == codeInvalidSession || e.Code == codeNoSuchDriver
}

// Unwrap returns an IllegalStateError when the session is gone, so the
// session is retired rather than reused.
func (e *CommandError) Unwrap() error {
	if !e.SessionGone() {
		return nil
	}
	return &types.IllegalStateError{SessionID: e.SessionID, Op: e.Command, State: "closed"}
}

// Client is one remote session.
type Client struct {
	base      *url.URL
	http      *http.Client
	sessionID string
	legacy    bool
	service   *Service
}

// reply is the envelope shared by both dialects.
type reply struct {
	SessionID string    `json:"sessionId"`
	Status    *int      `json:"status"`
	Value     gson.JSON `json:"value"`
}

// NewSession opens a session at endpoint. ShapeAuto probes the endpoint first.
func NewSession(ctx context.Context, httpClient *http.Client, endpoint *url.URL, shape backend.CapabilityShape, caps Capabilities) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if shape == backend.ShapeAuto {
		shape = Probe(ctx, httpClient, endpoint)
	}

	c := &Client{
		base:   endpoint,
		http:   httpClient,
		legacy: shape == backend.ShapeLegacy,
	}

	r, err := c.roundTrip(ctx, "new session", http.MethodPost, c.endpoint("session"), NewSessionPayload(shape, caps))
	if err != nil {
		return nil, err
	}

	// W3C puts the id in value, legacy at the top level.
	id := r.SessionID
	if v, ok := r.Value.Gets("sessionId"); ok && v.Str() != "" {
		id = v.Str()
	}
	if id == "" {
		return nil, ErrNoSession
	}
	c.sessionID = id

	log.Debug().
		Str("endpoint", endpoint.Redacted()).
		Str("shape", string(shape)).
		Str("webdriver_session", id).
		Msg("WebDriver session created")
	return c, nil
}

// SessionID returns the remote session id.
func (c *Client) SessionID() string { return c.sessionID }

// Legacy reports whether the session speaks the legacy dialect.
func (c *Client) Legacy() bool { return c.legacy }

// Own ties svc's lifetime to the session: Quit stops it and Kill kills it.
func (c *Client) Own(svc *Service) { c.service = svc }

// Navigate loads u.
func (c *Client) Navigate(ctx context.Context, u string) error {
	_, err := c.command(ctx, "navigate", http.MethodPost, "url", map[string]any{"url": u})
	return err
}

// AddCookie sets a cookie for the current document.
func (c *Client) AddCookie(ctx context.Context, name, value string) error {
	_, err := c.command(ctx, "add cookie", http.MethodPost, "cookie", map[string]any{
		"cookie": map[string]any{"name": name, "value": value},
	})
	return err
}

// Cookies returns all cookies visible to the current document.
func (c *Client) Cookies(ctx context.Context) (map[string]string, error) {
	v, err := c.command(ctx, "get cookies", http.MethodGet, "cookie", nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, ck := range v.Arr() {
		out[ck.Get("name").Str()] = ck.Get("value").Str()
	}
	return out, nil
}

// Screenshot captures the viewport as PNG.
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	v, err := c.command(ctx, "screenshot", http.MethodGet, "screenshot", nil)
	if err != nil {
		return nil, err
	}
	png, err := base64.StdEncoding.DecodeString(v.Str())
	if err != nil {
		return nil, fmt.Errorf("webdriver screenshot: invalid base64: %w", err)
	}
	return png, nil
}

// ExecuteScript runs a synchronous script in function-body form.
func (c *Client) ExecuteScript(ctx context.Context, script string) (any, error) {
	path := "execute/sync"
	if c.legacy {
		path = "execute"
	}
	v, err := c.command(ctx, "execute script", http.MethodPost, path, map[string]any{
		"script": script,
		"args":   []any{},
	})
	if err != nil {
		return nil, err
	}
	return v.Val(), nil
}

// PageSource returns the current document markup.
func (c *Client) PageSource(ctx context.Context) (string, error) {
	v, err := c.command(ctx, "page source", http.MethodGet, "source", nil)
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

// CurrentURL returns the current document URL.
func (c *Client) CurrentURL(ctx context.Context) (string, error) {
	v, err := c.command(ctx, "current url", http.MethodGet, "url", nil)
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

// Title returns the current document title.
func (c *Client) Title(ctx context.Context) (string, error) {
	v, err := c.command(ctx, "title", http.MethodGet, "title", nil)
	if err != nil {
		return "", err
	}
	return v.Str(), nil
}

// Quit deletes the remote session and stops an owned service.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.roundTrip(ctx, "delete session", http.MethodDelete, c.endpoint("session", c.sessionID), nil)
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.SessionGone() {
		err = nil
	}
	if c.service != nil {
		if stopErr := c.service.Stop(ctx); stopErr != nil {
			return errors.Join(err, stopErr)
		}
	}
	return err
}

// Kill terminates an owned service. Remote sessions are only abandoned.
func (c *Client) Kill() error {
	c.http.CloseIdleConnections()
	if c.service == nil {
		return nil
	}
	return c.service.Kill()
}

func (c *Client) command(ctx context.Context, name, method, path string, body any) (gson.JSON, error) {
	r, err := c.roundTrip(ctx, name, method, c.endpoint("session", c.sessionID, path), body)
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			cmdErr.SessionID = c.sessionID
		}
		return gson.JSON{}, err
	}
	return r.Value, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.base
	segs := append([]string{strings.TrimSuffix(u.Path, "/")}, parts...)
	u.Path = strings.Join(segs, "/")
	return u.String()
}

func (c *Client) roundTrip(ctx context.Context, name, method, target string, body any) (*reply, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("webdriver %s: encode request: %w", name, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("webdriver %s: %w", name, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webdriver %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("webdriver %s: read response: %w", name, err)
	}

	var r reply
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &r); err != nil {
			if resp.StatusCode >= 400 {
				return nil, &CommandError{Command: name, Code: "unknown error", Message: truncate(string(data), 200), HTTPStatus: resp.StatusCode}
			}
			return nil, fmt.Errorf("webdriver %s: decode response: %w", name, err)
		}
	}

	if cmdErr := commandError(name, resp.StatusCode, &r); cmdErr != nil {
		return nil, cmdErr
	}
	return &r, nil
}

// commandError extracts a remote error from either dialect.
func commandError(name string, httpStatus int, r *reply) error {
	if code, ok := r.Value.Gets("error"); ok && code.Str() != "" {
		return &CommandError{
			Command:    name,
			Code:       code.Str(),
			Message:    r.Value.Get("message").Str(),
			HTTPStatus: httpStatus,
		}
	}
	if r.Status != nil && *r.Status != 0 {
		return &CommandError{
			Command:    name,
			Code:       fmt.Sprintf("status %d", *r.Status),
			Message:    r.Value.Get("message").Str(),
			HTTPStatus: httpStatus,
		}
	}
	if httpStatus >= 400 {
		return &CommandError{Command: name, Code: "unknown error", Message: http.StatusText(httpStatus), HTTPStatus: httpStatus}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
