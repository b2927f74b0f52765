// Package handlers provides the HTTP handlers of the render API.
package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/renderbridge/internal/config"
	"github.com/Rorqualx/renderbridge/internal/middleware"
	"github.com/Rorqualx/renderbridge/internal/presets"
	"github.com/Rorqualx/renderbridge/internal/render"
	"github.com/Rorqualx/renderbridge/internal/security"
	"github.com/Rorqualx/renderbridge/internal/types"
	"github.com/Rorqualx/renderbridge/pkg/version"
)

// maxBodySize caps render request bodies; scripts and cookie maps are small.
const maxBodySize = 1 << 20

// Renderer is the part of the bridge the handlers drive.
type Renderer interface {
	Render(ctx context.Context, req *types.RenderRequest) (*render.Response, error)
	Status() *types.PoolStatus
	Presets() *presets.Manager
	HostStats() map[string]types.HostStats
}

// Handler serves the render API.
type Handler struct {
	renderer Renderer
	policy   security.TargetPolicy
	config   *config.Config
}

// New creates a Handler. Render targets are checked against a policy built
// from cfg.AllowPrivateTargets.
func New(renderer Renderer, cfg *config.Config) *Handler {
	return &Handler{
		renderer: renderer,
		policy:   security.TargetPolicy{AllowPrivate: cfg.AllowPrivateTargets},
		config:   cfg,
	}
}

// HandleHealth reports liveness together with pool occupancy.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	h.writeJSONResponse(w, http.StatusOK, types.Response{
		Status:    types.StatusOK,
		Message:   "healthy",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Pool:      h.renderer.Status(),
	})
}

// HandlePresets lists the wait presets currently loaded.
func (h *Handler) HandlePresets(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	set := h.renderer.Presets().Get()

	names := set.Names()
	infos := make([]types.PresetInfo, 0, len(names))
	for _, name := range names {
		p := set.Presets[name]
		infos = append(infos, types.PresetInfo{
			Name:        name,
			Kind:        p.Kind,
			Value:       p.Value,
			Description: p.Description,
		})
	}

	h.writeJSONResponse(w, http.StatusOK, types.Response{
		Status:    types.StatusOK,
		Message:   "presets loaded",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Presets:   infos,
	})
}

// HandleStats reports render outcomes per target host.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	h.writeJSONResponse(w, http.StatusOK, types.Response{
		Status:    types.StatusOK,
		Message:   "host statistics",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Pool:      h.renderer.Status(),
		Hosts:     h.renderer.HostStats(),
	})
}

// HandleRender renders one page and returns its source.
func (h *Handler) HandleRender(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", startTime)
			return
		}
		log.Warn().Err(err).Msg("Failed to read request body")
		h.writeError(w, http.StatusBadRequest, "Failed to read request", startTime)
		return
	}

	var req types.RenderRequest
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request")
		h.writeError(w, http.StatusBadRequest, "Invalid JSON request", startTime)
		return
	}

	log.Info().
		Str("url", security.RedactURL(req.URL)).
		Str("request_id", middleware.RequestIDFrom(r.Context())).
		Bool("screenshot", req.Screenshot).
		Bool("wait", req.WaitFor != nil).
		Msg("Render request received")

	if err := req.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), startTime)
		return
	}
	if err := h.policy.Check(req.URL); err != nil {
		log.Warn().Err(err).Str("url", security.RedactURL(req.URL)).Msg("Render target blocked")
		h.writeError(w, http.StatusBadRequest, "Invalid URL: "+err.Error(), startTime)
		return
	}

	resp, err := h.renderer.Render(r.Context(), &req)
	if err != nil {
		h.writeError(w, statusFor(err), err.Error(), startTime)
		return
	}
	h.writeSuccess(w, resp, startTime)
}

// HandleMethodNotAllowed answers a known path with the wrong method.
func (h *Handler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", time.Now())
}

// HandleNotFound answers unknown paths.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusNotFound, "Not found", time.Now())
}

// statusFor maps a render error to an HTTP status.
func statusFor(err error) int {
	var (
		timeoutErr *types.TimeoutError
		connErr    *types.ConnectionError
	)
	switch {
	case errors.Is(err, types.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &timeoutErr), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &connErr), errors.Is(err, types.ErrConnection), errors.Is(err, types.ErrNavigation):
		return http.StatusBadGateway
	case errors.Is(err, types.ErrPoolTimeout), errors.Is(err, types.ErrPoolClosed),
		errors.Is(err, types.ErrContextCanceled), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeSuccess(w http.ResponseWriter, resp *render.Response, startTime time.Time) {
	result := &types.RenderResult{
		URL:      resp.URL,
		Body:     resp.Text(),
		Encoding: resp.Encoding,
	}
	if png := resp.ScreenshotPNG(); len(png) > 0 {
		result.Screenshot = base64.StdEncoding.EncodeToString(png)
	}
	if resp.Session != nil {
		result.SessionID = resp.Session.ID
	}

	h.writeJSONResponse(w, http.StatusOK, types.Response{
		Status:    types.StatusOK,
		Message:   "Page rendered",
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Result:    result,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	h.writeJSONResponse(w, statusCode, types.Response{
		Status:    types.StatusError,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	})
}

// writeJSONResponse encodes into a buffer first so an encoding failure can
// still produce a clean 500.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp any) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}
