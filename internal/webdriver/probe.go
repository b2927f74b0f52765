package webdriver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/renderbridge/internal/backend"
)

var errUnrecognizedStatus = errors.New("status response has neither status nor value.ready")

// probeTimeout bounds the /status probe independently of the caller's deadline.
const probeTimeout = 5 * time.Second

// Probe asks endpoint which dialect it speaks. A legacy end answers /status
// with a top-level status field; a W3C end answers with value.ready. Any
// failure falls back to ShapeW3C.
func Probe(ctx context.Context, httpClient *http.Client, endpoint *url.URL) backend.CapabilityShape {
	shape, err := probe(ctx, httpClient, endpoint)
	if err != nil {
		log.Debug().
			Err(err).
			Str("endpoint", endpoint.Redacted()).
			Msg("Capability probe failed, using W3C shape")
		return backend.ShapeW3C
	}
	log.Debug().
		Str("endpoint", endpoint.Redacted()).
		Str("shape", string(shape)).
		Msg("Capability shape probed")
	return shape
}

func probe(ctx context.Context, httpClient *http.Client, endpoint *url.URL) (backend.CapabilityShape, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	u := *endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body map[string]gson.JSON
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", err
	}

	if _, ok := body["status"]; ok {
		return backend.ShapeLegacy, nil
	}
	if _, ok := body["value"].Gets("ready"); !ok {
		return "", errUnrecognizedStatus
	}
	return backend.ShapeW3C, nil
}

// Ready reports whether the end at endpoint accepts new sessions.
func Ready(ctx context.Context, httpClient *http.Client, endpoint *url.URL) bool {
	u := *endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var r reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&r); err != nil {
		// Some drivers answer /status with an empty body once listening.
		return true
	}
	if v, ok := r.Value.Gets("ready"); ok {
		return v.Bool()
	}
	return r.Status == nil || *r.Status == 0
}
