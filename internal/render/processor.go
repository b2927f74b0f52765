package render

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/renderbridge/internal/metrics"
	"github.com/Rorqualx/renderbridge/internal/session"
	"github.com/Rorqualx/renderbridge/internal/types"
)

// DefaultPollInterval is used when a Processor is built with a zero interval.
const DefaultPollInterval = 500 * time.Millisecond

// Processor runs render requests against sessions.
type Processor struct {
	pollInterval  time.Duration
	defaultBudget time.Duration
}

// NewProcessor creates a Processor that polls wait conditions every
// pollInterval and uses defaultBudget for requests that carry none.
func NewProcessor(pollInterval, defaultBudget time.Duration) *Processor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Processor{pollInterval: pollInterval, defaultBudget: defaultBudget}
}

// Process renders req in s. Requests other than *BrowserRequest are not
// handled and return (nil, false, nil). The steps run strictly in order
// under the session lease: navigate, apply cookies, wait, screenshot,
// script, capture. Nothing is retried.
func (p *Processor) Process(ctx context.Context, s *session.Session, req Request) (*Response, bool, error) {
	br, ok := req.(*BrowserRequest)
	if !ok || br == nil {
		return nil, false, nil
	}

	start := time.Now()
	if err := s.Lock(ctx); err != nil {
		return nil, true, err
	}
	defer s.Unlock()

	log.Debug().
		Str("session_id", s.ID).
		Str("url", br.URL).
		Int("cookies", len(br.Cookies)).
		Bool("wait", br.Wait != nil).
		Bool("screenshot", br.Screenshot).
		Bool("script", br.Script != "").
		Msg("Processing render request")

	if err := s.Navigate(ctx, br.URL); err != nil {
		if session.IsIllegalState(err) {
			return nil, true, err
		}
		return nil, true, types.NewNavigationError(br.URL, err)
	}

	if err := p.applyCookies(ctx, s, br.Cookies); err != nil {
		return nil, true, err
	}

	if br.Wait != nil {
		budget := br.WaitBudget
		if budget <= 0 {
			budget = p.defaultBudget
		}
		if err := p.Wait(ctx, s, br.Wait, budget, br.URL); err != nil {
			return nil, true, err
		}
	}

	meta := map[string]any{
		MetaSessionID: s.ID,
		MetaBackend:   s.Backend,
	}

	if br.Screenshot {
		png, err := s.Screenshot(ctx)
		if err != nil {
			return nil, true, fmt.Errorf("screenshot: %w", err)
		}
		meta[MetaScreenshot] = png
	}

	if br.Script != "" {
		if _, err := s.ExecuteScript(ctx, br.Script); err != nil {
			return nil, true, fmt.Errorf("script: %w", err)
		}
	}

	source, err := s.PageSource(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("page source: %w", err)
	}
	finalURL, err := s.CurrentURL(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("current url: %w", err)
	}

	meta[MetaElapsed] = time.Since(start)
	log.Info().
		Str("session_id", s.ID).
		Str("url", br.URL).
		Str("final_url", finalURL).
		Int("body_size", len(source)).
		Dur("duration", time.Since(start)).
		Msg("Render completed")

	return &Response{
		URL:      finalURL,
		Body:     []byte(source),
		Encoding: "utf-8",
		Metadata: meta,
		Session:  s,
	}, true, nil
}

// applyCookies sets cookies in name order. A cookie the session refuses is
// logged and skipped; only an illegal session state stops the request.
func (p *Processor) applyCookies(ctx context.Context, s *session.Session, cookies map[string]string) error {
	if len(cookies) == 0 {
		return nil
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		err := s.AddCookie(ctx, name, cookies[name])
		if err == nil {
			continue
		}
		if session.IsIllegalState(err) {
			return err
		}
		warn := &types.PartialApplicationWarning{Cookie: name, Err: err}
		metrics.RecordCookieRejected()
		log.Warn().
			Err(warn).
			Str("session_id", s.ID).
			Str("cookie", name).
			Msg("Cookie not applied, continuing")
	}
	return nil
}

// Wait polls cond every poll interval until it holds or budget elapses.
// A timeout yields *types.TimeoutError; cancellation of ctx yields an error
// wrapping types.ErrContextCanceled. Evaluation errors other than an illegal
// session state count as "not yet".
func (p *Processor) Wait(ctx context.Context, s *session.Session, cond Condition, budget time.Duration, url string) error {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		ok, err := cond.Met(waitCtx, s)
		switch {
		case err != nil && session.IsIllegalState(err):
			metrics.RecordWait(cond.Name(), "error", time.Since(start))
			return err
		case err != nil:
			log.Debug().Err(err).Int("attempt", attempt).Str("condition", cond.Name()).Msg("Wait condition check failed")
		case ok:
			metrics.RecordWait(cond.Name(), "met", time.Since(start))
			log.Debug().
				Str("condition", cond.Name()).
				Int("attempts", attempt).
				Dur("waited", time.Since(start)).
				Msg("Wait condition met")
			return nil
		}

		select {
		case <-waitCtx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				metrics.RecordWait(cond.Name(), "canceled", time.Since(start))
				return fmt.Errorf("%w: waiting for %s: %w", types.ErrContextCanceled, cond.Name(), ctx.Err())
			}
			metrics.RecordWait(cond.Name(), "timeout", time.Since(start))
			return &types.TimeoutError{URL: url, Condition: cond.Name(), Budget: budget}
		case <-ticker.C:
		}
	}
}
