// Package phase implements the Phase Oracle: classifies a sports market's
// slug as PRE/LIVE/POST/UNKNOWN relative to the underlying game, so the
// Trade Loop can pick FADE vs TREND as its primary strategy.
//
// Grounded on original_source/monitor.py's parse_slug_parts,
// classify_game_phase and PMScoreCache — same three-step priority (slug
// date for coarse same-day/cross-day classification, then Polymarket's own
// market-detail "events" feed for same-day definitive state), reimplemented
// without the gameStartTime/end_date fallback steps, which this system
// covers via the slug-date step alone.
package phase

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"polymarket-signal-trader/pkg/types"
)

// refreshInterval mirrors original_source/monitor.py's PM_SCORE_REFRESH_SEC.
const refreshInterval = 60 * time.Second

// slugPattern matches slugs like "aec-cbb-duke-mich-2026-02-21" or
// "atc-mls-hou-chi-2026-02-21-draw".
var slugPattern = regexp.MustCompile(`^(?:aec|atc)-([a-z]+)-.+-(\d{4}-\d{2}-\d{2})(?:-[a-z]+)?$`)

// scoredSports are the sports PM_SCORE_CACHE actually fetches live data for;
// everything else falls back to slug-date classification only.
var scoredSports = map[string]bool{"nba": true, "cbb": true, "nfl": true, "ufc": true, "mls": true}

// EventFetcher is the collaborator that fetches a market's live-score
// fragment. Satisfied by *exchange.Client.
type EventFetcher interface {
	GetMarketEvent(ctx context.Context, slug string) (*types.MarketEvent, error)
}

type gameState string

const (
	statePre  gameState = "pre"
	stateLive gameState = "in"
	statePost gameState = "post"
)

// Oracle classifies market slugs into game phases. Satisfies
// engine.PhaseOracle and scanner.PhaseLookup (via its Phase method).
type Oracle struct {
	client EventFetcher
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]gameState
}

// New builds an Oracle. client may be nil, in which case Phase falls back
// entirely to slug-date classification (useful in tests and for markets
// with no live-score feed).
func New(client EventFetcher, logger *slog.Logger) *Oracle {
	return &Oracle{
		client: client,
		logger: logger.With("component", "phase-oracle"),
		cache:  make(map[string]gameState),
	}
}

func parseSlug(slug string) (sport, dateStr string, ok bool) {
	m := slugPattern.FindStringSubmatch(slug)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Run polls Refresh on a fixed interval until ctx is cancelled. slugs is
// called fresh on every tick so the watch list tracks the Catalog.
func (o *Oracle) Run(ctx context.Context, slugs func() []string) {
	o.Refresh(ctx, slugs())
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Refresh(ctx, slugs())
		}
	}
}

// Refresh fetches live-score data for every same-day scored-sport slug in
// the given list and replaces the cache.
func (o *Oracle) Refresh(ctx context.Context, slugs []string) {
	today := time.Now().UTC().Format("2006-01-02")

	var toFetch []string
	for _, slug := range slugs {
		sport, dateStr, ok := parseSlug(slug)
		if ok && scoredSports[sport] && dateStr == today {
			toFetch = append(toFetch, slug)
		}
	}
	if len(toFetch) == 0 {
		o.mu.Lock()
		o.cache = make(map[string]gameState)
		o.mu.Unlock()
		return
	}

	newCache := make(map[string]gameState, len(toFetch))
	var fetched, errs int
	for _, slug := range toFetch {
		ev, err := o.client.GetMarketEvent(ctx, slug)
		if err != nil {
			errs++
			continue
		}
		fetched++
		if ev == nil {
			newCache[slug] = statePre
			continue
		}
		switch {
		case ev.Ended:
			newCache[slug] = statePost
		case ev.Live:
			newCache[slug] = stateLive
		default:
			newCache[slug] = statePre
		}
	}

	o.mu.Lock()
	o.cache = newCache
	o.mu.Unlock()
	o.logger.Info("refreshed live scores", "fetched", fetched, "errors", errs, "watched", len(toFetch))
}

// Phase classifies slug's current game phase.
func (o *Oracle) Phase(slug string) types.GamePhase {
	if sport, dateStr, ok := parseSlug(slug); ok {
		gameDate, err := time.Parse("2006-01-02", dateStr)
		if err == nil {
			now := time.Now().UTC()
			today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			tomorrow := today.Add(24 * time.Hour)
			if !gameDate.Before(tomorrow) {
				return types.PhasePre
			}
			if gameDate.Before(today) {
				return types.PhasePost
			}
			if !scoredSports[sport] {
				return types.PhaseUnknown
			}
		}
	}

	o.mu.RLock()
	state, found := o.cache[slug]
	o.mu.RUnlock()
	if !found {
		return types.PhaseUnknown
	}
	switch state {
	case statePre:
		return types.PhasePre
	case stateLive:
		return types.PhaseLive
	case statePost:
		return types.PhasePost
	default:
		return types.PhaseUnknown
	}
}
