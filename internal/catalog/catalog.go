// Package catalog is a thin client for the Catalog Service (out of scope for
// this implementation beyond its wire contract): it periodically polls the
// exchange's market listing endpoint and hands back the flat set of markets
// currently open for trading.
//
// Adapted from the teacher's Gamma-style market-discovery poller
// (fetchMarkets/filterMarkets/rankMarkets), trimmed down from a ranked
// discovery feed to exactly the {slug, question, end_time, state} shape C2's
// ListMarkets needs — this system doesn't rank candidate markets by
// liquidity or volume, it subscribes the full eligible set to the BBO stream
// and lets the Signal Engine and Scanner do the ranking downstream.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"polymarket-signal-trader/pkg/types"
)

// Lister is the subset of the exchange client the Catalog poller depends on.
type Lister interface {
	ListMarkets(ctx context.Context, limit int, active, closed bool) ([]types.Market, error)
}

// Catalog holds the most recently polled set of open markets, keyed by slug.
type Catalog struct {
	lister   Lister
	interval time.Duration
	logger   *slog.Logger

	mu      sync.RWMutex
	markets map[string]types.Market
}

// New builds a Catalog that refreshes every interval.
func New(lister Lister, interval time.Duration, logger *slog.Logger) *Catalog {
	return &Catalog{
		lister:   lister,
		interval: interval,
		logger:   logger,
		markets:  make(map[string]types.Market),
	}
}

// Refresh polls once and replaces the held market set, dropping anything
// closed or past its end time.
func (c *Catalog) Refresh(ctx context.Context) error {
	raw, err := c.lister.ListMarkets(ctx, 0, true, false)
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}

	now := time.Now()
	next := make(map[string]types.Market, len(raw))
	for _, m := range raw {
		if m.Slug == "" || m.State != types.StateOpen {
			continue
		}
		if !m.EndTime.IsZero() && m.EndTime.Before(now) {
			continue
		}
		next[m.Slug] = m
	}

	c.mu.Lock()
	c.markets = next
	c.mu.Unlock()

	c.logger.Info("catalog refreshed", "open_markets", len(next))
	return nil
}

// Run polls on a fixed interval until ctx is cancelled, refreshing
// immediately on entry.
func (c *Catalog) Run(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial catalog refresh failed", "error", err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("catalog refresh failed", "error", err)
			}
		}
	}
}

// Slugs returns every currently open market slug.
func (c *Catalog) Slugs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.markets))
	for slug := range c.markets {
		out = append(out, slug)
	}
	return out
}

// Get returns one market by slug.
func (c *Catalog) Get(slug string) (types.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[slug]
	return m, ok
}

// Len reports the number of currently tracked open markets.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markets)
}
