// Package market implements the Market State Store (C4): a concurrent-safe,
// per-slug mid-price history with a bounded global delta series feeding the
// Signal Engine's adaptive threshold.
//
// Generalized from the teacher's single-market Book (which mirrored one
// market's order book) into a map of per-slug lightweight state, since this
// system tracks up to ~1500 markets simultaneously rather than a handful of
// actively-quoted ones.
package market

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/pkg/types"
)

// State is one slug's market state: bounded mid history, last BBO, spread
// ring, and decaying peak-z.
type State struct {
	Slug                   string
	MidHistory             []float64 // ring buffer, capacity H
	LastMid                float64
	LastBid                float64
	LastAsk                float64
	LastSpread             float64
	SpreadHistory          []float64 // ring, capacity 10
	OpenInterest           float64
	PeakZ                  float64
	PeakZUpdatedAt         time.Time
	ConsecutiveProfitTicks int
	LastUpdate             time.Time
}

// Snapshot is an immutable copy of a State, safe to read without holding
// the Store's lock.
type Snapshot struct {
	Slug           string
	MidHistory     []float64
	LastMid        float64
	LastBid        float64
	LastAsk        float64
	LastSpread     float64
	SpreadHistory  []float64
	OpenInterest   float64
	PeakZ          float64
	PeakZUpdatedAt time.Time
	LastUpdate     time.Time
}

// Store is the process-wide, concurrent-safe Market State Store.
type Store struct {
	mu    sync.RWMutex
	cfg   config.MarketConfig
	byMkt map[string]*State

	deltaMu sync.Mutex
	deltas  []float64 // global bounded ring, capacity DeltaSeriesCap
}

// New builds an empty Store.
func New(cfg config.MarketConfig) *Store {
	return &Store{
		cfg:   cfg,
		byMkt: make(map[string]*State),
	}
}

// Apply ingests one BBO sample per the C4 update protocol (steps 1-6).
// Returns false when the sample is rejected (invalid mid) or gated
// (spread too wide — mid cache still updates, but the signal pipeline
// must not advance for this tick).
func (s *Store) Apply(sample types.BBOSample) (advance bool, err error) {
	bid := decimal.NewFromFloat(sample.BestBid)
	ask := decimal.NewFromFloat(sample.BestAsk)
	if !ask.GreaterThan(bid) {
		return false, fmt.Errorf("market %s: best_ask %.6f <= best_bid %.6f", sample.Slug, sample.BestAsk, sample.BestBid)
	}

	midDec := bid.Add(ask).Div(decimal.NewFromInt(2))
	mid, _ := midDec.Float64()
	if !midDec.GreaterThan(decimal.Zero) || !midDec.LessThan(decimal.NewFromInt(1)) {
		return false, fmt.Errorf("market %s: mid %.6f out of (0,1)", sample.Slug, mid)
	}

	spreadDec := ask.Sub(bid)
	spread, _ := spreadDec.Float64()
	// GreaterThan (not >=) so the max spread is an inclusive boundary:
	// a sample exactly at the configured max still advances the pipeline.
	gated := spreadDec.GreaterThan(decimal.NewFromFloat(s.cfg.MaxSpreadPct))

	s.mu.Lock()
	st, ok := s.byMkt[sample.Slug]
	if !ok {
		st = &State{Slug: sample.Slug}
		s.byMkt[sample.Slug] = st
	}

	prevMid := st.LastMid
	hadPrevMid := len(st.MidHistory) > 0

	st.LastBid = sample.BestBid
	st.LastAsk = sample.BestAsk
	st.LastMid = mid
	st.LastSpread = spread
	st.OpenInterest = sample.OpenInterest
	st.LastUpdate = sample.ReceivedAt

	// Spread history is cached unconditionally, even while spread-gated —
	// the gate itself needs to see incoming spreads narrow before it can
	// un-trip. Only mid/delta history (the signal pipeline's inputs) are
	// withheld while gated.
	st.SpreadHistory = appendBounded(st.SpreadHistory, spread, s.cfg.SpreadRing)
	if !gated {
		st.MidHistory = appendBounded(st.MidHistory, mid, s.cfg.HistoryCapacity)
	}

	var absDelta float64
	if hadPrevMid {
		absDelta = math.Abs(mid - prevMid)
	}

	if hadPrevMid {
		var z float64
		if n := float64(len(st.MidHistory)); n > 0 {
			var sum, sq float64
			for _, m := range st.MidHistory {
				sum += m
			}
			mean := sum / n
			for _, m := range st.MidHistory {
				sq += (m - mean) * (m - mean)
			}
			if sigma := math.Sqrt(sq / n); sigma >= 1e-9 {
				z = (mid - mean) / sigma
			}
		}
		s.updatePeakZLocked(st, math.Abs(z), sample.ReceivedAt)
	}
	s.mu.Unlock()

	if hadPrevMid {
		s.appendDelta(absDelta)
	}

	return !gated, nil
}

// updatePeakZLocked applies step 5 of the update protocol: if the new
// sample's absolute z (its mid against the slug's mid history, population
// stats, z=0 when sigma<1e-9) exceeds the stored peak, or the stored peak is
// stale (older than PeakZDecaySec), replace it; otherwise decay.
func (s *Store) updatePeakZLocked(st *State, absZ float64, now time.Time) {
	age := now.Sub(st.PeakZUpdatedAt)
	stale := st.PeakZUpdatedAt.IsZero() || age >= time.Duration(s.cfg.PeakZDecaySec)*time.Second

	if absZ > st.PeakZ || stale {
		st.PeakZ = absZ
		st.PeakZUpdatedAt = now
		return
	}

	decaySteps := age.Seconds() / float64(s.cfg.PeakZDecaySec)
	if decaySteps >= 1 {
		st.PeakZ *= math.Pow(1-s.cfg.PeakZDecayPct, math.Floor(decaySteps))
		st.PeakZUpdatedAt = now
	}
}

func (s *Store) appendDelta(absDelta float64) {
	s.deltaMu.Lock()
	defer s.deltaMu.Unlock()
	s.deltas = appendBounded(s.deltas, absDelta, s.cfg.DeltaSeriesCap)
}

// GlobalDeltas returns a copy of the global delta series.
func (s *Store) GlobalDeltas() []float64 {
	s.deltaMu.Lock()
	defer s.deltaMu.Unlock()
	out := make([]float64, len(s.deltas))
	copy(out, s.deltas)
	return out
}

// Snapshot returns a read-only copy of one slug's state, or false if unknown.
func (s *Store) Snapshot(slug string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byMkt[slug]
	if !ok {
		return Snapshot{}, false
	}
	return toSnapshot(st), true
}

// IsStale reports whether slug's last update is older than the stream
// freshness bound.
func (s *Store) IsStale(slug string, now time.Time) bool {
	snap, ok := s.Snapshot(slug)
	if !ok {
		return true
	}
	return now.Sub(snap.LastUpdate) > time.Duration(s.cfg.StaleAfterSec)*time.Second
}

// Slugs returns every slug currently tracked.
func (s *Store) Slugs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byMkt))
	for slug := range s.byMkt {
		out = append(out, slug)
	}
	return out
}

// Remove drops a slug's state (called when the Catalog Service reports it
// as no longer tracked).
func (s *Store) Remove(slug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byMkt, slug)
}

func toSnapshot(st *State) Snapshot {
	mh := make([]float64, len(st.MidHistory))
	copy(mh, st.MidHistory)
	sh := make([]float64, len(st.SpreadHistory))
	copy(sh, st.SpreadHistory)
	return Snapshot{
		Slug:           st.Slug,
		MidHistory:     mh,
		LastMid:        st.LastMid,
		LastBid:        st.LastBid,
		LastAsk:        st.LastAsk,
		LastSpread:     st.LastSpread,
		SpreadHistory:  sh,
		OpenInterest:   st.OpenInterest,
		PeakZ:          st.PeakZ,
		PeakZUpdatedAt: st.PeakZUpdatedAt,
		LastUpdate:     st.LastUpdate,
	}
}

func appendBounded(ring []float64, v float64, capacity int) []float64 {
	ring = append(ring, v)
	if len(ring) > capacity {
		ring = ring[len(ring)-capacity:]
	}
	return ring
}
