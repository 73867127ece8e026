// Package sink implements the Event Sink's concrete wire contract: one
// method, Record(TradeEvent) error, backing the Broker's per-open/per-close
// audit trail. The Event Sink itself (console/file tee-ing, log rotation)
// is out of scope; this is deliberately a thin CSV appender and nothing
// more, grounded on original_source/trade.py's _Tee pattern.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"sync"
	"time"

	"polymarket-signal-trader/pkg/types"
)

// Sink records trade events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(event types.TradeEvent) error
}

// CSVSink appends one row per TradeEvent to a CSV file, writing a header
// row only when the file is first created.
type CSVSink struct {
	mu   sync.Mutex
	path string
}

// NewCSVSink opens (or creates) path for appending.
func NewCSVSink(path string) (*CSVSink, error) {
	_, err := os.Stat(path)
	isNew := os.IsNotExist(err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink file: %w", err)
	}
	defer f.Close()

	if isNew {
		w := csv.NewWriter(f)
		if err := w.Write(header()); err != nil {
			return nil, fmt.Errorf("write sink header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, fmt.Errorf("flush sink header: %w", err)
		}
	}

	return &CSVSink{path: path}, nil
}

func header() []string {
	return []string{"timestamp", "event", "slug", "side", "qty", "entry_mid", "exit_mid", "pnl", "cash_after", "reason", "fee", "z_score", "strategy"}
}

// Record appends one trade event row.
func (s *CSVSink) Record(event types.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open sink file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	row := []string{
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.Event,
		event.Slug,
		string(event.Side),
		event.Qty.String(),
		event.EntryMid.String(),
		event.ExitMid.String(),
		event.PnL.String(),
		event.CashAfter.String(),
		event.Reason,
		event.Fee.String(),
		fmt.Sprintf("%.4f", event.ZScore),
		string(event.Strategy),
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write sink row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// NullSink discards every event. Used in tests and dry-run modes.
type NullSink struct{}

func (NullSink) Record(types.TradeEvent) error { return nil }
