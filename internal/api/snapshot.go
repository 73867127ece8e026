package api

import (
	"github.com/shopspring/decimal"

	"polymarket-signal-trader/internal/broker"
	"polymarket-signal-trader/internal/config"
	"polymarket-signal-trader/internal/engine"
	"polymarket-signal-trader/internal/scanner"
	"polymarket-signal-trader/pkg/types"
)

// StatusProvider gives the API server read access to the engine's latest
// status snapshot. Satisfied by *engine.Engine.
type StatusProvider interface {
	Status() engine.Status
}

// BuildSnapshot aggregates the engine's status into a dashboard snapshot.
func BuildSnapshot(provider StatusProvider, cfg config.Config) DashboardSnapshot {
	st := provider.Status()

	positions := make([]PositionSnapshot, 0, len(st.OpenPositions))
	for _, pos := range st.OpenPositions {
		positions = append(positions, newPositionSnapshot(pos))
	}

	alerts := make([]AlertSnapshot, 0, len(st.LastAlerts))
	for _, a := range st.LastAlerts {
		alerts = append(alerts, AlertSnapshot{
			Strategy:  string(a.Strategy),
			Tier:      string(a.Tier),
			Score:     a.Score,
			CreatedAt: a.CreatedAt,
		})
	}

	skips := make(map[string]int, len(st.SkipCounters))
	for k, v := range st.SkipCounters {
		skips[k] = v
	}

	return DashboardSnapshot{
		Timestamp:    st.UpdatedAt,
		Broker:       newBrokerSnapshot(st.Broker),
		Positions:    positions,
		Scanner:      newScannerSnapshot(st.LastScan, alerts),
		SkipCounters: skips,
		Config:       NewConfigSummary(cfg),
	}
}

func newBrokerSnapshot(s broker.Status) BrokerSnapshot {
	return BrokerSnapshot{
		Cash:          decFloat(s.Cash),
		Locked:        decFloat(s.Locked),
		Unrealized:    decFloat(s.Unrealized),
		Realized:      decFloat(s.Realized),
		Wins:          s.Wins,
		Losses:        s.Losses,
		OpenPositions: s.OpenPositions,
	}
}

func newScannerSnapshot(m scanner.Metrics, alerts []AlertSnapshot) ScannerSnapshot {
	return ScannerSnapshot{
		TotalMarkets:     m.TotalMarkets,
		WarmedUp:         m.WarmedUp,
		Volatile:         m.Volatile,
		FadeReady:        m.FadeReady,
		ReversionRate:    m.ReversionRate,
		FadeComposite:    m.FadeComposite,
		TrendReady:       m.TrendReady,
		ContinuationRate: m.ContinuationRate,
		TrendComposite:   m.TrendComposite,
		Composite:        m.Composite,
		Alerts:           alerts,
	}
}

func newPositionSnapshot(p types.Position) PositionSnapshot {
	return PositionSnapshot{
		Slug:           p.Slug,
		Side:           string(p.Side),
		Strategy:       string(p.Strategy),
		Qty:            decFloat(p.Qty),
		EntryMid:       decFloat(p.EntryMid),
		EntryTime:      p.EntryTime,
		FillPrice:      decFloat(p.FillPrice),
		CostBasis:      decFloat(p.CostBasis),
		ZScore:         p.ZScore,
		PeakProfitPct:  decFloat(p.PeakProfitPct),
		TrailingActive: p.TrailingActive,
	}
}

func decFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
