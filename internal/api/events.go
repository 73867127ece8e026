package api

import "time"

// DashboardEvent is the wrapper for every message pushed to WebSocket
// clients. Currently the only event type is "snapshot", broadcast on a
// fixed interval; the wrapper stays generic so a future push-event (e.g.
// one fired the instant a position closes) can reuse the same envelope.
type DashboardEvent struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewSnapshotEvent wraps a DashboardSnapshot for broadcast.
func NewSnapshotEvent(snapshot DashboardSnapshot) DashboardEvent {
	return DashboardEvent{
		Type:      "snapshot",
		Timestamp: snapshot.Timestamp,
		Data:      snapshot,
	}
}
