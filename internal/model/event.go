package model

import (
	"encoding/json"
	"time"
)

// EventType names a session notification on the fan-out bus and on the wire.
type EventType string

const (
	EventSnapshot EventType = "SNAPSHOT"
	EventLive     EventType = "LIVE"
	EventDegraded EventType = "DEGRADED"
	EventStale    EventType = "STALE"
	EventError    EventType = "ERROR"
)

// Event is one session notification. Which payload fields are set depends
// on Type.
type Event struct {
	Type       EventType         `json:"type"`
	Generation uint64            `json:"generation"`
	Symbol     string            `json:"symbol"`
	TF         string            `json:"tf"`
	Degraded   bool              `json:"degraded,omitempty"`
	Candles    []AugmentedCandle `json:"candles,omitempty"`
	Candle     *AugmentedCandle  `json:"candle,omitempty"`
	Final      bool              `json:"final,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	StaleTime  int64             `json:"stale_time,omitempty"`
	TS         time.Time         `json:"ts"`
}

// Key returns "tf:symbol", the per-series key used by storage sinks.
func (e *Event) Key() string {
	return e.TF + ":" + e.Symbol
}

// JSON returns the JSON-encoded event (ignoring errors for hot-path usage).
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
