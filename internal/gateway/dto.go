package gateway

import (
	"encoding/json"
	"time"

	"klinefeed/internal/model"
)

// Frame types on the websocket. Session frames reuse model.EventType.
const (
	MsgSubscribe   = "SUBSCRIBE"
	MsgUnsubscribe = "UNSUBSCRIBE"
	MsgPing        = "ping"
	MsgPong        = "pong"
)

// inbound is any client frame. {"ping": n} without a type is a ping too.
type inbound struct {
	Type   string `json:"type"`
	ReqID  string `json:"req_id"`
	Symbol string `json:"symbol"`
	TF     string `json:"tf"`
	Ping   int64  `json:"ping"`
}

// Frame is one server message.
type Frame struct {
	Type       string                  `json:"type"`
	ReqID      string                  `json:"req_id,omitempty"`
	Generation uint64                  `json:"generation,omitempty"`
	Symbol     string                  `json:"symbol,omitempty"`
	TF         string                  `json:"tf,omitempty"`
	Degraded   bool                    `json:"degraded,omitempty"`
	Candles    []model.AugmentedCandle `json:"candles,omitempty"`
	Candle     *model.AugmentedCandle  `json:"candle,omitempty"`
	Final      bool                    `json:"final,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	Time       int64                   `json:"time,omitempty"`
	Message    string                  `json:"message,omitempty"`
	Ping       int64                   `json:"ping,omitempty"`
	ServerTS   int64                   `json:"server_ts,omitempty"`
}

// frameFor converts a session event. reqID is echoed on ERROR frames.
func frameFor(ev model.Event, reqID string) Frame {
	f := Frame{
		Type:       string(ev.Type),
		Generation: ev.Generation,
		Symbol:     ev.Symbol,
		TF:         ev.TF,
		Degraded:   ev.Degraded,
	}
	switch ev.Type {
	case model.EventSnapshot:
		f.Candles = ev.Candles
	case model.EventLive:
		f.Candle = ev.Candle
		f.Final = ev.Final
	case model.EventDegraded:
		f.Reason = ev.Reason
	case model.EventStale:
		f.Time = ev.StaleTime
	case model.EventError:
		f.ReqID = reqID
		f.Message = ev.Reason
	}
	return f
}

func errorFrame(reqID, msg string) Frame {
	return Frame{Type: string(model.EventError), ReqID: reqID, Message: msg}
}

func pongFrame(ping int64, now time.Time) Frame {
	return Frame{Type: MsgPong, Ping: ping, ServerTS: now.UnixMilli()}
}

// SnapshotResponse is the body of GET /api/snapshot/{symbol}/{tf}.
type SnapshotResponse struct {
	Symbol   string                  `json:"symbol"`
	TF       string                  `json:"tf"`
	Source   string                  `json:"source"`
	Degraded bool                    `json:"degraded"`
	Candles  []model.AugmentedCandle `json:"candles"`
}

// TFInfo is the REST response type for /api/timeframes.
type TFInfo struct {
	Seconds int64  `json:"seconds"`
	Label   string `json:"label"`
}

// ClientStatus describes one connected websocket client.
type ClientStatus struct {
	ID         string    `json:"id"`
	Connected  time.Time `json:"connected"`
	Symbol     string    `json:"symbol,omitempty"`
	TF         string    `json:"tf,omitempty"`
	Generation uint64    `json:"generation,omitempty"`
	Source     string    `json:"source,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Clients      []ClientStatus          `json:"clients"`
	Latency      map[string]LatencyStats `json:"latency"` // by frame type
	MarketOpen   bool                    `json:"market_open"`
	MarketStatus string                  `json:"market_status"`
	System       SystemStats             `json:"system"`
}

func encode(f Frame) []byte {
	b, _ := json.Marshal(f)
	return b
}
