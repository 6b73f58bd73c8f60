package gateway

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"klinefeed/internal/model"
	"klinefeed/internal/session"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 4096
)

type outbound struct {
	data    []byte
	kind    string
	created time.Time // zero for frames not caused by a session event
}

// Client is a single websocket peer and its chart session.
type Client struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	ctrl      *session.Controller
	log       *slog.Logger
	connected time.Time

	send   chan outbound
	events chan model.Event
	done   chan struct{}

	reqMu sync.Mutex
	reqID string // req_id of the latest SUBSCRIBE
}

func newClient(h *Hub, id string, conn *websocket.Conn) *Client {
	c := &Client{
		id:        id,
		hub:       h,
		conn:      conn,
		log:       h.log.With("client", id),
		connected: time.Now(),
		send:      make(chan outbound, h.cfg.SendBuffer),
		events:    make(chan model.Event, h.cfg.SendBuffer),
		done:      make(chan struct{}),
	}

	l := session.NewEventListener(c.events)
	l.OnDrop = func(ev model.Event) {
		h.m.FanoutDropsTotal.WithLabelValues("client").Inc()
		c.log.Warn("client event queue full, dropping", "type", ev.Type, "generation", ev.Generation)
	}
	scfg := h.cfg.Session
	scfg.Logger = c.log
	c.ctrl = session.NewController(scfg, l)
	return c
}

// ID returns the client's id.
func (c *Client) ID() string { return c.id }

func (c *Client) start() {
	go c.writePump()
	go c.forwardLoop()
	go c.readPump()
}

func (c *Client) status() ClientStatus {
	st := ClientStatus{ID: c.id, Connected: c.connected}
	if info, ok := c.ctrl.Current(); ok {
		st.Symbol = info.Symbol
		st.TF = info.Timeframe
		st.Generation = info.Generation
		st.Source = info.Source
		st.Degraded = info.Degraded
		st.TraceID = info.TraceID
	}
	return st
}

func (c *Client) lastReqID() string {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.reqID
}

// subscribe switches the client's session. Rejections are answered with
// an ERROR frame and leave the current session running.
func (c *Client) subscribe(reqID, symbol, tf string) {
	c.reqMu.Lock()
	c.reqID = reqID
	c.reqMu.Unlock()

	if err := c.ctrl.Subscribe(symbol, tf); err != nil {
		c.log.Warn("subscription rejected", "req_id", reqID, "symbol", symbol, "tf", tf, "error", err)
		c.enqueue(errorFrame(reqID, err.Error()), time.Time{})
		return
	}
	c.log.Info("subscribed", "req_id", reqID, "symbol", symbol, "tf", tf, "generation", c.ctrl.Generation())
}

// enqueue never blocks; a client that cannot keep up loses frames.
func (c *Client) enqueue(f Frame, created time.Time) {
	select {
	case c.send <- outbound{data: encode(f), kind: f.Type, created: created}:
	default:
		c.hub.m.FanoutDropsTotal.WithLabelValues("client").Inc()
		c.log.Warn("client send queue full, dropping", "type", f.Type)
	}
}

// forwardLoop turns session events into frames. Events of a replaced
// generation that were already queued are discarded here.
func (c *Client) forwardLoop() {
	for {
		select {
		case ev := <-c.events:
			if ev.Generation < c.ctrl.Generation() {
				continue
			}
			switch ev.Type {
			case model.EventSnapshot, model.EventLive, model.EventDegraded:
				c.hub.forward(ev)
			}
			c.enqueue(frameFor(ev, c.lastReqID()), ev.TS)
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case out := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				c.log.Debug("ws write failed", "error", err)
				return
			}
			if !out.created.IsZero() {
				c.hub.Latency.Observe(out.kind, time.Since(out.created))
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.ctrl.Close()
		close(c.done)
		c.conn.Close()
		c.hub.remove(c)
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if c.hub.cfg.DefaultSymbol != "" && c.hub.cfg.DefaultTimeframe != "" {
		c.subscribe("", c.hub.cfg.DefaultSymbol, c.hub.cfg.DefaultTimeframe)
	}

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("ws read failed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var in inbound
		if err := json.Unmarshal(msg, &in); err != nil {
			c.enqueue(errorFrame("", "invalid message: "+err.Error()), time.Time{})
			continue
		}

		switch strings.ToUpper(in.Type) {
		case MsgSubscribe:
			c.subscribe(in.ReqID, in.Symbol, in.TF)
		case MsgUnsubscribe:
			c.ctrl.Unsubscribe()
			c.log.Info("unsubscribed", "req_id", in.ReqID)
		case "PING", "":
			c.enqueue(pongFrame(in.Ping, time.Now()), time.Time{})
		default:
			c.enqueue(errorFrame(in.ReqID, "unknown message type "+in.Type), time.Time{})
		}
	}
}
