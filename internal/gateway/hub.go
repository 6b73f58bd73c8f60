// Package gateway serves chart clients over websocket and REST. Every
// websocket client owns one session.Controller, so symbol or timeframe
// changes of one client never disturb another.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"klinefeed/internal/metrics"
	"klinefeed/internal/model"
	"klinefeed/internal/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// HubConfig configures a Hub.
type HubConfig struct {
	Session          session.Config
	DefaultSymbol    string
	DefaultTimeframe string

	// SendBuffer is the per-client outbound queue length.
	SendBuffer int

	// Sink, when set, receives every event delivered to a client. Sends
	// never block; a full sink drops the event.
	Sink chan<- model.Event

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus
}

// Hub tracks connected websocket clients.
type Hub struct {
	cfg     HubConfig
	log     *slog.Logger
	m       *metrics.Metrics
	start   time.Time
	Latency *LatencyTracker

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a Hub. Metrics and logger default like session.Config does.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewMetricsWith(nil)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = cfg.Logger
	}
	if cfg.Session.Metrics == nil {
		cfg.Session.Metrics = cfg.Metrics
	}
	if cfg.Session.Health == nil {
		cfg.Session.Health = cfg.Health
	}
	h := &Hub{
		cfg:     cfg,
		log:     cfg.Logger.With("component", "gateway"),
		m:       cfg.Metrics,
		start:   time.Now(),
		Latency: NewLatencyTracker(10000),
		clients: make(map[string]*Client),
	}
	h.Latency.Observer = func(frameType string, d time.Duration) {
		h.m.DeliveryLatency.WithLabelValues(frameType).Observe(d.Seconds())
	}
	return h
}

// Register takes ownership of conn, starts the client's pumps and
// subscribes it to the default series. It returns nil after Close.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	c := newClient(h, uuid.NewString(), conn)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return nil
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.wg.Add(1)
	h.mu.Unlock()

	h.m.WSClients.Inc()
	if h.cfg.Health != nil {
		h.cfg.Health.AddClients(1)
	}
	c.log.Info("ws client connected", "clients", count)

	c.start()
	return c
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.m.WSClients.Dec()
	if h.cfg.Health != nil {
		h.cfg.Health.AddClients(-1)
	}
	c.log.Info("ws client disconnected", "clients", count)
	h.wg.Done()
}

// forward offers ev to the sink without blocking.
func (h *Hub) forward(ev model.Event) {
	if h.cfg.Sink == nil {
		return
	}
	select {
	case h.cfg.Sink <- ev:
	default:
		h.m.FanoutDropsTotal.WithLabelValues("sink").Inc()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Clients describes every connected client.
func (h *Hub) Clients() []ClientStatus {
	h.mu.RLock()
	cs := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		cs = append(cs, c)
	}
	h.mu.RUnlock()

	out := make([]ClientStatus, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.status())
	}
	return out
}

// Snapshot runs a one-shot session outside any client.
func (h *Hub) Snapshot(ctx context.Context, symbol, timeframe string) ([]model.AugmentedCandle, session.Info, error) {
	return session.FetchSnapshot(ctx, h.cfg.Session, symbol, timeframe)
}

// Close disconnects every client and waits until their sessions stopped.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	cs := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		cs = append(cs, c)
	}
	h.mu.Unlock()

	for _, c := range cs {
		c.conn.Close()
	}
	h.wg.Wait()
}
