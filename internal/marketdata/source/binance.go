package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"klinefeed/internal/model"

	"github.com/gorilla/websocket"
)

const (
	DefaultBinanceREST = "https://api.binance.us"
	DefaultBinanceWS   = "wss://stream.binance.us:9443"

	binanceMaxLimit = 1000

	// Binance pings every few minutes; a silent socket past this is dead.
	binanceReadTimeout = 5 * time.Minute
	binanceWriteWait   = 10 * time.Second
)

// BinanceConfig configures the Binance spot kline source.
type BinanceConfig struct {
	RESTURL string
	WSURL   string
	Client  *http.Client
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
}

// Binance serves crypto pairs: REST klines for history, the kline
// websocket stream for live push updates.
type Binance struct {
	rest   string
	ws     string
	client *http.Client
	dialer *websocket.Dialer
	log    *slog.Logger

	// OnConnect is called after each successful websocket dial.
	OnConnect func()
}

// NewBinance creates a Binance source, filling unset config with defaults.
func NewBinance(cfg BinanceConfig) *Binance {
	b := &Binance{
		rest:   strings.TrimRight(cfg.RESTURL, "/"),
		ws:     strings.TrimRight(cfg.WSURL, "/"),
		client: cfg.Client,
		dialer: cfg.Dialer,
		log:    cfg.Logger,
	}
	if b.rest == "" {
		b.rest = DefaultBinanceREST
	}
	if b.ws == "" {
		b.ws = DefaultBinanceWS
	}
	if b.client == nil {
		b.client = newHTTPClient()
	}
	if b.dialer == nil {
		b.dialer = websocket.DefaultDialer
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With("source", "binance")
	return b
}

func (b *Binance) Name() string { return "binance" }

// FetchHistory calls /api/v3/klines. Rows are
// [openTimeMs, "open", "high", "low", "close", "volume", closeTimeMs, ...].
func (b *Binance) FetchHistory(ctx context.Context, sym model.Symbol, tf model.Timeframe, limit int) ([]model.Candle, error) {
	if limit <= 0 || limit > binanceMaxLimit {
		limit = binanceMaxLimit
	}
	q := url.Values{}
	q.Set("symbol", sym.Name)
	q.Set("interval", tf.Label)
	q.Set("limit", strconv.Itoa(limit))

	var rows [][]any
	if err := getJSON(ctx, b.client, b.rest+"/api/v3/klines?"+q.Encode(), &rows); err != nil {
		return nil, fmt.Errorf("binance klines %s %s: %w", sym, tf, err)
	}

	candles := make([]model.Candle, 0, len(rows))
	for i, row := range rows {
		c, err := parseKlineRow(row)
		if err == nil {
			err = validate(c)
		}
		if err != nil {
			b.log.Debug("skipping kline row", "row", i, "error", err)
			continue
		}
		candles = append(candles, c)
	}
	return model.SortCandles(candles), nil
}

func parseKlineRow(row []any) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("kline row has %d fields", len(row))
	}
	var f [6]float64
	for i := range f {
		v, err := toFloat(row[i])
		if err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i, err)
		}
		f[i] = v
	}
	return model.Candle{
		Time:   int64(f[0]) / 1000,
		Open:   f[1],
		High:   f[2],
		Low:    f[3],
		Close:  f[4],
		Volume: f[5],
	}, nil
}

// klineMsg is the kline stream payload.
type klineMsg struct {
	Event string `json:"e"`
	Kline struct {
		Start  int64  `json:"t"`
		Open   string `json:"o"`
		High   string `json:"h"`
		Low    string `json:"l"`
		Close  string `json:"c"`
		Volume string `json:"v"`
		Closed bool   `json:"x"`
	} `json:"k"`
}

func parseKlineMsg(data []byte) (model.CandleEvent, bool, error) {
	var m klineMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return model.CandleEvent{}, false, err
	}
	if m.Event != "kline" {
		return model.CandleEvent{}, false, nil
	}
	row := []any{float64(m.Kline.Start), m.Kline.Open, m.Kline.High, m.Kline.Low, m.Kline.Close, m.Kline.Volume}
	c, err := parseKlineRow(row)
	if err == nil {
		err = validate(c)
	}
	if err != nil {
		return model.CandleEvent{}, false, err
	}
	return model.CandleEvent{Candle: c, Final: m.Kline.Closed}, true, nil
}

// StreamURL returns the kline stream endpoint for a series.
func (b *Binance) StreamURL(sym model.Symbol, tf model.Timeframe) string {
	return b.ws + "/ws/" + strings.ToLower(sym.Name) + "@kline_" + tf.Label
}

// Stream holds one websocket connection open until ctx is done or the
// connection fails. Finals at or before since are skipped.
func (b *Binance) Stream(ctx context.Context, sym model.Symbol, tf model.Timeframe, since int64, out chan<- model.CandleEvent) error {
	u := b.StreamURL(sym, tf)
	conn, _, err := b.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("binance dial %s: %w", u, err)
	}
	defer conn.Close()

	b.log.Info("stream connected", "symbol", sym.Name, "tf", tf.Label)
	if b.OnConnect != nil {
		b.OnConnect()
	}

	// Unblock ReadMessage on cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(binanceWriteWait))
			conn.Close()
		case <-stop:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(binanceReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(binanceReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(binanceWriteWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("binance read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(binanceReadTimeout))

		ev, ok, err := parseKlineMsg(data)
		if err != nil {
			b.log.Warn("bad kline message", "error", err)
			continue
		}
		if !ok || (ev.Final && ev.Candle.Time <= since) {
			continue
		}
		if err := send(ctx, out, ev); err != nil {
			return err
		}
	}
}
