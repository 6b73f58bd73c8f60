package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"klinefeed/internal/marketdata/source"
	"klinefeed/internal/markethours"
	"klinefeed/internal/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// SnapshotTimeout bounds a REST snapshot request.
const SnapshotTimeout = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter registers the websocket endpoint and the REST API.
//
//	GET /ws                          websocket, see Frame
//	GET /api/snapshot/{symbol}/{tf}  one-shot augmented candles (?limit=N)
//	GET /api/status                  connected clients, latency, runtime
//	GET /api/timeframes              supported timeframes
func NewRouter(h *Hub) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.serveWS).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(cors)
	api.HandleFunc("/snapshot/{symbol}/{tf}", h.handleSnapshot).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/timeframes", handleTimeframes).Methods(http.MethodGet, http.MethodOptions)
	return r
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.EnableWriteCompression(true)
	h.Register(conn)
}

func (h *Hub) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), SnapshotTimeout)
	defer cancel()
	candles, info, err := h.Snapshot(ctx, vars["symbol"], vars["tf"])
	if err != nil {
		h.log.Warn("snapshot request failed", "symbol", vars["symbol"], "tf", vars["tf"], "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	if candles == nil {
		candles = []model.AugmentedCandle{}
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{
		Symbol:   info.Symbol,
		TF:       info.Timeframe,
		Source:   info.Source,
		Degraded: info.Degraded,
		Candles:  candles,
	})
}

func (h *Hub) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	resp := StatusResponse{
		Clients:      h.Clients(),
		MarketOpen:   markethours.IsMarketOpen(now),
		MarketStatus: markethours.StatusString(now),
		Latency:      h.Latency.Summary(),
		System:       CollectSystemStats(h.start),
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleTimeframes(w http.ResponseWriter, r *http.Request) {
	tfs := model.Timeframes()
	out := make([]TFInfo, len(tfs))
	for i, tf := range tfs {
		out[i] = TFInfo{Seconds: tf.Seconds(), Label: tf.Label}
	}
	writeJSON(w, http.StatusOK, out)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidSymbol), errors.Is(err, model.ErrInvalidTimeframe):
		return http.StatusBadRequest
	case errors.Is(err, source.ErrSourceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
