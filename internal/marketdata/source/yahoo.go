package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"klinefeed/internal/model"
)

const DefaultYahooURL = "https://query1.finance.yahoo.com"

type yahooInterval struct {
	label    string // our timeframe
	interval string // chart API interval
	rng      string // range covering a full backfill
}

// yahooIntervals is ordered by length. Timeframes without an exact Yahoo
// interval are resampled from the longest interval that divides them.
var yahooIntervals = []yahooInterval{
	{"1m", "1m", "5d"},
	{"5m", "5m", "1mo"},
	{"15m", "15m", "1mo"},
	{"30m", "30m", "1mo"},
	{"1h", "60m", "3mo"},
	{"1d", "1d", "5y"},
	{"1w", "1wk", "10y"},
	{"1M", "1mo", "max"},
}

// yahooPlan returns the interval to request and the timeframe of its bars.
func yahooPlan(tf model.Timeframe) (yahooInterval, model.Timeframe, error) {
	for i := len(yahooIntervals) - 1; i >= 0; i-- {
		iv := yahooIntervals[i]
		base, err := model.ParseTimeframe(iv.label)
		if err != nil {
			continue
		}
		if base.Label == tf.Label || (base.Duration < tf.Duration && tf.Duration%base.Duration == 0) {
			return iv, base, nil
		}
	}
	return yahooInterval{}, model.Timeframe{}, fmt.Errorf("yahoo %s: %w", tf, ErrUnsupportedTimeframe)
}

// Yahoo serves stocks from the public chart API.
type Yahoo struct {
	base   string
	client *http.Client
	log    *slog.Logger

	// SymbolMap maps internal symbols to Yahoo tickers.
	SymbolMap map[string]string
}

// NewYahoo creates a Yahoo source. An empty baseURL selects DefaultYahooURL.
func NewYahoo(baseURL string, client *http.Client, logger *slog.Logger) *Yahoo {
	if baseURL == "" {
		baseURL = DefaultYahooURL
	}
	if client == nil {
		client = newHTTPClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Yahoo{
		base:   strings.TrimRight(baseURL, "/"),
		client: client,
		log:    logger.With("source", "yahoo"),
		SymbolMap: map[string]string{
			"SPX":    "^GSPC",
			"SPX500": "^GSPC",
			"NDX":    "^NDX",
		},
	}
}

func (y *Yahoo) Name() string { return "yahoo" }

func (y *Yahoo) ticker(sym model.Symbol) string {
	if t, ok := y.SymbolMap[sym.Name]; ok {
		return t
	}
	return sym.Name
}

// yahooChart is the response structure of the chart API. Quote arrays hold
// null for bars without trades.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (y *Yahoo) FetchHistory(ctx context.Context, sym model.Symbol, tf model.Timeframe, limit int) ([]model.Candle, error) {
	iv, base, err := yahooPlan(tf)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&range=%s",
		y.base, url.PathEscape(y.ticker(sym)), iv.interval, iv.rng)

	var chart yahooChart
	if err := getJSON(ctx, y.client, u, &chart); err != nil {
		return nil, fmt.Errorf("yahoo chart %s: %w", sym, err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("yahoo api error: %s", chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 || len(chart.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("yahoo %s: no data returned", sym)
	}

	result := chart.Chart.Result[0]
	quote := result.Indicators.Quote[0]
	at := func(vs []*float64, i int) (float64, bool) {
		if i >= len(vs) || vs[i] == nil {
			return 0, false
		}
		return *vs[i], true
	}

	candles := make([]model.Candle, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		o, ok1 := at(quote.Open, i)
		h, ok2 := at(quote.High, i)
		l, ok3 := at(quote.Low, i)
		c, ok4 := at(quote.Close, i)
		if !(ok1 && ok2 && ok3 && ok4) {
			continue // null bars (halts, holidays)
		}
		v, _ := at(quote.Volume, i)
		// Align to the bar open; Yahoo stamps the last intraday bar with
		// the latest trade time.
		candle := model.Candle{Time: base.Align(time.Unix(ts, 0)), Open: o, High: h, Low: l, Close: c, Volume: v}
		if err := validate(candle); err != nil {
			y.log.Debug("skipping bar", "error", err)
			continue
		}
		candles = append(candles, candle)
	}
	candles = model.SortCandles(candles)
	if base.Label != tf.Label {
		candles = Resample(candles, tf)
	}
	return tail(candles, limit), nil
}
