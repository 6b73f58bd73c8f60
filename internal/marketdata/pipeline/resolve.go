package pipeline

import (
	"log/slog"
	"net/http"
	"time"

	"klinefeed/internal/breaker"
	"klinefeed/internal/marketdata/source"
	"klinefeed/internal/model"
)

// Sources is the resolved source set for one symbol.
type Sources struct {
	History     []source.History // primary first
	Live        source.Live
	Placeholder source.History
}

// Resolver picks sources for a symbol.
type Resolver interface {
	Resolve(sym model.Symbol) Sources
}

// Resolve returns s unchanged, so a fixed Sources is itself a Resolver.
func (s Sources) Resolve(model.Symbol) Sources { return s }

// VendorConfig configures the real data vendors.
type VendorConfig struct {
	BinanceREST     string
	BinanceWS       string
	YahooURL        string
	PolygonAPIKey   string
	Archives        []source.History // offline fallbacks, tried last
	MaxPollInterval time.Duration
	MarketOpen      func(time.Time) bool // pauses stock polling when closed

	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	PlaceholderCount    int

	HTTPClient    *http.Client
	OnBreakerTrip func(name string, from, to breaker.State)
	OnConnect     func(source string)
}

// Vendors routes crypto pairs to Binance and stocks to Polygon (when keyed)
// then Yahoo, with the archives last in both chains. Breakers are shared by
// every pipeline so a dead vendor is skipped across sessions.
type Vendors struct {
	crypto      []source.History
	stock       []source.History
	cryptoLive  source.Live
	stockLive   source.Live
	placeholder source.History
	breakers    []*breaker.Breaker
}

// NewVendors builds the source graph.
func NewVendors(cfg VendorConfig, logger *slog.Logger) *Vendors {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 3
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 30 * time.Second
	}

	v := &Vendors{placeholder: source.NewPlaceholder(cfg.PlaceholderCount)}
	guard := func(h source.History) source.History {
		cb := breaker.New(h.Name(), cfg.BreakerMaxFailures, cfg.BreakerResetTimeout)
		cb.OnStateChange = cfg.OnBreakerTrip
		v.breakers = append(v.breakers, cb)
		return source.Guard(h, cb)
	}

	binance := source.NewBinance(source.BinanceConfig{
		RESTURL: cfg.BinanceREST,
		WSURL:   cfg.BinanceWS,
		Client:  cfg.HTTPClient,
		Logger:  logger,
	})
	if cfg.OnConnect != nil {
		binance.OnConnect = func() { cfg.OnConnect(binance.Name()) }
	}
	v.crypto = append(v.crypto, guard(binance))
	v.cryptoLive = binance

	var primary source.History
	if cfg.PolygonAPIKey != "" {
		primary = guard(source.NewPolygon(cfg.PolygonAPIKey))
		v.stock = append(v.stock, primary)
	}
	yahoo := guard(source.NewYahoo(cfg.YahooURL, cfg.HTTPClient, logger))
	v.stock = append(v.stock, yahoo)
	if primary == nil {
		primary = yahoo
	}
	poller := source.NewPoller(primary, cfg.MaxPollInterval, logger)
	poller.MarketOpen = cfg.MarketOpen
	v.stockLive = poller

	v.crypto = append(v.crypto, cfg.Archives...)
	v.stock = append(v.stock, cfg.Archives...)
	return v
}

func (v *Vendors) Resolve(sym model.Symbol) Sources {
	if sym.Kind == model.KindCrypto {
		return Sources{History: v.crypto, Live: v.cryptoLive, Placeholder: v.placeholder}
	}
	return Sources{History: v.stock, Live: v.stockLive, Placeholder: v.placeholder}
}

// Breakers returns the vendor circuit breakers.
func (v *Vendors) Breakers() []*breaker.Breaker { return v.breakers }
