package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"klinefeed/config"
	"klinefeed/internal/breaker"
	"klinefeed/internal/gateway"
	"klinefeed/internal/marketdata/bus"
	"klinefeed/internal/marketdata/pipeline"
	"klinefeed/internal/marketdata/source"
	"klinefeed/internal/metrics"
	"klinefeed/internal/model"
	"klinefeed/internal/notification"
	redisstore "klinefeed/internal/store/redis"
	sqlitestore "klinefeed/internal/store/sqlite"

	goredis "github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	sinkBuffer       = 5000
	livenessInterval = 10 * time.Second
	statsInterval    = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket gateway, metrics server and storage sinks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd, os.Stdout)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("starting", "listen", cfg.ListenAddr, "metrics", cfg.MetricsAddr,
		"default_symbol", cfg.DefaultSymbol, "default_tf", cfg.DefaultTimeframe)

	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()

	notifiers := notification.Multi{notification.NewLogNotifier(log)}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	alerts := notification.NewDispatcher(notifiers, 64, log)

	observeBreaker := func(name string, from, to breaker.State) {
		m.ObserveBreaker(name, int(to))
		alerts.OnBreakerChange(name, from, to)
		log.Warn("circuit breaker transition", "name", name, "from", from.String(), "to", to.String())
	}

	var (
		archives []source.History
		sinks    = map[string]model.EventSink{}
	)

	// ---- SQLite archive ----
	var sqlDB *sql.DB
	if cfg.SQLitePath != "" {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("sqlite dir: %w", err)
			}
		}
		w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath, Logger: log})
		if err != nil {
			return err
		}
		defer w.Close()
		w.OnCommit = func(n int, took time.Duration) {
			m.ArchiveWrites.Add(float64(n))
			m.SQLiteCommitDur.Observe(took.Seconds())
		}
		reader, err := sqlitestore.NewReader(cfg.SQLitePath)
		if err != nil {
			return err
		}
		defer reader.Close()

		sinks["sqlite"], sqlDB = w, w.DB()
		archives = append(archives, source.NewArchive("sqlite", reader))
		health.SetSQLite(true, true)
		log.Info("sqlite archive ready", "path", cfg.SQLitePath)
	}

	// ---- Redis publisher ----
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		p, err := redisstore.New(redisstore.Config{
			Addr:                cfg.RedisAddr,
			Password:            cfg.RedisPassword,
			DB:                  cfg.RedisDB,
			BreakerMaxFailures:  cfg.BreakerMaxFailures,
			BreakerResetTimeout: cfg.BreakerResetTimeout,
			Logger:              log,
		})
		if err != nil {
			log.Warn("redis unavailable, continuing without it", "addr", cfg.RedisAddr, "error", err)
			health.SetRedis(true, false)
		} else {
			defer p.Close()
			p.OnWrite = func(took time.Duration) {
				m.RedisWrites.Inc()
				m.RedisWriteDur.Observe(took.Seconds())
			}
			cb := p.Breaker()
			flushOnClose := cb.OnStateChange
			cb.OnStateChange = func(name string, from, to breaker.State) {
				flushOnClose(name, from, to)
				m.ObserveBreaker(name, int(to))
				alerts.OnBreakerChange(name, from, to)
			}

			sinks["redis"], rdb = p, p.Client()
			archives = append(archives, source.NewArchive("redis", redisstore.NewReader(rdb, log)))
			health.SetRedis(true, true)
			log.Info("redis publisher ready", "addr", cfg.RedisAddr)
		}
	}
	health.StartLivenessChecker(ctx, rdb, sqlDB, livenessInterval)

	// ---- Sources ----
	vcfg := vendorConfig(cfg)
	vcfg.Archives = archives
	vcfg.OnBreakerTrip = observeBreaker
	vcfg.OnConnect = func(src string) { log.Info("live feed connected", "source", src) }
	vendors := pipeline.NewVendors(vcfg, log)
	for _, cb := range vendors.Breakers() {
		m.ObserveBreaker(cb.Name(), int(cb.State()))
	}

	// ---- Sinks ----
	events := make(chan model.Event, sinkBuffer)
	fan := bus.New(sinkBuffer, log)
	fan.OnDrop = func(subscriber string) {
		m.FanoutDropsTotal.WithLabelValues(subscriber).Inc()
	}
	inputs := make(map[string]<-chan model.Event, len(sinks))
	for name, sink := range sinks {
		var accept bus.Filter
		if f, ok := sink.(model.EventFilter); ok {
			accept = f.Accepts
		}
		inputs[name] = fan.Subscribe(name, accept)
	}

	// ---- Gateway ----
	hub := gateway.NewHub(gateway.HubConfig{
		Session:          sessionConfig(cfg, vendors, log, m, health),
		DefaultSymbol:    cfg.DefaultSymbol,
		DefaultTimeframe: cfg.DefaultTimeframe,
		Sink:             events,
		Logger:           log,
		Metrics:          m,
		Health:           health,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fan.Run(gctx, events)
		return nil
	})
	g.Go(func() error {
		watchSaturation(gctx, fan, log)
		return nil
	})
	g.Go(func() error {
		alerts.Run(gctx)
		return nil
	})
	for name, sink := range sinks {
		sink := sink
		in := inputs[name]
		g.Go(func() error {
			sink.Run(gctx, in)
			return nil
		})
	}
	g.Go(func() error {
		return metrics.NewServer(cfg.MetricsAddr, health, nil, log).Run(gctx)
	})
	g.Go(func() error {
		return runHTTP(gctx, cfg.ListenAddr, hub, log)
	})

	err := g.Wait()
	log.Info("stopped", "error", err)
	return err
}

// runHTTP serves the gateway until ctx is done. Clients are disconnected
// before the listener shuts down.
func runHTTP(ctx context.Context, addr string, hub *gateway.Hub, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           gateway.NewRouter(hub),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// watchSaturation warns when a sink falls behind.
func watchSaturation(ctx context.Context, fan *bus.FanOut, log *slog.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range fan.ChannelStats() {
				if s.Cap > 0 && s.Len*10 >= s.Cap*8 {
					log.Warn("sink channel saturated", "sink", s.Name, "len", s.Len, "cap", s.Cap)
				}
			}
		}
	}
}
