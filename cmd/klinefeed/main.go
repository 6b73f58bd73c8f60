// Command klinefeed serves indicator-augmented candle charts over websocket
// and prints one-shot snapshots from the command line.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"klinefeed/config"
	"klinefeed/internal/indicator"
	"klinefeed/internal/logger"
	"klinefeed/internal/marketdata/pipeline"
	"klinefeed/internal/markethours"
	"klinefeed/internal/metrics"
	"klinefeed/internal/session"

	"github.com/spf13/cobra"
)

const service = "klinefeed"

var rootCmd = &cobra.Command{
	Use:           service,
	Short:         "Candle charts with live EMA, TEMA and volume indicators",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().String("config", "klinefeed.yaml", "YAML config file; missing is fine")
	rootCmd.PersistentFlags().String("log-level", "", "override log_level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd, snapshotCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config and builds the process
// logger, writing to w. --log-level overrides the configured level.
func loadConfig(cmd *cobra.Command, w io.Writer) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(logger.Options{Service: service, Level: level, Format: cfg.LogFormat, Output: w})
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func vendorConfig(cfg *config.Config) pipeline.VendorConfig {
	return pipeline.VendorConfig{
		BinanceREST:         cfg.BinanceRESTURL,
		BinanceWS:           cfg.BinanceWSURL,
		YahooURL:            cfg.YahooURL,
		PolygonAPIKey:       cfg.PolygonAPIKey,
		MaxPollInterval:     cfg.MaxPollInterval,
		MarketOpen:          markethours.IsMarketOpen,
		BreakerMaxFailures:  cfg.BreakerMaxFailures,
		BreakerResetTimeout: cfg.BreakerResetTimeout,
		PlaceholderCount:    cfg.PlaceholderCount,
	}
}

func sessionConfig(cfg *config.Config, r pipeline.Resolver, log *slog.Logger, m *metrics.Metrics, health *metrics.HealthStatus) session.Config {
	return session.Config{
		Resolver: r,
		Pipeline: pipeline.Config{
			BackfillLimit:   cfg.BackfillLimit,
			BackfillTimeout: cfg.BackfillTimeout,
			ReconnectDelay:  cfg.ReconnectDelay,
		},
		Indicators:  indicator.DefaultSetConfig(),
		StoreMaxLen: cfg.StoreMaxLen,
		Logger:      log,
		Metrics:     m,
		Health:      health,
	}
}
