// Package sqlite archives final candles so a restarted process (or one
// whose vendors are all down) can still backfill real data.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"klinefeed/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // path to SQLite database file, e.g. "data/klines.db"
	Logger *slog.Logger
}

// Writer is a single-goroutine SQLite writer with transaction batching.
type Writer struct {
	db  *sql.DB
	log *slog.Logger

	// OnCommit is called after each committed batch.
	OnCommit func(n int, took time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

func open(path string, conns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	return db, nil
}

// New creates a new SQLite Writer, initializes the database with WAL mode and schema.
func New(cfg WriterConfig) (*Writer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	// Single writer connection.
	db, err := open(cfg.DBPath, 1)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log := cfg.Logger.With("component", "sqlite")
	log.Info("opened database", "path", cfg.DBPath)
	return &Writer{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol TEXT    NOT NULL,
			tf     TEXT    NOT NULL,
			ts     INTEGER NOT NULL,
			open   REAL    NOT NULL,
			high   REAL    NOT NULL,
			low    REAL    NOT NULL,
			close  REAL    NOT NULL,
			volume REAL    NOT NULL,
			PRIMARY KEY (symbol, tf, ts)
		);
	`)
	return err
}

// row is one archived candle.
type row struct {
	symbol string
	tf     string
	c      model.Candle
}

// archivable extracts the real final candles an event carries. Snapshots
// of degraded sessions hold placeholder data and are skipped.
func archivable(ev model.Event) []row {
	switch ev.Type {
	case model.EventLive:
		if ev.Final && ev.Candle != nil {
			return []row{{ev.Symbol, ev.TF, ev.Candle.Candle}}
		}
	case model.EventSnapshot:
		if ev.Degraded {
			return nil
		}
		rows := make([]row, len(ev.Candles))
		for i, a := range ev.Candles {
			rows[i] = row{ev.Symbol, ev.TF, a.Candle}
		}
		return rows
	}
	return nil
}

// Accepts selects the events archivable takes candles from.
func (w *Writer) Accepts(ev *model.Event) bool {
	switch ev.Type {
	case model.EventLive:
		return ev.Final && ev.Candle != nil
	case model.EventSnapshot:
		return !ev.Degraded && len(ev.Candles) > 0
	}
	return false
}

// Run reads events and inserts their final candles in batched transactions.
// Flushes every batchSize candles OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or events is closed.
func (w *Writer) Run(ctx context.Context, events <-chan model.Event) {
	batch := make([]row, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.insertBatch(batch); err != nil {
			w.log.Error("batch insert failed", "candles", len(batch), "error", err)
		} else {
			took := time.Since(start)
			w.log.Debug("committed candles", "candles", len(batch), "took", took)
			if w.OnCommit != nil {
				w.OnCommit(len(batch), took)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case ev, ok := <-events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, archivable(ev)...)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// insertBatch inserts a batch of candles in a single transaction.
func (w *Writer) insertBatch(rows []row) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (symbol, tf, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		c := r.c
		if _, err := stmt.Exec(r.symbol, r.tf, c.Time, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}
