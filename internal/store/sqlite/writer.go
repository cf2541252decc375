package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chartfeed/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Archive stores closed bars in SQLite and serves them back as historical
// pages. It implements model.BarArchive and model.HistoricalFetcher.
type Archive struct {
	db  *sql.DB
	log *zap.Logger
}

// DB returns the underlying sql.DB for health checks.
func (a *Archive) DB() *sql.DB { return a.db }

// Open opens (or creates) the archive at path with WAL mode and the schema.
// Use ":memory:" for a throwaway database.
func Open(path string, log *zap.Logger) (*Archive, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log = log.Named("sqlite")
	log.Info("opened archive", zap.String("path", path))
	return &Archive{db: db, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol  TEXT    NOT NULL,
			tf      INTEGER NOT NULL,
			time    INTEGER NOT NULL,
			open    REAL    NOT NULL,
			high    REAL    NOT NULL,
			low     REAL    NOT NULL,
			close   REAL    NOT NULL,
			volume  REAL    NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, tf, time)
		);
	`)
	return err
}

// SaveBars upserts bars for key in a single transaction. Invalid bars are
// skipped.
func (a *Archive) SaveBars(ctx context.Context, key model.SeriesKey, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO bars (symbol, tf, time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	saved := 0
	for _, b := range bars {
		if !b.Valid() {
			continue
		}
		if _, err := stmt.ExecContext(ctx, key.Symbol, key.Timeframe, b.Time, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert bar %d: %w", b.Time, err)
		}
		saved++
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	a.log.Debug("saved bars", zap.String("series", key.String()), zap.Int("count", saved))
	return nil
}

// Prune deletes bars older than cutoff across all series and returns how
// many rows were removed.
func (a *Archive) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, `DELETE FROM bars WHERE time < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite prune: %w", err)
	}
	n, _ := res.RowsAffected()
	a.log.Info("pruned bars", zap.Int64("rows", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
