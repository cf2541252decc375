package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chartfeed/config"
	"chartfeed/internal/model"
)

// Archive is the Postgres bar archive. It implements model.BarArchive and
// model.HistoricalFetcher with the same cursor format as the SQLite archive.
type Archive struct {
	DB  *gorm.DB
	log *zap.Logger
}

// Open connects, applies pool settings and migrates the bar table.
func Open(cfg config.PostgresConfig, log *zap.Logger) (*Archive, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve raw DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	a := &Archive{DB: db, log: log.Named("postgres")}
	if err := a.AutoMigrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return a, nil
}

// AutoMigrate creates or updates the bar table.
func (a *Archive) AutoMigrate() error {
	if err := a.DB.AutoMigrate(&BarRecord{}); err != nil {
		return fmt.Errorf("auto-migrate bar table: %w", err)
	}
	return nil
}

// SaveBars upserts bars; a closed bar replaces any earlier version.
func (a *Archive) SaveBars(ctx context.Context, key model.SeriesKey, bars []model.Bar) error {
	records := make([]BarRecord, 0, len(bars))
	for _, b := range bars {
		if b.Valid() {
			records = append(records, ToBarRecord(key, b))
		}
	}
	if len(records) == 0 {
		return nil
	}
	tx := a.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "symbol"},
			{Name: "timeframe"},
			{Name: "time"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "volume", "updated_at"}),
	}).Create(&records)
	if tx.Error != nil {
		return fmt.Errorf("upsert bars: %w", tx.Error)
	}
	return nil
}

func (a *Archive) series(ctx context.Context, key model.SeriesKey) *gorm.DB {
	return a.DB.WithContext(ctx).Model(&BarRecord{}).
		Where("symbol = ? AND timeframe = ?", key.Symbol, key.Timeframe)
}

func parseCursor(raw string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: bad cursor %q: %w", raw, err)
	}
	return model.NormalizeTime(v), nil
}

// Fetch returns a page of bars older than req.Before, ascending.
func (a *Archive) Fetch(ctx context.Context, key model.SeriesKey, req model.FetchRequest) (model.Slice, error) {
	q := a.series(ctx, key)
	if req.Before != "" {
		before, err := parseCursor(req.Before)
		if err != nil {
			return model.Slice{}, err
		}
		q = q.Where("time < ?", before)
	}
	if req.After != "" {
		after, err := parseCursor(req.After)
		if err != nil {
			return model.Slice{}, err
		}
		q = q.Where("time > ?", after)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}

	var records []BarRecord
	if err := q.Order("time DESC").Limit(limit).Find(&records).Error; err != nil {
		return model.Slice{}, fmt.Errorf("query bars: %w", err)
	}
	out := model.Slice{Bars: make([]model.Bar, len(records)), Count: len(records)}
	for i, r := range records {
		out.Bars[len(records)-1-i] = r.Bar()
	}
	if len(records) == 0 {
		return out, nil
	}

	var older int64
	if err := a.series(ctx, key).Where("time < ?", out.Bars[0].Time).Count(&older).Error; err != nil {
		return model.Slice{}, fmt.Errorf("count older bars: %w", err)
	}
	if older > 0 {
		out.NextBefore = strconv.FormatInt(out.Bars[0].Time, 10)
	}
	return out, nil
}

// Prune deletes bars older than cutoff.
func (a *Archive) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx := a.DB.WithContext(ctx).Where("time < ?", cutoff.Unix()).Delete(&BarRecord{})
	if tx.Error != nil {
		return 0, fmt.Errorf("prune bars: %w", tx.Error)
	}
	a.log.Info("pruned bars", zap.Int64("rows", tx.RowsAffected), zap.Time("cutoff", cutoff))
	return tx.RowsAffected, nil
}

// IsHealthy pings the database.
func (a *Archive) IsHealthy(ctx context.Context) bool {
	db, err := a.DB.DB()
	if err != nil {
		return false
	}
	return db.PingContext(ctx) == nil
}

func (a *Archive) Close() error {
	db, err := a.DB.DB()
	if err != nil {
		return fmt.Errorf("failed to retrieve raw DB: %w", err)
	}
	return db.Close()
}
