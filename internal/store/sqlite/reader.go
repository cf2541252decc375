package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"chartfeed/internal/model"
)

// Fetch returns up to req.Limit bars older than the req.Before cursor (or
// the newest bars when Before is empty), in ascending order. The cursor is
// the decimal unix time of the oldest returned bar. req.After, when set,
// bounds the page from below (exclusive).
func (a *Archive) Fetch(ctx context.Context, key model.SeriesKey, req model.FetchRequest) (model.Slice, error) {
	before, err := parseCursor(req.Before, 1<<62)
	if err != nil {
		return model.Slice{}, err
	}
	after, err := parseCursor(req.After, -1)
	if err != nil {
		return model.Slice{}, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 500
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT time, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND tf = ? AND time < ? AND time > ?
		ORDER BY time DESC
		LIMIT ?
	`, key.Symbol, key.Timeframe, before, after, limit)
	if err != nil {
		return model.Slice{}, fmt.Errorf("sqlite query bars: %w", err)
	}
	bars, err := scanBars(rows)
	if err != nil {
		return model.Slice{}, err
	}
	reverse(bars)

	out := model.Slice{Bars: bars, Count: len(bars)}
	if len(bars) == 0 {
		return out, nil
	}
	var more bool
	err = a.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM bars WHERE symbol = ? AND tf = ? AND time < ? AND time > ?)
	`, key.Symbol, key.Timeframe, bars[0].Time, after).Scan(&more)
	if err != nil {
		return model.Slice{}, fmt.Errorf("sqlite query older: %w", err)
	}
	if more {
		out.NextBefore = strconv.FormatInt(bars[0].Time, 10)
	}
	return out, nil
}

// ReadRange returns every bar with from <= time < to in ascending order.
func (a *Archive) ReadRange(ctx context.Context, key model.SeriesKey, from, to int64) ([]model.Bar, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT time, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND tf = ? AND time >= ? AND time < ?
		ORDER BY time ASC
	`, key.Symbol, key.Timeframe, from, to)
	if err != nil {
		return nil, fmt.Errorf("sqlite query range: %w", err)
	}
	return scanBars(rows)
}

// LastTime returns the newest archived bar time for key, or 0.
func (a *Archive) LastTime(ctx context.Context, key model.SeriesKey) (int64, error) {
	var ts sql.NullInt64
	err := a.db.QueryRowContext(ctx,
		`SELECT MAX(time) FROM bars WHERE symbol = ? AND tf = ?`,
		key.Symbol, key.Timeframe,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

func scanBars(rows *sql.Rows) ([]model.Bar, error) {
	defer rows.Close()
	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		if err := rows.Scan(&b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

func parseCursor(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sqlite: bad cursor %q: %w", s, err)
	}
	return model.NormalizeTime(v), nil
}

func reverse(bars []model.Bar) {
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
}
