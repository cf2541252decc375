package postgres

import (
	"time"

	"chartfeed/internal/model"
)

// BarRecord is one archived bar.
type BarRecord struct {
	ID uint `gorm:"primaryKey"`

	Symbol    string `gorm:"type:text;not null;index:idx_bar_symbol_tf_time,unique"`
	Timeframe int    `gorm:"not null;index:idx_bar_symbol_tf_time,unique"`
	Time      int64  `gorm:"not null;index:idx_bar_symbol_tf_time,unique"` // unix seconds, bar start

	Open   float64 `gorm:"type:double precision;not null"`
	High   float64 `gorm:"type:double precision;not null"`
	Low    float64 `gorm:"type:double precision;not null"`
	Close  float64 `gorm:"type:double precision;not null"`
	Volume float64 `gorm:"type:double precision;not null"`

	RecordedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName overrides the default table name for GORM.
func (BarRecord) TableName() string {
	return "bar_record"
}

// ToBarRecord converts a bar of series key into a record for insertion.
func ToBarRecord(key model.SeriesKey, b model.Bar) BarRecord {
	return BarRecord{
		Symbol:    key.Symbol,
		Timeframe: key.Timeframe,
		Time:      b.Time,
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
	}
}

// Bar converts the record back into a model bar.
func (r BarRecord) Bar() model.Bar {
	return model.Bar{Time: r.Time, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
}
