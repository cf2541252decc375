package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"chartfeed/config"
	"chartfeed/internal/model"
)

func TestBarRecord_RoundTrip(t *testing.T) {
	key := model.SeriesKey{Symbol: "EURUSD", Timeframe: 60}
	b := model.Bar{Time: 1_700_000_040, Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15, Volume: 42}
	r := ToBarRecord(key, b)
	if r.Symbol != "EURUSD" || r.Timeframe != 60 || r.Time != b.Time {
		t.Errorf("unexpected record %+v", r)
	}
	if r.Bar() != b {
		t.Errorf("round trip lost data: %+v", r.Bar())
	}
	if (BarRecord{}).TableName() != "bar_record" {
		t.Error("unexpected table name")
	}
}

// Runs against a real server when CHARTFEED_TEST_POSTGRES_DSN is set, e.g.
// "host=localhost user=postgres password=postgres dbname=chartfeed sslmode=disable".
func TestArchive_Postgres(t *testing.T) {
	dsn := os.Getenv("CHARTFEED_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHARTFEED_TEST_POSTGRES_DSN not set")
	}
	a, err := Open(config.PostgresConfig{DSN: dsn}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	ctx := context.Background()
	key := model.SeriesKey{Symbol: "TESTPG" + time.Now().Format("150405"), Timeframe: 60}

	bars := make([]model.Bar, 12)
	for i := range bars {
		bars[i] = model.Bar{Time: int64(2000+i) * 60, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 1}
	}
	if err := a.SaveBars(ctx, key, bars); err != nil {
		t.Fatal(err)
	}
	bars[11].Close = 1.9
	if err := a.SaveBars(ctx, key, bars[11:]); err != nil {
		t.Fatal(err)
	}

	page, err := a.Fetch(ctx, key, model.FetchRequest{Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if page.Count != 5 || page.Bars[4].Close != 1.9 || !page.HasMore() {
		t.Errorf("unexpected first page %+v", page)
	}
	page, err = a.Fetch(ctx, key, model.FetchRequest{Limit: 50, Before: page.NextBefore})
	if err != nil {
		t.Fatal(err)
	}
	if page.Count != 7 || page.HasMore() {
		t.Errorf("unexpected second page count=%d more=%v", page.Count, page.HasMore())
	}
	if _, err := a.Prune(ctx, time.Unix(2012*60, 0)); err != nil {
		t.Fatal(err)
	}
}
