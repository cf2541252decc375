package main

import (
	"testing"

	"chartfeed/internal/model"
)

func TestBarBuilder(t *testing.T) {
	b := &barBuilder{tf: 60}
	if closed := b.add(model.Tick{Time: 1_700_000_040_500, Price: 10, Volume: 1}); closed != nil {
		t.Fatalf("first tick closed a bar: %+v", closed)
	}
	b.add(model.Tick{Time: 1_700_000_050, Price: 12, Volume: 2})
	b.add(model.Tick{Time: 1_700_000_099, Price: 9, Volume: 1})
	if closed := b.add(model.Tick{Time: 1_700_000_030, Price: 50, Volume: 1}); closed != nil {
		t.Error("a tick from an older bucket must be ignored")
	}

	closed := b.add(model.Tick{Time: 1_700_000_100, Price: 11, Volume: 4})
	want := model.Bar{Time: 1_700_000_040, Open: 10, High: 12, Low: 9, Close: 9, Volume: 4}
	if closed == nil || *closed != want {
		t.Fatalf("closed = %+v, want %+v", closed, want)
	}
	if b.cur.Time != 1_700_000_100 || b.cur.Open != 11 {
		t.Errorf("new bar not started: %+v", b.cur)
	}
}

func TestSyntheticBar_ValidAndDeterministic(t *testing.T) {
	for i := int64(0); i < 200; i++ {
		bar := syntheticBar("EURUSD", 60, 1_700_000_040+i*60, 1.08)
		if !bar.Valid() {
			t.Fatalf("invalid bar %+v", bar)
		}
		if again := syntheticBar("EURUSD", 60, bar.Time, 1.08); again != bar {
			t.Fatalf("bar at %d not deterministic", bar.Time)
		}
	}
}

func TestHistoryPage(t *testing.T) {
	const tf = 60
	earliest := int64(1_700_000_040)
	before := earliest + 250*tf + 30

	bars, next := historyPage("EURUSD", tf, before, earliest, 100, 1.08)
	if len(bars) != 100 {
		t.Fatalf("expected 100 bars, got %d", len(bars))
	}
	if last := bars[99].Time; last != earliest+250*tf {
		t.Errorf("last bar %d should be the bucket containing before", last)
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Time-bars[i-1].Time != tf {
			t.Fatalf("gap at %d", i)
		}
	}
	if next != "1700009100" {
		t.Errorf("unexpected cursor %q", next)
	}

	total := len(bars)
	for next != "" {
		var nb int64
		for _, c := range next {
			nb = nb*10 + int64(c-'0')
		}
		bars, next = historyPage("EURUSD", tf, nb, earliest, 100, 1.08)
		total += len(bars)
	}
	if total != 251 {
		t.Errorf("expected 251 bars down to earliest, got %d", total)
	}
	if bars[0].Time != earliest {
		t.Errorf("oldest bar %d, want %d", bars[0].Time, earliest)
	}
}
