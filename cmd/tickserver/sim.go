package main

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"

	"chartfeed/internal/model"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	Price  float64
}

// walk applies a random step of at most ±0.05%.
func walk(rng *rand.Rand, price float64) float64 {
	return price * (1 + (rng.Float64()*0.1-0.05)/100)
}

// barBuilder folds ticks into bars of one timeframe.
type barBuilder struct {
	tf  int64
	cur *model.Bar
}

// add applies t and returns the previous bar when t starts a new bucket.
func (b *barBuilder) add(t model.Tick) *model.Bar {
	sec := model.NormalizeTime(t.Time)
	bucket := sec - sec%b.tf
	if b.cur != nil && bucket < b.cur.Time {
		return nil
	}
	if b.cur != nil && bucket == b.cur.Time {
		b.cur.High = math.Max(b.cur.High, t.Price)
		b.cur.Low = math.Min(b.cur.Low, t.Price)
		b.cur.Close = t.Price
		b.cur.Volume += t.Volume
		return nil
	}
	closed := b.cur
	b.cur = &model.Bar{Time: bucket, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price, Volume: t.Volume}
	return closed
}

func seed(symbol string, tf int, t int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte(strconv.Itoa(tf)))
	h.Write([]byte(strconv.FormatInt(t, 10)))
	return int64(h.Sum64() >> 1)
}

// pathPrice is a deterministic price curve, so repeated history requests
// return identical bars.
func pathPrice(base float64, t int64) float64 {
	x := float64(t)
	return base * (1 + 0.02*math.Sin(x/86400) + 0.005*math.Sin(x/3600) + 0.001*math.Sin(x/300))
}

// syntheticBar returns the history bar of symbol starting at t.
func syntheticBar(symbol string, tf int, t int64, base float64) model.Bar {
	rng := rand.New(rand.NewSource(seed(symbol, tf, t)))
	open, closeP := pathPrice(base, t), pathPrice(base, t+int64(tf))
	wick := base * 0.0005
	return model.Bar{
		Time:   t,
		Open:   open,
		High:   math.Max(open, closeP) + rng.Float64()*wick,
		Low:    math.Min(open, closeP) - rng.Float64()*wick,
		Close:  closeP,
		Volume: float64(rng.Intn(500) + 1),
	}
}

// historyPage returns up to limit bars strictly before `before`, ascending,
// never older than earliest. next is the cursor for the following page, or
// empty when earliest has been reached.
func historyPage(symbol string, tf int, before, earliest int64, limit int, base float64) (bars []model.Bar, next string) {
	step := int64(tf)
	end := before - before%step
	if end == before {
		end -= step
	}
	start := end - int64(limit-1)*step
	if start < earliest {
		start = earliest - earliest%step
		if start < earliest {
			start += step
		}
	}
	for t := start; t <= end; t += step {
		bars = append(bars, syntheticBar(symbol, tf, t, base))
	}
	if len(bars) > 0 && bars[0].Time-step >= earliest {
		next = strconv.FormatInt(bars[0].Time, 10)
	}
	return bars, next
}
