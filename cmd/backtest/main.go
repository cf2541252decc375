// cmd/backtest runs the indicator engine over bars archived in SQLite and
// prints the last rows of every indicator series. It is useful for checking
// indicator output against another charting tool without a live feed.
//
// Usage:
//
//	go run ./cmd/backtest --db=data/bars.db --symbol=EURUSD --tf=60 \
//	    --indicators=SMA:20,EMA:9,RSI:14,MACD:12:26:9 --rows=20
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"chartfeed/config"
	"chartfeed/internal/indicator"
	"chartfeed/internal/logger"
	"chartfeed/internal/markethours"
	"chartfeed/internal/model"
	sqlitestore "chartfeed/internal/store/sqlite"
)

func main() {
	dbPath := flag.String("db", "data/bars.db", "Path to SQLite archive")
	symbol := flag.String("symbol", "EURUSD", "Symbol")
	tf := flag.Int("tf", 60, "Timeframe in seconds")
	from := flag.Int64("from", 0, "Unix time to start from (0=all)")
	to := flag.Int64("to", 0, "Unix time to stop before (0=now)")
	specs := flag.String("indicators", "SMA:20,EMA:9,RSI:14", "Comma-separated indicator specs TYPE:p1:p2")
	market := flag.String("market", "24x7", "Session calendar: 24x7 or nse")
	rows := flag.Int("rows", 10, "Rows printed per series")
	flag.Parse()

	log, err := logger.New(config.LogConfig{Level: "info", Format: "console", Service: "backtest"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	key, err := model.NewSeriesKey(*symbol, *tf)
	if err != nil {
		log.Fatal("bad series", zap.Error(err))
	}
	configs, err := indicator.ParseSpecs(strings.Split(*specs, ","))
	if err != nil {
		log.Fatal("bad indicators", zap.Error(err))
	}
	cal := markethours.TwentyFourSeven()
	if strings.EqualFold(*market, "nse") {
		cal = markethours.NSE()
	}
	engine, err := indicator.NewEngine(configs, cal.Env(key.Timeframe))
	if err != nil {
		log.Fatal("engine init failed", zap.Error(err))
	}

	archive, err := sqlitestore.Open(*dbPath, log)
	if err != nil {
		log.Fatal("sqlite open failed", zap.Error(err))
	}
	defer archive.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	end := *to
	if end <= 0 {
		end = time.Now().Unix() + int64(key.Timeframe)
	}
	start := time.Now()
	bars, err := archive.ReadRange(ctx, key, *from, end)
	if err != nil {
		log.Fatal("read archive", zap.Error(err))
	}
	if len(bars) == 0 {
		log.Warn("no bars archived", zap.String("series", key.String()))
		return
	}
	engine.Rebuild(bars)
	series := engine.Series()

	log.Info("backtest complete",
		zap.String("series", key.String()),
		zap.Int("bars", len(bars)),
		zap.Int("indicators", len(series)),
		zap.Duration("elapsed", time.Since(start)),
	)
	writeReport(os.Stdout, key, bars, series, *rows)
}
