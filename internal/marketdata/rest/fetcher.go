// Package rest fetches historical bar pages over HTTP:
//
//	GET {base}/klines?symbol=EURUSD&tf=60&limit=500&before=1700000040
//
// The response body is {"bars":[...],"next_before":"...","count":N}. Bar and
// cursor times may be seconds or milliseconds.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"chartfeed/internal/model"
)

type wireBar struct {
	Time   float64 `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// cursor accepts a JSON string, number or null.
type cursor string

func (c *cursor) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = cursor(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("next_before: %w", err)
	}
	*c = cursor(n.String())
	return nil
}

type wireSlice struct {
	Bars       []wireBar `json:"bars"`
	NextBefore cursor    `json:"next_before"`
	Count      *int      `json:"count"`
}

// Fetcher implements model.HistoricalFetcher against a klines endpoint.
type Fetcher struct {
	base   *url.URL
	client *http.Client
	log    *zap.Logger
}

// New parses baseURL. A nil client gets a 15s timeout.
func New(baseURL string, client *http.Client, log *zap.Logger) (*Fetcher, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("rest fetcher: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("rest fetcher: unsupported scheme %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{base: u, client: client, log: log.Named("rest")}, nil
}

// Fetch implements model.HistoricalFetcher.
func (f *Fetcher) Fetch(ctx context.Context, key model.SeriesKey, req model.FetchRequest) (model.Slice, error) {
	u := f.base.JoinPath("klines")
	q := u.Query()
	q.Set("symbol", key.Symbol)
	q.Set("tf", strconv.Itoa(key.Timeframe))
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Before != "" {
		q.Set("before", req.Before)
	}
	if req.After != "" {
		q.Set("after", req.After)
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.Slice{}, err
	}
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return model.Slice{}, fmt.Errorf("fetch %s: %w", key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.Slice{}, fmt.Errorf("fetch %s: status %d: %s", key, resp.StatusCode, body)
	}

	var ws wireSlice
	if err := json.NewDecoder(resp.Body).Decode(&ws); err != nil {
		return model.Slice{}, fmt.Errorf("decode %s: %w", key, err)
	}

	out := model.Slice{Bars: make([]model.Bar, 0, len(ws.Bars)), NextBefore: string(ws.NextBefore)}
	for _, b := range ws.Bars {
		out.Bars = append(out.Bars, model.Bar{
			Time: model.NormalizeTimeFloat(b.Time),
			Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
		})
	}
	out.Count = len(out.Bars)
	if ws.Count != nil {
		out.Count = *ws.Count
	}
	f.log.Debug("fetched page",
		zap.String("series", key.String()),
		zap.String("before", req.Before),
		zap.Int("bars", len(out.Bars)),
		zap.Duration("took", time.Since(start)))
	return out, nil
}
