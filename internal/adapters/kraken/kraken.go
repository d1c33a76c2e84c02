// Package kraken is the secondary exchange: public ticker and OHLC data.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nexus-trading/tradecore/internal/adapters"
	"github.com/nexus-trading/tradecore/internal/market"
)

// DefaultRESTURL is the public REST endpoint.
const DefaultRESTURL = "https://api.kraken.com"

// Kraken returns at most 720 OHLC rows per request.
const maxOHLC = 720

// intervalMinutes maps common interval notation to Kraken's minute counts.
var intervalMinutes = map[string]int{
	"1m":  1,
	"5m":  5,
	"15m": 15,
	"30m": 30,
	"1h":  60,
	"4h":  240,
	"1d":  1440,
	"1w":  10080,
}

// Adapter implements market.Gateway for Kraken.
type Adapter struct {
	rest *adapters.Client
	now  func() time.Time
}

var _ market.Gateway = (*Adapter)(nil)

// New creates a Kraken adapter.
func New(restURL string, opts ...adapters.ClientOption) *Adapter {
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	opts = append([]adapters.ClientOption{adapters.WithResponseDecoder(decodeEnvelope)}, opts...)
	return &Adapter{
		rest: adapters.NewClient("kraken", restURL, opts...),
		now:  time.Now,
	}
}

func (a *Adapter) Name() string { return "kraken" }

// Stats exposes the REST client counters.
func (a *Adapter) Stats() adapters.Stats { return a.rest.Stats() }

// envelope is Kraken's response wrapper. Errors arrive with HTTP 200.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func decodeEnvelope(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	if len(env.Error) > 0 {
		return &adapters.APIError{Provider: "kraken", Status: 200, Msg: strings.Join(env.Error, "; ")}
	}
	if len(env.Result) == 0 {
		return fmt.Errorf("empty result")
	}
	return json.Unmarshal(env.Result, out)
}

type tickerInfo struct {
	Close  []string `json:"c"` // [price, lot volume]
	Volume []string `json:"v"` // [today, last 24h]
	High   []string `json:"h"`
	Low    []string `json:"l"`
	Open   string   `json:"o"`
}

// Snapshot fetches the ticker. Volume is converted to quote units.
func (a *Adapter) Snapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	var result map[string]tickerInfo
	if err := a.rest.Get(ctx, "/0/public/Ticker", url.Values{"pair": {Pair(symbol)}}, &result); err != nil {
		return market.Snapshot{}, err
	}
	var t tickerInfo
	found := false
	for _, v := range result {
		t, found = v, true
		break
	}
	if !found || len(t.Close) == 0 {
		return market.Snapshot{}, fmt.Errorf("kraken: %w for %s", market.ErrNoData, symbol)
	}

	price, err := strconv.ParseFloat(t.Close[0], 64)
	if err != nil || price <= 0 {
		return market.Snapshot{}, fmt.Errorf("kraken: %w: bad price %q", market.ErrNoData, t.Close[0])
	}
	open := adapters.MustFloat(t.Open)
	change := 0.0
	if open > 0 {
		change = (price - open) / open * 100
	}
	return market.Snapshot{
		Symbol:         symbol,
		Price:          price,
		PriceChangePct: change,
		Volume:         last(t.Volume) * price,
		High24h:        last(t.High),
		Low24h:         last(t.Low),
		Source:         string(market.SourceSecondary),
		Timestamp:      a.now(),
	}, nil
}

// Series fetches OHLC rows and keeps the newest limit.
func (a *Adapter) Series(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	minutes, ok := intervalMinutes[interval]
	if !ok {
		return nil, fmt.Errorf("kraken: unsupported interval %q", interval)
	}
	if limit <= 0 || limit > maxOHLC {
		limit = maxOHLC
	}

	var result map[string]json.RawMessage
	q := url.Values{"pair": {Pair(symbol)}, "interval": {strconv.Itoa(minutes)}}
	if err := a.rest.Get(ctx, "/0/public/OHLC", q, &result); err != nil {
		return nil, err
	}

	var rows [][]any
	for key, raw := range result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("kraken: decode OHLC: %w", err)
		}
		break
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("kraken: %w for %s", market.ErrNoData, symbol)
	}

	step := time.Duration(minutes) * time.Minute
	out := make([]market.Candle, 0, len(rows))
	for i, r := range rows {
		if len(r) < 7 {
			return nil, fmt.Errorf("kraken: OHLC row %d: short row", i)
		}
		var f [7]float64
		for j := 0; j < 7; j++ {
			v, err := adapters.ParseFloat(r[j])
			if err != nil {
				return nil, fmt.Errorf("kraken: OHLC row %d field %d: %w", i, j, err)
			}
			f[j] = v
		}
		openTime := time.Unix(int64(f[0]), 0)
		out = append(out, market.Candle{
			OpenTime:  openTime,
			Open:      f[1],
			High:      f[2],
			Low:       f[3],
			Close:     f[4],
			Volume:    f[6], // index 5 is vwap
			CloseTime: openTime.Add(step - time.Millisecond),
		})
	}
	out = market.SortSeries(out)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Pair converts a symbol to Kraken's pair naming: BTC is XBT.
func Pair(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	if strings.HasPrefix(s, "BTC") {
		s = "XBT" + s[3:]
	}
	return s
}

// Intervals lists supported interval strings, sorted by duration.
func Intervals() []string {
	out := make([]string, 0, len(intervalMinutes))
	for k := range intervalMinutes {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return intervalMinutes[out[i]] < intervalMinutes[out[j]] })
	return out
}

func last(v []string) float64 {
	if len(v) == 0 {
		return 0
	}
	return adapters.MustFloat(v[len(v)-1])
}
