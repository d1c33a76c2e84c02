// Package cryptocompare is the commercial data feed.
package cryptocompare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nexus-trading/tradecore/internal/adapters"
	"github.com/nexus-trading/tradecore/internal/market"
)

// DefaultRESTURL is the public API endpoint.
const DefaultRESTURL = "https://min-api.cryptocompare.com"

const maxHistory = 2000

// quotes are matched longest first when splitting a pair symbol.
var quotes = []string{"USDT", "USDC", "BUSD", "USD", "EUR", "BTC", "ETH"}

type histo struct {
	path      string
	aggregate int
	step      time.Duration
}

var intervals = map[string]histo{
	"1m":  {"/data/v2/histominute", 1, time.Minute},
	"5m":  {"/data/v2/histominute", 5, 5 * time.Minute},
	"15m": {"/data/v2/histominute", 15, 15 * time.Minute},
	"30m": {"/data/v2/histominute", 30, 30 * time.Minute},
	"1h":  {"/data/v2/histohour", 1, time.Hour},
	"4h":  {"/data/v2/histohour", 4, 4 * time.Hour},
	"1d":  {"/data/v2/histoday", 1, 24 * time.Hour},
}

// Adapter implements market.Gateway for CryptoCompare.
type Adapter struct {
	rest *adapters.Client
}

var _ market.Gateway = (*Adapter)(nil)

// New creates a CryptoCompare adapter. apiKey may be empty for the free tier.
func New(restURL, apiKey string, opts ...adapters.ClientOption) *Adapter {
	if restURL == "" {
		restURL = DefaultRESTURL
	}
	base := []adapters.ClientOption{adapters.WithResponseDecoder(decodeResponse)}
	if apiKey != "" {
		base = append(base, adapters.WithHeader("authorization", "Apikey "+apiKey))
	}
	return &Adapter{rest: adapters.NewClient("cryptocompare", restURL, append(base, opts...)...)}
}

func (a *Adapter) Name() string { return "cryptocompare" }

// Stats exposes the REST client counters.
func (a *Adapter) Stats() adapters.Stats { return a.rest.Stats() }

// decodeResponse surfaces {"Response":"Error"} bodies, which arrive as 200s.
func decodeResponse(body []byte, out any) error {
	var status struct {
		Response string `json:"Response"`
		Message  string `json:"Message"`
	}
	if err := json.Unmarshal(body, &status); err == nil && status.Response == "Error" {
		return &adapters.APIError{Provider: "cryptocompare", Status: 200, Msg: status.Message}
	}
	return json.Unmarshal(body, out)
}

type rawQuote struct {
	Price      float64 `json:"PRICE"`
	ChangePct  float64 `json:"CHANGEPCT24HOUR"`
	VolumeTo   float64 `json:"VOLUME24HOURTO"`
	High       float64 `json:"HIGH24HOUR"`
	Low        float64 `json:"LOW24HOUR"`
	LastUpdate int64   `json:"LASTUPDATE"`
}

// Snapshot fetches full price data for the pair.
func (a *Adapter) Snapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return market.Snapshot{}, err
	}
	var resp struct {
		Raw map[string]map[string]rawQuote `json:"RAW"`
	}
	q := url.Values{"fsyms": {base}, "tsyms": {quote}}
	if err := a.rest.Get(ctx, "/data/pricemultifull", q, &resp); err != nil {
		return market.Snapshot{}, err
	}
	r, ok := resp.Raw[base][quote]
	if !ok || r.Price <= 0 {
		return market.Snapshot{}, fmt.Errorf("cryptocompare: %w for %s", market.ErrNoData, symbol)
	}
	ts := time.Unix(r.LastUpdate, 0)
	if r.LastUpdate == 0 {
		ts = time.Now()
	}
	return market.Snapshot{
		Symbol:         symbol,
		Price:          r.Price,
		PriceChangePct: r.ChangePct,
		Volume:         r.VolumeTo,
		High24h:        r.High,
		Low24h:         r.Low,
		Source:         string(market.SourceCommercial),
		Timestamp:      ts,
	}, nil
}

type histoRow struct {
	Time     int64   `json:"time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	VolumeTo float64 `json:"volumeto"`
}

// Series fetches historical bars. Volume is in quote units.
func (a *Adapter) Series(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	h, ok := intervals[interval]
	if !ok {
		return nil, fmt.Errorf("cryptocompare: unsupported interval %q", interval)
	}
	base, quote, err := SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}

	var resp struct {
		Data struct {
			Data []histoRow `json:"Data"`
		} `json:"Data"`
	}
	q := url.Values{
		"fsym":      {base},
		"tsym":      {quote},
		"limit":     {strconv.Itoa(limit)},
		"aggregate": {strconv.Itoa(h.aggregate)},
	}
	if err := a.rest.Get(ctx, h.path, q, &resp); err != nil {
		return nil, err
	}

	out := make([]market.Candle, 0, len(resp.Data.Data))
	for _, r := range resp.Data.Data {
		// Leading zero rows cover time before the pair existed.
		if r.Close == 0 && r.Open == 0 {
			continue
		}
		open := time.Unix(r.Time, 0)
		out = append(out, market.Candle{
			OpenTime:  open,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.VolumeTo,
			CloseTime: open.Add(h.step - time.Millisecond),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("cryptocompare: %w for %s", market.ErrNoData, symbol)
	}
	out = market.SortSeries(out)
	// the API returns limit+1 rows
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// SplitSymbol splits "BTCUSDT" or "BTC/USDT" into base and quote.
func SplitSymbol(symbol string) (string, string, error) {
	s := strings.ToUpper(symbol)
	for _, sep := range []string{"/", "-"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return parts[0], parts[1], nil
		}
	}
	for _, q := range quotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, nil
		}
	}
	return "", "", fmt.Errorf("cryptocompare: cannot split symbol %q", symbol)
}
