// Package binance is the primary exchange: public market data plus a signed
// order gateway on the spot REST API.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nexus-trading/tradecore/internal/adapters"
	"github.com/nexus-trading/tradecore/internal/execution"
	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// DefaultRESTURL is the production spot endpoint.
const DefaultRESTURL = "https://api.binance.com"

const maxKlines = 1000

// Config holds connection settings. Keys are only needed for orders.
type Config struct {
	RESTURL    string
	APIKey     string
	APISecret  string
	RecvWindow time.Duration
}

// Adapter implements market.Gateway and execution.Gateway for Binance.
type Adapter struct {
	rest       *adapters.Client
	apiKey     string
	apiSecret  string
	recvWindow int64
	now        func() time.Time
}

var (
	_ market.Gateway    = (*Adapter)(nil)
	_ execution.Gateway = (*Adapter)(nil)
)

// New creates a Binance adapter.
func New(cfg Config, opts ...adapters.ClientOption) *Adapter {
	if cfg.RESTURL == "" {
		cfg.RESTURL = DefaultRESTURL
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	opts = append([]adapters.ClientOption{adapters.WithErrorDecoder(decodeError)}, opts...)
	return &Adapter{
		rest:       adapters.NewClient("binance", cfg.RESTURL, opts...),
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		recvWindow: cfg.RecvWindow.Milliseconds(),
		now:        time.Now,
	}
}

func (a *Adapter) Name() string { return "binance" }

// Stats exposes the REST client counters.
func (a *Adapter) Stats() adapters.Stats { return a.rest.Stats() }

type ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	QuoteVolume        string `json:"quoteVolume"`
	CloseTime          int64  `json:"closeTime"`
}

// Snapshot fetches the rolling 24h ticker.
func (a *Adapter) Snapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	var t ticker24h
	q := url.Values{"symbol": {normalize(symbol)}}
	if err := a.rest.Get(ctx, "/api/v3/ticker/24hr", q, &t); err != nil {
		return market.Snapshot{}, err
	}
	price, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil || price <= 0 {
		return market.Snapshot{}, fmt.Errorf("binance: %w: bad lastPrice %q", market.ErrNoData, t.LastPrice)
	}
	ts := time.UnixMilli(t.CloseTime)
	if t.CloseTime == 0 {
		ts = a.now()
	}
	return market.Snapshot{
		Symbol:         symbol,
		Price:          price,
		PriceChangePct: adapters.MustFloat(t.PriceChangePercent),
		Volume:         adapters.MustFloat(t.QuoteVolume),
		High24h:        adapters.MustFloat(t.HighPrice),
		Low24h:         adapters.MustFloat(t.LowPrice),
		Source:         string(market.SourcePrimary),
		Timestamp:      ts,
	}, nil
}

// Series fetches klines. Binance returns them oldest first already.
func (a *Adapter) Series(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	if limit <= 0 || limit > maxKlines {
		limit = maxKlines
	}
	var rows [][]any
	q := url.Values{
		"symbol":   {normalize(symbol)},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := a.rest.Get(ctx, "/api/v3/klines", q, &rows); err != nil {
		return nil, err
	}

	out := make([]market.Candle, 0, len(rows))
	for i, r := range rows {
		c, err := parseKline(r)
		if err != nil {
			return nil, fmt.Errorf("binance: kline %d: %w", i, err)
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("binance: %w for %s", market.ErrNoData, symbol)
	}
	return market.SortSeries(out), nil
}

func parseKline(r []any) (market.Candle, error) {
	if len(r) < 7 {
		return market.Candle{}, fmt.Errorf("short row (%d fields)", len(r))
	}
	var f [7]float64
	for i := 0; i < 7; i++ {
		v, err := adapters.ParseFloat(r[i])
		if err != nil {
			return market.Candle{}, fmt.Errorf("field %d: %w", i, err)
		}
		f[i] = v
	}
	return market.Candle{
		OpenTime:  time.UnixMilli(int64(f[0])),
		Open:      f[1],
		High:      f[2],
		Low:       f[3],
		Close:     f[4],
		Volume:    f[5],
		CloseTime: time.UnixMilli(int64(f[6])),
	}, nil
}

type orderFill struct {
	Price      string `json:"price"`
	Qty        string `json:"qty"`
	Commission string `json:"commission"`
}

type orderResponse struct {
	Symbol              string      `json:"symbol"`
	OrderID             int64       `json:"orderId"`
	Status              string      `json:"status"`
	ExecutedQty         string      `json:"executedQty"`
	CummulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	TransactTime        int64       `json:"transactTime"`
	Fills               []orderFill `json:"fills"`
}

// PlaceOrder submits a MARKET order and reports the aggregate fill.
func (a *Adapter) PlaceOrder(ctx context.Context, symbol string, side execution.Side, qty decimal.Decimal) (execution.Fill, error) {
	if !side.Valid() {
		return execution.Fill{}, execution.NewOrderError(execution.CodeInvalidSide, fmt.Sprintf("unsupported side %q", side))
	}
	if !qty.IsPositive() {
		return execution.Fill{}, execution.NewOrderError(execution.CodeInvalidQuantity, "quantity must be positive")
	}

	params := url.Values{
		"symbol":           {normalize(symbol)},
		"side":             {string(side)},
		"type":             {"MARKET"},
		"quantity":         {qty.String()},
		"newOrderRespType": {"FULL"},
	}
	var resp orderResponse
	if err := a.signed(ctx, http.MethodPost, "/api/v3/order", params, &resp); err != nil {
		return execution.Fill{}, toOrderError(err)
	}

	executed, _ := decimal.NewFromString(resp.ExecutedQty)
	quote, _ := decimal.NewFromString(resp.CummulativeQuoteQty)
	if !executed.IsPositive() {
		return execution.Fill{}, execution.NewOrderError(execution.CodeRejected,
			fmt.Sprintf("order %d not filled (status %s)", resp.OrderID, resp.Status))
	}

	fee := decimal.Zero
	for _, f := range resp.Fills {
		c, err := decimal.NewFromString(f.Commission)
		if err == nil {
			fee = fee.Add(c)
		}
	}
	ts := time.UnixMilli(resp.TransactTime)
	if resp.TransactTime == 0 {
		ts = a.now()
	}

	fill := execution.Fill{
		OrderID:      strconv.FormatInt(resp.OrderID, 10),
		Symbol:       symbol,
		Side:         side,
		ExecutedQty:  executed,
		AvgFillPrice: quote.Div(executed),
		Fee:          fee,
		Timestamp:    ts,
	}
	log.Info().
		Str("exchange", "binance").
		Str("order_id", fill.OrderID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("qty", executed.String()).
		Str("avg_price", fill.AvgFillPrice.String()).
		Msg("order filled")
	return fill, nil
}

// CancelOrder cancels an open order by exchange ID.
func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{
		"symbol":  {normalize(symbol)},
		"orderId": {orderID},
	}
	if err := a.signed(ctx, http.MethodDelete, "/api/v3/order", params, nil); err != nil {
		return toOrderError(err)
	}
	return nil
}

// signed sends params as a form body with timestamp and HMAC-SHA256 signature
// appended last.
func (a *Adapter) signed(ctx context.Context, method, path string, params url.Values, out any) error {
	if a.apiKey == "" || a.apiSecret == "" {
		return execution.NewOrderError(execution.CodeRejected, "binance credentials not configured")
	}
	params.Set("timestamp", strconv.FormatInt(a.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(a.recvWindow, 10))
	payload := params.Encode()
	body := payload + "&signature=" + Sign(a.apiSecret, payload)

	headers := map[string]string{
		"X-MBX-APIKEY": a.apiKey,
		"Content-Type": "application/x-www-form-urlencoded",
	}
	return a.rest.Do(ctx, method, path, nil, []byte(body), headers, out)
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func decodeError(provider string, status int, body []byte) error {
	var e struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Msg == "" {
		return adapters.DefaultErrorDecoder(provider, status, body)
	}
	return &adapters.APIError{Provider: provider, Status: status, Code: strconv.Itoa(e.Code), Msg: e.Msg}
}

// toOrderError maps transport and exchange failures to reason codes.
func toOrderError(err error) error {
	var oe *execution.OrderError
	if errors.As(err, &oe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &execution.OrderError{Code: execution.CodeTimeout, Reason: "request timed out", Err: err}
	}
	var api *adapters.APIError
	if !errors.As(err, &api) {
		return &execution.OrderError{Code: execution.CodeTransport, Reason: "binance unreachable", Err: err}
	}

	code := execution.CodeRejected
	switch {
	case api.Code == "-2010" && strings.Contains(strings.ToLower(api.Msg), "insufficient balance"):
		return &execution.OrderError{Code: execution.CodeInsufficientBalance, Reason: api.Msg, Err: execution.ErrInsufficientBalance}
	case api.Code == "-2011" || api.Code == "-2013":
		return &execution.OrderError{Code: execution.CodeUnknownOrder, Reason: api.Msg, Err: execution.ErrUnknownOrder}
	case api.Code == "-1013" || api.Code == "-1111" || api.Code == "-1100":
		code = execution.CodeInvalidQuantity
	case api.Status == http.StatusTooManyRequests || api.Status == http.StatusTeapot:
		code = execution.CodeTransport
	}
	return &execution.OrderError{Code: code, Reason: api.Msg, Err: api}
}

// normalize turns "BTC/USDT" or "btc-usdt" into "BTCUSDT".
func normalize(symbol string) string {
	s := strings.ToUpper(symbol)
	s = strings.ReplaceAll(s, "/", "")
	return strings.ReplaceAll(s, "-", "")
}
