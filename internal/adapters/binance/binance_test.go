package binance

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/nexus-trading/tradecore/internal/execution"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	a := New(Config{RESTURL: srv.URL, APIKey: "key", APISecret: "secret"})
	a.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return a
}

func TestSnapshot(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/24hr", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","lastPrice":"43000.50","priceChangePercent":"-1.25",
			"highPrice":"44000","lowPrice":"42000","quoteVolume":"123456789.1","closeTime":1700000000000}`)
	})

	snap, err := a.Snapshot(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, "BTC/USDT", snap.Symbol)
	assert.InDelta(t, 43000.50, snap.Price, 1e-9)
	assert.InDelta(t, -1.25, snap.PriceChangePct, 1e-9)
	assert.InDelta(t, 44000, snap.High24h, 1e-9)
	assert.Equal(t, "primary-exchange", snap.Source)
	assert.Equal(t, int64(1700000000000), snap.Timestamp.UnixMilli())
}

func TestSeries(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `[
			[1000,"1.0","2.0","0.5","1.5","10",1999,"15",3,"5","7","0"],
			[2000,"1.5","2.5","1.0","2.0","20",2999,"40",4,"8","9","0"]]`)
	})

	c, err := a.Series(context.Background(), "BTCUSDT", "1h", 2)
	require.NoError(t, err)
	require.Len(t, c, 2)
	assert.True(t, c[0].OpenTime.Before(c[1].OpenTime))
	assert.InDelta(t, 2.0, c[1].Close, 1e-9)
	assert.InDelta(t, 20, c[1].Volume, 1e-9)
}

func TestPlaceOrder_SignedMarketOrder(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))

		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		body := string(raw)
		form, err := url.ParseQuery(body)
		assert.NoError(t, err)
		assert.Equal(t, "MARKET", form.Get("type"))
		assert.Equal(t, "BUY", form.Get("side"))
		assert.Equal(t, "0.002", form.Get("quantity"))
		assert.Equal(t, "1700000000000", form.Get("timestamp"))

		sig := form.Get("signature")
		unsigned := body[:len(body)-len("&signature=")-len(sig)]
		assert.Equal(t, Sign("secret", unsigned), sig)

		_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","orderId":42,"status":"FILLED",
			"executedQty":"0.002","cummulativeQuoteQty":"86.00","transactTime":1700000000001,
			"fills":[{"price":"43000","qty":"0.002","commission":"0.0000020"}]}`)
	})

	fill, err := a.PlaceOrder(context.Background(), "BTCUSDT", execution.SideBuy, decimal.RequireFromString("0.002"))
	require.NoError(t, err)
	assert.Equal(t, "42", fill.OrderID)
	assert.True(t, fill.AvgFillPrice.Equal(decimal.NewFromInt(43000)), "got %s", fill.AvgFillPrice)
	assert.True(t, fill.Fee.Equal(decimal.RequireFromString("0.000002")))
}

func TestPlaceOrder_ExchangeErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   string
	}{
		{"insufficient balance", 400, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`, execution.CodeInsufficientBalance},
		{"lot size", 400, `{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`, execution.CodeInvalidQuantity},
		{"other", 400, `{"code":-1121,"msg":"Invalid symbol."}`, execution.CodeRejected},
		{"server", 503, `unavailable`, execution.CodeRejected},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			_, err := a.PlaceOrder(context.Background(), "BTCUSDT", execution.SideSell, decimal.NewFromInt(1))
			require.Error(t, err)
			assert.Equal(t, tc.code, execution.CodeOf(err))
		})
	}
}

func TestPlaceOrder_InsufficientBalanceSentinel(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		_, _ = io.WriteString(w, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`)
	})
	_, err := a.PlaceOrder(context.Background(), "BTCUSDT", execution.SideBuy, decimal.NewFromInt(1))
	assert.True(t, errors.Is(err, execution.ErrInsufficientBalance))
}

func TestPlaceOrder_WithoutCredentials(t *testing.T) {
	a := New(Config{RESTURL: "http://127.0.0.1:1"})
	_, err := a.PlaceOrder(context.Background(), "BTCUSDT", execution.SideBuy, decimal.NewFromInt(1))
	assert.Equal(t, execution.CodeRejected, execution.CodeOf(err))
}

func TestCancelOrder(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		raw, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(raw))
		if form.Get("orderId") != "7" {
			w.WriteHeader(400)
			_, _ = io.WriteString(w, `{"code":-2011,"msg":"Unknown order sent."}`)
			return
		}
		_, _ = io.WriteString(w, `{"orderId":7,"status":"CANCELED"}`)
	})

	require.NoError(t, a.CancelOrder(context.Background(), "BTCUSDT", "7"))
	err := a.CancelOrder(context.Background(), "BTCUSDT", "8")
	assert.Equal(t, execution.CodeUnknownOrder, execution.CodeOf(err))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "BTCUSDT", normalize("btc/usdt"))
	assert.Equal(t, "ETHUSDT", normalize("ETH-USDT"))
}
