package cryptocompare

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nexus-trading/tradecore/internal/adapters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/pricemultifull", r.URL.Path)
		assert.Equal(t, "Apikey k1", r.Header.Get("authorization"))
		assert.Equal(t, "ETH", r.URL.Query().Get("fsyms"))
		assert.Equal(t, "USDT", r.URL.Query().Get("tsyms"))
		_, _ = io.WriteString(w, `{"RAW":{"ETH":{"USDT":{"PRICE":2000.5,"CHANGEPCT24HOUR":2.5,
			"VOLUME24HOURTO":1000000,"HIGH24HOUR":2100,"LOW24HOUR":1900,"LASTUPDATE":1700000000}}}}`)
	}))
	defer srv.Close()

	a := New(srv.URL, "k1")
	snap, err := a.Snapshot(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 2000.5, snap.Price, 1e-9)
	assert.InDelta(t, 2.5, snap.PriceChangePct, 1e-9)
	assert.Equal(t, "commercial-feed", snap.Source)
	assert.Equal(t, int64(1700000000), snap.Timestamp.Unix())
}

func TestSnapshot_ErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"Response":"Error","Message":"rate limit"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Snapshot(context.Background(), "BTCUSDT")
	var api *adapters.APIError
	require.ErrorAs(t, err, &api)
	assert.Equal(t, "rate limit", api.Msg)
}

func TestSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data/v2/histohour", r.URL.Path)
		assert.Equal(t, "4", r.URL.Query().Get("aggregate"))
		_, _ = io.WriteString(w, `{"Response":"Success","Data":{"Data":[
			{"time":0,"open":0,"high":0,"low":0,"close":0,"volumeto":0},
			{"time":14400,"open":1,"high":2,"low":0.5,"close":1.5,"volumeto":10},
			{"time":28800,"open":1.5,"high":3,"low":1,"close":2.5,"volumeto":20}]}}`)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "").Series(context.Background(), "BTC/USD", "4h", 5)
	require.NoError(t, err)
	require.Len(t, c, 2)
	assert.InDelta(t, 2.5, c[1].Close, 1e-9)
	assert.Equal(t, int64(14400+4*3600), c[0].CloseTime.Add(1e6).Unix())
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct{ in, base, quote string }{
		{"BTCUSDT", "BTC", "USDT"},
		{"ethusd", "ETH", "USD"},
		{"SOL/EUR", "SOL", "EUR"},
		{"ETHBTC", "ETH", "BTC"},
	}
	for _, tc := range tests {
		b, q, err := SplitSymbol(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.base, b)
		assert.Equal(t, tc.quote, q)
	}
	_, _, err := SplitSymbol("USDT")
	assert.Error(t, err)
}
