package kraken

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

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestSnapshot(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/0/public/Ticker", r.URL.Path)
		assert.Equal(t, "XBTUSDT", r.URL.Query().Get("pair"))
		_, _ = io.WriteString(w, `{"error":[],"result":{"XBTUSDT":{
			"c":["110.0","0.1"],"v":["5","10"],"h":["115","120"],"l":["95","90"],"o":"100.0"}}}`)
	})

	snap, err := a.Snapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 110, snap.Price, 1e-9)
	assert.InDelta(t, 10, snap.PriceChangePct, 1e-9)
	assert.InDelta(t, 1100, snap.Volume, 1e-9)
	assert.InDelta(t, 120, snap.High24h, 1e-9)
	assert.InDelta(t, 90, snap.Low24h, 1e-9)
	assert.Equal(t, "secondary-exchange", snap.Source)
}

func TestSnapshot_ErrorEnvelope(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":["EQuery:Unknown asset pair"]}`)
	})

	_, err := a.Snapshot(context.Background(), "FOOUSD")
	require.Error(t, err)
	var api *adapters.APIError
	require.ErrorAs(t, err, &api)
	assert.Contains(t, api.Msg, "Unknown asset pair")
}

func TestSeries_SkipsLastAndTrims(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "60", r.URL.Query().Get("interval"))
		_, _ = io.WriteString(w, `{"error":[],"result":{
			"XXBTZUSD":[
				[3600,"1","2","0.5","1.5","1.2","10",5],
				[7200,"1.5","2.5","1","2","1.8","20",6],
				[10800,"2","3","1.5","2.5","2.2","30",7]],
			"last":10800}}`)
	})

	c, err := a.Series(context.Background(), "BTCUSD", "1h", 2)
	require.NoError(t, err)
	require.Len(t, c, 2)
	assert.Equal(t, int64(7200), c[0].OpenTime.Unix())
	assert.InDelta(t, 2.5, c[1].Close, 1e-9)
	assert.InDelta(t, 30, c[1].Volume, 1e-9)
}

func TestSeries_UnsupportedInterval(t *testing.T) {
	a := New("http://127.0.0.1:1")
	_, err := a.Series(context.Background(), "BTCUSD", "3m", 10)
	assert.Error(t, err)
}

func TestPair(t *testing.T) {
	assert.Equal(t, "XBTUSDT", Pair("BTCUSDT"))
	assert.Equal(t, "XBTUSD", Pair("btc/usd"))
	assert.Equal(t, "ETHUSDT", Pair("ETH-USDT"))
	assert.Equal(t, "1m", Intervals()[0])
}
