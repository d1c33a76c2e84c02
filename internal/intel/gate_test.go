package intel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGate(a Analyzer, c Cache, cfg GateConfig) (*Gate, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGate(a, c, cfg)
	g.now = clk.now
	return g, clk
}

func TestNewGate_ClampsPolicy(t *testing.T) {
	g := NewGate(NewStubAnalyzer("s", nil), nil, GateConfig{CacheTTL: time.Minute, MinInterval: time.Second})
	assert.Equal(t, MinCacheTTL, g.TTL())
	assert.Equal(t, MinCallSpacing, g.Interval())

	g = NewGate(NewStubAnalyzer("s", nil), nil, GateConfig{CacheTTL: time.Hour, MinInterval: 20 * time.Minute})
	assert.Equal(t, time.Hour, g.TTL())
	assert.Equal(t, 20*time.Minute, g.Interval())
}

func TestGate_CachesWithinTTL(t *testing.T) {
	stub := NewStubAnalyzer("stub", []Analysis{{Sentiment: 0.4, Confidence: 0.9}})
	g, clk := newTestGate(stub, nil, GateConfig{})
	ctx := context.Background()

	a, err := g.Get(ctx, "BTCUSDT", market.Snapshot{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.4, a.Sentiment)
	assert.Equal(t, "stub", a.Provider)
	assert.Equal(t, clk.t, a.CreatedAt)

	clk.advance(29 * time.Minute)
	_, err = g.Get(ctx, "BTCUSDT", market.Snapshot{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.Calls())
	assert.Equal(t, int64(1), g.Stats()["hits"])
}

func TestGate_RefreshesAfterTTL(t *testing.T) {
	stub := NewStubAnalyzer("stub", []Analysis{{Sentiment: 0.1}, {Sentiment: 0.2}})
	g, clk := newTestGate(stub, nil, GateConfig{})
	ctx := context.Background()

	_, err := g.Get(ctx, "BTCUSDT", market.Snapshot{}, nil)
	require.NoError(t, err)
	clk.advance(31 * time.Minute)
	a, err := g.Get(ctx, "BTCUSDT", market.Snapshot{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.2, a.Sentiment)
	assert.Equal(t, 2, stub.Calls())
}

func TestGate_RateLimitPerSymbol(t *testing.T) {
	stub := NewStubAnalyzer("stub", []Analysis{{Sentiment: 0.5}})
	stub.SetHealthy(false)
	g, clk := newTestGate(stub, nil, GateConfig{})
	ctx := context.Background()

	_, err := g.Get(ctx, "BTCUSDT", market.Snapshot{}, nil)
	require.Error(t, err)

	// The failed call still consumed the slot.
	clk.advance(10 * time.Minute)
	_, err = g.Get(ctx, "BTCUSDT", market.Snapshot{}, nil)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, stub.Calls())

	// Other symbols have their own slot.
	stub.SetHealthy(true)
	_, err = g.Get(ctx, "ETHUSDT", market.Snapshot{}, nil)
	require.NoError(t, err)

	clk.advance(6 * time.Minute)
	a, err := g.Get(ctx, "BTCUSDT", market.Snapshot{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.5, a.Sentiment)
	assert.Equal(t, 3, stub.Calls())
	assert.Equal(t, int64(1), g.Stats()["limited"])
	assert.Equal(t, int64(1), g.Stats()["errors"])
}

func TestGate_ExpiredPassThroughWhileLimited(t *testing.T) {
	stub := NewStubAnalyzer("stub", []Analysis{{Sentiment: 0.7}})
	// TTL 30m, spacing 60m: between the two an expired entry is returned.
	g, clk := newTestGate(stub, nil, GateConfig{MinInterval: time.Hour})
	ctx := context.Background()

	_, err := g.Get(ctx, "BTCUSDT", market.Snapshot{}, nil)
	require.NoError(t, err)
	clk.advance(45 * time.Minute)

	a, err := g.Get(ctx, "BTCUSDT", market.Snapshot{}, nil)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 0.7, a.Sentiment)
	assert.Equal(t, 45*time.Minute, a.Age(clk.t))
	assert.Equal(t, 1, stub.Calls())
}

func TestGate_FailureReturnsStale(t *testing.T) {
	stub := NewStubAnalyzer("stub", []Analysis{{Sentiment: 0.3}})
	g, clk := newTestGate(stub, nil, GateConfig{})
	ctx := context.Background()

	_, err := g.Get(ctx, "BTCUSDT", market.Snapshot{}, nil)
	require.NoError(t, err)

	stub.SetHealthy(false)
	clk.advance(time.Hour)
	a, err := g.Get(ctx, "BTCUSDT", market.Snapshot{}, nil)
	require.Error(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 0.3, a.Sentiment)
}

// fakeRedis is a map-backed RedisClient.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttl  map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttl: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, exp time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	f.ttl[key] = exp
	return redis.NewStatusResult("OK", nil)
}

func TestRedisCache_RoundTrip(t *testing.T) {
	fr := newFakeRedis()
	c := NewRedisCache(fr, "tc", 0)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, found)

	in := Analysis{Symbol: "BTCUSDT", Sentiment: -0.2, Confidence: 0.6, Rationale: "r", CreatedAt: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, c.Set(ctx, "BTCUSDT", in))
	assert.Contains(t, fr.data, "tc:analysis:BTCUSDT")
	assert.Equal(t, DefaultRetention, fr.ttl["tc:analysis:BTCUSDT"])

	out, found, err := c.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, in, out)
}

func TestRedisCache_Errors(t *testing.T) {
	fr := newFakeRedis()
	fr.data["tradecore:analysis:X"] = "{not json"
	c := NewRedisCache(fr, "", time.Hour)

	_, _, err := c.Get(context.Background(), "X")
	assert.Error(t, err)

	fr.err = errors.New("connection refused")
	assert.Error(t, c.Set(context.Background(), "X", Analysis{}))
}

func TestGate_WithRedisCache(t *testing.T) {
	stub := NewStubAnalyzer("stub", []Analysis{{Sentiment: 0.9}})
	g, _ := newTestGate(stub, NewRedisCache(newFakeRedis(), "tc", 0), GateConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a, err := g.Get(ctx, "SOLUSDT", market.Snapshot{}, nil)
		require.NoError(t, err)
		assert.Equal(t, 0.9, a.Sentiment)
	}
	assert.Equal(t, 1, stub.Calls())
}

func TestHTTPAnalyzer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req analyzeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "BTCUSDT", req.Symbol)
		assert.Len(t, req.Closes, maxContextCandles)
		_, _ = io.WriteString(w, `{"sentiment":3,"confidence":0.8,"rationale":"bullish"}`)
	}))
	defer srv.Close()

	series := make([]market.Candle, 80)
	a, err := NewHTTPAnalyzer(srv.URL, "k", time.Second).
		Analyze(context.Background(), "BTCUSDT", market.Snapshot{Price: 1}, series)
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.Sentiment)
	assert.Equal(t, 0.8, a.Confidence)
	assert.Equal(t, "ai-analyzer", a.Provider)
}
