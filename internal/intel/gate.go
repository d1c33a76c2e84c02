package intel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Floors for the caller-side policy. Configured values below these are raised.
const (
	MinCacheTTL    = 30 * time.Minute
	MinCallSpacing = 15 * time.Minute
)

// GateConfig configures caching and rate limiting.
type GateConfig struct {
	CacheTTL    time.Duration
	MinInterval time.Duration
}

// Gate wraps an Analyzer with a result cache and a per-symbol rate limit.
//
// Get returns a fresh cached result when one exists. Otherwise, if the symbol
// was queried less than MinInterval ago, it returns whatever is cached, even
// if expired. Only then does it call the analyzer.
type Gate struct {
	analyzer Analyzer
	cache    Cache
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	lg       zerolog.Logger

	mu       sync.Mutex
	lastCall map[string]time.Time

	calls    atomic.Int64
	hits     atomic.Int64
	limited  atomic.Int64
	failures atomic.Int64
}

// NewGate creates a Gate. A nil cache defaults to an in-memory one.
func NewGate(a Analyzer, c Cache, cfg GateConfig) *Gate {
	if c == nil {
		c = NewMemoryCache()
	}
	if cfg.CacheTTL < MinCacheTTL {
		cfg.CacheTTL = MinCacheTTL
	}
	if cfg.MinInterval < MinCallSpacing {
		cfg.MinInterval = MinCallSpacing
	}
	return &Gate{
		analyzer: a,
		cache:    c,
		ttl:      cfg.CacheTTL,
		interval: cfg.MinInterval,
		now:      time.Now,
		lg:       log.With().Str("component", "intel-gate").Str("analyzer", a.Name()).Logger(),
		lastCall: make(map[string]time.Time),
	}
}

// TTL returns the effective cache TTL.
func (g *Gate) TTL() time.Duration { return g.ttl }

// Interval returns the effective per-symbol call spacing.
func (g *Gate) Interval() time.Duration { return g.interval }

// Get returns an analysis for symbol, honouring the cache and rate limit.
// On analyzer failure the stale cached value (if any) is returned along
// with the error.
func (g *Gate) Get(ctx context.Context, symbol string, snap market.Snapshot, series []market.Candle) (*Analysis, error) {
	now := g.now()

	cached, found, err := g.cache.Get(ctx, symbol)
	if err != nil {
		g.lg.Warn().Err(err).Str("symbol", symbol).Msg("analysis cache read failed")
		found = false
	}
	if found && cached.Age(now) < g.ttl {
		g.hits.Add(1)
		return &cached, nil
	}

	if !g.reserve(symbol, now) {
		g.limited.Add(1)
		if found {
			return &cached, nil
		}
		return nil, ErrRateLimited
	}

	g.calls.Add(1)
	a, err := g.analyzer.Analyze(ctx, symbol, snap, series)
	if err != nil {
		g.failures.Add(1)
		err = fmt.Errorf("analyze %s: %w", symbol, err)
		if found {
			return &cached, err
		}
		return nil, err
	}

	if a.Symbol == "" {
		a.Symbol = symbol
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.Provider == "" {
		a.Provider = g.analyzer.Name()
	}
	if err := g.cache.Set(ctx, symbol, a); err != nil {
		g.lg.Warn().Err(err).Str("symbol", symbol).Msg("analysis cache write failed")
	}
	return &a, nil
}

// reserve records a call slot for symbol if the spacing allows one. Failed
// calls still consume the slot.
func (g *Gate) reserve(symbol string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.lastCall[symbol]; ok && now.Sub(last) < g.interval {
		return false
	}
	g.lastCall[symbol] = now
	return true
}

// Stats returns call counters.
func (g *Gate) Stats() map[string]int64 {
	return map[string]int64{
		"calls":   g.calls.Load(),
		"hits":    g.hits.Load(),
		"limited": g.limited.Load(),
		"errors":  g.failures.Load(),
	}
}
