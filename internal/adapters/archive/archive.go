// Package archive replays recorded candles from disk. Each symbol lives in
// <dir>/<SYMBOL>.json as a JSON array of market.Candle, oldest first.
package archive

import (
	"context"
	"errors"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/rs/zerolog/log"
)

// DefaultWarmup is how many candles are visible before the first Snapshot.
const DefaultWarmup = 100

// window is the number of candles treated as "24h" for snapshot statistics.
const window = 24

// Option configures an Archive.
type Option func(*Archive)

// WithWarmup sets the initial cursor position.
func WithWarmup(n int) Option {
	return func(a *Archive) { a.warmup = n }
}

// WithSeries preloads candles for symbol instead of reading a file.
func WithSeries(symbol string, candles []market.Candle) Option {
	return func(a *Archive) {
		a.series[key(symbol)] = market.SortSeries(append([]market.Candle(nil), candles...))
	}
}

// Archive implements market.Gateway over recorded data. Every Snapshot call
// advances the symbol's cursor by one candle and wraps at the end.
type Archive struct {
	dir    string
	warmup int

	mu      sync.Mutex
	series  map[string][]market.Candle
	cursors map[string]int
	served  map[string]int
}

var _ market.Gateway = (*Archive)(nil)

// New creates an archive reading from dir.
func New(dir string, opts ...Option) *Archive {
	a := &Archive{
		dir:     dir,
		warmup:  DefaultWarmup,
		series:  make(map[string][]market.Candle),
		cursors: make(map[string]int),
		served:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Archive) Name() string { return "archive" }

func key(symbol string) string {
	s := strings.ToUpper(symbol)
	return strings.NewReplacer("/", "", "-", "").Replace(s)
}

// LoadFile reads one candle file.
func LoadFile(path string) ([]market.Candle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	var candles []market.Candle
	if err := json.Unmarshal(data, &candles); err != nil {
		return nil, fmt.Errorf("parse archive %s: %w", path, err)
	}
	return market.SortSeries(candles), nil
}

// load returns the series for symbol, reading it on first use. Caller holds mu.
func (a *Archive) load(symbol string) ([]market.Candle, error) {
	k := key(symbol)
	if s, ok := a.series[k]; ok {
		return s, nil
	}
	path := filepath.Join(a.dir, k+".json")
	s, err := LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("archive: %w for %s", market.ErrNoData, symbol)
		}
		return nil, err
	}
	if len(s) == 0 {
		return nil, fmt.Errorf("archive: %w for %s", market.ErrNoData, symbol)
	}
	a.series[k] = s
	log.Info().Str("symbol", symbol).Int("candles", len(s)).Str("path", path).Msg("archive loaded")
	return s, nil
}

// start is the warmup index clamped to a series of n candles.
func (a *Archive) start(n int) int {
	c := a.warmup
	if c >= n {
		c = n - 1
	}
	if c < 0 {
		c = 0
	}
	return c
}

// cursor returns the next index to serve for symbol. Caller holds mu.
func (a *Archive) cursor(k string, n int) int {
	c, ok := a.cursors[k]
	if !ok {
		c = a.start(n)
		a.cursors[k] = c
	}
	return c
}

// Snapshot returns the candle at the cursor as a ticker, then advances.
func (a *Archive) Snapshot(ctx context.Context, symbol string) (market.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return market.Snapshot{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.load(symbol)
	if err != nil {
		return market.Snapshot{}, err
	}
	k := key(symbol)
	i := a.cursor(k, len(s))

	from := i - window + 1
	if from < 0 {
		from = 0
	}
	cur := s[i]
	hi, lo, vol := cur.High, cur.Low, 0.0
	for _, c := range s[from : i+1] {
		if c.High > hi {
			hi = c.High
		}
		if c.Low < lo {
			lo = c.Low
		}
		vol += c.Volume * c.Close
	}
	change := 0.0
	if open := s[from].Open; open > 0 {
		change = (cur.Close - open) / open * 100
	}

	next := i + 1
	if next >= len(s) {
		next = a.start(len(s))
		log.Debug().Str("symbol", symbol).Msg("archive wrapped")
	}
	a.cursors[k] = next
	a.served[k] = i

	return market.Snapshot{
		Symbol:         symbol,
		Price:          cur.Close,
		PriceChangePct: change,
		Volume:         vol,
		High24h:        hi,
		Low24h:         lo,
		Source:         string(market.SourceArchive),
		Timestamp:      cur.CloseTime,
	}, nil
}

// Series returns up to limit candles ending at the candle most recently
// returned by Snapshot. Before the first Snapshot it ends at the warmup point.
// The interval is fixed by the recording and ignored.
func (a *Archive) Series(ctx context.Context, symbol, _ string, limit int) ([]market.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.load(symbol)
	if err != nil {
		return nil, err
	}
	end, ok := a.served[key(symbol)]
	if !ok {
		end = a.start(len(s))
	}
	from := 0
	if limit > 0 && end+1-limit > 0 {
		from = end + 1 - limit
	}
	out := make([]market.Candle, end+1-from)
	copy(out, s[from:end+1])
	return out, nil
}

// Reset rewinds every cursor.
func (a *Archive) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cursors = make(map[string]int)
	a.served = make(map[string]int)
}
