package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrUnknownSource is returned when no gateway is registered for a source.
	ErrUnknownSource = errors.New("unknown data source")
	// ErrNoData is returned when a gateway has nothing for the symbol.
	ErrNoData = errors.New("no market data")
)

// Source selects which provider feeds the loop.
type Source string

const (
	SourcePrimary    Source = "primary-exchange"
	SourceSecondary  Source = "secondary-exchange"
	SourceCommercial Source = "commercial-feed"
	SourceArchive    Source = "offline-archive"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourcePrimary, SourceSecondary, SourceCommercial, SourceArchive:
		return true
	}
	return false
}

// ParseSource converts a config value to a Source.
func ParseSource(v string) (Source, error) {
	s := Source(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownSource, v)
	}
	return s, nil
}

// Snapshot is the current ticker state for a symbol.
type Snapshot struct {
	Symbol         string    `json:"symbol"`
	Price          float64   `json:"price"`
	PriceChangePct float64   `json:"price_change_pct"`
	Volume         float64   `json:"volume"`
	High24h        float64   `json:"high_24h"`
	Low24h         float64   `json:"low_24h"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"ts"`
}

// Candle is one OHLCV bar.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// Gateway supplies market data. Series are always ordered oldest first.
type Gateway interface {
	Name() string
	Snapshot(ctx context.Context, symbol string) (Snapshot, error)
	Series(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// SortSeries orders candles oldest first in place and returns them.
func SortSeries(c []Candle) []Candle {
	sort.SliceStable(c, func(i, j int) bool { return c[i].OpenTime.Before(c[j].OpenTime) })
	return c
}

// Closes extracts closing prices.
func Closes(c []Candle) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = c[i].Close
	}
	return out
}

// Highs extracts high prices.
func Highs(c []Candle) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = c[i].High
	}
	return out
}

// Lows extracts low prices.
func Lows(c []Candle) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = c[i].Low
	}
	return out
}

// Volumes extracts bar volumes.
func Volumes(c []Candle) []float64 {
	out := make([]float64, len(c))
	for i := range c {
		out[i] = c[i].Volume
	}
	return out
}
