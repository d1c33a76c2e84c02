package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/strategy"
)

// MinInterval is the shortest accepted loop interval.
const MinInterval = 10 * time.Millisecond

// Credentials are exchange API keys. The type never renders its values:
// fmt, %#v, JSON and zerolog's Interface all see a redacted form.
type Credentials struct {
	APIKey    string
	APISecret string
}

// IsZero reports whether no credentials are configured.
func (c Credentials) IsZero() bool { return c.APIKey == "" && c.APISecret == "" }

func (c Credentials) String() string {
	if c.IsZero() {
		return "<none>"
	}
	return "<redacted>"
}

func (c Credentials) GoString() string { return "orchestrator.Credentials{" + c.String() + "}" }

func (c Credentials) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]bool{"configured": !c.IsZero()})
}

// Redacted returns a copy safe to hand to observers: set fields are masked,
// empty fields stay empty.
func (c Credentials) Redacted() Credentials {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	return Credentials{APIKey: mask(c.APIKey), APISecret: mask(c.APISecret)}
}

// Config is the live orchestrator configuration.
type Config struct {
	Symbol              string
	StrategyID          strategy.ID
	LiveTrading         bool
	Interval            time.Duration
	DataSource          market.Source
	Credentials         Credentials
	AIEnabled           bool
	OptimizationEnabled bool
	PreferOptimized     bool
	OptimizeEvery       time.Duration
	CallTimeout         time.Duration
	CandleInterval      string
	CandleLimit         int
}

// DefaultConfig is a paper-trading setup on the primary exchange.
func DefaultConfig() Config {
	return Config{
		Symbol:         "BTCUSDT",
		StrategyID:     strategy.DefaultID,
		Interval:       30 * time.Second,
		DataSource:     market.SourcePrimary,
		OptimizeEvery:  7 * 24 * time.Hour,
		CallTimeout:    10 * time.Second,
		CandleInterval: "1h",
		CandleLimit:    200,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StrategyID == "" {
		c.StrategyID = d.StrategyID
	}
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
	if c.DataSource == "" {
		c.DataSource = d.DataSource
	}
	if c.OptimizeEvery <= 0 {
		c.OptimizeEvery = d.OptimizeEvery
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.CandleInterval == "" {
		c.CandleInterval = d.CandleInterval
	}
	if c.CandleLimit <= 0 {
		c.CandleLimit = d.CandleLimit
	}
	return c
}

// Validate checks the fields the loop cannot run without.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Symbol) == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if c.StrategyID == "" {
		errs = append(errs, errors.New("strategy id is required"))
	}
	if c.Interval < MinInterval {
		errs = append(errs, fmt.Errorf("interval %s below minimum %s", c.Interval, MinInterval))
	}
	if !c.DataSource.Valid() {
		errs = append(errs, fmt.Errorf("%w: %q", market.ErrUnknownSource, c.DataSource))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call timeout must be positive"))
	}
	if c.CandleLimit <= 0 {
		errs = append(errs, errors.New("candle limit must be positive"))
	}
	return errors.Join(errs...)
}

// Fields renders c as a status map. Credentials appear only as a flag.
func (c Config) Fields() map[string]any {
	return map[string]any{
		"symbol":               c.Symbol,
		"strategy_id":          string(c.StrategyID),
		"live_trading":         c.LiveTrading,
		"interval":             c.Interval.String(),
		"data_source":          string(c.DataSource),
		"credentials":          !c.Credentials.IsZero(),
		"ai_enabled":           c.AIEnabled,
		"optimization_enabled": c.OptimizationEnabled,
		"prefer_optimized":     c.PreferOptimized,
		"optimize_every":       c.OptimizeEvery.String(),
		"call_timeout":         c.CallTimeout.String(),
		"candle_interval":      c.CandleInterval,
		"candle_limit":         c.CandleLimit,
	}
}

// strategyView is the config subset handed to strategies.
func (c Config) strategyView() map[string]any {
	return map[string]any{
		"symbol":          c.Symbol,
		"strategy_id":     string(c.StrategyID),
		"live_trading":    c.LiveTrading,
		"data_source":     string(c.DataSource),
		"ai_enabled":      c.AIEnabled,
		"candle_interval": c.CandleInterval,
	}
}

// Hash fingerprints the non-secret fields, for heartbeats.
func (c Config) Hash() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%t|%s|%s|%t|%t|%t|%s|%s|%s|%d",
		c.Symbol, c.StrategyID, c.LiveTrading, c.Interval, c.DataSource,
		c.AIEnabled, c.OptimizationEnabled, c.PreferOptimized,
		c.OptimizeEvery, c.CallTimeout, c.CandleInterval, c.CandleLimit)
	return fmt.Sprintf("%016x", h.Sum64())
}

// Patch is a partial Config. Nil fields are left unchanged.
type Patch struct {
	Symbol              *string
	StrategyID          *strategy.ID
	LiveTrading         *bool
	Interval            *time.Duration
	DataSource          *market.Source
	Credentials         *Credentials
	AIEnabled           *bool
	OptimizationEnabled *bool
	PreferOptimized     *bool
	OptimizeEvery       *time.Duration
	CallTimeout         *time.Duration
	CandleInterval      *string
	CandleLimit         *int
}

// apply merges p into c and returns the result with the status keys that
// changed, mapped to their new values.
func (p Patch) apply(c Config) (Config, map[string]any) {
	changed := make(map[string]any)
	if p.Symbol != nil {
		c.Symbol = strings.ToUpper(strings.TrimSpace(*p.Symbol))
		changed["symbol"] = c.Symbol
	}
	if p.StrategyID != nil {
		c.StrategyID = *p.StrategyID
		changed["strategy_id"] = string(c.StrategyID)
	}
	if p.LiveTrading != nil {
		c.LiveTrading = *p.LiveTrading
		changed["live_trading"] = c.LiveTrading
	}
	if p.Interval != nil {
		c.Interval = *p.Interval
		changed["interval"] = c.Interval.String()
	}
	if p.DataSource != nil {
		c.DataSource = *p.DataSource
		changed["data_source"] = string(c.DataSource)
	}
	if p.Credentials != nil {
		c.Credentials = *p.Credentials
		changed["credentials"] = !c.Credentials.IsZero()
	}
	if p.AIEnabled != nil {
		c.AIEnabled = *p.AIEnabled
		changed["ai_enabled"] = c.AIEnabled
	}
	if p.OptimizationEnabled != nil {
		c.OptimizationEnabled = *p.OptimizationEnabled
		changed["optimization_enabled"] = c.OptimizationEnabled
	}
	if p.PreferOptimized != nil {
		c.PreferOptimized = *p.PreferOptimized
		changed["prefer_optimized"] = c.PreferOptimized
	}
	if p.OptimizeEvery != nil {
		c.OptimizeEvery = *p.OptimizeEvery
		changed["optimize_every"] = c.OptimizeEvery.String()
	}
	if p.CallTimeout != nil {
		c.CallTimeout = *p.CallTimeout
		changed["call_timeout"] = c.CallTimeout.String()
	}
	if p.CandleInterval != nil {
		c.CandleInterval = *p.CandleInterval
		changed["candle_interval"] = c.CandleInterval
	}
	if p.CandleLimit != nil {
		c.CandleLimit = *p.CandleLimit
		changed["candle_limit"] = c.CandleLimit
	}
	return c, changed
}
