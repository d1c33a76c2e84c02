package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/tradecore/internal/adapters/archive"
	"github.com/nexus-trading/tradecore/internal/adapters/binance"
	"github.com/nexus-trading/tradecore/internal/adapters/cryptocompare"
	"github.com/nexus-trading/tradecore/internal/adapters/kraken"
	"github.com/nexus-trading/tradecore/internal/config"
	"github.com/nexus-trading/tradecore/internal/execution"
	"github.com/nexus-trading/tradecore/internal/intel"
	"github.com/nexus-trading/tradecore/internal/market"
	"github.com/nexus-trading/tradecore/internal/orchestrator"
	"github.com/nexus-trading/tradecore/internal/risk"
	"github.com/nexus-trading/tradecore/internal/sizing"
	"github.com/nexus-trading/tradecore/internal/strategy"
)

// buildMarkets binds every data source to its adapter.
func buildMarkets(cfg *config.Config) *market.Selector {
	sel := market.NewSelector()
	ex := cfg.Exchanges
	sel.Register(market.SourcePrimary, binance.New(binance.Config{
		RESTURL:   ex.Binance.RESTURL,
		APIKey:    ex.Binance.APIKey,
		APISecret: ex.Binance.APISecret,
	}))
	sel.Register(market.SourceSecondary, kraken.New(ex.Kraken.RESTURL))
	sel.Register(market.SourceCommercial, cryptocompare.New(ex.CryptoCompare.RESTURL, ex.CryptoCompare.APIKey))
	sel.Register(market.SourceArchive, archive.New(cfg.Archive.Path))
	return sel
}

// buildExecution returns the order venue. Binance is used only when both
// keys are configured; otherwise orders go to the paper broker, which also
// takes reference prices from the loop.
func buildExecution(cfg *config.Config) (execution.Gateway, orchestrator.PriceSink, string) {
	bn := cfg.Exchanges.Binance
	if bn.APIKey != "" && bn.APISecret != "" {
		return binance.New(binance.Config{RESTURL: bn.RESTURL, APIKey: bn.APIKey, APISecret: bn.APISecret}), nil, "binance"
	}
	paper := execution.NewPaperBroker(cfg.Paper.SlippageBps, execution.WithFeeBps(cfg.Paper.FeeBps))
	return paper, paper, paper.Name()
}

func buildSizer(c config.SizingConfig) (sizing.Sizer, error) {
	return sizing.New(c.Policy, c.FixedNotional, c.Capital, c.RiskPct)
}

// buildRegistry registers the built-ins plus every configured rule.
func buildRegistry(rules []config.RuleConfig) (*strategy.Registry, error) {
	reg := strategy.NewDefaultRegistry()
	for _, r := range rules {
		fn, err := strategy.CompileRule(strategy.RuleSpec{
			ID:         strategy.ID(r.ID),
			BuyWhen:    r.BuyWhen,
			SellWhen:   r.SellWhen,
			Confidence: r.Confidence,
			TradeKind:  r.TradeKind,
			Rationale:  r.Rationale,
		})
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if err := reg.Register(strategy.ID(r.ID), fn); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		log.Info().Str("rule", r.ID).Msg("Rule strategy registered")
	}
	return reg, nil
}

// buildAnalyst wires the AI gate. The returned func closes the Redis client
// when one was opened.
func buildAnalyst(cfg *config.Config) (*intel.Gate, func()) {
	ic := cfg.Intel
	analyzer := intel.NewHTTPAnalyzer(ic.Endpoint, ic.APIKey, ic.Timeout)
	gateCfg := intel.GateConfig{CacheTTL: ic.CacheTTL, MinInterval: ic.MinInterval}

	if ic.CacheBackend != "redis" {
		return intel.NewGate(analyzer, intel.NewMemoryCache(), gateCfg), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, analysis cache falls back to memory")
		_ = client.Close()
		return intel.NewGate(analyzer, intel.NewMemoryCache(), gateCfg), nil
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Analysis cache: REDIS")
	cache := intel.NewRedisCache(client, cfg.Kafka.TopicPrefix, 0)
	return intel.NewGate(analyzer, cache, gateCfg), func() { _ = client.Close() }
}

func riskLimits(c config.RiskConfig) risk.Limits {
	return risk.Limits{
		MaxPositionValue: decimal.NewFromFloat(c.MaxPositionValue),
		DailyLossLimit:   decimal.NewFromFloat(c.DailyLossLimit),
	}
}

// orchestratorConfig maps the file config onto the loop config. Binance keys
// double as the live credentials.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := cfg.Orchestrator
	return orchestrator.Config{
		Symbol:              oc.Symbol,
		StrategyID:          strategy.ID(oc.Strategy),
		LiveTrading:         oc.LiveTrading,
		Interval:            oc.Interval,
		DataSource:          market.Source(oc.DataSource),
		AIEnabled:           oc.AIEnabled,
		OptimizationEnabled: oc.OptimizationEnabled,
		PreferOptimized:     oc.PreferOptimized,
		OptimizeEvery:       oc.OptimizeEvery,
		CallTimeout:         oc.CallTimeout,
		CandleInterval:      oc.CandleInterval,
		CandleLimit:         oc.CandleLimit,
		Credentials: orchestrator.Credentials{
			APIKey:    cfg.Exchanges.Binance.APIKey,
			APISecret: cfg.Exchanges.Binance.APISecret,
		},
	}
}

func sourceNames(sel *market.Selector) []string {
	out := make([]string, 0, 4)
	for _, s := range sel.Sources() {
		out = append(out, string(s))
	}
	sort.Strings(out)
	return out
}
