package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for tradecore.
type Config struct {
	General      GeneralConfig      `yaml:"general"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Risk         RiskConfig         `yaml:"risk"`
	Sizing       SizingConfig       `yaml:"sizing"`
	Exchanges    ExchangesConfig    `yaml:"exchanges"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Paper        PaperConfig        `yaml:"paper"`
	Intel        IntelConfig        `yaml:"intel"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Rules        []RuleConfig       `yaml:"rules"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type OrchestratorConfig struct {
	Symbol              string        `yaml:"symbol"`
	Strategy            string        `yaml:"strategy"`
	Interval            time.Duration `yaml:"interval"`
	DataSource          string        `yaml:"data_source"` // primary-exchange|secondary-exchange|commercial-feed|offline-archive
	LiveTrading         bool          `yaml:"live_trading"`
	AIEnabled           bool          `yaml:"ai_enabled"`
	OptimizationEnabled bool          `yaml:"optimization_enabled"`
	PreferOptimized     bool          `yaml:"prefer_optimized"`
	OptimizeEvery       time.Duration `yaml:"optimize_every"`
	CallTimeout         time.Duration `yaml:"call_timeout"`
	CandleInterval      string        `yaml:"candle_interval"`
	CandleLimit         int           `yaml:"candle_limit"`
}

type RiskConfig struct {
	MaxPositionValue float64 `yaml:"max_position_value"`
	DailyLossLimit   float64 `yaml:"daily_loss_limit"`
}

type SizingConfig struct {
	Policy        string  `yaml:"policy"` // fixed_notional|risk_percent
	FixedNotional float64 `yaml:"fixed_notional"`
	Capital       float64 `yaml:"capital"`
	RiskPct       float64 `yaml:"risk_pct"`
}

type ExchangesConfig struct {
	Binance       ExchangeDetailConfig `yaml:"binance"`
	Kraken        ExchangeDetailConfig `yaml:"kraken"`
	CryptoCompare ExchangeDetailConfig `yaml:"cryptocompare"`
}

type ExchangeDetailConfig struct {
	RESTURL   string `yaml:"rest_url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

type ArchiveConfig struct {
	Path string `yaml:"path"`
}

type PaperConfig struct {
	SlippageBps float64 `yaml:"slippage_bps"`
	FeeBps      float64 `yaml:"fee_bps"`
}

type IntelConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Endpoint     string        `yaml:"endpoint"`
	APIKey       string        `yaml:"api_key"`
	Timeout      time.Duration `yaml:"timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	MinInterval  time.Duration `yaml:"min_interval"`
	CacheBackend string        `yaml:"cache_backend"` // memory|redis
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	TopicPrefix  string   `yaml:"topic_prefix"`
	ControlTopic string   `yaml:"control_topic"`
	GroupID      string   `yaml:"group_id"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// RuleConfig is a strategy written in the rule language, registered at
// start under ID.
type RuleConfig struct {
	ID         string  `yaml:"id"`
	BuyWhen    string  `yaml:"buy_when"`
	SellWhen   string  `yaml:"sell_when"`
	Confidence float64 `yaml:"confidence"`
	TradeKind  string  `yaml:"trade_kind"`
	Rationale  string  `yaml:"rationale"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes, expanding ${ENV} references first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration an empty file produces.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "tradecore-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	o := &cfg.Orchestrator
	if o.Symbol == "" {
		o.Symbol = "BTCUSDT"
	}
	if o.Strategy == "" {
		o.Strategy = "conservativeConfluence"
	}
	if o.Interval == 0 {
		o.Interval = 30 * time.Second
	}
	if o.DataSource == "" {
		o.DataSource = "primary-exchange"
	}
	if o.OptimizeEvery == 0 {
		o.OptimizeEvery = 7 * 24 * time.Hour
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = 10 * time.Second
	}
	if o.CandleInterval == "" {
		o.CandleInterval = "1h"
	}
	if o.CandleLimit == 0 {
		o.CandleLimit = 200
	}

	if cfg.Risk.MaxPositionValue == 0 {
		cfg.Risk.MaxPositionValue = 500
	}
	if cfg.Risk.DailyLossLimit == 0 {
		cfg.Risk.DailyLossLimit = 300
	}

	if cfg.Sizing.Policy == "" {
		cfg.Sizing.Policy = "fixed_notional"
	}
	if cfg.Sizing.FixedNotional == 0 {
		cfg.Sizing.FixedNotional = 100
	}
	if cfg.Sizing.Capital == 0 {
		cfg.Sizing.Capital = 1000
	}
	if cfg.Sizing.RiskPct == 0 {
		cfg.Sizing.RiskPct = 0.02
	}

	if cfg.Paper.SlippageBps == 0 {
		cfg.Paper.SlippageBps = 5
	}
	if cfg.Paper.FeeBps == 0 {
		cfg.Paper.FeeBps = 10
	}

	if cfg.Intel.Timeout == 0 {
		cfg.Intel.Timeout = 15 * time.Second
	}
	if cfg.Intel.CacheTTL == 0 {
		cfg.Intel.CacheTTL = 30 * time.Minute
	}
	if cfg.Intel.MinInterval == 0 {
		cfg.Intel.MinInterval = 10 * time.Minute
	}
	if cfg.Intel.CacheBackend == "" {
		cfg.Intel.CacheBackend = "memory"
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.TopicPrefix == "" {
		cfg.Kafka.TopicPrefix = "tradecore"
	}
	if cfg.Kafka.ControlTopic == "" {
		cfg.Kafka.ControlTopic = cfg.Kafka.TopicPrefix + ".control"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = cfg.General.InstanceID
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Bridge.Addr == "" {
		cfg.Bridge.Addr = ":8081"
	}
}

// Validate checks cross-field constraints. Orchestrator fields are checked
// again by the orchestrator itself.
func (c *Config) Validate() error {
	var errs []error

	switch c.General.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("general.log_format %q: want json or text", c.General.LogFormat))
	}
	if c.Orchestrator.CandleLimit < 0 {
		errs = append(errs, errors.New("orchestrator.candle_limit must be positive"))
	}
	if c.Risk.MaxPositionValue < 0 || c.Risk.DailyLossLimit < 0 {
		errs = append(errs, errors.New("risk limits must not be negative"))
	}
	switch c.Sizing.Policy {
	case "fixed_notional", "risk_percent":
	default:
		errs = append(errs, fmt.Errorf("sizing.policy %q: want fixed_notional or risk_percent", c.Sizing.Policy))
	}
	if c.Sizing.RiskPct < 0 || c.Sizing.RiskPct > 1 {
		errs = append(errs, fmt.Errorf("sizing.risk_pct %v outside [0,1]", c.Sizing.RiskPct))
	}
	if c.Orchestrator.DataSource == "offline-archive" && c.Archive.Path == "" {
		errs = append(errs, errors.New("archive.path is required for the offline-archive source"))
	}
	switch c.Intel.CacheBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("intel.cache_backend %q: want memory or redis", c.Intel.CacheBackend))
	}
	if c.Intel.Enabled && c.Intel.Endpoint == "" {
		errs = append(errs, errors.New("intel.endpoint is required when intel is enabled"))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}

	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		id := strings.TrimSpace(r.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("rules[%d]: id is required", i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
	}

	return errors.Join(errs...)
}
