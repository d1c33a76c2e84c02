package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SchemaVersion is stamped on every payload published by this module.
const SchemaVersion = "1.0.0"

// BaseEvent contains fields common to all payloads.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	Timestamp     time.Time `json:"ts"`
	SchemaVersion string    `json:"schema_version"`
	Producer      string    `json:"producer"`
	TraceID       string    `json:"trace_id,omitempty"`
}

// NewBaseEvent creates a BaseEvent with a fresh event ID.
func NewBaseEvent(producer string) BaseEvent {
	return BaseEvent{
		EventID:       uuid.New().String(),
		Timestamp:     time.Now(),
		SchemaVersion: SchemaVersion,
		Producer:      producer,
	}
}

// WithTrace returns a copy of b carrying traceID. Events of one loop
// iteration share a trace ID.
func (b BaseEvent) WithTrace(traceID string) BaseEvent {
	b.TraceID = traceID
	return b
}

// --- Market ---

type MarketSnapshotEvent struct {
	BaseEvent
	Symbol         string    `json:"symbol"`
	Source         string    `json:"source"`
	Price          float64   `json:"price"`
	PriceChangePct float64   `json:"price_change_pct"`
	Volume         float64   `json:"volume"`
	Candles        int       `json:"candles"`
	AsOf           time.Time `json:"as_of,omitempty"` // provider timestamp of the data
}

// --- Strategy ---

type SignalEvent struct {
	BaseEvent
	Symbol     string   `json:"symbol"`
	StrategyID string   `json:"strategy_id"`
	Direction  string   `json:"direction"` // BUY|SELL|HOLD
	Rationale  string   `json:"rationale"`
	Confidence float64  `json:"confidence"`
	TradeKind  string   `json:"trade_kind,omitempty"`
	Target     *float64 `json:"target,omitempty"`
	Stop       *float64 `json:"stop,omitempty"`
}

type StrategyOptimizedEvent struct {
	BaseEvent
	BaseID string  `json:"base_id"`
	NewID  string  `json:"new_id"`
	Score  float64 `json:"score"`
}

type StrategyChangedEvent struct {
	BaseEvent
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

type OptimizationErrorEvent struct {
	BaseEvent
	BaseID string `json:"base_id"`
	Error  string `json:"error"`
}

// --- Execution ---

type OrderExecutedEvent struct {
	BaseEvent
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	OrderID      string          `json:"order_id"`
	StrategyID   string          `json:"strategy_id"`
	ExecutedQty  decimal.Decimal `json:"executed_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Notional     decimal.Decimal `json:"notional"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
}

// OrderErrorEvent covers both risk denials (Code is the deny reason) and
// gateway failures (Code is the exchange reason code).
type OrderErrorEvent struct {
	BaseEvent
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Code     string          `json:"code"`
	Reason   string          `json:"reason"`
	Notional decimal.Decimal `json:"notional"`
	Denied   bool            `json:"denied"`
}

// --- Risk ---

type RiskBlockEvent struct {
	BaseEvent
	Reason    string          `json:"reason"`
	Direction string          `json:"direction"`
	Notional  decimal.Decimal `json:"notional"`
}

type KillSwitchEvent struct {
	BaseEvent
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

// --- System ---

// StatusEvent is either a full status snapshot (Full=true) or a fragment
// carrying only the fields that changed. Observers merge fragments.
type StatusEvent struct {
	BaseEvent
	Full   bool           `json:"full"`
	Fields map[string]any `json:"fields"`
}

type HeartbeatEvent struct {
	BaseEvent
	Component  string        `json:"component"`
	Status     string        `json:"status"` // ok|degraded
	Iteration  uint64        `json:"iteration"`
	Duration   time.Duration `json:"duration_ns"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime_ns"`
	ConfigHash string        `json:"config_hash,omitempty"`
}
