package strategy

import (
	"encoding/json"
	"time"
)

// Direction is the recommended action.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
	Hold Direction = "HOLD"
)

// Valid reports whether d is BUY, SELL or HOLD.
func (d Direction) Valid() bool {
	return d == Buy || d == Sell || d == Hold
}

// DefaultConfidence applies when a strategy does not state one.
const DefaultConfidence = 0.5

// Signal is a strategy's recommendation. It is a value type with unexported
// fields: once built it cannot be changed, and every With* method returns a
// new Signal.
type Signal struct {
	direction  Direction
	rationale  string
	confidence float64
	tradeKind  string
	target     float64
	hasTarget  bool
	stop       float64
	hasStop    bool
	strategyID ID
	createdAt  time.Time
}

// SignalOption sets an optional field during construction.
type SignalOption func(*Signal)

// WithConfidence sets the confidence, clamped to [0,1].
func WithConfidence(c float64) SignalOption {
	return func(s *Signal) { s.confidence = clamp01(c) }
}

// WithTradeKind tags the signal, e.g. "scalp".
func WithTradeKind(kind string) SignalOption {
	return func(s *Signal) { s.tradeKind = kind }
}

// WithTarget sets a take-profit price hint.
func WithTarget(price float64) SignalOption {
	return func(s *Signal) { s.target, s.hasTarget = price, true }
}

// WithStop sets a stop-loss price hint.
func WithStop(price float64) SignalOption {
	return func(s *Signal) { s.stop, s.hasStop = price, true }
}

// NewSignal builds a Signal. An invalid direction is coerced to HOLD.
func NewSignal(dir Direction, rationale string, opts ...SignalOption) Signal {
	if !dir.Valid() {
		dir = Hold
	}
	s := Signal{
		direction:  dir,
		rationale:  rationale,
		confidence: DefaultConfidence,
		createdAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func BuySignal(rationale string, opts ...SignalOption) Signal {
	return NewSignal(Buy, rationale, opts...)
}

func SellSignal(rationale string, opts ...SignalOption) Signal {
	return NewSignal(Sell, rationale, opts...)
}

func HoldSignal(rationale string, opts ...SignalOption) Signal {
	return NewSignal(Hold, rationale, opts...)
}

func (s Signal) Direction() Direction { return s.direction }
func (s Signal) Rationale() string { return s.rationale }
func (s Signal) Confidence() float64 { return s.confidence }
func (s Signal) TradeKind() string { return s.tradeKind }
func (s Signal) StrategyID() ID { return s.strategyID }
func (s Signal) CreatedAt() time.Time { return s.createdAt }
func (s Signal) IsActionable() bool { return s.direction == Buy || s.direction == Sell }
func (s Signal) Target() (float64, bool) { return s.target, s.hasTarget }
func (s Signal) Stop() (float64, bool) { return s.stop, s.hasStop }

// IsZero reports whether s was never constructed.
func (s Signal) IsZero() bool { return s.direction == "" }

// WithStrategy returns a copy of s attributed to id.
func (s Signal) WithStrategy(id ID) Signal {
	s.strategyID = id
	return s
}

type signalJSON struct {
	Direction  Direction `json:"direction"`
	Rationale  string    `json:"rationale"`
	Confidence float64   `json:"confidence"`
	TradeKind  string    `json:"trade_kind,omitempty"`
	Target     *float64  `json:"target,omitempty"`
	Stop       *float64  `json:"stop,omitempty"`
	StrategyID ID        `json:"strategy_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s Signal) MarshalJSON() ([]byte, error) {
	out := signalJSON{
		Direction:  s.direction,
		Rationale:  s.rationale,
		Confidence: s.confidence,
		TradeKind:  s.tradeKind,
		StrategyID: s.strategyID,
		CreatedAt:  s.createdAt,
	}
	if s.hasTarget {
		t := s.target
		out.Target = &t
	}
	if s.hasStop {
		st := s.stop
		out.Stop = &st
	}
	return json.Marshal(out)
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return DefaultConfidence
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
