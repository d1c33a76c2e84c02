// Package sizing turns an actionable signal into an order quantity.
package sizing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrBadPrice is returned when the reference price is not positive.
var ErrBadPrice = errors.New("price must be positive")

// Policy names accepted in configuration.
const (
	PolicyFixedNotional = "fixed_notional"
	PolicyRiskPercent   = "risk_percent"
)

// Order is a sized trade proposal.
type Order struct {
	Qty      decimal.Decimal
	Notional decimal.Decimal
}

// Sizer computes quantity and notional for a trade at price.
type Sizer interface {
	Name() string
	Size(price decimal.Decimal) (Order, error)
}

// FixedNotional spends the same quote amount on every trade.
type FixedNotional struct {
	Notional decimal.Decimal
}

func (FixedNotional) Name() string { return PolicyFixedNotional }

func (f FixedNotional) Size(price decimal.Decimal) (Order, error) {
	if !price.IsPositive() {
		return Order{}, ErrBadPrice
	}
	if !f.Notional.IsPositive() {
		return Order{}, fmt.Errorf("fixed notional must be positive, got %s", f.Notional)
	}
	return Order{Qty: quantize(f.Notional.Div(price)), Notional: f.Notional}, nil
}

// RiskPercent commits a fixed fraction of capital to each trade.
type RiskPercent struct {
	Capital decimal.Decimal
	Pct     decimal.Decimal // 0.02 is 2%
}

func (RiskPercent) Name() string { return PolicyRiskPercent }

func (r RiskPercent) Size(price decimal.Decimal) (Order, error) {
	if !price.IsPositive() {
		return Order{}, ErrBadPrice
	}
	notional := r.Capital.Mul(r.Pct)
	if !notional.IsPositive() {
		return Order{}, fmt.Errorf("risk percent sizing yields %s", notional)
	}
	return Order{Qty: quantize(notional.Div(price)), Notional: notional}, nil
}

// New builds a sizer from configuration values. An empty policy selects
// fixed notional.
func New(policy string, fixedNotional, capital, riskPct float64) (Sizer, error) {
	switch policy {
	case "", PolicyFixedNotional:
		return FixedNotional{Notional: decimal.NewFromFloat(fixedNotional)}, nil
	case PolicyRiskPercent:
		return RiskPercent{Capital: decimal.NewFromFloat(capital), Pct: decimal.NewFromFloat(riskPct)}, nil
	}
	return nil, fmt.Errorf("unknown sizing policy %q", policy)
}

// quantize truncates to 8 decimals, the finest lot precision exchanges accept.
func quantize(q decimal.Decimal) decimal.Decimal {
	return q.Truncate(8)
}
