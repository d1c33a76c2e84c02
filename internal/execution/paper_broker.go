package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var bpsDivisor = decimal.NewFromInt(10000)

// PaperOption configures a PaperBroker.
type PaperOption func(*PaperBroker)

// WithFeeBps charges a fee on every fill, in basis points of notional.
func WithFeeBps(bps float64) PaperOption {
	return func(pb *PaperBroker) { pb.feeBps = bps }
}

// WithQuoteBalance caps spendable quote currency. Buys that would exceed it
// are rejected with INSUFFICIENT_BALANCE. Zero means unlimited.
func WithQuoteBalance(balance decimal.Decimal) PaperOption {
	return func(pb *PaperBroker) {
		pb.balance = balance
		pb.limited = balance.IsPositive()
	}
}

// WithClock overrides the fill timestamp source.
func WithClock(now func() time.Time) PaperOption {
	return func(pb *PaperBroker) { pb.now = now }
}

// PaperBroker simulates execution. Market orders fill immediately at the
// last reference price plus or minus slippage.
//
// Thread-safe: all shared state is guarded by mu.
type PaperBroker struct {
	mu          sync.Mutex
	refPrices   map[string]decimal.Decimal
	orders      map[string]*Order
	fills       []Fill
	slippageBps float64
	feeBps      float64
	balance     decimal.Decimal
	limited     bool
	now         func() time.Time
}

var _ Gateway = (*PaperBroker)(nil)

// NewPaperBroker creates a PaperBroker. slippageBps of 5 means 0.05%.
func NewPaperBroker(slippageBps float64, opts ...PaperOption) *PaperBroker {
	pb := &PaperBroker{
		refPrices:   make(map[string]decimal.Decimal),
		orders:      make(map[string]*Order),
		fills:       make([]Fill, 0),
		slippageBps: slippageBps,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(pb)
	}
	log.Info().
		Float64("slippage_bps", pb.slippageBps).
		Float64("fee_bps", pb.feeBps).
		Bool("balance_limited", pb.limited).
		Msg("paper broker initialized")
	return pb
}

// Name returns the gateway name.
func (pb *PaperBroker) Name() string { return "paper" }

// SetReferencePrice records the price market orders for symbol fill against.
func (pb *PaperBroker) SetReferencePrice(symbol string, price decimal.Decimal) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.refPrices[symbol] = price
}

// PlaceOrder fills a market order synchronously.
func (pb *PaperBroker) PlaceOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, &OrderError{Code: CodeTimeout, Reason: "context done before submit", Err: err}
	}
	if !side.Valid() {
		return Fill{}, NewOrderError(CodeInvalidSide, fmt.Sprintf("unsupported side %q", side))
	}
	if !qty.IsPositive() {
		return Fill{}, NewOrderError(CodeInvalidQuantity, "quantity must be positive")
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()

	ref, ok := pb.refPrices[symbol]
	if !ok || !ref.IsPositive() {
		return Fill{}, NewOrderError(CodeNoReferencePrice, "no reference price for "+symbol)
	}

	now := pb.now()
	order := newOrder("PAPER-"+uuid.New().String(), symbol, side, qty, now)
	pb.orders[order.OrderID] = order

	price := pb.applySlippage(ref, side)
	notional := qty.Mul(price)
	fee := notional.Mul(decimal.NewFromFloat(pb.feeBps)).Div(bpsDivisor)

	if pb.limited && side == SideBuy && notional.Add(fee).GreaterThan(pb.balance) {
		order.Reason = CodeInsufficientBalance
		_ = order.Transition(EventReject, now)
		log.Warn().
			Str("order_id", order.OrderID).
			Str("symbol", symbol).
			Str("notional", notional.StringFixed(2)).
			Str("balance", pb.balance.StringFixed(2)).
			Msg("paper broker: insufficient balance")
		return Fill{}, &OrderError{
			Code:   CodeInsufficientBalance,
			Reason: fmt.Sprintf("need %s, have %s", notional.Add(fee).StringFixed(2), pb.balance.StringFixed(2)),
			Err:    ErrInsufficientBalance,
		}
	}

	if err := order.Transition(EventFill, now); err != nil {
		return Fill{}, &OrderError{Code: CodeRejected, Reason: "fill transition", Err: err}
	}
	order.FilledQty = qty
	order.AvgFillPrice = price

	if pb.limited {
		if side == SideBuy {
			pb.balance = pb.balance.Sub(notional).Sub(fee)
		} else {
			pb.balance = pb.balance.Add(notional).Sub(fee)
		}
	}

	fill := Fill{
		OrderID:      order.OrderID,
		Symbol:       symbol,
		Side:         side,
		ExecutedQty:  qty,
		AvgFillPrice: price,
		Fee:          fee,
		Timestamp:    now,
	}
	pb.fills = append(pb.fills, fill)

	log.Info().
		Str("order_id", order.OrderID).
		Str("symbol", symbol).
		Str("side", string(side)).
		Str("qty", qty.String()).
		Str("fill_price", price.String()).
		Float64("slippage_bps", pb.slippageBps).
		Msg("paper broker: market order filled")

	return fill, nil
}

// applySlippage moves the price against the taker.
func (pb *PaperBroker) applySlippage(price decimal.Decimal, side Side) decimal.Decimal {
	if pb.slippageBps == 0 {
		return price
	}
	factor := decimal.NewFromFloat(pb.slippageBps).Div(bpsDivisor)
	if side == SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(factor))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(factor))
}

// CancelOrder cancels an open order. Paper market orders are terminal as soon
// as they are placed, so this only succeeds for orders still NEW.
func (pb *PaperBroker) CancelOrder(_ context.Context, symbol, orderID string) error {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	order, ok := pb.orders[orderID]
	if !ok || order.Symbol != symbol {
		return &OrderError{Code: CodeUnknownOrder, Reason: "order not found: " + orderID, Err: ErrUnknownOrder}
	}
	if order.IsTerminal() {
		return NewOrderError(CodeNotCancelable, fmt.Sprintf("order %s is %s", orderID, order.GetState()))
	}
	if err := order.Transition(EventCancel, pb.now()); err != nil {
		return &OrderError{Code: CodeNotCancelable, Reason: "cancel transition", Err: err}
	}
	log.Info().Str("order_id", orderID).Msg("paper broker: order cancelled")
	return nil
}

// Fills returns a copy of all recorded fills.
func (pb *PaperBroker) Fills() []Fill {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	out := make([]Fill, len(pb.fills))
	copy(out, pb.fills)
	return out
}

// Order returns the order record for orderID, or nil.
func (pb *PaperBroker) Order(orderID string) *Order {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.orders[orderID]
}

// QuoteBalance returns the remaining quote balance and whether it is enforced.
func (pb *PaperBroker) QuoteBalance() (decimal.Decimal, bool) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.balance, pb.limited
}
