package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Fill is the result of an executed order.
type Fill struct {
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	ExecutedQty  decimal.Decimal `json:"executed_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Fee          decimal.Decimal `json:"fee"`
	Timestamp    time.Time       `json:"ts"`
}

// Notional is executed quantity times average price.
func (f Fill) Notional() decimal.Decimal {
	return f.ExecutedQty.Mul(f.AvgFillPrice)
}

// Gateway places and cancels orders on a venue. Failures are returned as
// *OrderError carrying the venue's reason code.
type Gateway interface {
	Name() string
	PlaceOrder(ctx context.Context, symbol string, side Side, qty decimal.Decimal) (Fill, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Reason codes.
const (
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeInvalidQuantity     = "INVALID_QUANTITY"
	CodeInvalidSide         = "INVALID_SIDE"
	CodeNoReferencePrice    = "NO_REFERENCE_PRICE"
	CodeUnknownOrder        = "UNKNOWN_ORDER"
	CodeNotCancelable       = "ORDER_NOT_CANCELABLE"
	CodeRejected            = "REJECTED"
	CodeTimeout             = "TIMEOUT"
	CodeTransport           = "TRANSPORT"
	CodeUnknown             = "UNKNOWN"
)

// Sentinels wrapped by OrderError.Err so callers can use errors.Is.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownOrder        = errors.New("unknown order")
)

// OrderError is a structured order failure.
type OrderError struct {
	Code   string
	Reason string
	Err    error
}

// NewOrderError builds an OrderError without a wrapped cause.
func NewOrderError(code, reason string) *OrderError {
	return &OrderError{Code: code, Reason: reason}
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error %s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error %s: %s", e.Code, e.Reason)
}

func (e *OrderError) Unwrap() error { return e.Err }

// CodeOf extracts the reason code from err. Deadline errors map to TIMEOUT.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeUnknown
}

// ReasonOf returns the human-readable reason for err.
func ReasonOf(err error) string {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Reason
	}
	return err.Error()
}
