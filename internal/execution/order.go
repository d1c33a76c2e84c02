package execution

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	OrderNew       OrderState = "NEW"
	OrderFilled    OrderState = "FILLED"
	OrderRejected  OrderState = "REJECTED"
	OrderCancelled OrderState = "CANCELLED"
)

// OrderEvent triggers a state transition.
type OrderEvent string

const (
	EventFill   OrderEvent = "FILL"
	EventReject OrderEvent = "REJECT"
	EventCancel OrderEvent = "CANCEL"
)

type transition struct {
	from  OrderState
	event OrderEvent
}

// transitions is the authoritative table: every valid (state, event) pair
// maps to exactly one target state.
var transitions = map[transition]OrderState{
	{OrderNew, EventFill}:   OrderFilled,
	{OrderNew, EventReject}: OrderRejected,
	{OrderNew, EventCancel}: OrderCancelled,
}

// Order is the record of one submitted order.
type Order struct {
	mu sync.Mutex

	OrderID      string
	Symbol       string
	Side         Side
	Qty          decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	State        OrderState
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func newOrder(id, symbol string, side Side, qty decimal.Decimal, now time.Time) *Order {
	return &Order{
		OrderID:   id,
		Symbol:    symbol,
		Side:      side,
		Qty:       qty,
		State:     OrderNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition applies event, rejecting edges not in the table.
func (o *Order) Transition(event OrderEvent, now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	next, ok := transitions[transition{o.State, event}]
	if !ok {
		return fmt.Errorf("order %s: invalid transition %s --%s-->", o.OrderID, o.State, event)
	}
	o.State = next
	o.UpdatedAt = now
	return nil
}

// GetState returns the current state.
func (o *Order) GetState() OrderState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.State
}

// IsTerminal reports whether no further transitions are possible.
func (o *Order) IsTerminal() bool {
	return o.GetState() != OrderNew
}
