package execution

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Position is the net holding in one symbol.
type Position struct {
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"` // long|short|flat
	Qty         decimal.Decimal `json:"qty"`  // signed: positive=long, negative=short
	AvgEntry    decimal.Decimal `json:"avg_entry"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	TotalFees   decimal.Decimal `json:"total_fees"`
	OpenedAt    time.Time       `json:"opened_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	TradeCount  int             `json:"trade_count"`
}

// PositionManager tracks positions per symbol and per strategy.
// Thread-safe for concurrent access.
type PositionManager struct {
	mu         sync.RWMutex
	positions  map[string]*Position // key: symbol
	byStrategy map[string]decimal.Decimal
}

// NewPositionManager creates an empty PositionManager.
func NewPositionManager() *PositionManager {
	return &PositionManager{
		positions:  make(map[string]*Position),
		byStrategy: make(map[string]decimal.Decimal),
	}
}

func sideFromQty(qty decimal.Decimal) string {
	switch qty.Sign() {
	case 1:
		return "long"
	case -1:
		return "short"
	default:
		return "flat"
	}
}

// ApplyFill books f against the symbol's position and returns the realized
// PnL it produced, net of the fill's fee. Opening or adding to a position
// realizes only the negative fee.
func (pm *PositionManager) ApplyFill(strategyID string, f Fill) decimal.Decimal {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	signedQty := f.ExecutedQty
	if f.Side == SideSell {
		signedQty = signedQty.Neg()
	}

	pos, ok := pm.positions[f.Symbol]
	if !ok {
		pos = &Position{Symbol: f.Symbol, Side: "flat"}
		pm.positions[f.Symbol] = pos
	}
	gross := applyFillToPosition(pos, f.AvgFillPrice, signedQty, f.Fee, f.Timestamp)
	net := gross.Sub(f.Fee)
	pm.byStrategy[strategyID] = pm.byStrategy[strategyID].Add(net)
	return net
}

// applyFillToPosition handles opening from flat, adding with a weighted
// average entry, reducing, closing and flipping. It returns the gross PnL
// realized on the closed portion.
func applyFillToPosition(pos *Position, fillPrice, signedQty, fee decimal.Decimal, ts time.Time) decimal.Decimal {
	oldQty := pos.Qty
	newQty := oldQty.Add(signedQty)
	absOld := oldQty.Abs()
	absFill := signedQty.Abs()

	pos.TotalFees = pos.TotalFees.Add(fee)
	pos.TradeCount++
	pos.UpdatedAt = ts

	if oldQty.IsZero() {
		pos.AvgEntry = fillPrice
		pos.Qty = newQty
		pos.Side = sideFromQty(newQty)
		pos.OpenedAt = ts
		return decimal.Zero
	}

	if oldQty.Sign() == signedQty.Sign() {
		totalCost := pos.AvgEntry.Mul(absOld).Add(fillPrice.Mul(absFill))
		pos.AvgEntry = totalCost.Div(absOld.Add(absFill))
		pos.Qty = newQty
		pos.Side = sideFromQty(newQty)
		return decimal.Zero
	}

	closeQty := decimal.Min(absOld, absFill)
	var realized decimal.Decimal
	if oldQty.Sign() > 0 {
		realized = fillPrice.Sub(pos.AvgEntry).Mul(closeQty)
	} else {
		realized = pos.AvgEntry.Sub(fillPrice).Mul(closeQty)
	}
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)

	pos.Qty = newQty
	pos.Side = sideFromQty(newQty)
	switch {
	case newQty.IsZero():
		pos.AvgEntry = decimal.Zero
	case newQty.Sign() != oldQty.Sign():
		// flipped: the excess carries the fill price as its entry
		pos.AvgEntry = fillPrice
		pos.OpenedAt = ts
	}
	return realized
}

// Get returns a copy of the symbol's position, or nil.
func (pm *PositionManager) Get(symbol string) *Position {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.positions[symbol]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// All returns copies of every tracked position.
func (pm *PositionManager) All() []Position {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]Position, 0, len(pm.positions))
	for _, p := range pm.positions {
		out = append(out, *p)
	}
	return out
}

// ExposureUSD sums |qty| * avg entry across open positions.
func (pm *PositionManager) ExposureUSD() decimal.Decimal {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	total := decimal.Zero
	for _, p := range pm.positions {
		total = total.Add(p.Qty.Abs().Mul(p.AvgEntry))
	}
	return total
}

// StrategyPnL returns net realized PnL attributed to strategyID.
func (pm *PositionManager) StrategyPnL(strategyID string) decimal.Decimal {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.byStrategy[strategyID]
}
