package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/broker"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/execution"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/position"
)

// FillRecorder captures paper fills for later inspection.
type FillRecorder interface {
	Record(execution.Fill)
}

type positionState struct {
	Qty     decimal.Decimal
	AvgCost decimal.Decimal
}

// Account is an in-memory broker: it holds signed positions, marks them to the
// latest price and fills exit orders at the mark.
type Account struct {
	mu          sync.Mutex
	cash        decimal.Decimal
	realizedPnL decimal.Decimal
	positions   map[string]positionState
	marks       map[string]decimal.Decimal
	recorders   []FillRecorder
	outage      error
	now         func() time.Time
}

// Snapshot is a copy of account balances marked to market.
type Snapshot struct {
	Cash        decimal.Decimal
	RealizedPnL decimal.Decimal
	Equity      decimal.Decimal
	Positions   map[string]position.Holding
}

var _ broker.Broker = (*Account)(nil)

// NewAccount constructs an account with starting cash and optional fill recorders.
func NewAccount(startingCash decimal.Decimal, recorders ...FillRecorder) *Account {
	return &Account{
		cash:      startingCash,
		positions: make(map[string]positionState),
		marks:     make(map[string]decimal.Decimal),
		recorders: recorders,
		now:       time.Now,
	}
}

// Open adds qty (negative for short) at price to symbol, averaging into any existing position.
func (a *Account) Open(symbol string, qty, price decimal.Decimal) error {
	if qty.IsZero() {
		return errors.New("quantity must be non-zero")
	}
	if !price.IsPositive() {
		return errors.New("price must be positive")
	}
	sym := position.Normalize(symbol)

	a.mu.Lock()
	defer a.mu.Unlock()
	state := a.positions[sym]
	if !state.Qty.IsZero() && state.Qty.Sign() != qty.Sign() {
		return errors.New("opposite-side open not supported, exit first")
	}
	newQty := state.Qty.Add(qty)
	cost := state.AvgCost.Mul(state.Qty).Add(price.Mul(qty))
	a.positions[sym] = positionState{Qty: newQty, AvgCost: cost.Div(newQty)}
	a.cash = a.cash.Sub(price.Mul(qty))
	if _, ok := a.marks[sym]; !ok {
		a.marks[sym] = price
	}
	return nil
}

// Mark sets the price used for valuation and fills.
func (a *Account) Mark(symbol string, price decimal.Decimal) {
	a.mu.Lock()
	a.marks[position.Normalize(symbol)] = price
	a.mu.Unlock()
}

// SetOutage makes every broker call fail with err until cleared with nil.
func (a *Account) SetOutage(err error) {
	a.mu.Lock()
	a.outage = err
	a.mu.Unlock()
}

// GetOpenPositions implements broker.PositionSource.
func (a *Account) GetOpenPositions(ctx context.Context) ([]position.Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.outage != nil {
		return nil, a.outage
	}
	out := make([]position.Holding, 0, len(a.positions))
	for sym, st := range a.positions {
		out = append(out, position.Holding{Symbol: sym, Qty: st.Qty, EntryPrice: st.AvgCost, CurrentPrice: a.marks[sym]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// SubmitExitOrder implements broker.OrderSubmitter, filling immediately at the mark.
func (a *Account) SubmitExitOrder(ctx context.Context, symbol string, qty decimal.Decimal) (broker.Order, error) {
	if err := ctx.Err(); err != nil {
		return broker.Order{}, err
	}
	sym := position.Normalize(symbol)

	a.mu.Lock()
	if a.outage != nil {
		a.mu.Unlock()
		return broker.Order{}, a.outage
	}
	state, ok := a.positions[sym]
	if !ok {
		a.mu.Unlock()
		return broker.Order{}, fmt.Errorf("no open position in %s", sym)
	}
	if qty.IsZero() || qty.Sign() != state.Qty.Sign() || qty.Abs().GreaterThan(state.Qty.Abs()) {
		a.mu.Unlock()
		return broker.Order{}, fmt.Errorf("exit qty %s does not match position %s", qty, state.Qty)
	}
	price := a.marks[sym]
	realized := price.Sub(state.AvgCost).Mul(qty)
	a.realizedPnL = a.realizedPnL.Add(realized)
	a.cash = a.cash.Add(price.Mul(qty))
	remaining := state.Qty.Sub(qty)
	if remaining.IsZero() {
		delete(a.positions, sym)
	} else {
		a.positions[sym] = positionState{Qty: remaining, AvgCost: state.AvgCost}
	}
	now := a.now()
	recorders := a.recorders
	a.mu.Unlock()

	order := broker.Order{
		ID:          uuid.NewString(),
		Symbol:      sym,
		Side:        broker.ExitSide(qty),
		Qty:         qty.Abs(),
		Status:      "filled",
		SubmittedAt: now,
	}
	fill := execution.Fill{
		OrderID:     order.ID,
		Symbol:      sym,
		Side:        execution.Side(order.Side),
		Qty:         qty.Abs(),
		Price:       price,
		RealizedPnL: realized,
		Time:        now,
	}
	for _, r := range recorders {
		r.Record(fill)
	}
	return order, nil
}

// Snapshot returns balances with positions marked at their last price.
func (a *Account) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap := Snapshot{Cash: a.cash, RealizedPnL: a.realizedPnL, Equity: a.cash, Positions: make(map[string]position.Holding, len(a.positions))}
	for sym, st := range a.positions {
		mark := a.marks[sym]
		snap.Positions[sym] = position.Holding{Symbol: sym, Qty: st.Qty, EntryPrice: st.AvgCost, CurrentPrice: mark}
		snap.Equity = snap.Equity.Add(st.Qty.Mul(mark))
	}
	return snap
}

// RealizedPnL returns total closed-trade profit and loss.
func (a *Account) RealizedPnL() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realizedPnL
}
