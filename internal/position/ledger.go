// Package position tracks open positions and their mark-to-market P&L.
package position

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/risk"
)

// Price sources recorded on a Position.
const (
	SourceBroker = "broker"
	SourceStream = "stream"
)

// Holding is one open position as reported by the broker.
type Holding struct {
	Symbol       string
	Qty          decimal.Decimal
	EntryPrice   decimal.Decimal
	CurrentPrice decimal.Decimal
}

// Position is a tracked position. Values handed out by the Ledger are copies.
type Position struct {
	Symbol       string          `json:"symbol"`
	Qty          decimal.Decimal `json:"qty"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PriceAt      time.Time       `json:"price_at"`
	PriceSource  string          `json:"price_source"`
	Fired        risk.Fired      `json:"fired"`
	PendingClose bool            `json:"pending_close"`
	ExitAttempts int             `json:"exit_attempts"`
	OpenedAt     time.Time       `json:"opened_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PnL returns the fractional and dollar P&L, signed for long and short positions.
func (p Position) PnL() (pct, dollar decimal.Decimal) {
	if p.EntryPrice.IsZero() || p.CurrentPrice.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	diff := p.CurrentPrice.Sub(p.EntryPrice)
	pct = diff.Div(p.EntryPrice)
	if p.Qty.IsNegative() {
		pct = pct.Neg()
	}
	return pct, diff.Mul(p.Qty)
}

// MarketValue is qty times the current price.
func (p Position) MarketValue() decimal.Decimal { return p.Qty.Mul(p.CurrentPrice) }

// Side reports "long" or "short".
func (p Position) Side() string {
	if p.Qty.IsNegative() {
		return "short"
	}
	return "long"
}

// Changes lists the symbols touched by a reconcile.
type Changes struct {
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether the reconcile changed membership or size.
func (c Changes) Empty() bool { return len(c.Added)+len(c.Updated)+len(c.Removed) == 0 }

// Ledger maps symbol to position. It is written by the monitor only; readers get copies.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*Position
	now       func() time.Time
}

// NewLedger builds an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{positions: make(map[string]*Position), now: time.Now}
}

// Normalize upper-cases and trims a symbol.
func Normalize(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

// Reconcile applies a broker snapshot taken at fetchedAt: new positions are added,
// quantities and entry prices updated, and positions missing from the snapshot
// removed. Broker prices replace stream prices only when the stream price is older.
func (l *Ledger) Reconcile(holdings []Holding, fetchedAt time.Time) Changes {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	seen := make(map[string]struct{}, len(holdings))
	var changes Changes
	for _, h := range holdings {
		sym := Normalize(h.Symbol)
		if sym == "" || h.Qty.IsZero() {
			continue
		}
		seen[sym] = struct{}{}
		pos, ok := l.positions[sym]
		if !ok {
			pos = &Position{Symbol: sym, OpenedAt: now}
			l.positions[sym] = pos
			changes.Added = append(changes.Added, sym)
		} else if !pos.Qty.Equal(h.Qty) || !pos.EntryPrice.Equal(h.EntryPrice) {
			if pos.Qty.Sign() != h.Qty.Sign() {
				pos.Fired = 0
				pos.PendingClose = false
				pos.ExitAttempts = 0
			}
			changes.Updated = append(changes.Updated, sym)
		}
		pos.Qty = h.Qty
		pos.EntryPrice = h.EntryPrice
		if h.CurrentPrice.IsPositive() && (pos.PriceAt.IsZero() || !pos.PriceAt.After(fetchedAt)) {
			pos.CurrentPrice = h.CurrentPrice
			pos.PriceAt = fetchedAt
			pos.PriceSource = SourceBroker
		}
		pos.UpdatedAt = now
	}
	for sym := range l.positions {
		if _, ok := seen[sym]; !ok {
			delete(l.positions, sym)
			changes.Removed = append(changes.Removed, sym)
		}
	}
	sort.Strings(changes.Added)
	sort.Strings(changes.Updated)
	sort.Strings(changes.Removed)
	return changes
}

// UpdatePrice applies a stream mark. Marks older than the stored price are ignored.
func (l *Ledger) UpdatePrice(symbol string, price decimal.Decimal, at time.Time) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[Normalize(symbol)]
	if !ok || !price.IsPositive() {
		return Position{}, false
	}
	if !pos.PriceAt.IsZero() && at.Before(pos.PriceAt) {
		return *pos, false
	}
	pos.CurrentPrice = price
	pos.PriceAt = at
	pos.PriceSource = SourceStream
	pos.UpdatedAt = l.now()
	return *pos, true
}

// SetFired stores the fired-trigger set for the current excursion.
func (l *Ledger) SetFired(symbol string, fired risk.Fired) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[Normalize(symbol)]; ok {
		pos.Fired = fired
	}
}

// MarkPendingClose flags a position whose exit order was accepted.
func (l *Ledger) MarkPendingClose(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[Normalize(symbol)]
	if !ok {
		return false
	}
	pos.PendingClose = true
	pos.ExitAttempts++
	return true
}

// ClearPendingClose undoes MarkPendingClose, e.g. after a rejected exit.
func (l *Ledger) ClearPendingClose(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, ok := l.positions[Normalize(symbol)]; ok {
		pos.PendingClose = false
	}
}

// Remove untracks a symbol.
func (l *Ledger) Remove(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	sym := Normalize(symbol)
	if _, ok := l.positions[sym]; !ok {
		return false
	}
	delete(l.positions, sym)
	return true
}

// Get returns a copy of one position.
func (l *Ledger) Get(symbol string) (Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[Normalize(symbol)]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Snapshot returns copies of every position sorted by symbol.
func (l *Ledger) Snapshot() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols lists tracked symbols in sorted order.
func (l *Ledger) Symbols() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.positions))
	for sym := range l.positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of tracked positions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Totals summarizes the ledger.
type Totals struct {
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Positions     int             `json:"positions"`
}

// Totals sums market value and unrealized P&L.
func (l *Ledger) Totals() Totals {
	var t Totals
	for _, pos := range l.Snapshot() {
		_, dollar := pos.PnL()
		t.MarketValue = t.MarketValue.Add(pos.MarketValue())
		t.UnrealizedPnL = t.UnrealizedPnL.Add(dollar)
		t.Positions++
	}
	return t
}
