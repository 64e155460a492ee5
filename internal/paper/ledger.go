package paper

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/execution"
)

const defaultFillHistory = 1000

// Ledger keeps the most recent paper fills plus running realized P&L per symbol.
// Totals survive history trimming.
type Ledger struct {
	mu       sync.Mutex
	limit    int
	fills    []execution.Fill
	count    int
	realized map[string]decimal.Decimal
}

// NewLedger keeps at most limit fills; limit <= 0 uses the default of 1000.
func NewLedger(limit int) *Ledger {
	if limit <= 0 {
		limit = defaultFillHistory
	}
	return &Ledger{limit: limit, realized: make(map[string]decimal.Decimal)}
}

func (l *Ledger) Record(fill execution.Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fills = append(l.fills, fill)
	if over := len(l.fills) - l.limit; over > 0 {
		l.fills = append(l.fills[:0:0], l.fills[over:]...)
	}
	l.count++
	l.realized[fill.Symbol] = l.realized[fill.Symbol].Add(fill.RealizedPnL)
}

// Snapshot returns a copy of the retained fills, oldest first.
func (l *Ledger) Snapshot() []execution.Fill {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]execution.Fill, len(l.fills))
	copy(out, l.fills)
	return out
}

// Count is the number of fills ever recorded.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Realized sums realized P&L across every recorded fill.
func (l *Ledger) Realized() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, pnl := range l.realized {
		total = total.Add(pnl)
	}
	return total
}

// RealizedFor returns realized P&L for one symbol.
func (l *Ledger) RealizedFor(symbol string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realized[symbol]
}
