// Package risk evaluates position P&L against alert and exit thresholds.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Trigger identifies one threshold rule. Values are bit flags so a set fits in Fired.
type Trigger uint8

const (
	StopLoss Trigger = 1 << iota
	ProfitSpike
	AutoExit
)

func (t Trigger) String() string {
	switch t {
	case StopLoss:
		return "stop_loss"
	case ProfitSpike:
		return "profit_spike"
	case AutoExit:
		return "auto_exit"
	}
	return fmt.Sprintf("trigger(%d)", uint8(t))
}

// Fired records which triggers already fired during the current excursion.
type Fired uint8

func (f Fired) Has(t Trigger) bool      { return f&Fired(t) != 0 }
func (f Fired) With(t Trigger) Fired    { return f | Fired(t) }
func (f Fired) Without(t Trigger) Fired { return f &^ Fired(t) }

// Thresholds are P&L fractions: -0.05 is -5%, 0.001 is +0.1%.
type Thresholds struct {
	StopLoss    decimal.Decimal
	ProfitAlert decimal.Decimal
	ProfitExit  decimal.Decimal
	AutoExit    bool
}

// DefaultThresholds returns -5% stop loss, +0.1% profit alert, +2% exit with auto-exit off.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StopLoss:    decimal.RequireFromString("-0.05"),
		ProfitAlert: decimal.RequireFromString("0.001"),
		ProfitExit:  decimal.RequireFromString("0.02"),
	}
}

// Level returns the threshold a trigger compares against.
func (t Thresholds) Level(tr Trigger) decimal.Decimal {
	switch tr {
	case StopLoss:
		return t.StopLoss
	case ProfitSpike:
		return t.ProfitAlert
	case AutoExit:
		return t.ProfitExit
	}
	return decimal.Zero
}

func (t Thresholds) crossed(tr Trigger, pnl decimal.Decimal) bool {
	switch tr {
	case StopLoss:
		return pnl.LessThanOrEqual(t.StopLoss)
	case ProfitSpike:
		return pnl.GreaterThanOrEqual(t.ProfitAlert)
	case AutoExit:
		return t.AutoExit && pnl.GreaterThanOrEqual(t.ProfitExit)
	}
	return false
}

// Evaluate returns the triggers that newly fire for pnl, in priority order
// StopLoss, ProfitSpike, AutoExit, along with the updated fired set. A trigger
// fires once per excursion and re-arms only after pnl moves back across its threshold.
func (t Thresholds) Evaluate(pnl decimal.Decimal, fired Fired) ([]Trigger, Fired) {
	var out []Trigger
	for _, tr := range []Trigger{StopLoss, ProfitSpike, AutoExit} {
		if t.crossed(tr, pnl) {
			if !fired.Has(tr) {
				out = append(out, tr)
				fired = fired.With(tr)
			}
			continue
		}
		fired = fired.Without(tr)
	}
	return out, fired
}

// DedupKey renders the (symbol, kind, threshold bucket) identity of a firing.
func DedupKey(symbol string, kind string, threshold decimal.Decimal) string {
	return fmt.Sprintf("%s|%s|%s", symbol, kind, threshold.StringFixed(4))
}
