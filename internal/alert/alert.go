// Package alert formats position alerts and delivers them to every configured channel.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind classifies an alert.
type Kind string

const (
	ProfitSpike       Kind = "profit_spike"
	StopLoss          Kind = "stop_loss"
	AutoExitExecuted  Kind = "auto_exit_executed"
	MonitoringFailure Kind = "monitoring_failure"
)

// Severity drives channel formatting and log level.
type Severity string

const (
	Info     Severity = "info"
	Warning  Severity = "warning"
	Critical Severity = "critical"
)

// Alert is immutable once built. PnL fields are zero for monitoring failures.
type Alert struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Severity    Severity        `json:"severity"`
	Symbol      string          `json:"symbol,omitempty"`
	PnLPercent  decimal.Decimal `json:"pnl_percent"`
	PnLDollar   decimal.Decimal `json:"pnl_dollar"`
	Threshold   decimal.Decimal `json:"threshold"`
	Price       decimal.Decimal `json:"price"`
	Message     string          `json:"message"`
	TriggeredAt time.Time       `json:"triggered_at"`
	DedupKey    string          `json:"dedup_key,omitempty"`
}

// New stamps an ID and trigger time.
func New(kind Kind, severity Severity, symbol, message string) Alert {
	return Alert{
		ID:          uuid.NewString(),
		Kind:        kind,
		Severity:    severity,
		Symbol:      symbol,
		Message:     message,
		TriggeredAt: time.Now().UTC(),
	}
}

// Text renders a one-line human readable summary.
func (a Alert) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", strings.ToUpper(string(a.Severity)), strings.ReplaceAll(strings.ToUpper(string(a.Kind)), "_", " "))
	if a.Symbol != "" {
		fmt.Fprintf(&b, " %s", a.Symbol)
	}
	if a.Kind != MonitoringFailure {
		fmt.Fprintf(&b, " pnl=%s%% ($%s)", a.PnLPercent.Mul(decimal.NewFromInt(100)).StringFixed(2), a.PnLDollar.StringFixed(2))
	}
	if a.Message != "" {
		fmt.Fprintf(&b, ": %s", a.Message)
	}
	return b.String()
}

// Channel is one delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}
