// Package execution submits exit orders to the broker and records the outcome.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/broker"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/metrics"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/position"
)

// Side enumerates order directions.
type Side string

const (
	Buy  Side = broker.Buy
	Sell Side = broker.Sell
)

// Fill is an executed exit.
type Fill struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Qty         decimal.Decimal `json:"qty"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Time        time.Time       `json:"time"`
}

// ExitResult is the outcome of one exit in a batch.
type ExitResult struct {
	Symbol string
	Order  broker.Order
	Err    error
}

const (
	defaultTimeout  = 5 * time.Second
	exitConcurrency = 4
)

// Executor submits exit orders with a bounded timeout per order.
type Executor struct {
	submitter broker.OrderSubmitter
	log       zerolog.Logger
	timeout   time.Duration
}

// NewExecutor wraps submitter. timeout <= 0 uses 5s.
func NewExecutor(submitter broker.OrderSubmitter, log zerolog.Logger, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Executor{submitter: submitter, log: log, timeout: timeout}
}

// Exit flattens qty (signed) of symbol with a market order.
func (executor *Executor) Exit(ctx context.Context, symbol string, qty decimal.Decimal) (broker.Order, error) {
	side := broker.ExitSide(qty)
	metrics.OrdersTotal.WithLabelValues(symbol, side).Inc()
	executor.log.Info().Str("sym", symbol).Str("side", side).Str("qty", qty.Abs().String()).Msg("submit order")

	ctx, cancel := context.WithTimeout(ctx, executor.timeout)
	defer cancel()
	order, err := executor.submitter.SubmitExitOrder(ctx, symbol, qty)
	if err != nil {
		executor.log.Error().Err(err).Str("sym", symbol).Msg("exit order failed")
		return broker.Order{}, fmt.Errorf("exit %s: %w", symbol, err)
	}
	return order, nil
}

// ExitAll submits exits for every position concurrently and reports each outcome.
// One failure does not cancel the others.
func (executor *Executor) ExitAll(ctx context.Context, positions []position.Position) []ExitResult {
	results := make([]ExitResult, len(positions))
	var g errgroup.Group
	g.SetLimit(exitConcurrency)
	for i, pos := range positions {
		i, pos := i, pos
		results[i].Symbol = pos.Symbol
		g.Go(func() error {
			order, err := executor.Exit(ctx, pos.Symbol, pos.Qty)
			results[i].Order = order
			results[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	return results
}
