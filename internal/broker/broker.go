// Package broker defines the position and exit-order contracts the monitor consumes
// and implements them against the Alpaca trading REST API.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/position"
)

// Order is the broker's acknowledgement of a submitted exit.
type Order struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Qty         decimal.Decimal `json:"qty"`
	Status      string          `json:"status"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// PositionSource returns the broker's current open positions.
type PositionSource interface {
	GetOpenPositions(ctx context.Context) ([]position.Holding, error)
}

// OrderSubmitter places a market order that flattens qty shares of symbol.
// qty carries the position's sign: positive exits a long, negative covers a short.
type OrderSubmitter interface {
	SubmitExitOrder(ctx context.Context, symbol string, qty decimal.Decimal) (Order, error)
}

// Broker is the full collaborator surface.
type Broker interface {
	PositionSource
	OrderSubmitter
}

// Order sides.
const (
	Buy  = "buy"
	Sell = "sell"
)

// ExitSide returns the order side that closes a position of signed qty.
func ExitSide(qty decimal.Decimal) string {
	if qty.IsNegative() {
		return Buy
	}
	return Sell
}
