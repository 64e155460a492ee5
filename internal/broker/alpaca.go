package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/position"
)

const (
	PaperURL = "https://paper-api.alpaca.markets"
	LiveURL  = "https://api.alpaca.markets"

	defaultTimeout = 10 * time.Second
	// Alpaca allows 200 requests per minute per account.
	defaultRate  = rate.Limit(200.0 / 60.0)
	defaultBurst = 5
)

// APIError is a non-2xx response from the trading API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("alpaca api: status %d: %s", e.Status, strings.TrimSpace(e.Body))
}

// Client talks to the Alpaca trading API. Calls are rate limited and wrapped in a
// circuit breaker so a failing API is not hammered every monitor cycle.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithRateLimit overrides the request budget.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.SetTimeout(d)
		}
	}
}

// NewClient builds a client for baseURL (PaperURL or LiveURL).
func NewClient(baseURL, keyID, secret string, log zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetHeader("APCA-API-KEY-ID", keyID).
			SetHeader("APCA-API-SECRET-KEY", secret).
			SetHeader("Accept", "application/json").
			SetTimeout(defaultTimeout),
		limiter: rate.NewLimiter(defaultRate, defaultBurst),
		log:     log,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "alpaca-trading",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 5 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("broker circuit state")
		},
	})
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type alpacaPosition struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	Side          string          `json:"side"`
}

type orderRequest struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
}

func (c *Client) do(ctx context.Context, call func() (*resty.Response, error)) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := call()
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, &APIError{Status: resp.StatusCode(), Body: resp.String()}
		}
		return nil, nil
	})
	return err
}

// GetOpenPositions lists open positions with signed quantities.
func (c *Client) GetOpenPositions(ctx context.Context) ([]position.Holding, error) {
	var out []alpacaPosition
	err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetResult(&out).Get("/v2/positions")
	})
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	holdings := make([]position.Holding, 0, len(out))
	for _, p := range out {
		qty := p.Qty
		if p.Side == "short" && qty.IsPositive() {
			qty = qty.Neg()
		}
		holdings = append(holdings, position.Holding{
			Symbol:       p.Symbol,
			Qty:          qty,
			EntryPrice:   p.AvgEntryPrice,
			CurrentPrice: p.CurrentPrice,
		})
	}
	return holdings, nil
}

// SubmitExitOrder sends a day market order on the closing side for |qty| shares.
func (c *Client) SubmitExitOrder(ctx context.Context, symbol string, qty decimal.Decimal) (Order, error) {
	if qty.IsZero() {
		return Order{}, errors.New("exit order: zero quantity")
	}
	req := orderRequest{
		Symbol:      position.Normalize(symbol),
		Qty:         qty.Abs().String(),
		Side:        ExitSide(qty),
		Type:        "market",
		TimeInForce: "day",
	}
	var out Order
	err := c.do(ctx, func() (*resty.Response, error) {
		return c.http.R().SetContext(ctx).SetBody(req).SetResult(&out).Post("/v2/orders")
	})
	if err != nil {
		return Order{}, fmt.Errorf("submit exit %s: %w", req.Symbol, err)
	}
	c.log.Info().Str("symbol", req.Symbol).Str("side", req.Side).Str("qty", req.Qty).Str("order_id", out.ID).Msg("exit order accepted")
	return out, nil
}
