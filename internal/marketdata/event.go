// Package marketdata standardizes the events shared between the stream client and the position monitor.
package marketdata

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags the payload carried by an Event.
type Kind string

const (
	Trade        Kind = "trade"
	Quote        Kind = "quote"
	Bar          Kind = "bar"
	StatusChange Kind = "status"
)

// DataType names a subscribable stream channel.
type DataType string

const (
	Trades      DataType = "trades"
	Quotes      DataType = "quotes"
	Bars        DataType = "bars"
	UpdatedBars DataType = "updatedBars"
	DailyBars   DataType = "dailyBars"
	Statuses    DataType = "statuses"
)

// AllDataTypes lists every channel in wire order.
var AllDataTypes = []DataType{Trades, Quotes, Bars, UpdatedBars, DailyBars, Statuses}

// ParseDataType accepts wire names as well as the dashed CLI spelling (updated-bars, daily-bars).
func ParseDataType(s string) (DataType, bool) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	for _, dt := range AllDataTypes {
		if strings.ToLower(string(dt)) == norm {
			return dt, true
		}
	}
	return "", false
}

// Subscription is one (symbol, data type) pair.
type Subscription struct {
	Symbol   string
	DataType DataType
}

// Event is an immutable market update. Fields irrelevant to Kind are zero.
type Event struct {
	Kind     Kind
	DataType DataType
	Symbol   string
	Exchange string

	Price decimal.Decimal
	Size  decimal.Decimal

	BidPrice decimal.Decimal
	BidSize  decimal.Decimal
	AskPrice decimal.Decimal
	AskSize  decimal.Decimal

	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal

	StatusCode    string
	StatusMessage string
	ReasonCode    string
	ReasonMessage string

	Timestamp  time.Time
	ReceivedAt time.Time
	Raw        []byte
}

// Mark returns the price used for P&L: trade price, quote midpoint, or bar close.
func (e Event) Mark() (decimal.Decimal, bool) {
	switch e.Kind {
	case Trade:
		return e.Price, e.Price.IsPositive()
	case Quote:
		switch {
		case e.BidPrice.IsPositive() && e.AskPrice.IsPositive():
			return e.BidPrice.Add(e.AskPrice).Div(decimal.NewFromInt(2)), true
		case e.AskPrice.IsPositive():
			return e.AskPrice, true
		case e.BidPrice.IsPositive():
			return e.BidPrice, true
		}
	case Bar:
		return e.Close, e.Close.IsPositive()
	}
	return decimal.Zero, false
}

// EffectiveTime prefers the venue timestamp and falls back to ingestion time.
func (e Event) EffectiveTime() time.Time {
	if e.Timestamp.IsZero() {
		return e.ReceivedAt
	}
	return e.Timestamp
}
