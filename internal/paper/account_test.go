package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOpenMarkAndExitLong(t *testing.T) {
	ledger := NewLedger(4)
	account := NewAccount(d("10000"), ledger)
	if err := account.Open("sub", d("500"), d("10.0000")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	account.Mark("SUB", d("10.0150"))

	holdings, err := account.GetOpenPositions(context.Background())
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(holdings) != 1 || holdings[0].Symbol != "SUB" || !holdings[0].CurrentPrice.Equal(d("10.015")) {
		t.Fatalf("unexpected holdings %+v", holdings)
	}

	order, err := account.SubmitExitOrder(context.Background(), "SUB", d("500"))
	if err != nil {
		t.Fatalf("SubmitExitOrder: %v", err)
	}
	if order.Side != "sell" || order.Status != "filled" {
		t.Fatalf("unexpected order %+v", order)
	}
	if !account.RealizedPnL().Equal(d("7.5")) {
		t.Fatalf("expected realized 7.50, got %s", account.RealizedPnL())
	}
	snap := account.Snapshot()
	if len(snap.Positions) != 0 || !snap.Equity.Equal(d("10007.5")) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	fills := ledger.Snapshot()
	if len(fills) != 1 || !fills[0].RealizedPnL.Equal(d("7.5")) {
		t.Fatalf("unexpected fills %+v", fills)
	}
}

func TestExitShortCoversWithBuy(t *testing.T) {
	account := NewAccount(d("1000"))
	if err := account.Open("TSLA", d("-2"), d("200")); err != nil {
		t.Fatalf("Open: %v", err)
	}
	account.Mark("TSLA", d("190"))
	order, err := account.SubmitExitOrder(context.Background(), "TSLA", d("-2"))
	if err != nil {
		t.Fatalf("SubmitExitOrder: %v", err)
	}
	if order.Side != "buy" {
		t.Fatalf("expected buy to cover, got %s", order.Side)
	}
	if !account.RealizedPnL().Equal(d("20")) {
		t.Fatalf("expected realized 20, got %s", account.RealizedPnL())
	}
}

func TestExitRejectsMismatchedQty(t *testing.T) {
	account := NewAccount(d("1000"))
	_ = account.Open("AAPL", d("1"), d("100"))
	if _, err := account.SubmitExitOrder(context.Background(), "AAPL", d("2")); err == nil {
		t.Fatalf("expected oversize exit rejected")
	}
	if _, err := account.SubmitExitOrder(context.Background(), "MSFT", d("1")); err == nil {
		t.Fatalf("expected unknown symbol rejected")
	}
	if err := account.Open("AAPL", d("-1"), d("100")); err == nil {
		t.Fatalf("expected opposite-side open rejected")
	}
}

func TestOutageFailsCalls(t *testing.T) {
	account := NewAccount(d("1000"))
	outage := errors.New("broker unavailable")
	account.SetOutage(outage)
	if _, err := account.GetOpenPositions(context.Background()); !errors.Is(err, outage) {
		t.Fatalf("expected outage error, got %v", err)
	}
	account.SetOutage(nil)
	if _, err := account.GetOpenPositions(context.Background()); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}
