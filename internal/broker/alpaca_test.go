package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

func TestGetOpenPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/positions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("APCA-API-KEY-ID") != "key" || r.Header.Get("APCA-API-SECRET-KEY") != "secret" {
			t.Errorf("missing auth headers")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"symbol":"SUB","qty":"500","avg_entry_price":"10.0000","current_price":"10.0150","side":"long"},
			{"symbol":"TSLA","qty":"-3","avg_entry_price":"200","current_price":"195","side":"short"}
		]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", "secret", zerolog.Nop())
	holdings, err := client.GetOpenPositions(context.Background())
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(holdings) != 2 {
		t.Fatalf("expected 2 holdings, got %d", len(holdings))
	}
	if !holdings[0].EntryPrice.Equal(decimal.RequireFromString("10.0000")) || !holdings[0].CurrentPrice.Equal(decimal.RequireFromString("10.015")) {
		t.Fatalf("unexpected first holding %+v", holdings[0])
	}
	if !holdings[1].Qty.Equal(decimal.NewFromInt(-3)) {
		t.Fatalf("expected signed short qty, got %s", holdings[1].Qty)
	}
}

func TestSubmitExitOrderSide(t *testing.T) {
	var got orderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ord-1","symbol":"TSLA","side":"buy","qty":"3","status":"accepted"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", "secret", zerolog.Nop())
	order, err := client.SubmitExitOrder(context.Background(), "tsla", decimal.NewFromInt(-3))
	if err != nil {
		t.Fatalf("SubmitExitOrder: %v", err)
	}
	if got.Side != Buy || got.Qty != "3" || got.Symbol != "TSLA" || got.Type != "market" {
		t.Fatalf("unexpected order request %+v", got)
	}
	if order.ID != "ord-1" || order.Status != "accepted" {
		t.Fatalf("unexpected order %+v", order)
	}
	if _, err := client.SubmitExitOrder(context.Background(), "TSLA", decimal.Zero); err == nil {
		t.Fatalf("expected zero quantity rejected")
	}
}

func TestAPIErrorAndBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"internal"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", "secret", zerolog.Nop(), WithRateLimit(1000, 100))
	_, err := client.GetOpenPositions(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected APIError 500, got %v", err)
	}
	for i := 0; i < 10; i++ {
		_, err = client.GetOpenPositions(context.Background())
	}
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected breaker to open, got %v", err)
	}
	if calls.Load() != 5 {
		t.Fatalf("expected 5 calls before breaker opened, got %d", calls.Load())
	}
}

func TestExitSide(t *testing.T) {
	if ExitSide(decimal.NewFromInt(10)) != Sell || ExitSide(decimal.NewFromInt(-1)) != Buy {
		t.Fatalf("unexpected exit sides")
	}
}
