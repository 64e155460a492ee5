package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func trade(sym string, px int64) Event {
	return Event{Kind: Trade, Symbol: sym, Price: decimal.NewFromInt(px), ReceivedAt: time.Now()}
}

func TestChannelPreservesOrder(t *testing.T) {
	ch := NewChannel(4)
	for i := int64(1); i <= 3; i++ {
		if !ch.Publish(trade("AAPL", i)) {
			t.Fatalf("publish %d rejected", i)
		}
	}
	got := ch.Drain()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, ev := range got {
		if !ev.Price.Equal(decimal.NewFromInt(int64(i + 1))) {
			t.Fatalf("event %d out of order: %s", i, ev.Price)
		}
	}
}

func TestChannelEvictsOldestWhenFull(t *testing.T) {
	ch := NewChannel(2, WithName("test"))
	start := time.Now()
	for i := int64(1); i <= 5; i++ {
		ch.Publish(trade("MSFT", i))
	}
	if time.Since(start) > time.Second {
		t.Fatalf("publish blocked on a full channel")
	}
	got := ch.Drain()
	if len(got) != 2 {
		t.Fatalf("expected 2 retained events, got %d", len(got))
	}
	if !got[0].Price.Equal(decimal.NewFromInt(4)) || !got[1].Price.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected newest events retained, got %s,%s", got[0].Price, got[1].Price)
	}
	published, dropped := ch.Stats()
	if published != 5 || dropped != 3 {
		t.Fatalf("unexpected stats published=%d dropped=%d", published, dropped)
	}
}

func TestChannelGraceWaitsForConsumer(t *testing.T) {
	ch := NewChannel(1, WithGrace(500*time.Millisecond))
	ch.Publish(trade("AAPL", 1))
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-ch.C()
	}()
	ch.Publish(trade("AAPL", 2))
	if _, dropped := ch.Stats(); dropped != 0 {
		t.Fatalf("expected no drops while consumer catches up, got %d", dropped)
	}
}

func TestChannelCloseRejectsPublish(t *testing.T) {
	ch := NewChannel(1)
	ch.Close()
	ch.Close()
	if ch.Publish(trade("AAPL", 1)) {
		t.Fatalf("expected publish after close to fail")
	}
	if _, ok := <-ch.C(); ok {
		t.Fatalf("expected closed receive side")
	}
}

func TestEventMark(t *testing.T) {
	q := Event{Kind: Quote, BidPrice: decimal.RequireFromString("10.00"), AskPrice: decimal.RequireFromString("10.02")}
	mark, ok := q.Mark()
	if !ok || !mark.Equal(decimal.RequireFromString("10.01")) {
		t.Fatalf("expected quote mid 10.01, got %s ok=%v", mark, ok)
	}
	b := Event{Kind: Bar, Close: decimal.RequireFromString("99.5")}
	if mark, ok := b.Mark(); !ok || !mark.Equal(decimal.RequireFromString("99.5")) {
		t.Fatalf("expected bar close, got %s", mark)
	}
	if _, ok := (Event{Kind: StatusChange}).Mark(); ok {
		t.Fatalf("status events carry no mark")
	}
}

func TestParseDataType(t *testing.T) {
	cases := map[string]DataType{
		"trades":       Trades,
		"updated-bars": UpdatedBars,
		"dailyBars":    DailyBars,
		"STATUSES":     Statuses,
	}
	for in, want := range cases {
		got, ok := ParseDataType(in)
		if !ok || got != want {
			t.Fatalf("ParseDataType(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseDataType("orderbook"); ok {
		t.Fatalf("expected unknown data type rejected")
	}
}
