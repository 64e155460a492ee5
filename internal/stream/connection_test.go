package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/audit"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/marketdata"
)

type fakeSession struct {
	frames chan []marketdata.Event
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	subs   [][]marketdata.Subscription
	unsubs [][]marketdata.Subscription
}

func newFakeSession() *fakeSession {
	return &fakeSession{frames: make(chan []marketdata.Event, 16), done: make(chan struct{})}
}

func (s *fakeSession) Subscribe(_ context.Context, subs []marketdata.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, append([]marketdata.Subscription(nil), subs...))
	return nil
}

func (s *fakeSession) Unsubscribe(_ context.Context, subs []marketdata.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs, append([]marketdata.Subscription(nil), subs...))
	return nil
}

func (s *fakeSession) Next() ([]marketdata.Event, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *fakeSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSession) subscribeCalls() [][]marketdata.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]marketdata.Subscription(nil), s.subs...)
}

type fakeTransport struct {
	mu       sync.Mutex
	errs     []error
	openedAt []time.Time
	opened   chan *fakeSession
}

func newFakeTransport(errs ...error) *fakeTransport {
	return &fakeTransport{errs: errs, opened: make(chan *fakeSession, 16)}
}

func (t *fakeTransport) Open(context.Context) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openedAt = append(t.openedAt, time.Now())
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		return nil, err
	}
	s := newFakeSession()
	t.opened <- s
	return s, nil
}

func (t *fakeTransport) opens() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.openedAt...)
}

type transition struct {
	from, to State
	at       time.Time
}

type recorder struct {
	mu  sync.Mutex
	all []transition
}

func (r *recorder) hook(from, to State) {
	r.mu.Lock()
	r.all = append(r.all, transition{from: from, to: to, at: time.Now()})
	r.mu.Unlock()
}

func (r *recorder) list() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition(nil), r.all...)
}

func awaitSession(t *testing.T, tr *fakeTransport) *fakeSession {
	t.Helper()
	select {
	case s := <-tr.opened:
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for session")
		return nil
	}
}

var testSubs = []marketdata.Subscription{
	{Symbol: "AAPL", DataType: marketdata.Trades},
	{Symbol: "msft", DataType: marketdata.Quotes},
}

func TestConnectReplaysRegistry(t *testing.T) {
	tr := newFakeTransport()
	conn := New(tr, zerolog.Nop())
	defer conn.Close()

	if err := conn.Connect(context.Background(), testSubs...); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if conn.State() != Connected {
		t.Fatalf("expected connected, got %s", conn.State())
	}
	sess := awaitSession(t, tr)
	calls := sess.subscribeCalls()
	if len(calls) != 1 || len(calls[0]) != 2 {
		t.Fatalf("expected one replay with 2 subscriptions, got %+v", calls)
	}
	got := map[marketdata.Subscription]bool{}
	for _, sub := range calls[0] {
		got[sub] = true
	}
	if !got[marketdata.Subscription{Symbol: "AAPL", DataType: marketdata.Trades}] ||
		!got[marketdata.Subscription{Symbol: "MSFT", DataType: marketdata.Quotes}] {
		t.Fatalf("unexpected replay %+v", calls[0])
	}
}

func TestSilentStallReconnectsAndReplaysOnce(t *testing.T) {
	tr := newFakeTransport()
	rec := &recorder{}
	conn := New(tr, zerolog.Nop(),
		WithSilentTimeout(100*time.Millisecond),
		WithLivenessInterval(10*time.Millisecond),
		WithBackoff(NewBackoff(50*time.Millisecond, time.Second, 0.2)),
	)
	conn.OnStateChange(rec.hook)

	if err := conn.Connect(context.Background(), testSubs...); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := awaitSession(t, tr)

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(context.Background()) }()

	second := awaitSession(t, tr)
	conn.Close()
	if err := <-runErr; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	var stale, reconnecting time.Time
	var sawStale bool
	for _, tn := range rec.list() {
		if tn.from == Connected && tn.to == Stale {
			sawStale = true
			stale = tn.at
		}
		if sawStale && tn.from == Stale && tn.to == Reconnecting && reconnecting.IsZero() {
			reconnecting = tn.at
		}
	}
	if !sawStale || reconnecting.IsZero() {
		t.Fatalf("expected connected -> stale -> reconnecting, got %+v", rec.list())
	}
	if reconnecting.Before(stale) {
		t.Fatalf("reconnecting recorded before stale")
	}

	opens := tr.opens()
	if len(opens) < 2 {
		t.Fatalf("expected a reconnect attempt, got %d opens", len(opens))
	}
	gap := opens[1].Sub(reconnecting)
	if gap < 40*time.Millisecond || gap > 250*time.Millisecond {
		t.Fatalf("reconnect attempt after %s, expected about 50ms +/-20%%", gap)
	}

	if len(first.subscribeCalls()) != 1 {
		t.Fatalf("expected one replay on first session")
	}
	calls := second.subscribeCalls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one replay on reconnect, got %d", len(calls))
	}
	seen := map[marketdata.Subscription]int{}
	for _, sub := range calls[0] {
		seen[sub]++
	}
	if len(seen) != 2 || seen[marketdata.Subscription{Symbol: "MSFT", DataType: marketdata.Quotes}] != 1 {
		t.Fatalf("expected every subscription replayed once, got %+v", calls[0])
	}
}

func TestAuthenticationFailureIsFatal(t *testing.T) {
	tr := newFakeTransport(fmt.Errorf("%w: 402 auth failed", ErrAuthentication))
	conn := New(tr, zerolog.Nop())
	defer conn.Close()

	err := conn.Connect(context.Background(), testSubs...)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if conn.State() != Closed {
		t.Fatalf("expected closed after auth failure, got %s", conn.State())
	}
	if err := conn.Run(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected Run to surface auth error, got %v", err)
	}
	if n := len(tr.opens()); n != 1 {
		t.Fatalf("expected no retry after auth failure, got %d opens", n)
	}
}

func TestAuthFailureDuringRunClosesEvents(t *testing.T) {
	tr := newFakeTransport(errors.New("net down"), fmt.Errorf("%w: 401 unauthorized", ErrAuthentication))
	log := audit.New()
	conn := New(tr, zerolog.Nop(), WithAudit(log), WithBackoff(NewBackoff(5*time.Millisecond, 20*time.Millisecond, -1)))
	defer conn.Close()

	if err := conn.Connect(context.Background(), testSubs...); err == nil {
		t.Fatalf("expected first connect to fail")
	}
	if err := conn.Run(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected Run to return auth error, got %v", err)
	}
	select {
	case _, ok := <-conn.Events().C():
		if ok {
			t.Fatalf("unexpected event after auth failure")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("events channel still open after fatal auth failure")
	}
	if conn.State() != Closed {
		t.Fatalf("expected closed, got %s", conn.State())
	}
	if last, ok := log.Last(); !ok || last.Message != "connection closed" {
		t.Fatalf("expected final audit record, got %+v", last)
	}
}

func TestTransientFailuresAreRetried(t *testing.T) {
	tr := newFakeTransport(errors.New("connection refused"), errors.New("connection refused"))
	conn := New(tr, zerolog.Nop(), WithBackoff(NewBackoff(5*time.Millisecond, 20*time.Millisecond, -1)))

	if err := conn.Connect(context.Background(), testSubs...); err == nil {
		t.Fatalf("expected first connect to fail")
	}
	if conn.State() != Reconnecting {
		t.Fatalf("expected reconnecting, got %s", conn.State())
	}
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(context.Background()) }()

	awaitSession(t, tr)
	deadline := time.Now().Add(time.Second)
	for conn.State() != Connected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if conn.State() != Connected {
		t.Fatalf("expected connected after retries, got %s", conn.State())
	}
	if n := len(tr.opens()); n != 3 {
		t.Fatalf("expected 3 open attempts, got %d", n)
	}
	if conn.Status().Reconnects != 2 {
		t.Fatalf("expected 2 scheduled reconnects, got %d", conn.Status().Reconnects)
	}
	conn.Close()
	<-runErr
}

func TestEventsDeliveredInOrder(t *testing.T) {
	tr := newFakeTransport()
	conn := New(tr, zerolog.Nop())
	var observed int
	var obsMu sync.Mutex
	conn.OnEvent(func(marketdata.Event) {
		obsMu.Lock()
		observed++
		obsMu.Unlock()
	})
	if err := conn.Connect(context.Background(), testSubs...); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := awaitSession(t, tr)
	go conn.Run(context.Background())
	defer conn.Close()

	var frame []marketdata.Event
	for i := int64(1); i <= 3; i++ {
		frame = append(frame, marketdata.Event{
			Kind: marketdata.Trade, DataType: marketdata.Trades, Symbol: "AAPL", Price: decimal.NewFromInt(i),
		})
	}
	sess.frames <- frame
	sess.frames <- []marketdata.Event{{Kind: marketdata.Quote, DataType: marketdata.Quotes, Symbol: "MSFT"}}

	for i := int64(1); i <= 3; i++ {
		select {
		case ev := <-conn.Events().C():
			if !ev.Price.Equal(decimal.NewFromInt(i)) {
				t.Fatalf("event %d out of order: %s", i, ev.Price)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	select {
	case ev := <-conn.Events().C():
		if ev.Kind != marketdata.Quote {
			t.Fatalf("expected quote, got %s", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for quote")
	}
	counters := conn.Counters()
	if counters[marketdata.Trades] != 3 || counters[marketdata.Quotes] != 1 {
		t.Fatalf("unexpected counters %+v", counters)
	}
	obsMu.Lock()
	defer obsMu.Unlock()
	if observed != 4 {
		t.Fatalf("expected observer called 4 times, got %d", observed)
	}
}

func TestRuntimeSubscribeSendsOnlyNewEntries(t *testing.T) {
	tr := newFakeTransport()
	conn := New(tr, zerolog.Nop())
	defer conn.Close()
	if err := conn.Connect(context.Background(), testSubs[0]); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := awaitSession(t, tr)

	if err := conn.Subscribe(context.Background(), testSubs...); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	calls := sess.subscribeCalls()
	if len(calls) != 2 || len(calls[1]) != 1 || calls[1][0].Symbol != "MSFT" {
		t.Fatalf("expected only MSFT sent, got %+v", calls)
	}
	if err := conn.Unsubscribe(context.Background(), testSubs[0]); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	sess.mu.Lock()
	unsubs := len(sess.unsubs)
	sess.mu.Unlock()
	if unsubs != 1 || conn.Registry().Len() != 1 {
		t.Fatalf("expected one unsubscribe and one remaining subscription")
	}
}

func TestCloseIsIdempotentAndAudited(t *testing.T) {
	tr := newFakeTransport()
	log := audit.New()
	conn := New(tr, zerolog.Nop(), WithAudit(log))
	if err := conn.Connect(context.Background(), testSubs...); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(context.Background()) }()

	conn.Close()
	conn.Close()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Close")
	}
	if conn.State() != Closed {
		t.Fatalf("expected closed, got %s", conn.State())
	}
	if _, ok := <-conn.Events().C(); ok {
		t.Fatalf("expected event channel closed")
	}
	last, ok := log.Last()
	if !ok || last.Message != "connection closed" {
		t.Fatalf("expected final audit record, got %+v", last)
	}
	var sawClosing bool
	for _, rec := range log.Find(audit.Query{Category: audit.Connection}) {
		if rec.Fields["to"] == "closing" {
			sawClosing = true
		}
	}
	if !sawClosing {
		t.Fatalf("expected closing transition recorded")
	}
}

func TestDefaultLivenessInterval(t *testing.T) {
	conn := New(newFakeTransport(), zerolog.Nop())
	if conn.liveness != time.Second {
		t.Fatalf("expected 1s liveness for 10s silent timeout, got %s", conn.liveness)
	}
	conn = New(newFakeTransport(), zerolog.Nop(), WithSilentTimeout(20*time.Millisecond))
	if conn.liveness != minLiveness {
		t.Fatalf("expected liveness clamped to %s, got %s", minLiveness, conn.liveness)
	}
}
