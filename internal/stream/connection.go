package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/audit"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/marketdata"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/metrics"
)

const (
	DefaultSilentTimeout = 10 * time.Second
	minLiveness          = 10 * time.Millisecond
	maxLiveness          = time.Second
	subscribeTimeout     = 5 * time.Second
)

// Connection owns one logical feed connection across any number of physical sessions.
type Connection struct {
	transport Transport
	registry  *Registry
	events    *marketdata.Channel
	audit     *audit.Log
	log       zerolog.Logger
	backoff   *Backoff

	silentTimeout time.Duration
	liveness      time.Duration

	mu          sync.Mutex
	state       State
	session     Session
	connectedAt time.Time
	lastErr     error
	observers   []func(marketdata.Event)
	stateHooks  []func(from, to State)

	lastMessage atomic.Int64
	reconnects  atomic.Uint64
	counterMu   sync.Mutex
	counters    map[marketdata.DataType]uint64

	stop      chan struct{}
	closeOnce sync.Once
	runMu     sync.Mutex
	runDone   chan struct{}
	finished  atomic.Bool
}

// Option configures a Connection.
type Option func(*Connection)

// WithSilentTimeout sets how long the connection may go without messages before it is declared stale.
func WithSilentTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.silentTimeout = d
		}
	}
}

// WithLivenessInterval sets how often the silence check runs. It defaults to a tenth of the silent timeout.
func WithLivenessInterval(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.liveness = d
		}
	}
}

// WithBackoff replaces the reconnect schedule.
func WithBackoff(b *Backoff) Option {
	return func(c *Connection) {
		if b != nil {
			c.backoff = b
		}
	}
}

// WithRegistry shares a subscription registry.
func WithRegistry(r *Registry) Option {
	return func(c *Connection) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithEvents sets the channel events are published to.
func WithEvents(ch *marketdata.Channel) Option {
	return func(c *Connection) {
		if ch != nil {
			c.events = ch
		}
	}
}

// WithAudit records state transitions in log.
func WithAudit(log *audit.Log) Option {
	return func(c *Connection) {
		if log != nil {
			c.audit = log
		}
	}
}

// New builds a Disconnected connection over transport.
func New(transport Transport, log zerolog.Logger, opts ...Option) *Connection {
	c := &Connection{
		transport:     transport,
		log:           log,
		silentTimeout: DefaultSilentTimeout,
		state:         Disconnected,
		counters:      make(map[marketdata.DataType]uint64),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = NewRegistry()
	}
	if c.events == nil {
		c.events = marketdata.NewChannel(0)
	}
	if c.audit == nil {
		c.audit = audit.New()
	}
	if c.backoff == nil {
		c.backoff = NewBackoff(DefaultInitialBackoff, DefaultMaxBackoff, DefaultJitter)
	}
	if c.liveness <= 0 {
		c.liveness = c.silentTimeout / 10
		if c.liveness < minLiveness {
			c.liveness = minLiveness
		}
		if c.liveness > maxLiveness {
			c.liveness = maxLiveness
		}
	}
	publishState(Disconnected)
	return c
}

// Events is the channel decoded events are delivered on. It is closed when the connection closes.
func (c *Connection) Events() *marketdata.Channel { return c.events }

// Registry exposes the subscription set replayed on reconnect.
func (c *Connection) Registry() *Registry { return c.registry }

// OnEvent registers an observer called on the I/O goroutine for every delivered
// event, before it is queued. Observers must not block.
func (c *Connection) OnEvent(fn func(marketdata.Event)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// OnStateChange registers a hook called after every transition.
func (c *Connection) OnStateChange(fn func(from, to State)) {
	c.mu.Lock()
	c.stateHooks = append(c.stateHooks, fn)
	c.mu.Unlock()
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(to State, reason string) {
	c.mu.Lock()
	from := c.state
	if from == to || from == Closed || (from == Closing && to != Closed) {
		c.mu.Unlock()
		return
	}
	c.state = to
	if to == Connected {
		c.connectedAt = time.Now()
	}
	hooks := append([]func(from, to State){}, c.stateHooks...)
	c.mu.Unlock()

	publishState(to)
	fields := map[string]any{"from": from.String(), "to": to.String()}
	if reason != "" {
		fields["reason"] = reason
	}
	c.audit.Append(audit.Connection, "state change", fields)
	c.log.Info().Str("from", from.String()).Str("to", to.String()).Str("reason", reason).Msg("stream state")
	for _, hook := range hooks {
		hook(from, to)
	}
}

func (c *Connection) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Connect registers subs and performs the first dial and handshake. On success the
// connection is Connected with every registered subscription replayed. A transient
// failure leaves it Reconnecting for Run to retry; an authentication failure closes it.
func (c *Connection) Connect(ctx context.Context, subs ...marketdata.Subscription) error {
	c.registry.Add(subs...)
	if c.stopping() || c.State() == Closed {
		return ErrClosed
	}
	return c.dial(ctx)
}

func (c *Connection) dial(ctx context.Context) error {
	c.setState(Connecting, "")
	sess, err := c.transport.Open(ctx)
	if err != nil {
		return c.dialFailed(err)
	}

	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		sess.Close()
		return ErrClosed
	}
	c.session = sess
	c.mu.Unlock()

	c.touch()
	c.setState(Connected, "")
	c.backoff.Reset()

	replay := c.registry.List()
	if len(replay) > 0 {
		subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
		err := sess.Subscribe(subCtx, replay)
		cancel()
		if err != nil {
			c.detach(sess)
			return c.dialFailed(fmt.Errorf("replay subscriptions: %w", err))
		}
		c.audit.Append(audit.Connection, "subscriptions replayed", map[string]any{"count": len(replay)})
	}
	return nil
}

func (c *Connection) dialFailed(err error) error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	if errors.Is(err, ErrAuthentication) {
		c.log.Error().Err(err).Msg("stream authentication rejected")
		c.setState(Closed, err.Error())
		return err
	}
	if c.stopping() {
		return ErrClosed
	}
	c.log.Warn().Err(err).Msg("stream connect failed")
	c.setState(Reconnecting, err.Error())
	return err
}

func (c *Connection) detach(sess Session) {
	c.mu.Lock()
	if c.session == sess {
		c.session = nil
	}
	c.mu.Unlock()
	_ = sess.Close()
}

func (c *Connection) currentSession() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return nil
	}
	return c.session
}

func (c *Connection) touch() { c.lastMessage.Store(time.Now().UnixNano()) }

// LastMessageAge is the time since the last inbound frame, zero before the first connect.
func (c *Connection) LastMessageAge() time.Duration {
	last := c.lastMessage.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// Run drives the connection until Close, context cancellation or an authentication
// failure. If Connect was not called it performs the first dial itself. The event
// channel is closed on every return path.
func (c *Connection) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.runDone != nil {
		c.runMu.Unlock()
		return errors.New("stream: Run already called")
	}
	c.runDone = make(chan struct{})
	c.runMu.Unlock()
	defer close(c.runDone)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if ctx.Err() != nil || c.stopping() {
			c.finish()
			return nil
		}
		switch c.State() {
		case Closed:
			c.finish()
			return c.err()
		case Closing:
			c.finish()
			return nil
		case Disconnected:
			if err := c.dial(ctx); errors.Is(err, ErrAuthentication) {
				c.finish()
				return err
			}
			continue
		case Reconnecting:
			if !c.sleep(ctx, c.nextDelay()) {
				continue
			}
			if err := c.dial(ctx); errors.Is(err, ErrAuthentication) {
				c.finish()
				return err
			}
			continue
		}

		sess := c.currentSession()
		if sess == nil {
			c.setState(Reconnecting, "session lost")
			continue
		}
		err := c.serve(ctx, sess)
		c.detach(sess)
		if ctx.Err() != nil || c.stopping() {
			continue
		}
		if errors.Is(err, ErrAuthentication) {
			c.dialFailed(err)
			c.finish()
			return err
		}
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("stream session ended")
		c.setState(Reconnecting, errString(err))
	}
}

func (c *Connection) nextDelay() time.Duration {
	d := c.backoff.Next()
	c.reconnects.Add(1)
	metrics.Reconnects.Inc()
	c.log.Info().Dur("delay", d).Msg("stream reconnect scheduled")
	return d
}

func (c *Connection) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// serve reads from sess until it fails, goes silent, or ctx ends.
func (c *Connection) serve(ctx context.Context, sess Session) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			events, err := sess.Next()
			if err != nil {
				readErr <- err
				return
			}
			c.touch()
			for _, ev := range events {
				c.deliver(ev)
			}
		}
	}()

	ticker := time.NewTicker(c.liveness)
	defer ticker.Stop()
	for {
		select {
		case err := <-readErr:
			return err
		case <-ticker.C:
			if age := c.LastMessageAge(); age > c.silentTimeout {
				c.setState(Stale, fmt.Sprintf("no messages for %s", age.Round(time.Millisecond)))
				sess.Close()
				<-readErr
				return ErrSilentStall
			}
		case <-ctx.Done():
			sess.Close()
			<-readErr
			return ctx.Err()
		}
	}
}

func (c *Connection) deliver(ev marketdata.Event) {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return
	}
	observers := c.observers
	c.mu.Unlock()

	c.counterMu.Lock()
	c.counters[ev.DataType]++
	c.counterMu.Unlock()
	metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()

	for _, fn := range observers {
		fn(ev)
	}
	c.events.Publish(ev)
}

// Subscribe adds subscriptions and sends the new ones on the live session, if any.
func (c *Connection) Subscribe(ctx context.Context, subs ...marketdata.Subscription) error {
	added := c.registry.Add(subs...)
	if len(added) == 0 {
		return nil
	}
	sess := c.currentSession()
	if sess == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	return sess.Subscribe(ctx, added)
}

// Unsubscribe removes subscriptions and withdraws them from the live session, if any.
func (c *Connection) Unsubscribe(ctx context.Context, subs ...marketdata.Subscription) error {
	removed := c.registry.Remove(subs...)
	if len(removed) == 0 {
		return nil
	}
	sess := c.currentSession()
	if sess == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	return sess.Unsubscribe(ctx, removed)
}

// Counters returns delivered event counts per data type.
func (c *Connection) Counters() map[marketdata.DataType]uint64 {
	c.counterMu.Lock()
	defer c.counterMu.Unlock()
	out := make(map[marketdata.DataType]uint64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// Status is a point-in-time view of the connection.
type Status struct {
	State          string        `json:"state"`
	LastMessageAge time.Duration `json:"last_message_age"`
	ConnectedAt    time.Time     `json:"connected_at,omitempty"`
	Reconnects     uint64        `json:"reconnects"`
	Subscriptions  int           `json:"subscriptions"`
	LastError      string        `json:"last_error,omitempty"`
}

func (c *Connection) Status() Status {
	c.mu.Lock()
	st := Status{State: c.state.String(), ConnectedAt: c.connectedAt, LastError: errString(c.lastErr)}
	c.mu.Unlock()
	st.LastMessageAge = c.LastMessageAge()
	st.Reconnects = c.reconnects.Load()
	st.Subscriptions = c.registry.Len()
	return st
}

func (c *Connection) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if errors.Is(c.lastErr, ErrAuthentication) {
		return c.lastErr
	}
	return nil
}

// Close stops the connection, waits for Run to return and closes the event channel. Safe to call repeatedly.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.setState(Closing, "close requested")
		close(c.stop)
		c.runMu.Lock()
		done := c.runDone
		c.runMu.Unlock()
		if done != nil {
			<-done
		}
		c.finish()
	})
	return nil
}

func (c *Connection) finish() {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	c.setState(Closing, "")
	c.setState(Closed, "")
	c.audit.Append(audit.Connection, "connection closed", map[string]any{"reconnects": c.reconnects.Load()})
	c.events.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
