// Package monitor runs the periodic position check: it reconciles the ledger with
// the broker, applies stream marks between checks, evaluates thresholds and raises alerts.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/alert"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/audit"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/broker"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/execution"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/marketdata"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/metrics"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/position"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/risk"
)

var (
	ErrNotRunning     = errors.New("monitor: not running")
	ErrAlreadyRunning = errors.New("monitor: already running")
)

// Dispatcher delivers an alert to every configured channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, a alert.Alert) []alert.Result
}

// Config tunes the check loop.
type Config struct {
	Interval         time.Duration
	FetchTimeout     time.Duration
	FailureThreshold int
	Thresholds       risk.Thresholds
}

const (
	defaultInterval         = 2 * time.Second
	defaultFailureThreshold = 3
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.FetchTimeout <= 0 || c.FetchTimeout >= c.Interval {
		c.FetchTimeout = c.Interval * 3 / 4
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if t := c.Thresholds; t.StopLoss.IsZero() && t.ProfitAlert.IsZero() && t.ProfitExit.IsZero() {
		c.Thresholds = risk.DefaultThresholds()
	}
	return c
}

// Status is a point-in-time view of the loop.
type Status struct {
	Running             bool      `json:"running"`
	Halted              bool      `json:"halted"`
	HaltReason          string    `json:"halt_reason,omitempty"`
	Progress            uint64    `json:"progress"`
	Errors              uint64    `json:"errors"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	Tracked             int       `json:"tracked"`
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithEvents feeds stream marks into the ledger between checks.
func WithEvents(ch *marketdata.Channel) Option {
	return func(m *Monitor) { m.events = ch }
}

// WithExecutor enables auto-exit orders.
func WithExecutor(executor *execution.Executor) Option {
	return func(m *Monitor) { m.executor = executor }
}

// WithAudit records every check.
func WithAudit(log *audit.Log) Option {
	return func(m *Monitor) {
		if log != nil {
			m.audit = log
		}
	}
}

// WithLedger shares a ledger with readers such as the status surface.
func WithLedger(ledger *position.Ledger) Option {
	return func(m *Monitor) {
		if ledger != nil {
			m.ledger = ledger
		}
	}
}

// Monitor owns the position ledger. Only the loop and CheckNow mutate it.
type Monitor struct {
	cfg        Config
	source     broker.PositionSource
	dispatcher Dispatcher
	executor   *execution.Executor
	ledger     *position.Ledger
	events     *marketdata.Channel
	audit      *audit.Log
	log        zerolog.Logger

	progress atomic.Uint64
	checkMu  sync.Mutex

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	done           chan struct{}
	startedAt      time.Time
	lastCheck      time.Time
	lastError      string
	errorsTotal    uint64
	failures       int
	halted         bool
	haltReason     string
	onTrack        []func(symbol string)
	onUntrack      []func(symbol string)
	dispatchWG     sync.WaitGroup
	dispatchClosed bool
}

// New builds a stopped monitor.
func New(cfg Config, source broker.PositionSource, dispatcher Dispatcher, log zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:        cfg.withDefaults(),
		source:     source,
		dispatcher: dispatcher,
		ledger:     position.NewLedger(),
		audit:      audit.New(),
		log:        log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnTrack registers fn to run when a symbol enters the ledger.
func (m *Monitor) OnTrack(fn func(symbol string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrack = append(m.onTrack, fn)
}

// OnUntrack registers fn to run when a symbol leaves the ledger.
func (m *Monitor) OnUntrack(fn func(symbol string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUntrack = append(m.onUntrack, fn)
}

// Start launches the loop. The first check runs one interval after Start.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.dispatchClosed = false
	m.startedAt = time.Now()
	go m.loop(ctx, m.done)
	m.log.Info().Dur("interval", m.cfg.Interval).Dur("fetch_timeout", m.cfg.FetchTimeout).Msg("monitor started")
	return nil
}

// Stop cancels the loop, waits for it and for in-flight alert deliveries. Safe to call twice.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.dispatchWG.Wait()
		return
	}
	m.running = false
	m.cancel()
	done := m.done
	m.mu.Unlock()

	<-done
	m.mu.Lock()
	m.dispatchClosed = true
	m.mu.Unlock()
	m.dispatchWG.Wait()
	m.log.Info().Uint64("progress", m.progress.Load()).Msg("monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	var events <-chan marketdata.Event
	if m.events != nil {
		events = m.events.C()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.iterate(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.applyEvent(ctx, ev)
		}
	}
}

// CheckNow runs one iteration immediately and returns the broker fetch error, if any.
func (m *Monitor) CheckNow(ctx context.Context) error {
	if !m.Running() {
		return ErrNotRunning
	}
	return m.iterate(ctx)
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Progress is the monotonic count of completed iterations.
func (m *Monitor) Progress() uint64 { return m.progress.Load() }

// Snapshot returns copies of every tracked position.
func (m *Monitor) Snapshot() []position.Position { return m.ledger.Snapshot() }

// Ledger exposes read access for totals and single lookups.
func (m *Monitor) Ledger() *position.Ledger { return m.ledger }

// Halt disables automated orders until Resume.
func (m *Monitor) Halt(reason string) {
	m.mu.Lock()
	already := m.halted
	m.halted = true
	m.haltReason = reason
	m.mu.Unlock()
	if !already {
		m.log.Warn().Str("reason", reason).Msg("monitor halted")
		m.audit.Append(audit.Emergency, "monitor halted", map[string]any{"reason": reason})
	}
}

// Resume re-enables automated orders.
func (m *Monitor) Resume() {
	m.mu.Lock()
	was := m.halted
	m.halted = false
	m.haltReason = ""
	m.mu.Unlock()
	if was {
		m.log.Info().Msg("monitor resumed")
		m.audit.Append(audit.Emergency, "monitor resumed", nil)
	}
}

// Halted reports whether automated orders are disabled.
func (m *Monitor) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Running:             m.running,
		Halted:              m.halted,
		HaltReason:          m.haltReason,
		Progress:            m.progress.Load(),
		Errors:              m.errorsTotal,
		ConsecutiveFailures: m.failures,
		LastCheck:           m.lastCheck,
		LastError:           m.lastError,
		StartedAt:           m.startedAt,
		Tracked:             m.ledger.Len(),
	}
}

func (m *Monitor) iterate(ctx context.Context) (err error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor iteration panic: %v", r)
			m.fault(err)
		}
	}()

	if m.events != nil {
		for _, ev := range m.events.Drain() {
			m.applyEventLocked(ctx, ev)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	holdings, fetchErr := m.source.GetOpenPositions(fetchCtx)
	cancel()
	fetchedAt := time.Now()

	var changes position.Changes
	if fetchErr != nil {
		m.fetchFailed(fetchErr)
	} else {
		m.fetchSucceeded()
		changes = m.ledger.Reconcile(holdings, fetchedAt)
		m.notify(changes)
	}

	for _, pos := range m.ledger.Snapshot() {
		m.evaluate(ctx, pos)
	}

	n := m.progress.Add(1)
	tracked := m.ledger.Len()
	metrics.ChecksTotal.Inc()
	metrics.TrackedPositions.Set(float64(tracked))
	m.mu.Lock()
	m.lastCheck = fetchedAt
	m.mu.Unlock()

	fields := map[string]any{
		"progress":  n,
		"positions": tracked,
		"fetch_ok":  fetchErr == nil,
	}
	if len(changes.Added) > 0 {
		fields["added"] = changes.Added
	}
	if len(changes.Removed) > 0 {
		fields["removed"] = changes.Removed
	}
	m.audit.Append(audit.Check, "position check", fields)
	if fetchErr != nil {
		return fmt.Errorf("fetch positions: %w", fetchErr)
	}
	return nil
}

func (m *Monitor) applyEvent(ctx context.Context, ev marketdata.Event) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			m.fault(fmt.Errorf("monitor event panic: %v", r))
		}
	}()
	m.applyEventLocked(ctx, ev)
}

func (m *Monitor) applyEventLocked(ctx context.Context, ev marketdata.Event) {
	price, ok := ev.Mark()
	if !ok {
		return
	}
	pos, updated := m.ledger.UpdatePrice(ev.Symbol, price, ev.EffectiveTime())
	if !updated {
		return
	}
	m.evaluate(ctx, pos)
}

func (m *Monitor) notify(changes position.Changes) {
	if len(changes.Added) == 0 && len(changes.Removed) == 0 {
		return
	}
	m.mu.Lock()
	onTrack := append([]func(string){}, m.onTrack...)
	onUntrack := append([]func(string){}, m.onUntrack...)
	m.mu.Unlock()
	for _, sym := range changes.Added {
		m.log.Info().Str("sym", sym).Msg("tracking position")
		for _, fn := range onTrack {
			fn(sym)
		}
	}
	for _, sym := range changes.Removed {
		m.log.Info().Str("sym", sym).Msg("position closed")
		for _, fn := range onUntrack {
			fn(sym)
		}
	}
}

func (m *Monitor) fetchFailed(err error) {
	metrics.FetchFailures.Inc()
	m.mu.Lock()
	m.failures++
	m.errorsTotal++
	m.lastError = err.Error()
	n := m.failures
	m.mu.Unlock()

	m.log.Warn().Err(err).Int("consecutive", n).Msg("position fetch failed")
	m.audit.Append(audit.Check, "position fetch failed", map[string]any{"error": err.Error(), "consecutive": n})
	if n == m.cfg.FailureThreshold {
		a := alert.New(alert.MonitoringFailure, alert.Warning, "",
			fmt.Sprintf("%d consecutive position fetch failures: %v", n, err))
		m.dispatch(a)
	}
}

func (m *Monitor) fetchSucceeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures >= m.cfg.FailureThreshold {
		m.log.Info().Int("after", m.failures).Msg("position fetch recovered")
	}
	m.failures = 0
}

func (m *Monitor) fault(err error) {
	m.mu.Lock()
	m.errorsTotal++
	m.lastError = err.Error()
	m.mu.Unlock()
	m.log.Error().Err(err).Msg("monitor fault recovered")
	m.audit.Append(audit.Check, "monitor fault", map[string]any{"error": err.Error()})
	m.dispatch(alert.New(alert.MonitoringFailure, alert.Critical, "", err.Error()))
}

func (m *Monitor) evaluate(ctx context.Context, pos position.Position) {
	pct, dollar := pos.PnL()
	triggers, fired := m.cfg.Thresholds.Evaluate(pct, pos.Fired)
	for _, tr := range triggers {
		switch tr {
		case risk.StopLoss:
			m.dispatch(m.positionAlert(alert.StopLoss, alert.Critical, pos, pct, dollar, tr, "stop loss threshold crossed"))
		case risk.ProfitSpike:
			m.dispatch(m.positionAlert(alert.ProfitSpike, alert.Warning, pos, pct, dollar, tr, "profit alert threshold crossed"))
		case risk.AutoExit:
			if !m.autoExit(ctx, pos, pct, dollar) {
				fired = fired.Without(risk.AutoExit)
			}
		}
	}
	if fired != pos.Fired {
		m.ledger.SetFired(pos.Symbol, fired)
	}
}

// autoExit reports whether the exit was submitted. Anything else leaves the trigger armed.
func (m *Monitor) autoExit(ctx context.Context, pos position.Position, pct, dollar decimal.Decimal) bool {
	if m.executor == nil || pos.PendingClose {
		return pos.PendingClose
	}
	if m.Halted() {
		m.log.Warn().Str("sym", pos.Symbol).Msg("auto exit skipped while halted")
		return false
	}
	order, err := m.executor.Exit(ctx, pos.Symbol, pos.Qty)
	if err != nil {
		m.audit.Append(audit.Check, "auto exit failed", map[string]any{"symbol": pos.Symbol, "error": err.Error()})
		return false
	}
	m.ledger.MarkPendingClose(pos.Symbol)
	m.audit.Append(audit.Check, "auto exit submitted", map[string]any{
		"symbol":   pos.Symbol,
		"order_id": order.ID,
		"side":     order.Side,
		"qty":      pos.Qty.String(),
	})
	msg := fmt.Sprintf("exit order %s %s %s submitted", order.ID, order.Side, pos.Qty.Abs().String())
	m.dispatch(m.positionAlert(alert.AutoExitExecuted, alert.Critical, pos, pct, dollar, risk.AutoExit, msg))
	return true
}

func (m *Monitor) positionAlert(kind alert.Kind, sev alert.Severity, pos position.Position, pct, dollar decimal.Decimal, tr risk.Trigger, msg string) alert.Alert {
	threshold := m.cfg.Thresholds.Level(tr)
	a := alert.New(kind, sev, pos.Symbol, msg)
	a.PnLPercent = pct
	a.PnLDollar = dollar
	a.Threshold = threshold
	a.Price = pos.CurrentPrice
	a.DedupKey = risk.DedupKey(pos.Symbol, string(kind), threshold)
	return a
}

// dispatch delivers off the loop goroutine. Stop waits for these.
func (m *Monitor) dispatch(a alert.Alert) {
	if m.dispatcher == nil {
		return
	}
	m.mu.Lock()
	if m.dispatchClosed {
		m.mu.Unlock()
		m.log.Warn().Str("kind", string(a.Kind)).Msg("alert dropped after stop")
		return
	}
	m.dispatchWG.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.dispatchWG.Done()
		m.dispatcher.Dispatch(context.Background(), a)
	}()
}
