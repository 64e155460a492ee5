// Package heartbeat watches the monitor's progress counter and runs the emergency
// protocol when the monitor stops advancing.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/alert"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/audit"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/execution"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/metrics"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/position"
)

// State of the supervisor.
type State int

const (
	Healthy State = iota
	Degraded
	EmergencyTriggered
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case EmergencyTriggered:
		return "emergency_triggered"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrNotHalted is returned by Rearm outside EmergencyTriggered.
var ErrNotHalted = errors.New("heartbeat: not halted")

const defaultInterval = 30 * time.Second

// Monitor is the supervised loop.
type Monitor interface {
	Progress() uint64
	Snapshot() []position.Position
	Halt(reason string)
	Resume()
}

// Exiter flattens positions.
type Exiter interface {
	ExitAll(ctx context.Context, positions []position.Position) []execution.ExitResult
}

// Dispatcher delivers alerts.
type Dispatcher interface {
	Dispatch(ctx context.Context, a alert.Alert) []alert.Result
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithAudit(log *audit.Log) Option {
	return func(s *Supervisor) {
		if log != nil {
			s.audit = log
		}
	}
}

// Supervisor polls Monitor.Progress every interval.
// Healthy -> Degraded on the first stalled poll, Degraded -> EmergencyTriggered on the
// second, Degraded -> Healthy when progress resumes. EmergencyTriggered holds until Rearm.
type Supervisor struct {
	interval   time.Duration
	monitor    Monitor
	exiter     Exiter
	dispatcher Dispatcher
	audit      *audit.Log
	log        zerolog.Logger

	mu          sync.Mutex
	state       State
	last        uint64
	primed      bool
	lastPoll    time.Time
	emergencyAt time.Time
	hooks       []func(from, to State)
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// New builds a stopped supervisor in the Healthy state.
func New(monitor Monitor, exiter Exiter, dispatcher Dispatcher, log zerolog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		interval:   defaultInterval,
		monitor:    monitor,
		exiter:     exiter,
		dispatcher: dispatcher,
		audit:      audit.New(),
		log:        log,
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.HeartbeatState.Set(float64(Healthy))
	return s
}

// OnStateChange registers fn, called after every transition.
func (s *Supervisor) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Supervisor) Interval() time.Duration { return s.interval }

// Start records the current progress as baseline and polls every interval.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.last = s.monitor.Progress()
	s.primed = true
	s.lastPoll = time.Now()
	done := s.done
	s.mu.Unlock()

	s.log.Info().Dur("interval", s.interval).Msg("heartbeat started")
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Check(ctx)
			}
		}
	}()
}

// Stop ends polling and waits for an in-progress check. Safe to call twice.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()
	<-done
	s.log.Info().Str("state", s.State().String()).Msg("heartbeat stopped")
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Halted reports whether the emergency protocol ran and awaits Rearm.
func (s *Supervisor) Halted() bool { return s.State() == EmergencyTriggered }

// LastPoll is when the counter was last sampled.
func (s *Supervisor) LastPoll() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPoll
}

// Check samples the progress counter once and applies the transition.
func (s *Supervisor) Check(ctx context.Context) State {
	cur := s.monitor.Progress()

	s.mu.Lock()
	s.lastPoll = time.Now()
	if !s.primed {
		s.primed = true
		s.last = cur
		st := s.state
		s.mu.Unlock()
		return st
	}
	advanced := cur != s.last
	s.last = cur
	from := s.state
	to := from
	switch {
	case from == EmergencyTriggered:
	case advanced && from == Degraded:
		to = Healthy
	case !advanced && from == Healthy:
		to = Degraded
	case !advanced && from == Degraded:
		to = EmergencyTriggered
		s.emergencyAt = time.Now()
	}
	s.state = to
	s.mu.Unlock()

	if to == from {
		return to
	}
	s.transitioned(from, to)

	switch to {
	case Healthy:
		s.log.Info().Uint64("progress", cur).Msg("monitor progress resumed")
		s.audit.Append(audit.Check, "heartbeat recovered", map[string]any{"progress": cur})
	case Degraded:
		s.log.Warn().Uint64("progress", cur).Dur("interval", s.interval).Msg("monitor progress stalled")
		s.audit.Append(audit.Check, "heartbeat missed", map[string]any{"progress": cur})
		s.send(ctx, alert.New(alert.MonitoringFailure, alert.Warning, "",
			fmt.Sprintf("monitor made no progress in %s (counter %d)", s.interval, cur)))
	case EmergencyTriggered:
		s.emergency(ctx, cur)
	}
	return to
}

func (s *Supervisor) emergency(ctx context.Context, progress uint64) {
	positions := s.monitor.Snapshot()
	s.monitor.Halt("heartbeat emergency")
	s.log.Error().Uint64("progress", progress).Int("positions", len(positions)).Msg("emergency protocol triggered")

	var results []execution.ExitResult
	if s.exiter != nil && len(positions) > 0 {
		results = s.exiter.ExitAll(context.WithoutCancel(ctx), positions)
	}
	requested := make([]string, 0, len(results))
	failed := make(map[string]string)
	for _, r := range results {
		requested = append(requested, r.Symbol)
		if r.Err != nil {
			failed[r.Symbol] = r.Err.Error()
		}
	}
	fields := map[string]any{
		"progress":  progress,
		"positions": len(positions),
		"requested": requested,
	}
	if len(failed) > 0 {
		fields["failed"] = failed
	}
	s.audit.Append(audit.Emergency, "emergency exit requested", fields)

	msg := fmt.Sprintf("monitor stalled for two heartbeats; exit requested for %d positions", len(positions))
	if len(failed) > 0 {
		msg += fmt.Sprintf(" (%d failed)", len(failed))
	}
	msg += "; automated trading halted until re-armed"
	s.send(ctx, alert.New(alert.MonitoringFailure, alert.Critical, "", msg))
}

// Rearm leaves EmergencyTriggered, resumes the monitor and re-baselines the counter.
func (s *Supervisor) Rearm() error {
	s.mu.Lock()
	if s.state != EmergencyTriggered {
		s.mu.Unlock()
		return ErrNotHalted
	}
	s.state = Healthy
	s.last = s.monitor.Progress()
	since := time.Since(s.emergencyAt)
	s.mu.Unlock()

	s.monitor.Resume()
	s.transitioned(EmergencyTriggered, Healthy)
	s.log.Warn().Dur("halted_for", since).Msg("re-armed")
	s.audit.Append(audit.Emergency, "re-armed", map[string]any{"halted_for": since.String()})
	return nil
}

func (s *Supervisor) transitioned(from, to State) {
	metrics.HeartbeatState.Set(float64(to))
	s.audit.Append(audit.Check, "heartbeat state changed", map[string]any{"from": from.String(), "to": to.String()})
	s.mu.Lock()
	hooks := append([]func(State, State){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(from, to)
	}
}

func (s *Supervisor) send(ctx context.Context, a alert.Alert) {
	if s.dispatcher == nil {
		return
	}
	s.dispatcher.Dispatch(context.WithoutCancel(ctx), a)
}
