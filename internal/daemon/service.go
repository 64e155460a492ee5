// Package daemon assembles the stream, monitor, heartbeat, alerting and audit
// components into one service with an ordered lifecycle and a status view.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/alert"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/audit"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/broker"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/config"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/execution"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/heartbeat"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/marketdata"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/monitor"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/position"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/stream"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/util"
)

const recentAuditRecords = 20

var ErrAlreadyStarted = errors.New("daemon: already started")

// Deps are the external collaborators. A nil Transport runs the monitor on broker polling alone.
type Deps struct {
	Broker     broker.Broker
	Transport  stream.Transport
	Channels   []alert.Channel
	AuditSinks []audit.Sink
}

// Status is what operators and orchestrators see. It is assembled from each
// component's own state on every call.
type Status struct {
	Healthy          bool                `json:"healthy"`
	ConnectionState  string              `json:"connection_state"`
	LastMessageAge   string              `json:"last_message_age"`
	ProgressCounter  uint64              `json:"progress_counter"`
	TrackedPositions []position.Position `json:"tracked_positions"`
	RecentAudit      []audit.Record      `json:"recent_audit_records"`
	Uptime           string              `json:"uptime"`
	Heartbeat        string              `json:"heartbeat"`
	Halted           bool                `json:"halted"`
	Reconnects       uint64              `json:"reconnects"`
	Subscriptions    int                 `json:"subscriptions"`
	Counters         map[string]uint64   `json:"counters"`
	Totals           position.Totals     `json:"totals"`
	Monitor          monitor.Status      `json:"monitor"`
	StreamError      string              `json:"stream_error,omitempty"`
}

// Service owns every component and their shutdown order.
type Service struct {
	cfg        *config.Config
	log        zerolog.Logger
	audit      *audit.Log
	events     *marketdata.Channel
	conn       *stream.Connection
	dispatcher *alert.Dispatcher
	executor   *execution.Executor
	monitor    *monitor.Monitor
	heartbeat  *heartbeat.Supervisor
	dataTypes  []marketdata.DataType

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	runErr    error
	runDone   chan struct{}
	hooks     sync.WaitGroup
}

// New wires the components. Nothing runs until Start.
func New(cfg *config.Config, deps Deps, log zerolog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("daemon: nil config")
	}
	if deps.Broker == nil {
		return nil, errors.New("daemon: broker required")
	}
	dataTypes, err := cfg.DataTypes()
	if err != nil {
		return nil, err
	}

	s := &Service{cfg: cfg, log: util.Component(log, "daemon"), dataTypes: dataTypes}
	s.audit = audit.New(
		audit.WithRetention(cfg.Audit.MaxRecords, cfg.Audit.MaxAge),
		audit.WithSinks(deps.AuditSinks...),
		audit.WithLogger(util.Component(log, "audit")),
	)
	s.events = marketdata.NewChannel(cfg.Stream.BufferSize,
		marketdata.WithGrace(cfg.Stream.PublishGrace),
		marketdata.WithName("stream"),
	)
	if deps.Transport != nil {
		s.conn = stream.New(deps.Transport, util.Component(log, "stream"),
			stream.WithSilentTimeout(cfg.Stream.SilentTimeout),
			stream.WithBackoff(stream.NewBackoff(cfg.Stream.InitialBackoff, cfg.Stream.MaxBackoff, cfg.Stream.Jitter)),
			stream.WithEvents(s.events),
			stream.WithAudit(s.audit),
		)
	}
	s.dispatcher = alert.NewDispatcher(util.Component(log, "alert"), deps.Channels,
		alert.WithRetry(cfg.Alerts.Attempts, cfg.Alerts.RetryDelay),
		alert.WithAttemptTimeout(cfg.Alerts.AttemptTimeout),
		alert.WithAuditLog(s.audit),
	)
	s.executor = execution.NewExecutor(deps.Broker, util.Component(log, "execution"), cfg.Monitor.ExitTimeout)

	monOpts := []monitor.Option{monitor.WithExecutor(s.executor), monitor.WithAudit(s.audit)}
	if s.conn != nil {
		monOpts = append(monOpts, monitor.WithEvents(s.events))
	}
	s.monitor = monitor.New(monitor.Config{
		Interval:         cfg.Monitor.CheckInterval,
		FetchTimeout:     cfg.Monitor.FetchTimeout,
		FailureThreshold: cfg.Monitor.FailureThreshold,
		Thresholds:       cfg.Monitor.Thresholds(),
	}, deps.Broker, s.dispatcher, util.Component(log, "monitor"), monOpts...)

	s.heartbeat = heartbeat.New(s.monitor, s.executor, s.dispatcher, util.Component(log, "heartbeat"),
		heartbeat.WithInterval(cfg.Heartbeat.Interval),
		heartbeat.WithAudit(s.audit),
	)

	if s.conn != nil && cfg.Monitor.StreamPrices {
		s.monitor.OnTrack(func(sym string) { s.retarget(sym, true) })
		s.monitor.OnUntrack(func(sym string) { s.retarget(sym, false) })
	}
	return s, nil
}

func (s *Service) Audit() *audit.Log                { return s.audit }
func (s *Service) Monitor() *monitor.Monitor        { return s.monitor }
func (s *Service) Heartbeat() *heartbeat.Supervisor { return s.heartbeat }
func (s *Service) Connection() *stream.Connection   { return s.conn }

// Start connects the stream with the configured symbols and starts the monitor
// and the heartbeat. Only an authentication failure aborts Start.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = time.Now()
	s.ctx, s.cancel = context.WithCancel(ctx)
	runCtx := s.ctx
	s.mu.Unlock()

	s.audit.Append(audit.Connection, "service starting", map[string]any{
		"broker":   s.cfg.Broker.Mode,
		"channels": s.dispatcher.Channels(),
	})

	if s.conn != nil {
		symbols := s.cfg.Stream.Symbols
		if s.cfg.Stream.SymbolsFile != "" {
			fromFile, err := stream.ReadSymbolsFile(s.cfg.Stream.SymbolsFile)
			if err != nil {
				return err
			}
			symbols = stream.MergeSymbols(fromFile, symbols)
		} else {
			symbols = stream.MergeSymbols(nil, symbols)
		}
		subs := stream.Expand(symbols, s.dataTypes)
		if err := s.conn.Connect(runCtx, subs...); err != nil {
			if errors.Is(err, stream.ErrAuthentication) {
				return fmt.Errorf("start stream: %w", err)
			}
			s.log.Warn().Err(err).Msg("initial stream connect failed, retrying in background")
		}
		done := make(chan struct{})
		s.mu.Lock()
		s.runDone = done
		s.mu.Unlock()
		go func() {
			defer close(done)
			if err := s.conn.Run(runCtx); err != nil {
				s.log.Error().Err(err).Msg("stream stopped")
				s.mu.Lock()
				s.runErr = err
				s.mu.Unlock()
			}
		}()
	}

	if err := s.monitor.Start(runCtx); err != nil {
		return err
	}
	s.heartbeat.Start(runCtx)
	s.log.Info().
		Dur("check_interval", s.cfg.Monitor.CheckInterval).
		Dur("heartbeat", s.cfg.Heartbeat.Interval).
		Bool("stream", s.conn != nil).
		Msg("service started")
	return nil
}

// Stop shuts down connection, monitor, heartbeat, pending deliveries and the audit
// log in that order. Safe to call more than once.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.cancel
	runDone := s.runDone
	s.mu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close()
		if runDone != nil {
			<-runDone
		}
	}
	s.monitor.Stop()
	s.heartbeat.Stop()
	s.hooks.Wait()
	if cancel != nil {
		cancel()
	}
	var errs []error
	if err := s.dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close alert channels: %w", err))
	}
	s.audit.Append(audit.Connection, "service stopped", nil)
	if err := s.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit: %w", err))
	}
	s.log.Info().Msg("service stopped")
	return errors.Join(errs...)
}

// CheckNow forces a monitor iteration.
func (s *Service) CheckNow(ctx context.Context) error { return s.monitor.CheckNow(ctx) }

// Rearm clears a heartbeat emergency.
func (s *Service) Rearm() error { return s.heartbeat.Rearm() }

// Status reports each component's live state. Healthy requires a connected stream
// (when configured), a Healthy heartbeat, a running monitor and no halt.
func (s *Service) Status() Status {
	s.mu.Lock()
	startedAt := s.startedAt
	runErr := s.runErr
	s.mu.Unlock()

	mon := s.monitor.Status()
	hb := s.heartbeat.State()
	st := Status{
		ProgressCounter:  mon.Progress,
		TrackedPositions: s.monitor.Snapshot(),
		RecentAudit:      s.audit.Recent(recentAuditRecords),
		Heartbeat:        hb.String(),
		Halted:           hb == heartbeat.EmergencyTriggered || mon.Halted,
		Totals:           s.monitor.Ledger().Totals(),
		Monitor:          mon,
		Counters:         map[string]uint64{},
		ConnectionState:  "disabled",
	}
	if !startedAt.IsZero() {
		st.Uptime = time.Since(startedAt).Round(time.Millisecond).String()
	}
	streamOK := true
	if s.conn != nil {
		cs := s.conn.Status()
		st.ConnectionState = cs.State
		st.LastMessageAge = cs.LastMessageAge.Round(time.Millisecond).String()
		st.Reconnects = cs.Reconnects
		st.Subscriptions = cs.Subscriptions
		st.StreamError = cs.LastError
		if runErr != nil {
			st.StreamError = runErr.Error()
		}
		for dt, n := range s.conn.Counters() {
			st.Counters[string(dt)] = n
		}
		streamOK = cs.State == stream.Connected.String()
	}
	st.Healthy = streamOK && mon.Running && hb == heartbeat.Healthy && !st.Halted
	return st
}

func (s *Service) retarget(symbol string, add bool) {
	s.mu.Lock()
	ctx := s.ctx
	stopped := s.stopped
	s.mu.Unlock()
	if ctx == nil || stopped {
		return
	}
	subs := stream.Expand([]string{symbol}, s.dataTypes)
	s.hooks.Add(1)
	go func() {
		defer s.hooks.Done()
		var err error
		if add {
			err = s.conn.Subscribe(ctx, subs...)
		} else {
			err = s.conn.Unsubscribe(ctx, subs...)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("sym", symbol).Bool("subscribe", add).Msg("stream retarget failed")
		}
	}()
}
