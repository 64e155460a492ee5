package alert

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/audit"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/metrics"
)

const (
	defaultAttempts       = 3
	defaultRetryDelay     = 200 * time.Millisecond
	defaultAttemptTimeout = 2 * time.Second
)

// Result is the delivery outcome on one channel.
type Result struct {
	Channel   string `json:"channel"`
	Delivered bool   `json:"delivered"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
}

// Dispatcher fans an alert out to every channel. It keeps no dedup state;
// callers decide whether an alert should be sent at all.
type Dispatcher struct {
	channels       []Channel
	attempts       uint
	retryDelay     time.Duration
	attemptTimeout time.Duration
	audit          *audit.Log
	log            zerolog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRetry sets attempts per channel and the fixed delay between them.
func WithRetry(attempts int, delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.attempts = uint(attempts)
		}
		if delay > 0 {
			d.retryDelay = delay
		}
	}
}

// WithAttemptTimeout bounds each send call.
func WithAttemptTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.attemptTimeout = t
		}
	}
}

// WithAuditLog records deliveries and failures.
func WithAuditLog(log *audit.Log) DispatcherOption {
	return func(d *Dispatcher) { d.audit = log }
}

// NewDispatcher builds a dispatcher over channels.
func NewDispatcher(log zerolog.Logger, channels []Channel, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		channels:       channels,
		attempts:       defaultAttempts,
		retryDelay:     defaultRetryDelay,
		attemptTimeout: defaultAttemptTimeout,
		log:            log,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.audit == nil {
		d.audit = audit.New()
	}
	return d
}

// Channels lists configured channel names.
func (d *Dispatcher) Channels() []string {
	out := make([]string, len(d.channels))
	for i, ch := range d.channels {
		out[i] = ch.Name()
	}
	return out
}

// Dispatch delivers a to all channels concurrently and returns once each has
// succeeded or exhausted its retries. Failures are logged and audited, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) []Result {
	metrics.AlertsTotal.WithLabelValues(string(a.Kind)).Inc()
	results := make([]Result, len(d.channels))
	var g errgroup.Group
	for i, ch := range d.channels {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = d.deliver(ctx, ch, a)
			return nil
		})
	}
	_ = g.Wait()

	delivered := make([]string, 0, len(results))
	failed := make(map[string]string)
	for _, r := range results {
		if r.Delivered {
			delivered = append(delivered, r.Channel)
		} else {
			failed[r.Channel] = r.Error
		}
	}
	fields := map[string]any{
		"alert_id":  a.ID,
		"kind":      string(a.Kind),
		"severity":  string(a.Severity),
		"symbol":    a.Symbol,
		"delivered": delivered,
	}
	if a.Kind != MonitoringFailure {
		fields["pnl_percent"] = a.PnLPercent.String()
		fields["pnl_dollar"] = a.PnLDollar.StringFixed(2)
	}
	if len(failed) > 0 {
		fields["failed"] = failed
	}
	d.audit.Append(audit.Alert, "alert dispatched", fields)
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, a Alert) Result {
	res := Result{Channel: ch.Name()}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res.Attempts++
		actx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		defer cancel()
		return struct{}{}, ch.Send(actx, a)
	}, backoff.WithBackOff(backoff.NewConstantBackOff(d.retryDelay)), backoff.WithMaxTries(d.attempts))
	if err == nil {
		res.Delivered = true
		metrics.DeliveriesTotal.WithLabelValues(res.Channel, "delivered").Inc()
		return res
	}
	res.Error = err.Error()
	metrics.DeliveriesTotal.WithLabelValues(res.Channel, "failed").Inc()
	d.log.Warn().Err(err).Str("channel", res.Channel).Str("alert_id", a.ID).Int("attempts", res.Attempts).Msg("alert delivery failed")
	d.audit.Append(audit.Alert, "alert delivery failed", map[string]any{
		"alert_id": a.ID,
		"channel":  res.Channel,
		"attempts": res.Attempts,
		"error":    res.Error,
	})
	return res
}

// Close releases channels that hold connections.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, ch := range d.channels {
		if c, ok := ch.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
