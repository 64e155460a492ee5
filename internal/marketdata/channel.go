package marketdata

import (
	"sync"
	"time"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/metrics"
)

const defaultCapacity = 1024

// Channel is a bounded FIFO between the stream and its consumers. When full, the
// oldest queued event is evicted so the producer never blocks past its grace period.
type Channel struct {
	name  string
	grace time.Duration

	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped uint64
	pushed  uint64
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithGrace lets Publish wait up to d for space before evicting.
func WithGrace(d time.Duration) ChannelOption {
	return func(c *Channel) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithName labels the drop metric.
func WithName(name string) ChannelOption {
	return func(c *Channel) {
		if name != "" {
			c.name = name
		}
	}
}

// NewChannel builds a channel holding at most capacity events.
func NewChannel(capacity int, opts ...ChannelOption) *Channel {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	c := &Channel{name: "events", ch: make(chan Event, capacity)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// C exposes the receive side. It is closed by Close.
func (c *Channel) C() <-chan Event { return c.ch }

// Publish enqueues ev in order. It reports false only when the channel is closed.
func (c *Channel) Publish(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- ev:
		c.pushed++
		return true
	default:
	}
	if c.grace > 0 {
		timer := time.NewTimer(c.grace)
		select {
		case c.ch <- ev:
			timer.Stop()
			c.pushed++
			return true
		case <-timer.C:
		}
	}
	// Full: evict the oldest. A concurrent consumer may have made room already.
	for {
		select {
		case c.ch <- ev:
			c.pushed++
			return true
		default:
		}
		select {
		case <-c.ch:
			c.dropped++
			metrics.EventsDropped.WithLabelValues(c.name).Inc()
		default:
		}
	}
}

// Drain returns every queued event without blocking.
func (c *Channel) Drain() []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-c.ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Len reports the number of queued events.
func (c *Channel) Len() int { return len(c.ch) }

// Cap reports the capacity.
func (c *Channel) Cap() int { return cap(c.ch) }

// Stats returns (published, dropped) totals.
func (c *Channel) Stats() (published, dropped uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushed, c.dropped
}

// Close stops further publishing and closes the receive side. Safe to call twice.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}
