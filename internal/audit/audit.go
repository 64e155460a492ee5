// Package audit keeps the append-only, sequence-numbered record of connection,
// monitoring, alert and emergency activity.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/metrics"
)

// Category groups records by the subsystem that produced them.
type Category string

const (
	Connection Category = "connection"
	Check      Category = "check"
	Alert      Category = "alert"
	Emergency  Category = "emergency"
)

// Record is one immutable audit entry.
type Record struct {
	Seq      uint64         `json:"seq"`
	Time     time.Time      `json:"time"`
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Sink receives records off the append path.
type Sink interface {
	Write(ctx context.Context, rec Record) error
	Close() error
}

const (
	defaultMaxRecords = 10000
	defaultMaxAge     = 24 * time.Hour
	sinkBuffer        = 4096
)

// Log is safe for concurrent use. Append is the only mutating operation.
type Log struct {
	mu         sync.RWMutex
	records    []Record
	head       int
	nextSeq    uint64
	maxRecords int
	maxAge     time.Duration
	now        func() time.Time
	log        zerolog.Logger

	sinks   []Sink
	queue   chan Record
	done    chan struct{}
	closed  bool
	closeMu sync.Mutex
}

// Option configures a Log.
type Option func(*Log)

// WithRetention bounds the in-memory history by count and by age. Zero keeps the default.
func WithRetention(maxRecords int, maxAge time.Duration) Option {
	return func(l *Log) {
		if maxRecords > 0 {
			l.maxRecords = maxRecords
		}
		if maxAge > 0 {
			l.maxAge = maxAge
		}
	}
}

// WithSinks mirrors every record to the given sinks asynchronously.
func WithSinks(sinks ...Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, sinks...) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger reports sink failures.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Log) { l.log = log }
}

// New builds an empty log. Sequence numbers start at 1.
func New(opts ...Option) *Log {
	l := &Log{
		maxRecords: defaultMaxRecords,
		maxAge:     defaultMaxAge,
		now:        time.Now,
		log:        zerolog.Nop(),
		nextSeq:    1,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.sinks) > 0 {
		l.queue = make(chan Record, sinkBuffer)
		go l.pump()
	} else {
		close(l.done)
	}
	return l
}

// Append assigns the next sequence number and stores the record.
func (l *Log) Append(cat Category, msg string, fields map[string]any) Record {
	l.mu.Lock()
	rec := Record{Seq: l.nextSeq, Time: l.now(), Category: cat, Message: msg, Fields: cloneFields(fields)}
	l.nextSeq++
	l.records = append(l.records, rec)
	l.trimLocked(rec.Time)
	// Sinks see records in sequence order.
	l.forward(rec)
	l.mu.Unlock()

	metrics.AuditRecords.WithLabelValues(string(cat)).Inc()
	return rec
}

// live returns the retained records. Callers hold mu.
func (l *Log) live() []Record { return l.records[l.head:] }

func (l *Log) forward(rec Record) {
	if l.queue == nil {
		return
	}
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- rec:
	default:
		l.log.Warn().Uint64("seq", rec.Seq).Msg("audit sink queue full, record not mirrored")
	}
}

// trimLocked advances head past expired records and compacts only once the dead
// prefix is as long as the live tail, so appends stay amortized O(1).
func (l *Log) trimLocked(now time.Time) {
	if over := len(l.records) - l.head - l.maxRecords; over > 0 {
		l.head += over
	}
	cutoff := now.Add(-l.maxAge)
	for l.head < len(l.records) && l.records[l.head].Time.Before(cutoff) {
		l.head++
	}
	if l.head > 0 && l.head*2 >= len(l.records) {
		l.records = append(make([]Record, 0, 2*(len(l.records)-l.head)+1), l.records[l.head:]...)
		l.head = 0
	}
}

func (l *Log) pump() {
	defer close(l.done)
	for rec := range l.queue {
		for _, sink := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := sink.Write(ctx, rec); err != nil {
				l.log.Warn().Err(err).Uint64("seq", rec.Seq).Msg("audit sink write failed")
			}
			cancel()
		}
	}
}

// Query filters retained records. Zero values match everything.
type Query struct {
	Category Category
	AfterSeq uint64
	Since    time.Time
	Limit    int
}

// Find returns matching records in sequence order, keeping the newest Limit.
func (l *Log) Find(q Query) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, 0)
	for _, rec := range l.live() {
		if q.Category != "" && rec.Category != q.Category {
			continue
		}
		if rec.Seq <= q.AfterSeq {
			continue
		}
		if !q.Since.IsZero() && rec.Time.Before(q.Since) {
			continue
		}
		out = append(out, rec)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Recent returns the newest n records.
func (l *Log) Recent(n int) []Record {
	if n <= 0 {
		return []Record{}
	}
	return l.Find(Query{Limit: n})
}

// Last returns the newest record, if any.
func (l *Log) Last() (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	live := l.live()
	if len(live) == 0 {
		return Record{}, false
	}
	return live[len(live)-1], true
}

// Len reports how many records are retained.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.live())
}

// Close flushes pending records to the sinks and closes them.
func (l *Log) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		<-l.done
		return nil
	}
	l.closed = true
	if l.queue != nil {
		close(l.queue)
	}
	l.closeMu.Unlock()

	<-l.done
	var firstErr error
	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func cloneFields(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
