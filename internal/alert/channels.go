package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// LogChannel writes alerts to the process logger.
type LogChannel struct{ log zerolog.Logger }

func NewLogChannel(log zerolog.Logger) *LogChannel { return &LogChannel{log: log} }

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, a Alert) error {
	level := zerolog.InfoLevel
	switch a.Severity {
	case Warning:
		level = zerolog.WarnLevel
	case Critical:
		level = zerolog.ErrorLevel
	}
	c.log.WithLevel(level).
		Str("alert_id", a.ID).
		Str("kind", string(a.Kind)).
		Str("symbol", a.Symbol).
		Str("pnl_percent", a.PnLPercent.String()).
		Str("pnl_dollar", a.PnLDollar.StringFixed(2)).
		Msg(a.Text())
	return nil
}

const latestAlertsCap = 50

// FileChannel appends alerts to a daily JSONL file and keeps latest_alerts.json
// with the most recent alerts, newest last.
type FileChannel struct {
	dir    string
	log    zerolog.Logger
	mu     sync.Mutex
	latest []Alert
}

func NewFileChannel(dir string) (*FileChannel, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("alert dir: %w", err)
	}
	return &FileChannel{dir: dir, log: zerolog.Nop()}, nil
}

// WithLogger reports latest_alerts.json failures, which do not fail the send.
func (c *FileChannel) WithLogger(log zerolog.Logger) *FileChannel {
	c.log = log
	return c
}

func (c *FileChannel) Name() string { return "file" }

// DailyPath returns the JSONL file alerts triggered on day are written to.
func (c *FileChannel) DailyPath(day time.Time) string {
	return filepath.Join(c.dir, fmt.Sprintf("alerts_%s.jsonl", day.UTC().Format("2006-01-02")))
}

// Send fails only when the daily append fails, so a retry never duplicates a line.
func (c *FileChannel) Send(_ context.Context, a Alert) error {
	line, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	file, err := os.OpenFile(c.DailyPath(a.TriggeredAt), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open alert file: %w", err)
	}
	_, werr := file.Write(append(line, '\n'))
	cerr := file.Close()
	if werr != nil {
		return fmt.Errorf("write alert file: %w", werr)
	}
	if cerr != nil {
		return cerr
	}

	c.latest = append(c.latest, a)
	if len(c.latest) > latestAlertsCap {
		c.latest = append([]Alert(nil), c.latest[len(c.latest)-latestAlertsCap:]...)
	}
	if err := c.writeLatestLocked(); err != nil {
		c.log.Warn().Err(err).Str("alert_id", a.ID).Msg("latest alerts file not updated")
	}
	return nil
}

func (c *FileChannel) writeLatestLocked() error {
	data, err := json.MarshalIndent(c.latest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal latest alerts: %w", err)
	}
	tmp := filepath.Join(c.dir, "latest_alerts.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write latest alerts: %w", err)
	}
	return os.Rename(tmp, filepath.Join(c.dir, "latest_alerts.json"))
}

// WebhookChannel posts a Discord/Slack compatible JSON body.
type WebhookChannel struct {
	url    string
	client *resty.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{url: url, client: resty.New().SetHeader("Content-Type", "application/json")}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, a Alert) error {
	body := map[string]any{
		"content": a.Text(),
		"text":    a.Text(),
		"alert":   a,
	}
	resp, err := c.client.R().SetContext(ctx).SetBody(body).Post(c.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

// MessageWriter is the subset of *kafka.Writer used for alerts.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaChannel publishes alerts keyed by symbol so one symbol's alerts stay ordered.
type KafkaChannel struct {
	writer MessageWriter
}

func NewKafkaChannel(writer MessageWriter) *KafkaChannel { return &KafkaChannel{writer: writer} }

// NewKafkaWriter builds a hash-balanced writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (c *KafkaChannel) Name() string { return "kafka" }

func (c *KafkaChannel) Send(ctx context.Context, a Alert) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	key := a.Symbol
	if key == "" {
		key = string(a.Kind)
	}
	return c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "severity", Value: []byte(a.Severity)},
			{Key: "kind", Value: []byte(a.Kind)},
		},
	})
}

func (c *KafkaChannel) Close() error {
	if closer, ok := c.writer.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Publisher is the subset of *nats.Conn used for alerts.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSChannel publishes alerts on subject.<kind>.
type NATSChannel struct {
	pub     Publisher
	subject string
	conn    *nats.Conn
}

func NewNATSChannel(pub Publisher, subject string) *NATSChannel {
	return &NATSChannel{pub: pub, subject: subject}
}

// DialNATS connects to url and owns the connection.
func DialNATS(url, subject string) (*NATSChannel, error) {
	conn, err := nats.Connect(url, nats.Name("posguard-alerts"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	ch := NewNATSChannel(conn, subject)
	ch.conn = conn
	return ch, nil
}

func (c *NATSChannel) Name() string { return "nats" }

func (c *NATSChannel) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return c.pub.Publish(c.subject+"."+string(a.Kind), data)
}

func (c *NATSChannel) Close() error {
	if c.conn != nil {
		return c.conn.Drain()
	}
	return nil
}

// RedisChannel publishes alerts on a Redis pub/sub channel.
type RedisChannel struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisChannel(client redis.UniversalClient, channel string) *RedisChannel {
	return &RedisChannel{client: client, channel: channel}
}

func (c *RedisChannel) Name() string { return "redis" }

func (c *RedisChannel) Send(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return c.client.Publish(ctx, c.channel, data).Err()
}

// Runner executes an external command.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CommandChannel raises a desktop notification or audible signal through an external
// command. "{title}" and "{message}" in args are replaced per alert.
type CommandChannel struct {
	name        string
	command     string
	args        []string
	minSeverity Severity
	run         Runner
}

// NewCommandChannel builds a channel that only fires for alerts at or above minSeverity.
func NewCommandChannel(name, command string, args []string, minSeverity Severity) *CommandChannel {
	return &CommandChannel{name: name, command: command, args: args, minSeverity: minSeverity, run: execRunner}
}

// NewDesktopChannel uses notify-send.
func NewDesktopChannel() *CommandChannel {
	return NewCommandChannel("desktop", "notify-send", []string{"-u", "critical", "{title}", "{message}"}, Warning)
}

// NewSoundChannel plays file with paplay.
func NewSoundChannel(file string) *CommandChannel {
	return NewCommandChannel("sound", "paplay", []string{file}, Warning)
}

// WithRunner swaps command execution, mainly for tests.
func (c *CommandChannel) WithRunner(run Runner) *CommandChannel {
	c.run = run
	return c
}

func (c *CommandChannel) Name() string { return c.name }

var severityRank = map[Severity]int{Info: 0, Warning: 1, Critical: 2}

func (c *CommandChannel) Send(ctx context.Context, a Alert) error {
	if severityRank[a.Severity] < severityRank[c.minSeverity] {
		return nil
	}
	if c.command == "" {
		return errors.New("command channel: no command configured")
	}
	title := "posguard " + strings.ReplaceAll(string(a.Kind), "_", " ")
	if a.Symbol != "" {
		title += " " + a.Symbol
	}
	args := make([]string, len(c.args))
	for i, arg := range c.args {
		arg = strings.ReplaceAll(arg, "{title}", title)
		args[i] = strings.ReplaceAll(arg, "{message}", a.Text())
	}
	return c.run(ctx, c.command, args...)
}
