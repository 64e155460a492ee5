// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/marketdata"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/risk"
)

// App captures process-wide runtime settings such as name, environment, listeners, and logging.
type App struct {
	Name        string `yaml:"name"`
	Env         string `yaml:"env"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	MetricsAddr string `yaml:"metrics_addr"`
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
}

// Stream configures the market data websocket.
type Stream struct {
	Feed           string        `yaml:"feed"`
	URL            string        `yaml:"url"`
	Symbols        []string      `yaml:"symbols"`
	SymbolsFile    string        `yaml:"symbols_file"`
	DataTypes      []string      `yaml:"data_types"`
	SilentTimeout  time.Duration `yaml:"silent_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         float64       `yaml:"jitter"`
	BufferSize     int           `yaml:"buffer_size"`
	PublishGrace   time.Duration `yaml:"publish_grace"`
}

// Broker selects and configures the positions/orders collaborator.
type Broker struct {
	Mode      string        `yaml:"mode"`
	BaseURL   string        `yaml:"base_url"`
	KeyID     string        `yaml:"key_id"`
	SecretKey string        `yaml:"secret_key"`
	RateLimit float64       `yaml:"rate_limit_per_sec"`
	RateBurst int           `yaml:"rate_burst"`
	Timeout   time.Duration `yaml:"timeout"`
}

// PaperPosition seeds the paper broker.
type PaperPosition struct {
	Symbol string  `yaml:"symbol"`
	Qty    float64 `yaml:"qty"`
	Price  float64 `yaml:"price"`
}

// Paper captures paper-broker settings.
type Paper struct {
	StartingCash float64         `yaml:"starting_cash"`
	FillsPath    string          `yaml:"fills_path"`
	Positions    []PaperPosition `yaml:"positions"`
}

// Monitor configures the position check loop and its thresholds. Thresholds are fractions: 0.001 is 0.1%.
type Monitor struct {
	CheckInterval    time.Duration `yaml:"check_interval"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	ExitTimeout      time.Duration `yaml:"exit_timeout"`
	ProfitAlert      float64       `yaml:"profit_alert"`
	ProfitExit       float64       `yaml:"profit_exit"`
	StopLoss         float64       `yaml:"stop_loss"`
	AutoExit         bool          `yaml:"auto_exit"`
	FailureThreshold int           `yaml:"failure_threshold"`
	StreamPrices     bool          `yaml:"stream_prices"`
}

// Heartbeat configures the progress supervisor.
type Heartbeat struct {
	Interval time.Duration `yaml:"interval"`
}

// Kafka configures the kafka alert channel.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// NATS configures the nats alert channel.
type NATS struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Redis is shared by the redis alert channel and the audit stream sink.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Alerts lists enabled channels and delivery policy.
type Alerts struct {
	Channels       []string      `yaml:"channels"`
	Attempts       int           `yaml:"attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	FileDir        string        `yaml:"file_dir"`
	WebhookURL     string        `yaml:"webhook_url"`
	SoundFile      string        `yaml:"sound_file"`
	RedisChannel   string        `yaml:"redis_channel"`
	Kafka          Kafka         `yaml:"kafka"`
	NATS           NATS          `yaml:"nats"`
}

// Audit configures retention and persistence of the audit trail.
type Audit struct {
	MaxRecords  int           `yaml:"max_records"`
	MaxAge      time.Duration `yaml:"max_age"`
	File        string        `yaml:"file"`
	RedisStream string        `yaml:"redis_stream"`
	RedisMaxLen int64         `yaml:"redis_max_len"`
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App       App       `yaml:"app"`
	Stream    Stream    `yaml:"stream"`
	Broker    Broker    `yaml:"broker"`
	Paper     Paper     `yaml:"paper"`
	Monitor   Monitor   `yaml:"monitor"`
	Heartbeat Heartbeat `yaml:"heartbeat"`
	Alerts    Alerts    `yaml:"alerts"`
	Redis     Redis     `yaml:"redis"`
	Audit     Audit     `yaml:"audit"`
}

// Known alert channel names.
const (
	ChannelLog     = "log"
	ChannelFile    = "file"
	ChannelWebhook = "webhook"
	ChannelKafka   = "kafka"
	ChannelNATS    = "nats"
	ChannelRedis   = "redis"
	ChannelDesktop = "desktop"
	ChannelSound   = "sound"
)

// Broker modes.
const (
	BrokerAlpaca = "alpaca"
	BrokerPaper  = "paper"
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads a YAML file from disk, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func setString(s *string, def string) {
	if strings.TrimSpace(*s) == "" {
		*s = def
	}
}

func setInt(n *int, def int) {
	if *n <= 0 {
		*n = def
	}
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	setString(&c.App.Name, "posguard")
	setString(&c.App.Env, "dev")
	setString(&c.App.LogLevel, "info")
	setString(&c.App.MetricsAddr, ":9100")
	setString(&c.App.HTTPAddr, ":8080")

	setString(&c.Stream.Feed, "iex")
	if len(c.Stream.DataTypes) == 0 {
		c.Stream.DataTypes = []string{string(marketdata.Trades), string(marketdata.Quotes)}
	}
	setDuration(&c.Stream.SilentTimeout, 10*time.Second)
	setDuration(&c.Stream.InitialBackoff, time.Second)
	setDuration(&c.Stream.MaxBackoff, 60*time.Second)
	if c.Stream.Jitter <= 0 {
		c.Stream.Jitter = 0.2
	}
	setInt(&c.Stream.BufferSize, 1024)
	setDuration(&c.Stream.PublishGrace, 50*time.Millisecond)

	setString(&c.Broker.Mode, BrokerAlpaca)
	setString(&c.Broker.BaseURL, "https://paper-api.alpaca.markets")
	setDuration(&c.Broker.Timeout, 10*time.Second)

	if c.Paper.StartingCash <= 0 {
		c.Paper.StartingCash = 100000
	}

	setDuration(&c.Monitor.CheckInterval, 2*time.Second)
	setDuration(&c.Monitor.FetchTimeout, c.Monitor.CheckInterval*3/4)
	setDuration(&c.Monitor.ExitTimeout, c.Monitor.CheckInterval*3/4)
	if c.Monitor.ProfitAlert == 0 {
		c.Monitor.ProfitAlert = 0.001
	}
	if c.Monitor.ProfitExit == 0 {
		c.Monitor.ProfitExit = 0.02
	}
	if c.Monitor.StopLoss == 0 {
		c.Monitor.StopLoss = -0.05
	}
	setInt(&c.Monitor.FailureThreshold, 3)

	setDuration(&c.Heartbeat.Interval, 30*time.Second)

	if len(c.Alerts.Channels) == 0 {
		c.Alerts.Channels = []string{ChannelLog}
	}
	setInt(&c.Alerts.Attempts, 3)
	setDuration(&c.Alerts.RetryDelay, 200*time.Millisecond)
	setDuration(&c.Alerts.AttemptTimeout, time.Second)
	setString(&c.Alerts.FileDir, "monitoring_data/alerts")
	setString(&c.Alerts.RedisChannel, "posguard:alerts")
	setString(&c.Alerts.Kafka.Topic, "posguard.alerts")
	setString(&c.Alerts.NATS.Subject, "posguard.alerts")

	setInt(&c.Audit.MaxRecords, 10000)
	setDuration(&c.Audit.MaxAge, 24*time.Hour)
	setString(&c.Audit.RedisStream, "posguard:audit")
}

// ApplyEnv overrides broker credentials from APCA_API_KEY_ID / APCA_API_SECRET_KEY when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		c.Broker.KeyID = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		c.Broker.SecretKey = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		c.Broker.BaseURL = v
	}
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Monitor.FetchTimeout >= c.Monitor.CheckInterval {
		errs = append(errs, fmt.Errorf("monitor.fetch_timeout (%s) must be shorter than check_interval (%s)", c.Monitor.FetchTimeout, c.Monitor.CheckInterval))
	}
	if c.Monitor.ExitTimeout >= c.Monitor.CheckInterval {
		errs = append(errs, fmt.Errorf("monitor.exit_timeout (%s) must be shorter than check_interval (%s)", c.Monitor.ExitTimeout, c.Monitor.CheckInterval))
	}
	if c.Heartbeat.Interval < 2*c.Monitor.CheckInterval {
		errs = append(errs, fmt.Errorf("heartbeat.interval (%s) must be at least twice monitor.check_interval (%s)", c.Heartbeat.Interval, c.Monitor.CheckInterval))
	}
	if c.Alerts.AttemptTimeout >= c.Monitor.CheckInterval {
		errs = append(errs, fmt.Errorf("alerts.attempt_timeout (%s) must be shorter than monitor.check_interval", c.Alerts.AttemptTimeout))
	}
	if c.Monitor.StopLoss >= 0 {
		errs = append(errs, errors.New("monitor.stop_loss must be negative"))
	}
	if c.Monitor.ProfitAlert <= 0 || c.Monitor.ProfitExit <= 0 {
		errs = append(errs, errors.New("monitor.profit_alert and profit_exit must be positive"))
	}
	if c.Stream.MaxBackoff < c.Stream.InitialBackoff {
		errs = append(errs, errors.New("stream.max_backoff must be >= initial_backoff"))
	}
	if c.Stream.Jitter >= 1 {
		errs = append(errs, errors.New("stream.jitter must be below 1"))
	}
	if _, err := c.DataTypes(); err != nil {
		errs = append(errs, err)
	}
	switch c.Broker.Mode {
	case BrokerAlpaca, BrokerPaper:
	default:
		errs = append(errs, fmt.Errorf("broker.mode %q must be alpaca or paper", c.Broker.Mode))
	}
	for _, ch := range c.Alerts.Channels {
		switch ch {
		case ChannelLog, ChannelFile, ChannelDesktop:
		case ChannelWebhook:
			if c.Alerts.WebhookURL == "" {
				errs = append(errs, errors.New("alerts.webhook_url required for webhook channel"))
			}
		case ChannelKafka:
			if len(c.Alerts.Kafka.Brokers) == 0 {
				errs = append(errs, errors.New("alerts.kafka.brokers required for kafka channel"))
			}
		case ChannelNATS:
			if c.Alerts.NATS.URL == "" {
				errs = append(errs, errors.New("alerts.nats.url required for nats channel"))
			}
		case ChannelRedis:
			if c.Redis.Addr == "" {
				errs = append(errs, errors.New("redis.addr required for redis channel"))
			}
		case ChannelSound:
			if c.Alerts.SoundFile == "" {
				errs = append(errs, errors.New("alerts.sound_file required for sound channel"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown alert channel %q", ch))
		}
	}
	return errors.Join(errs...)
}

// DataTypes parses stream.data_types; "all" expands to every type.
func (c *Config) DataTypes() ([]marketdata.DataType, error) {
	var out []marketdata.DataType
	for _, raw := range c.Stream.DataTypes {
		if strings.EqualFold(raw, "all") {
			return append([]marketdata.DataType(nil), marketdata.AllDataTypes...), nil
		}
		dt, ok := marketdata.ParseDataType(raw)
		if !ok {
			return nil, fmt.Errorf("unknown stream data type %q", raw)
		}
		out = append(out, dt)
	}
	return out, nil
}

// Thresholds converts the monitor thresholds to decimals.
func (m Monitor) Thresholds() risk.Thresholds {
	return risk.Thresholds{
		StopLoss:    decimal.NewFromFloat(m.StopLoss),
		ProfitAlert: decimal.NewFromFloat(m.ProfitAlert),
		ProfitExit:  decimal.NewFromFloat(m.ProfitExit),
		AutoExit:    m.AutoExit,
	}
}
