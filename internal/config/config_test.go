package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/marketdata"
)

func TestLoad(t *testing.T) {
	path := filepath.Join("testdata", "config.yaml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Name != "posguard-test" {
		t.Fatalf("unexpected App.Name: %s", cfg.App.Name)
	}
	if cfg.Stream.Feed != "sip" || len(cfg.Stream.Symbols) != 2 {
		t.Fatalf("unexpected stream section: %+v", cfg.Stream)
	}
	if cfg.Stream.SilentTimeout != 15*time.Second || cfg.Stream.InitialBackoff != 500*time.Millisecond {
		t.Fatalf("unexpected stream durations: %s %s", cfg.Stream.SilentTimeout, cfg.Stream.InitialBackoff)
	}
	if cfg.Monitor.FetchTimeout != 1500*time.Millisecond || !cfg.Monitor.AutoExit {
		t.Fatalf("unexpected monitor section: %+v", cfg.Monitor)
	}
	if cfg.Alerts.Attempts != 4 || len(cfg.Alerts.Channels) != 3 {
		t.Fatalf("unexpected alerts section: %+v", cfg.Alerts)
	}
	if cfg.Audit.MaxRecords != 500 || cfg.Audit.MaxAge != 12*time.Hour {
		t.Fatalf("unexpected audit section: %+v", cfg.Audit)
	}
	if len(cfg.Paper.Positions) != 1 || cfg.Paper.Positions[0].Symbol != "SUB" {
		t.Fatalf("unexpected paper positions: %+v", cfg.Paper.Positions)
	}

	types, err := cfg.DataTypes()
	if err != nil {
		t.Fatalf("DataTypes returned error: %v", err)
	}
	if len(types) != 2 || types[0] != marketdata.Trades || types[1] != marketdata.UpdatedBars {
		t.Fatalf("unexpected data types: %v", types)
	}

	th := cfg.Monitor.Thresholds()
	if !th.ProfitAlert.Equal(decimal.RequireFromString("0.001")) || !th.StopLoss.Equal(decimal.RequireFromString("-0.05")) || !th.AutoExit {
		t.Fatalf("unexpected thresholds: %+v", th)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Monitor.CheckInterval != 2*time.Second || cfg.Monitor.FetchTimeout != 1500*time.Millisecond {
		t.Fatalf("unexpected monitor defaults: %+v", cfg.Monitor)
	}
	if cfg.Heartbeat.Interval != 30*time.Second || cfg.Stream.SilentTimeout != 10*time.Second {
		t.Fatalf("unexpected heartbeat/stream defaults")
	}
	if cfg.Stream.InitialBackoff != time.Second || cfg.Stream.MaxBackoff != 60*time.Second || cfg.Stream.Jitter != 0.2 {
		t.Fatalf("unexpected backoff defaults: %+v", cfg.Stream)
	}
	if cfg.Monitor.ExitTimeout != 1500*time.Millisecond {
		t.Fatalf("exit timeout must default below the check interval, got %s", cfg.Monitor.ExitTimeout)
	}
	if cfg.Audit.MaxRecords != 10000 || cfg.Audit.MaxAge != 24*time.Hour {
		t.Fatalf("unexpected audit defaults: %+v", cfg.Audit)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"fetch_timeout":   func(c *Config) { c.Monitor.FetchTimeout = c.Monitor.CheckInterval },
		"stop_loss":       func(c *Config) { c.Monitor.StopLoss = 0.01 },
		"max_backoff":     func(c *Config) { c.Stream.MaxBackoff = time.Millisecond },
		"data type":       func(c *Config) { c.Stream.DataTypes = []string{"ticks"} },
		"broker.mode":     func(c *Config) { c.Broker.Mode = "ib" },
		"webhook_url":     func(c *Config) { c.Alerts.Channels = []string{ChannelWebhook} },
		"unknown alert":   func(c *Config) { c.Alerts.Channels = []string{"pager"} },
		"kafka.brokers":   func(c *Config) { c.Alerts.Channels = []string{ChannelKafka} },
		"attempt_timeout": func(c *Config) { c.Alerts.AttemptTimeout = 5 * time.Second },
		"exit_timeout":    func(c *Config) { c.Monitor.ExitTimeout = 5 * time.Second },
		"heartbeat.interval": func(c *Config) {
			c.Monitor.CheckInterval = 300 * time.Millisecond
			c.Monitor.FetchTimeout = 200 * time.Millisecond
			c.Monitor.ExitTimeout = 200 * time.Millisecond
			c.Alerts.AttemptTimeout = 100 * time.Millisecond
			c.Heartbeat.Interval = 100 * time.Millisecond
		},
	}
	for want, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Fatalf("%s: expected validation error, got %v", want, err)
		}
	}
}

func TestAllDataTypes(t *testing.T) {
	cfg := Default()
	cfg.Stream.DataTypes = []string{"all"}
	types, err := cfg.DataTypes()
	if err != nil || len(types) != len(marketdata.AllDataTypes) {
		t.Fatalf("expected every data type, got %v err=%v", types, err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Stream.Symbols = []string{"SUB"}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded.Monitor.CheckInterval != cfg.Monitor.CheckInterval || loaded.Stream.Symbols[0] != "SUB" {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "key")
	t.Setenv("APCA_API_SECRET_KEY", "secret")
	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Broker.KeyID != "key" || cfg.Broker.SecretKey != "secret" {
		t.Fatalf("credentials not applied: %+v", cfg.Broker)
	}
}
