package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/alert"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/audit"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/config"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/heartbeat"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/paper"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/stream"
)

type recordingChannel struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) Send(_ context.Context, a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *recordingChannel) ofKind(kind alert.Kind) []alert.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alert.Alert
	for _, a := range c.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

type unreachableTransport struct{}

func (unreachableTransport) Open(context.Context) (stream.Session, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Broker.Mode = config.BrokerPaper
	cfg.Monitor.CheckInterval = time.Hour
	cfg.Monitor.FetchTimeout = time.Second
	cfg.Heartbeat.Interval = 2 * time.Hour
	cfg.Alerts.RetryDelay = time.Millisecond
	return cfg
}

func seededAccount(t *testing.T) *paper.Account {
	t.Helper()
	acct := paper.NewAccount(decimal.NewFromInt(100000))
	if err := acct.Open("SUB", decimal.NewFromInt(500), decimal.RequireFromString("10.0000")); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	return acct
}

func TestServiceDetectsProfitSpike(t *testing.T) {
	acct := seededAccount(t)
	ch := &recordingChannel{}
	svc, err := New(testConfig(), Deps{Broker: acct, Channels: []alert.Channel{ch}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	if err := svc.CheckNow(ctx); err != nil {
		t.Fatalf("CheckNow returned error: %v", err)
	}
	acct.Mark("SUB", decimal.RequireFromString("10.0150"))
	if err := svc.CheckNow(ctx); err != nil {
		t.Fatalf("CheckNow returned error: %v", err)
	}

	st := svc.Status()
	if st.ConnectionState != "disabled" || !st.Healthy {
		t.Fatalf("expected healthy polling-only status, got %+v", st)
	}
	if st.ProgressCounter != 2 || len(st.TrackedPositions) != 1 {
		t.Fatalf("unexpected progress/positions: %+v", st)
	}
	if !st.Totals.UnrealizedPnL.Equal(decimal.RequireFromString("7.5")) {
		t.Fatalf("unexpected unrealized pnl %s", st.Totals.UnrealizedPnL)
	}
	if len(st.RecentAudit) == 0 {
		t.Fatalf("expected recent audit records")
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	spikes := ch.ofKind(alert.ProfitSpike)
	if len(spikes) != 1 || !spikes[0].PnLDollar.Equal(decimal.RequireFromString("7.50")) {
		t.Fatalf("expected one 7.50 profit spike, got %+v", spikes)
	}
	if last, ok := svc.Audit().Last(); !ok || last.Message != "service stopped" {
		t.Fatalf("expected final service stopped record, got %+v", last)
	}
}

func TestStatusIsUnhealthyWhileStreamDown(t *testing.T) {
	cfg := testConfig()
	cfg.Stream.Symbols = []string{"sub"}
	cfg.Stream.InitialBackoff = 10 * time.Millisecond
	cfg.Stream.MaxBackoff = 20 * time.Millisecond
	svc, err := New(cfg, Deps{Broker: seededAccount(t), Transport: unreachableTransport{}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("transient stream failure must not abort Start: %v", err)
	}
	defer svc.Stop()

	st := svc.Status()
	if st.Healthy {
		t.Fatalf("status must not be healthy without a connected stream: %+v", st)
	}
	if st.ConnectionState == stream.Connected.String() || st.StreamError == "" {
		t.Fatalf("unexpected connection state %q err=%q", st.ConnectionState, st.StreamError)
	}
	if st.Subscriptions != 2 {
		t.Fatalf("expected SUB trades and quotes registered, got %d", st.Subscriptions)
	}
}

func TestEmergencyHaltsUntilRearm(t *testing.T) {
	acct := seededAccount(t)
	ch := &recordingChannel{}
	svc, err := New(testConfig(), Deps{Broker: acct, Channels: []alert.Channel{ch}}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer svc.Stop()
	if err := svc.CheckNow(ctx); err != nil {
		t.Fatalf("CheckNow returned error: %v", err)
	}

	if got := svc.Heartbeat().Check(ctx); got != heartbeat.Healthy {
		t.Fatalf("expected healthy while the check advanced progress, got %s", got)
	}
	if got := svc.Heartbeat().Check(ctx); got != heartbeat.Degraded {
		t.Fatalf("expected degraded after one stalled poll, got %s", got)
	}
	if got := svc.Heartbeat().Check(ctx); got != heartbeat.EmergencyTriggered {
		t.Fatalf("expected emergency after two stalled polls, got %s", got)
	}
	if len(acct.Snapshot().Positions) != 0 {
		t.Fatalf("expected every position exited, got %+v", acct.Snapshot().Positions)
	}
	st := svc.Status()
	if st.Healthy || !st.Halted || st.Heartbeat != heartbeat.EmergencyTriggered.String() {
		t.Fatalf("status must report the halt: %+v", st)
	}
	if len(svc.Audit().Find(audit.Query{Category: audit.Emergency})) == 0 {
		t.Fatalf("expected emergency audit records")
	}

	if err := svc.Rearm(); err != nil {
		t.Fatalf("Rearm returned error: %v", err)
	}
	if err := svc.Rearm(); !errors.Is(err, heartbeat.ErrNotHalted) {
		t.Fatalf("expected ErrNotHalted on second rearm, got %v", err)
	}
	if st := svc.Status(); st.Halted || !st.Healthy {
		t.Fatalf("expected healthy after rearm: %+v", st)
	}
}

func TestBuildDepsFromConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Paper.FillsPath = filepath.Join(dir, "fills.jsonl")
	cfg.Paper.Positions = []config.PaperPosition{{Symbol: "SUB", Qty: 500, Price: 10}}
	cfg.Alerts.Channels = []string{config.ChannelLog, config.ChannelFile, config.ChannelRedis}
	cfg.Alerts.FileDir = filepath.Join(dir, "alerts")
	cfg.Redis.Addr = mr.Addr()
	cfg.Audit.File = filepath.Join(dir, "audit.jsonl")

	deps, closers, err := BuildDeps(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("BuildDeps returned error: %v", err)
	}
	defer closers.Close()

	if deps.Transport != nil {
		t.Fatalf("expected no transport without credentials")
	}
	if len(deps.Channels) != 3 {
		t.Fatalf("expected 3 channels, got %d", len(deps.Channels))
	}
	if len(deps.AuditSinks) != 2 {
		t.Fatalf("expected file and redis audit sinks, got %d", len(deps.AuditSinks))
	}
	holdings, err := deps.Broker.GetOpenPositions(context.Background())
	if err != nil || len(holdings) != 1 || holdings[0].Symbol != "SUB" {
		t.Fatalf("expected seeded paper position, got %+v err=%v", holdings, err)
	}

	svc, err := New(cfg, deps, zerolog.Nop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.CheckNow(context.Background()); err != nil {
		t.Fatalf("CheckNow returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	n, err := client.XLen(context.Background(), cfg.Audit.RedisStream).Result()
	if err != nil || n == 0 {
		t.Fatalf("expected audit records mirrored to redis, got %d err=%v", n, err)
	}
}

func TestBuildBrokerRequiresCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Mode = config.BrokerAlpaca
	if _, _, err := BuildBroker(cfg, zerolog.Nop()); err == nil {
		t.Fatalf("expected missing credentials error")
	}
	cfg.Broker.KeyID, cfg.Broker.SecretKey = "key", "secret"
	b, _, err := BuildBroker(cfg, zerolog.Nop())
	if err != nil || b == nil {
		t.Fatalf("expected alpaca client, got %v", err)
	}
}
