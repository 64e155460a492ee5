package daemon

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/alert"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/audit"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/broker"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/config"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/paper"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/stream"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/util"
)

// Closers releases resources opened while building Deps.
type Closers []io.Closer

func (c Closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildDeps constructs the broker, stream transport, alert channels and audit
// sinks named in cfg. The returned Closers must be closed after Service.Stop.
func BuildDeps(cfg *config.Config, log zerolog.Logger) (Deps, Closers, error) {
	var deps Deps
	var closers Closers

	b, closer, err := BuildBroker(cfg, log)
	if err != nil {
		return deps, closers, err
	}
	if closer != nil {
		closers = append(closers, closer)
	}
	deps.Broker = b
	deps.Transport = BuildTransport(cfg, log)

	var shared redis.UniversalClient
	redisClient := func() redis.UniversalClient {
		if shared == nil {
			shared = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			closers = append(closers, shared)
		}
		return shared
	}

	channels, err := BuildChannels(cfg, log, redisClient)
	if err != nil {
		closers.Close()
		return deps, nil, err
	}
	deps.Channels = channels

	if cfg.Audit.File != "" {
		sink, err := audit.NewFileSink(cfg.Audit.File, 50, 5)
		if err != nil {
			closers.Close()
			return deps, nil, err
		}
		deps.AuditSinks = append(deps.AuditSinks, sink)
	}
	if cfg.Redis.Addr != "" && cfg.Audit.RedisStream != "" {
		deps.AuditSinks = append(deps.AuditSinks, audit.NewRedisSink(redisClient(), cfg.Audit.RedisStream, cfg.Audit.RedisMaxLen))
	}
	return deps, closers, nil
}

// fillSummary logs the paper session's exits when the deps are released.
type fillSummary struct {
	fills *paper.Ledger
	log   zerolog.Logger
}

func (s fillSummary) Close() error {
	if n := s.fills.Count(); n > 0 {
		s.log.Info().Int("fills", n).Str("realized_pnl", s.fills.Realized().String()).Msg("paper session summary")
	}
	return nil
}

// BuildBroker returns the Alpaca REST client or a seeded paper account.
func BuildBroker(cfg *config.Config, log zerolog.Logger) (broker.Broker, io.Closer, error) {
	switch cfg.Broker.Mode {
	case config.BrokerPaper:
		paperLog := util.Component(log, "paper")
		fills := paper.NewLedger(64)
		recorders := []paper.FillRecorder{fills}
		closer := Closers{fillSummary{fills: fills, log: paperLog}}
		if cfg.Paper.FillsPath != "" {
			rec, err := paper.NewJSONLRecorder(cfg.Paper.FillsPath, paperLog)
			if err != nil {
				return nil, nil, err
			}
			recorders = append(recorders, rec)
			closer = append(closer, rec)
		}
		acct := paper.NewAccount(decimal.NewFromFloat(cfg.Paper.StartingCash), recorders...)
		for _, p := range cfg.Paper.Positions {
			if err := acct.Open(p.Symbol, decimal.NewFromFloat(p.Qty), decimal.NewFromFloat(p.Price)); err != nil {
				return nil, closer, fmt.Errorf("seed paper position %s: %w", p.Symbol, err)
			}
		}
		return acct, closer, nil
	case config.BrokerAlpaca:
		if cfg.Broker.KeyID == "" || cfg.Broker.SecretKey == "" {
			return nil, nil, errors.New("alpaca broker requires APCA_API_KEY_ID and APCA_API_SECRET_KEY")
		}
		return broker.NewClient(cfg.Broker.BaseURL, cfg.Broker.KeyID, cfg.Broker.SecretKey, util.Component(log, "broker"),
			broker.WithRateLimit(cfg.Broker.RateLimit, cfg.Broker.RateBurst),
			broker.WithTimeout(cfg.Broker.Timeout),
		), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown broker mode %q", cfg.Broker.Mode)
}

// BuildTransport returns nil when no credentials are configured, which runs the
// monitor on broker polling only.
func BuildTransport(cfg *config.Config, log zerolog.Logger) stream.Transport {
	if cfg.Broker.KeyID == "" || cfg.Broker.SecretKey == "" {
		log.Warn().Msg("no market data credentials, stream disabled")
		return nil
	}
	url := cfg.Stream.URL
	if url == "" {
		url = stream.FeedURL(cfg.Stream.Feed)
	}
	return stream.NewAlpacaTransport(url, cfg.Broker.KeyID, cfg.Broker.SecretKey, util.Component(log, "alpaca"))
}

// BuildChannels instantiates every channel listed in alerts.channels.
func BuildChannels(cfg *config.Config, log zerolog.Logger, redisClient func() redis.UniversalClient) ([]alert.Channel, error) {
	var out []alert.Channel
	for _, name := range cfg.Alerts.Channels {
		switch strings.ToLower(name) {
		case config.ChannelLog:
			out = append(out, alert.NewLogChannel(util.Component(log, "alerts")))
		case config.ChannelFile:
			ch, err := alert.NewFileChannel(cfg.Alerts.FileDir)
			if err != nil {
				return nil, err
			}
			out = append(out, ch.WithLogger(util.Component(log, "alerts")))
		case config.ChannelWebhook:
			out = append(out, alert.NewWebhookChannel(cfg.Alerts.WebhookURL))
		case config.ChannelKafka:
			out = append(out, alert.NewKafkaChannel(alert.NewKafkaWriter(cfg.Alerts.Kafka.Brokers, cfg.Alerts.Kafka.Topic)))
		case config.ChannelNATS:
			ch, err := alert.DialNATS(cfg.Alerts.NATS.URL, cfg.Alerts.NATS.Subject)
			if err != nil {
				return nil, err
			}
			out = append(out, ch)
		case config.ChannelRedis:
			out = append(out, alert.NewRedisChannel(redisClient(), cfg.Alerts.RedisChannel))
		case config.ChannelDesktop:
			out = append(out, alert.NewDesktopChannel())
		case config.ChannelSound:
			out = append(out, alert.NewSoundChannel(cfg.Alerts.SoundFile))
		default:
			return nil, fmt.Errorf("unknown alert channel %q", name)
		}
	}
	return out, nil
}
