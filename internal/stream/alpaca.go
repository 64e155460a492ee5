package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/marketdata"
)

const (
	// FeedIEX and FeedSIP select the stock data feed; FeedTest streams the FAKEPACA test symbol.
	FeedIEX  = "iex"
	FeedSIP  = "sip"
	FeedTest = "test"

	defaultStreamHost = "wss://stream.data.alpaca.markets"
	handshakeTimeout  = 10 * time.Second
	writeTimeout      = 5 * time.Second
	defaultPing       = 15 * time.Second
)

// FeedURL returns the websocket endpoint for a feed name.
func FeedURL(feed string) string {
	feed = strings.ToLower(strings.TrimSpace(feed))
	if feed == "" {
		feed = FeedIEX
	}
	return fmt.Sprintf("%s/v2/%s", defaultStreamHost, feed)
}

// AlpacaTransport speaks the Alpaca market data v2 websocket protocol.
type AlpacaTransport struct {
	url          string
	key          string
	secret       string
	log          zerolog.Logger
	pingInterval time.Duration
	keepRaw      bool
	dialer       websocket.Dialer
}

// AlpacaOption configures an AlpacaTransport.
type AlpacaOption func(*AlpacaTransport)

// WithPingInterval overrides the websocket keepalive cadence.
func WithPingInterval(d time.Duration) AlpacaOption {
	return func(t *AlpacaTransport) {
		if d > 0 {
			t.pingInterval = d
		}
	}
}

// WithRawFrames keeps each message's raw JSON on the decoded event.
func WithRawFrames(keep bool) AlpacaOption {
	return func(t *AlpacaTransport) { t.keepRaw = keep }
}

// NewAlpacaTransport builds a transport for url authenticating with key and secret.
func NewAlpacaTransport(url, key, secret string, log zerolog.Logger, opts ...AlpacaOption) *AlpacaTransport {
	t := &AlpacaTransport{
		url:          url,
		key:          key,
		secret:       secret,
		log:          log,
		pingInterval: defaultPing,
		dialer:       websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// encoding/json matches keys case-insensitively, so every wire struct declares both
// "T" and "t" to keep the type tag and the timestamp from landing in each other.
type controlMessage struct {
	T    string          `json:"T"`
	Msg  string          `json:"msg"`
	Code int             `json:"code"`
	Time json.RawMessage `json:"t"`
}

// Auth rejections: not authenticated, auth failed, insufficient subscription.
var fatalCodes = map[int]bool{401: true, 402: true, 409: true}

func (t *AlpacaTransport) Open(ctx context.Context) (Session, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	conn.SetReadLimit(1 << 22)

	if err := t.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	pingCtx, cancel := context.WithCancel(context.Background())
	s := &alpacaSession{conn: conn, log: t.log, keepRaw: t.keepRaw, cancelPing: cancel}
	go s.pingLoop(pingCtx, t.pingInterval)

	t.log.Info().Str("url", t.url).Msg("stream authenticated")
	return s, nil
}

func (t *AlpacaTransport) handshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := expectSuccess(conn, "connected"); err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	auth := map[string]string{"action": "auth", "key": t.key, "secret": t.secret}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	if err := expectSuccess(conn, "authenticated"); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

func expectSuccess(conn *websocket.Conn, want string) error {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var msgs []controlMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return fmt.Errorf("decode control frame: %w", err)
	}
	for _, m := range msgs {
		switch m.T {
		case "success":
			if m.Msg == want {
				return nil
			}
		case "error":
			if fatalCodes[m.Code] {
				return fmt.Errorf("%w: %d %s", ErrAuthentication, m.Code, m.Msg)
			}
			return fmt.Errorf("server error %d: %s", m.Code, m.Msg)
		}
	}
	return fmt.Errorf("unexpected control frame %s", data)
}

type alpacaSession struct {
	conn       *websocket.Conn
	log        zerolog.Logger
	keepRaw    bool
	writeMu    sync.Mutex
	cancelPing context.CancelFunc
	closeOnce  sync.Once
}

func (s *alpacaSession) pingLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.log.Warn().Err(err).Msg("stream ping failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *alpacaSession) Subscribe(ctx context.Context, subs []marketdata.Subscription) error {
	return s.send(ctx, "subscribe", subs)
}

func (s *alpacaSession) Unsubscribe(ctx context.Context, subs []marketdata.Subscription) error {
	return s.send(ctx, "unsubscribe", subs)
}

func (s *alpacaSession) send(ctx context.Context, action string, subs []marketdata.Subscription) error {
	if len(subs) == 0 {
		return nil
	}
	msg := map[string]any{"action": action}
	for dt, symbols := range Group(subs) {
		msg[string(dt)] = symbols
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(deadline)
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return nil
}

func (s *alpacaSession) Next() ([]marketdata.Event, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	received := time.Now()
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		s.log.Warn().Err(err).Msg("failed to decode stream frame")
		return nil, nil
	}
	events := make([]marketdata.Event, 0, len(raws))
	for _, raw := range raws {
		ev, ok, err := decodeMessage(raw, received)
		if err != nil {
			if errors.Is(err, ErrAuthentication) {
				return nil, err
			}
			s.log.Warn().Err(err).Msg("dropping malformed stream message")
			continue
		}
		if !ok {
			continue
		}
		if s.keepRaw {
			ev.Raw = append([]byte(nil), raw...)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *alpacaSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancelPing()
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

type wireTrade struct {
	Type      string          `json:"T"`
	Symbol    string          `json:"S"`
	Exchange  string          `json:"x"`
	Price     decimal.Decimal `json:"p"`
	Size      decimal.Decimal `json:"s"`
	Timestamp time.Time       `json:"t"`
}

type wireQuote struct {
	Type        string          `json:"T"`
	Symbol      string          `json:"S"`
	BidExchange string          `json:"bx"`
	BidPrice    decimal.Decimal `json:"bp"`
	BidSize     decimal.Decimal `json:"bs"`
	AskExchange string          `json:"ax"`
	AskPrice    decimal.Decimal `json:"ap"`
	AskSize     decimal.Decimal `json:"as"`
	Timestamp   time.Time       `json:"t"`
}

type wireBar struct {
	Type      string          `json:"T"`
	Symbol    string          `json:"S"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
	Timestamp time.Time       `json:"t"`
}

type wireStatus struct {
	Type          string    `json:"T"`
	Symbol        string    `json:"S"`
	StatusCode    string    `json:"sc"`
	StatusMessage string    `json:"sm"`
	ReasonCode    string    `json:"rc"`
	ReasonMessage string    `json:"rm"`
	Timestamp     time.Time `json:"t"`
}

// decodeMessage decodes one element of a frame. ok is false for control messages.
// Field names overlap across types ("c" is conditions on trades, close on bars),
// so each type has its own wire struct.
func decodeMessage(raw json.RawMessage, received time.Time) (marketdata.Event, bool, error) {
	var head controlMessage
	if err := json.Unmarshal(raw, &head); err != nil {
		return marketdata.Event{}, false, fmt.Errorf("decode header: %w", err)
	}
	switch head.T {
	case "t":
		var w wireTrade
		if err := json.Unmarshal(raw, &w); err != nil {
			return marketdata.Event{}, false, fmt.Errorf("decode trade: %w", err)
		}
		return marketdata.Event{
			Kind: marketdata.Trade, DataType: marketdata.Trades, Symbol: w.Symbol, Exchange: w.Exchange,
			Price: w.Price, Size: w.Size, Timestamp: w.Timestamp, ReceivedAt: received,
		}, true, nil
	case "q":
		var w wireQuote
		if err := json.Unmarshal(raw, &w); err != nil {
			return marketdata.Event{}, false, fmt.Errorf("decode quote: %w", err)
		}
		return marketdata.Event{
			Kind: marketdata.Quote, DataType: marketdata.Quotes, Symbol: w.Symbol, Exchange: w.BidExchange,
			BidPrice: w.BidPrice, BidSize: w.BidSize, AskPrice: w.AskPrice, AskSize: w.AskSize,
			Timestamp: w.Timestamp, ReceivedAt: received,
		}, true, nil
	case "b", "u", "d":
		var w wireBar
		if err := json.Unmarshal(raw, &w); err != nil {
			return marketdata.Event{}, false, fmt.Errorf("decode bar: %w", err)
		}
		dt := marketdata.Bars
		if head.T == "u" {
			dt = marketdata.UpdatedBars
		} else if head.T == "d" {
			dt = marketdata.DailyBars
		}
		return marketdata.Event{
			Kind: marketdata.Bar, DataType: dt, Symbol: w.Symbol,
			Open: w.Open, High: w.High, Low: w.Low, Close: w.Close, Volume: w.Volume,
			Timestamp: w.Timestamp, ReceivedAt: received,
		}, true, nil
	case "s":
		var w wireStatus
		if err := json.Unmarshal(raw, &w); err != nil {
			return marketdata.Event{}, false, fmt.Errorf("decode status: %w", err)
		}
		return marketdata.Event{
			Kind: marketdata.StatusChange, DataType: marketdata.Statuses, Symbol: w.Symbol,
			StatusCode: w.StatusCode, StatusMessage: w.StatusMessage,
			ReasonCode: w.ReasonCode, ReasonMessage: w.ReasonMessage,
			Timestamp: w.Timestamp, ReceivedAt: received,
		}, true, nil
	case "success", "subscription":
		return marketdata.Event{}, false, nil
	case "error":
		if fatalCodes[head.Code] {
			return marketdata.Event{}, false, fmt.Errorf("%w: %d %s", ErrAuthentication, head.Code, head.Msg)
		}
		return marketdata.Event{}, false, fmt.Errorf("server error %d: %s", head.Code, head.Msg)
	}
	return marketdata.Event{}, false, fmt.Errorf("unknown message type %q", head.T)
}
