package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/marketdata"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/metrics"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/stream"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/util"
)

type options struct {
	dataType      string
	symbols       string
	symbolsFile   string
	feed          string
	url           string
	raw           bool
	duration      time.Duration
	silentTimeout time.Duration
	logLevel      string
	metricsAddr   string
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("stream", pflag.ContinueOnError)
	fs.StringVar(&opts.dataType, "data-type", "trades", "trades|quotes|bars|updated-bars|daily-bars|statuses|all (comma separated)")
	fs.StringVar(&opts.symbols, "symbols", "", "comma separated symbols")
	fs.StringVar(&opts.symbolsFile, "symbols-file", "", "file with one symbol per line")
	fs.StringVar(&opts.feed, "feed", stream.FeedIEX, "iex|sip|test")
	fs.StringVar(&opts.url, "url", "", "override the websocket endpoint")
	fs.BoolVar(&opts.raw, "raw", false, "print raw JSON messages")
	fs.DurationVar(&opts.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	fs.DurationVar(&opts.silentTimeout, "silent-timeout", stream.DefaultSilentTimeout, "reconnect after this long without messages")
	fs.StringVar(&opts.logLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	switch opts.feed {
	case stream.FeedIEX, stream.FeedSIP, stream.FeedTest:
	default:
		return opts, fmt.Errorf("unknown feed %q", opts.feed)
	}
	return opts, nil
}

func parseDataTypes(raw string) ([]marketdata.DataType, error) {
	var out []marketdata.DataType
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.EqualFold(part, "all") {
			return append([]marketdata.DataType(nil), marketdata.AllDataTypes...), nil
		}
		dt, ok := marketdata.ParseDataType(part)
		if !ok {
			return nil, fmt.Errorf("unknown data type %q", part)
		}
		out = append(out, dt)
	}
	if len(out) == 0 {
		return nil, errors.New("no data type selected")
	}
	return out, nil
}

func resolveSymbols(opts options) ([]string, error) {
	var fromFile []string
	if opts.symbolsFile != "" {
		var err error
		if fromFile, err = stream.ReadSymbolsFile(opts.symbolsFile); err != nil {
			return nil, err
		}
	}
	symbols := stream.MergeSymbols(fromFile, strings.Split(opts.symbols, ","))
	if len(symbols) == 0 {
		if opts.feed == stream.FeedTest {
			return []string{"FAKEPACA"}, nil
		}
		return nil, errors.New("no symbols: use --symbols or --symbols-file")
	}
	return symbols, nil
}

func formatEvent(ev marketdata.Event) string {
	ts := ev.EffectiveTime().Format("15:04:05.000")
	switch ev.Kind {
	case marketdata.Trade:
		return fmt.Sprintf("%s TRADE  %-6s %s x %s", ts, ev.Symbol, ev.Price.String(), ev.Size.String())
	case marketdata.Quote:
		return fmt.Sprintf("%s QUOTE  %-6s %s x %s / %s x %s", ts, ev.Symbol,
			ev.BidPrice.String(), ev.BidSize.String(), ev.AskPrice.String(), ev.AskSize.String())
	case marketdata.Bar:
		return fmt.Sprintf("%s %-6s %-6s O %s H %s L %s C %s V %s", ts, strings.ToUpper(barLabel(ev.DataType)), ev.Symbol,
			ev.Open.String(), ev.High.String(), ev.Low.String(), ev.Close.String(), ev.Volume.String())
	case marketdata.StatusChange:
		return fmt.Sprintf("%s STATUS %-6s %s %s (%s)", ts, ev.Symbol, ev.StatusCode, ev.StatusMessage, ev.ReasonMessage)
	}
	return fmt.Sprintf("%s %s %s", ts, ev.Kind, ev.Symbol)
}

func barLabel(dt marketdata.DataType) string {
	switch dt {
	case marketdata.UpdatedBars:
		return "ubar"
	case marketdata.DailyBars:
		return "dbar"
	}
	return "bar"
}

func printCounters(w io.Writer, counters map[marketdata.DataType]uint64, elapsed time.Duration) {
	fmt.Fprintf(w, "\nstream summary after %s\n", elapsed.Round(time.Millisecond))
	keys := make([]string, 0, len(counters))
	var total uint64
	for dt, n := range counters {
		keys = append(keys, string(dt))
		total += n
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-12s %d\n", k, counters[marketdata.DataType(k)])
	}
	fmt.Fprintf(w, "  %-12s %d\n", "total", total)
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := util.NewLoggerTo(os.Stderr, opts.logLevel)
	_ = godotenv.Load()

	types, err := parseDataTypes(opts.dataType)
	if err != nil {
		log.Fatal().Err(err).Msg("data type")
	}
	symbols, err := resolveSymbols(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("symbols")
	}
	key, secret := os.Getenv("APCA_API_KEY_ID"), os.Getenv("APCA_API_SECRET_KEY")
	if key == "" || secret == "" {
		log.Fatal().Msg("APCA_API_KEY_ID and APCA_API_SECRET_KEY must be set")
	}

	if opts.metricsAddr != "" {
		_ = metrics.Serve(opts.metricsAddr)
		log.Info().Str("addr", opts.metricsAddr).Msg("metrics up")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if opts.duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	url := opts.url
	if url == "" {
		url = stream.FeedURL(opts.feed)
	}
	transport := stream.NewAlpacaTransport(url, key, secret, util.Component(log, "alpaca"), stream.WithRawFrames(opts.raw))
	conn := stream.New(transport, util.Component(log, "stream"),
		stream.WithSilentTimeout(opts.silentTimeout),
		stream.WithEvents(marketdata.NewChannel(4096, marketdata.WithName("cli"))),
	)
	conn.OnStateChange(func(from, to stream.State) {
		log.Info().Str("from", from.String()).Str("to", to.String()).Msg("connection state")
	})

	started := time.Now()
	if err := conn.Connect(ctx, stream.Expand(symbols, types)...); errors.Is(err, stream.ErrAuthentication) {
		log.Fatal().Err(err).Msg("authentication failed")
	}
	log.Info().Strs("symbols", symbols).Int("subscriptions", conn.Registry().Len()).Str("url", url).Msg("streaming")

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	out := bufio.NewWriter(os.Stdout)
	for ev := range conn.Events().C() {
		if opts.raw && len(ev.Raw) > 0 {
			out.Write(ev.Raw)
			out.WriteByte('\n')
		} else {
			fmt.Fprintln(out, formatEvent(ev))
		}
		if len(conn.Events().C()) == 0 {
			out.Flush()
		}
	}
	out.Flush()

	err = <-runErr
	printCounters(os.Stdout, conn.Counters(), time.Since(started))
	if _, dropped := conn.Events().Stats(); dropped > 0 {
		log.Warn().Uint64("dropped", dropped).Msg("events dropped by slow output")
	}
	if err != nil {
		log.Error().Err(err).Msg("stream stopped")
		os.Exit(1)
	}
}
