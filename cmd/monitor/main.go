package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/api"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/config"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/daemon"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/metrics"
	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/util"
)

const shutdownTimeout = 10 * time.Second

func loadConfig(path string, paperMode bool) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if paperMode {
		cfg.Broker.Mode = config.BrokerPaper
	}
	return cfg, cfg.Validate()
}

func main() {
	fs := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to the yaml config (defaults apply when empty)")
	paperMode := fs.Bool("paper", false, "use the in-process paper broker")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	_ = godotenv.Load()

	bootLog := util.NewLogger("info")
	cfg, err := loadConfig(*configPath, *paperMode)
	if err != nil {
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log, logCloser := util.NewFileLogger(cfg.App.LogLevel, cfg.App.LogFile)
	defer logCloser.Close()

	if cfg.App.MetricsAddr != "" {
		_ = metrics.Serve(cfg.App.MetricsAddr)
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	deps, closers, err := daemon.BuildDeps(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build dependencies")
	}
	svc, err := daemon.New(cfg, deps, log)
	if err != nil {
		_ = closers.Close()
		log.Fatal().Err(err).Msg("build service")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		_ = svc.Stop()
		_ = closers.Close()
		log.Fatal().Err(err).Msg("start service")
	}

	health := api.NewHealth()
	health.Bind(svc.Heartbeat(), svc.Connection())

	httpSrv := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           api.NewRouter(api.NewHandler(svc, util.Component(log, "http"))),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
			cancel()
		}
	}()
	log.Info().Str("addr", cfg.App.HTTPAddr).Msg("http up")

	grpcSrv := api.NewGRPCServer(health)
	if cfg.App.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.App.GRPCAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.App.GRPCAddr).Msg("grpc listen")
		}
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Error().Err(err).Msg("grpc server stopped")
			}
		}()
		log.Info().Str("addr", cfg.App.GRPCAddr).Msg("grpc health up")
	}

	log.Info().Str("broker", cfg.Broker.Mode).Dur("interval", cfg.Monitor.CheckInterval).Msg("monitor started")
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	health.Shutdown()
	grpcSrv.GracefulStop()
	if err := svc.Stop(); err != nil {
		log.Warn().Err(err).Msg("service stop")
	}
	if err := closers.Close(); err != nil {
		log.Warn().Err(err).Msg("close dependencies")
	}
}
