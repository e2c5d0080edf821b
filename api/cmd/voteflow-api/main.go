package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	apimetrics "github.com/signalworks/voteflow/api/metrics"
	"github.com/signalworks/voteflow/api/server"
	"github.com/signalworks/voteflow/engine/pkg/core"
	"github.com/signalworks/voteflow/engine/pkg/journal"
	"github.com/signalworks/voteflow/engine/pkg/token"
	"github.com/signalworks/voteflow/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = "0.0.0.0:8080"
	defaultMetricsAddr = "0.0.0.0:0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address to listen on for the API")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics")
	baseAssetFlag := flag.String("base-asset", "vfw", "ledger symbol of the stakeable asset")
	revenueAssetFlag := flag.String("revenue-asset", "usdc", "ledger symbol of the revenue asset")
	treasuryFlag := flag.String("treasury", "treasury", "account receiving revenue while no weight is allocated")
	bribeSplitFlag := flag.Int64("bribe-split-bps", 5000, "initial voter share of auction proceeds in basis points")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for graceful shutdown")
	flag.Parse()

	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		env := os.Getenv("SENTRY_ENVIRONMENT")
		if env == "" {
			env = "development"
		}
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      env,
			Release:          version,
			TracesSampleRate: 0.1,
		}); err != nil {
			return fmt.Errorf("failed to init sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var rec journal.Recorder = journal.NewNoop()
	var pg *journal.Postgres
	if connStr := os.Getenv("VOTEFLOW_POSTGRES_URL"); connStr != "" {
		var err error
		pg, err = journal.NewPostgres(ctx, journal.PostgresConfig{Logger: log, ConnStr: connStr})
		if err != nil {
			return fmt.Errorf("failed to connect journal store: %w", err)
		}
		defer func() { _ = pg.Close() }()
		rec = pg
	}

	engine, err := core.New(core.Config{
		Logger:        log,
		Clock:         clockwork.NewRealClock(),
		Recorder:      rec,
		BaseAsset:     token.Asset(*baseAssetFlag),
		RevenueAsset:  token.Asset(*revenueAssetFlag),
		Treasury:      token.Account(*treasuryFlag),
		BribeSplitBps: *bribeSplitFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		Engine:          engine,
		Journal:         pg,
		ListenAddr:      *listenAddrFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
		AdminToken:      os.Getenv("VOTEFLOW_ADMIN_TOKEN"),
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	if *metricsAddrFlag != "" {
		apimetrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", *metricsAddrFlag)
		if err != nil {
			return fmt.Errorf("failed to listen on metrics address: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		log.Info("prometheus metrics server listening", "address", listener.Addr().String())

		g.Go(func() error {
			if err := metricsSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("failed to serve metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
