package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gregtusar/etfarb/api"
	"github.com/gregtusar/etfarb/internal/config"
	"github.com/gregtusar/etfarb/pkg/console"
	"github.com/gregtusar/etfarb/pkg/gateway"
	"github.com/gregtusar/etfarb/pkg/ledger"
	"github.com/gregtusar/etfarb/pkg/metrics"
	"github.com/gregtusar/etfarb/pkg/trader"
	"github.com/gregtusar/etfarb/pkg/venue"
)

var (
	cfgFile  string
	simulate bool
	logger   *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "etfarb",
		Short: "ETF and tender arbitrage agent",
		Long:  `An automated agent that trades tenders, ETF creation and redemption, and a cross-listed ETF pair against a simulated exchange`,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop and the operator API",
		RunE:  runTrader,
	}
	runCmd.Flags().BoolVar(&simulate, "simulate", false, "trade against the in-process paper venue")

	rootCmd.AddCommand(runCmd, newConsoleCmd(), newTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LoggingConfig) (*logrus.Logger, io.Closer, error) {
	l := logrus.New()
	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		l.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.File == "" {
		return l, nil, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l.SetOutput(io.MultiWriter(os.Stderr, f))
	return l, f, nil
}

func runTrader(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var closer io.Closer
	logger, closer, err = setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(true)
	g, gctx := errgroup.WithContext(ctx)

	var client venue.Client
	if simulate {
		sim := venue.NewSimulator(cfg.Strategy.TicksPerPeriod, cfg.Simulator.Seed, logger)
		seedPaperMarket(sim, cfg.Strategy)
		g.Go(func() error {
			sim.Run(gctx, cfg.Simulator.TickInterval)
			return nil
		})
		client = sim
		logger.WithField("tick_interval", cfg.Simulator.TickInterval).Info("Trading against the paper venue")
	} else {
		client = venue.NewRESTClient(venue.RESTConfig{
			BaseURL:           cfg.Venue.BaseURL,
			Timeout:           cfg.Venue.Timeout,
			RequestsPerSecond: cfg.Venue.RequestsPerSecond,
			Burst:             cfg.Venue.Burst,
			BreakerTimeout:    cfg.Venue.BreakerTimeout,
			BreakerFailures:   cfg.Venue.BreakerFailures,
		}, venue.NewAPIKeyAuthenticator(cfg.Venue.APIKey), m, logger)
	}

	cash := ledger.NewCurrencyLedger(cfg.Strategy.PortfolioCurrency, logger)
	positions := ledger.NewPositionLedger(cash, logger)
	gw := gateway.New(client, positions, gateway.NewAdmission(cfg.Venue.OrdersPerSecond, cfg.Venue.SafetyMargin), m, logger)
	tr := trader.New(cfg.Strategy, client, gw, positions, m, logger)

	var consoleHandler http.Handler
	if cfg.Console.SigningKey != "" {
		issuer, err := console.NewTokenIssuer(cfg.Console.SigningKey, cfg.Console.TokenTTL)
		if err != nil {
			return err
		}
		consoleHandler = console.NewHandler(issuer, tr, m, logger)
	} else {
		logger.Warn("No console signing key configured, operator console disabled")
	}
	server := api.NewServer(tr, consoleHandler, m, logger, cfg.Server.Port, cfg.Server.AllowedOrigins)

	g.Go(func() error {
		if err := tr.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("trading loop: %w", err)
		}
		logger.Info("Trading loop finished, API stays up until shutdown")
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	logger.Info("Agent is running. Press Ctrl+C to stop.")
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Agent stopped with error")
		return err
	}
	logger.Info("Agent stopped")
	return nil
}
