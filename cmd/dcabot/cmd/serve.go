package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dcabot/config"
	"dcabot/internal/services/engine"
	"dcabot/internal/services/exchange"
	"dcabot/internal/services/fills"
	"dcabot/internal/storage/tradestore"
	"dcabot/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the trade engine and webhook server",
	Long: `Start the engine: reconcile pending order intents, poll the exchange
for fills and serve the trade-open webhook.

Example:
  dcabot serve --config config.yaml`,
	RunE: runServe,
}

var serveConfigPath string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "f", "config.yaml", "path to yaml config")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := tradestore.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open trade store: %w", err)
	}
	defer store.Close()

	client, err := newExchangeClient(cfg.Platform)
	if err != nil {
		return err
	}

	eng, err := engine.New(logger, cfg.DCA, cfg.Pairs, store, client, cfg.WALDir, cfg.OrderTimeout)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile pending intents: %w", err)
	}

	monitor := fills.NewMonitor(logger, store, client, eng, cfg.PollInterval, cfg.OrderTimeout)
	server := web.NewServer(logger, cfg.Listen, Version, cfg.Pairs, eng, store)

	logger.Info("dcabot started",
		zap.String("platform", cfg.Platform),
		zap.String("listen", cfg.Listen),
		zap.Int("pairs", len(cfg.Pairs)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown with error", zap.Error(err))
		return err
	}
	logger.Info("dcabot stopped")
	return nil
}

func newExchangeClient(platform string) (exchange.Client, error) {
	switch platform {
	case "bybit":
		key, secret := os.Getenv("BYBIT_API_KEY"), os.Getenv("BYBIT_API_SECRET")
		if key == "" || secret == "" {
			return nil, fmt.Errorf("BYBIT_API_KEY and BYBIT_API_SECRET envs must be set")
		}
		return exchange.NewBybitClient(key, secret), nil
	case "binance":
		key, secret := os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET")
		if key == "" || secret == "" {
			return nil, fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET envs must be set")
		}
		return exchange.NewBinanceClient(key, secret), nil
	case "simulate":
		return exchange.NewSimulateClient(decimal.NewFromInt(100)), nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", platform)
	}
}
