package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"crypto-autotrader/internal/backtest"
	"crypto-autotrader/internal/engine"
	"crypto-autotrader/internal/executor"
	"crypto-autotrader/internal/metrics"
	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"
	"crypto-autotrader/internal/storage"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

type backtestOptions struct {
	start     string
	end       string
	tradesOut string
	save      bool
}

func newBacktestCmd(root *rootOptions) *cobra.Command {
	opts := &backtestOptions{}

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay historical bars through the signal coordinator",
		Example: `  autotrader backtest --data data/btc_1h.csv
  autotrader backtest --symbol BTC/USDT --timeframe 1h --start 2024-01-01 --end 2024-06-30 --save`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, root)
			if err != nil {
				return err
			}
			return runBacktest(cmd.Context(), cfg, opts)
		},
	}

	f := cmd.Flags()
	f.String("data", "", "CSV file with timestamp,open,high,low,close,volume columns")
	f.String("timeframe", "", "bar timeframe (1h, 4h, 1d)")
	f.Float64("slippage", 0, "slippage fraction applied to every fill")
	f.Float64("capital", 0, "initial capital in USD")
	f.String("symbol", "", "trading pair, e.g. BTC/USDT")
	f.String("exchange", "", "exchange used to download missing history")
	f.String("db-dsn", "", "PostgreSQL DSN")
	f.StringVar(&opts.start, "start", "", "start date (YYYY-MM-DD), required without --data")
	f.StringVar(&opts.end, "end", "", "end date (YYYY-MM-DD), defaults to today")
	f.StringVar(&opts.tradesOut, "trades-out", "", "write executed trades to this CSV file")
	f.BoolVar(&opts.save, "save", false, "store the result in the backtest_results table")
	return cmd
}

func runBacktest(ctx context.Context, cfg *service.Config, opts *backtestOptions) error {
	logger := service.Logger.With(zap.String("Symbol", cfg.Trading.Symbol))
	telemetry := service.NewTelemetry()

	var store *storage.Postgres
	if cfg.Database.Enabled || opts.save {
		db, err := storage.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		store = storage.NewPostgres(db, uuid.NewString(), cfg.Database.QueryTimeout)
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	bars, err := loadBacktestBars(ctx, cfg, opts, store, logger)
	if err != nil {
		return err
	}
	if len(bars) == 0 {
		return errors.New("no historical data in the requested range")
	}

	coordinator, strategyName, err := buildCoordinator(cfg, telemetry, logger)
	if err != nil {
		return err
	}

	bt, err := engine.NewBacktestEngine(engine.BacktestConfig{
		Symbol:         cfg.Trading.Symbol,
		InitialCapital: cfg.Risk.InitialCapital,
		Slippage:       cfg.Backtest.Slippage,
	}, coordinator, logger)
	if err != nil {
		return err
	}

	started := time.Now()
	result, err := bt.Run(ctx, bars)
	if err != nil {
		return err
	}

	report := metrics.Summarize(metrics.Run{
		InitialCapital: result.InitialCapital,
		FinalCapital:   result.FinalCapital,
		Trades:         result.Trades,
		Equity:         result.Equity,
	}, bars, cfg.Backtest.RiskFreeRate)

	logger.Info("Backtest finished",
		zap.Int("Bars", result.Bars),
		zap.Int("Trades", report.TotalTrades),
		zap.Float64("TotalReturnPct", report.TotalReturnPct),
		zap.Float64("MaxDrawdownPct", report.MaxDrawdownPct),
		zap.Float64("SharpeRatio", report.SharpeRatio),
		zap.Duration("Elapsed", time.Since(started)))

	if opts.tradesOut != "" {
		if err := backtest.WriteTradesCSV(result.Trades, opts.tradesOut); err != nil {
			return err
		}
		logger.Info("Trades written", zap.String("Path", opts.tradesOut))
	}

	if opts.save {
		id, err := store.SaveBacktestResult(ctx, storage.BacktestRecord{
			Symbol:              cfg.Trading.Symbol,
			StrategyName:        strategyName,
			Timeframe:           cfg.Backtest.Timeframe,
			StartDate:           result.Start,
			EndDate:             result.End,
			InitialCapital:      report.InitialCapital,
			FinalCapital:        report.FinalCapital,
			TotalReturnPct:      report.TotalReturnPct,
			AnnualizedReturnPct: report.AnnualizedReturnPct,
			MaxDrawdownPct:      report.MaxDrawdownPct,
			Volatility:          report.Volatility,
			SharpeRatio:         report.SharpeRatio,
			SortinoRatio:        report.SortinoRatio,
			TotalTrades:         report.TotalTrades,
			WinningTrades:       report.WinningTrades,
			LosingTrades:        report.LosingTrades,
			WinRate:             report.WinRate,
			AvgWin:              report.AvgWin,
			AvgLoss:             report.AvgLoss,
			ProfitFactor:        report.ProfitFactor,
			BuyHoldReturnPct:    report.BuyHoldReturnPct,
			OutperformancePct:   report.OutperformancePct,
			Extra: map[string]any{
				"slippage":             cfg.Backtest.Slippage,
				"confidence_threshold": cfg.Strategy.ConfidenceThreshold,
				"bars":                 result.Bars,
			},
		})
		if err != nil {
			return err
		}
		logger.Info("Backtest result saved", zap.Int64("ID", id))
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// loadBacktestBars CSV 优先；否则按日期范围从缓存+交易所加载
func loadBacktestBars(ctx context.Context, cfg *service.Config, opts *backtestOptions, store *storage.Postgres, logger *zap.Logger) ([]model.KLine, error) {
	if cfg.Backtest.DataFile != "" {
		bars, err := backtest.LoadBarsCSV(cfg.Backtest.DataFile, cfg.Trading.Symbol, cfg.Backtest.Timeframe)
		if err != nil {
			return nil, err
		}
		logger.Info("Loaded bars from CSV", zap.String("Path", cfg.Backtest.DataFile), zap.Int("Bars", len(bars)))
		return bars, nil
	}

	if opts.start == "" {
		return nil, errors.New("either --data or --start is required")
	}
	start, err := time.Parse(dateLayout, opts.start)
	if err != nil {
		return nil, fmt.Errorf("invalid --start: %w", err)
	}
	end := time.Now().UTC()
	if opts.end != "" {
		if end, err = time.Parse(dateLayout, opts.end); err != nil {
			return nil, fmt.Errorf("invalid --end: %w", err)
		}
	}

	fetcher, err := executor.NewCandleFetcher(cfg, executor.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	// 没有数据库时不传 store，避免 typed-nil 接口
	var barStore backtest.BarStore
	if store != nil {
		barStore = store
	}
	return backtest.NewDataManager(barStore, fetcher, logger).Load(ctx, cfg.Trading.Symbol, cfg.Backtest.Timeframe, start, end)
}
