package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"crypto-autotrader/internal/api"
	"crypto-autotrader/internal/engine"
	"crypto-autotrader/internal/executor"
	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/position"
	"crypto-autotrader/internal/risk"
	"crypto-autotrader/internal/service"
	"crypto-autotrader/internal/storage"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// priceMaxAge websocket 价格超过该时间视为过期，改走 REST
const priceMaxAge = time.Minute

func newRunCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the live (or paper) trading loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runTrading(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.String("symbol", "", "trading pair, e.g. BTC/USDT")
	f.Bool("paper", true, "paper trading, no real orders are sent")
	f.Duration("poll-interval", 0, "time between decision cycles")
	f.Float64("capital", 0, "initial capital in USD")
	f.String("exchange", "", "exchange: okx or binance")
	f.String("api-addr", "", "control API listen address")
	f.String("db-dsn", "", "PostgreSQL DSN")
	return cmd
}

func runTrading(ctx context.Context, cfg *service.Config) error {
	symbol := cfg.Trading.Symbol
	logger := service.Logger.With(zap.String("Symbol", symbol))
	clock := service.NewSystemClock()
	telemetry := service.NewTelemetry()
	runID := uuid.NewString()

	logger.Info("Starting trading pipeline...",
		zap.String("RunID", runID),
		zap.String("Exchange", cfg.Exchange.Name),
		zap.Bool("PaperTrading", cfg.Trading.PaperTrading))

	interval, err := service.ParseIntervalDuration(cfg.Trading.Timeframe)
	if err != nil {
		return err
	}

	// 1. 行情: websocket -> DataEngine (K 线) / 价格缓存
	connector := api.NewConnector(cfg.Exchange.WSURL, []string{symbol}, logger)
	barTicks := connector.Subscribe(1024)
	priceTicks := connector.Subscribe(1024)
	dataEngine := model.NewDataEngine(barTicks, symbol, interval, model.DefaultMaxBars, logger)
	prices := executor.NewPriceCache(priceMaxAge)

	gwOpts := executor.Options{Clock: clock, Prices: prices, Telemetry: telemetry, Logger: logger}

	// 2. 执行网关
	gateway, err := executor.New(cfg, gwOpts)
	if err != nil {
		return err
	}
	if paper, ok := gateway.(*executor.PaperGateway); ok {
		go paper.StartMonitor(ctx, priceTicks)
	} else {
		go prices.Run(ctx, priceTicks)
	}

	// 3. 预填充历史 K 线，指标需要至少几十根
	if fetcher, err := executor.NewCandleFetcher(cfg, gwOpts); err == nil {
		end := clock.Now()
		start := end.Add(-time.Duration(cfg.Trading.HistoryBars) * interval)
		bars, err := fetcher.FetchCandles(ctx, symbol, cfg.Trading.Timeframe, start, end)
		if err != nil {
			logger.Warn("Failed to seed history, indicators will warm up from live data", zap.Error(err))
		} else {
			dataEngine.Seed(bars)
			logger.Info("History seeded", zap.Int("Bars", len(bars)))
		}
	}

	// 4. 决策与风控
	coordinator, _, err := buildCoordinator(cfg, telemetry, logger)
	if err != nil {
		return err
	}
	riskManager, err := risk.NewRiskManager(risk.Config{
		InitialCapital:    cfg.Risk.InitialCapital,
		PositionSizePct:   cfg.Risk.PositionSizePct,
		DailyLossLimitPct: cfg.Risk.DailyLossLimitPct,
		KillSwitchPct:     cfg.Risk.KillSwitchPct,
		MinNotional:       cfg.Risk.MinNotional,
	}, clock, logger)
	if err != nil {
		return err
	}
	tracker := position.NewTracker(clock)
	tracker.SetRefPrefix(runID)

	// 5. 持久化 (可选)
	deps := engine.Deps{
		Risk:      riskManager,
		Tracker:   tracker,
		Gateway:   gateway,
		Signals:   coordinator,
		Market:    engine.NewGatewayFeed(gateway, dataEngine, clock),
		Clock:     clock,
		Telemetry: telemetry,
		Logger:    logger,
	}
	if cfg.Database.Enabled {
		db, err := storage.Open(ctx, cfg.Database)
		if err != nil {
			return err
		}
		store := storage.NewPostgres(db, runID, cfg.Database.QueryTimeout)
		defer store.Close()
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		deps.Store = store
	}

	eng, err := engine.NewTradingEngine(engine.Config{
		Symbol:       symbol,
		PaperTrading: cfg.Trading.PaperTrading,
		PollInterval: cfg.Trading.PollInterval,
		ErrorBackoff: cfg.Trading.ErrorBackoff,
		StopLossPct:  cfg.Trading.StopLossPct,
	}, deps)
	if err != nil {
		return err
	}
	if n, err := eng.RestoreOpenPositions(ctx); err != nil {
		return err
	} else if n > 0 {
		logger.Info("Open positions restored", zap.Int("Count", n))
	}

	// 6. 启动后台组件
	if strings.EqualFold(cfg.Exchange.Name, "okx") || cfg.Trading.PaperTrading {
		go connector.Start(ctx)
	}
	go dataEngine.Start(ctx)

	if cfg.API.Enabled {
		server := api.NewServer(ctx, cfg.API.Addr, eng, telemetry.Handler(), logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("Control API failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	// 7. 主循环 (阻塞直到 Ctrl+C 或熔断；API 的暂停/恢复不会结束进程)
	if err := runUntilDone(ctx, eng, logger); err != nil {
		return fmt.Errorf("trading engine: %w", err)
	}

	summary := eng.Summary()
	logger.Info("Trading session finished",
		zap.String("Status", string(summary.Status)),
		zap.Float64("Balance", summary.Balance),
		zap.Float64("Equity", summary.Equity),
		zap.Float64("TotalPnL", summary.TotalPnL),
		zap.Int("OpenPositions", summary.OpenPositions))
	return nil
}

// tradingLoop 进程生命周期需要的引擎操作
type tradingLoop interface {
	Resume(ctx context.Context) error
	Stop()
	Locked() <-chan struct{}
}

// runUntilDone 在后台启动交易循环，阻塞到 ctx 取消或引擎熔断锁定
// 循环被暂停时进程继续运行，等待 resume
func runUntilDone(ctx context.Context, eng tradingLoop, logger *zap.Logger) error {
	if err := eng.Resume(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		eng.Stop()
		logger.Info("Shutdown requested", zap.Error(ctx.Err()))
	case <-eng.Locked():
		logger.Warn("Trading locked by kill switch, shutting down")
	}
	return nil
}
