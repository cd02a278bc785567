package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-autotrader/internal/model"

	"go.uber.org/zap"
)

// DefaultSlippage 每笔成交 0.1% 滑点
const DefaultSlippage = 0.001

// BacktestConfig 回测参数
type BacktestConfig struct {
	Symbol         string
	InitialCapital float64
	Slippage       float64
}

// Result 回测原始输出，不含派生指标 (见 metrics.Summarize)
type Result struct {
	Symbol         string
	InitialCapital float64
	FinalCapital   float64 // 最后一根 K 线收盘时的净值 (含未平仓位市值)
	Trades         []model.TradeRecord
	Equity         []model.EquityPoint
	Bars           int
	Start          time.Time
	End            time.Time
}

// BacktestEngine 按 K 线同步回放，用与实盘相同的 SignalProvider 决策
// 全仓进出：BUY 时投入全部资金，SELL 时全部卖出
type BacktestEngine struct {
	cfg     BacktestConfig
	signals SignalProvider
	logger  *zap.Logger

	capital      float64
	size         float64
	entryCapital float64
	trades       []model.TradeRecord
	equity       []model.EquityPoint
}

func NewBacktestEngine(cfg BacktestConfig, signals SignalProvider, logger *zap.Logger) (*BacktestEngine, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive, got %v", cfg.InitialCapital)
	}
	if cfg.Slippage < 0 || cfg.Slippage >= 1 {
		return nil, fmt.Errorf("slippage must be in [0,1), got %v", cfg.Slippage)
	}
	if signals == nil {
		return nil, errors.New("signal provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &BacktestEngine{
		cfg:     cfg,
		signals: signals,
		logger:  logger.With(zap.String("component", "backtest"), zap.String("Symbol", cfg.Symbol)),
	}
	b.reset()
	return b, nil
}

func (b *BacktestEngine) reset() {
	b.capital = b.cfg.InitialCapital
	b.size = 0
	b.entryCapital = 0
	b.trades = nil
	b.equity = nil
}

// Run 回放 bars (时间升序)。第 i 根 K 线的快照包含 bars[:i+1]，价格为收盘价
func (b *BacktestEngine) Run(ctx context.Context, bars []model.KLine) (*Result, error) {
	if len(bars) == 0 {
		return nil, errors.New("no bars to replay")
	}
	b.reset()

	b.logger.Info("Backtest started",
		zap.Int("Bars", len(bars)),
		zap.Time("From", bars[0].StartTime),
		zap.Time("To", bars[len(bars)-1].StartTime),
		zap.Float64("InitialCapital", b.cfg.InitialCapital))

	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		snapshot := model.MarketSnapshot{
			Symbol:    b.cfg.Symbol,
			Timestamp: bar.StartTime,
			Price:     bar.Close,
			Bars:      bars[:i+1],
		}
		signal := b.signals.Combine(ctx, snapshot, nil)

		switch signal.Action() {
		case model.ActionBuy:
			b.executeBuy(bar.Close, bar.StartTime, signal.Rationale())
		case model.ActionSell:
			b.executeSell(bar.Close, bar.StartTime, signal.Rationale())
		}

		b.equity = append(b.equity, model.EquityPoint{Timestamp: bar.StartTime, Equity: b.capital + b.size*bar.Close})
	}

	res := &Result{
		Symbol:         b.cfg.Symbol,
		InitialCapital: b.cfg.InitialCapital,
		FinalCapital:   b.equity[len(b.equity)-1].Equity,
		Trades:         append([]model.TradeRecord(nil), b.trades...),
		Equity:         append([]model.EquityPoint(nil), b.equity...),
		Bars:           len(bars),
		Start:          bars[0].StartTime,
		End:            bars[len(bars)-1].StartTime,
	}
	b.logger.Info("Backtest finished",
		zap.Int("Trades", len(res.Trades)),
		zap.Float64("FinalCapital", res.FinalCapital))
	return res, nil
}

// ExecuteBuy 持仓为空时以 price*(1+滑点) 全仓买入，返回是否成交
func (b *BacktestEngine) ExecuteBuy(price float64, ts time.Time) bool {
	return b.executeBuy(price, ts, "")
}

// ExecuteSell 有持仓时以 price*(1-滑点) 全部卖出，返回是否成交
func (b *BacktestEngine) ExecuteSell(price float64, ts time.Time) bool {
	return b.executeSell(price, ts, "")
}

func (b *BacktestEngine) executeBuy(price float64, ts time.Time, reason string) bool {
	if b.size > 0 || b.capital <= 0 {
		return false
	}

	buyPrice := price * (1 + b.cfg.Slippage)
	b.size = b.capital / buyPrice
	b.entryCapital = b.capital
	b.capital = 0

	b.trades = append(b.trades, model.TradeRecord{
		Timestamp:    ts,
		Type:         model.TradeBuy,
		Symbol:       b.cfg.Symbol,
		Amount:       b.size,
		Price:        buyPrice,
		CapitalAfter: b.capital,
		Reason:       reason,
	})
	return true
}

func (b *BacktestEngine) executeSell(price float64, ts time.Time, reason string) bool {
	if b.size == 0 {
		return false
	}

	sellPrice := price * (1 - b.cfg.Slippage)
	amount := b.size
	b.capital = amount * sellPrice
	profit := b.capital - b.entryCapital

	b.trades = append(b.trades, model.TradeRecord{
		Timestamp:    ts,
		Type:         model.TradeSell,
		Symbol:       b.cfg.Symbol,
		Amount:       amount,
		Price:        sellPrice,
		CapitalAfter: b.capital,
		Profit:       profit,
		Reason:       reason,
	})

	b.size = 0
	b.entryCapital = 0
	return true
}

// Capital 当前现金与持仓数量
func (b *BacktestEngine) Capital() (capital, size float64) {
	return b.capital, b.size
}

func (b *BacktestEngine) Trades() []model.TradeRecord {
	return append([]model.TradeRecord(nil), b.trades...)
}
