package metrics

import (
	"crypto-autotrader/internal/model"
)

// Run 一次回测的原始输出
type Run struct {
	InitialCapital float64
	FinalCapital   float64
	Trades         []model.TradeRecord
	Equity         []model.EquityPoint
}

// Report 汇总指标，字段与 backtest_results 表对应
type Report struct {
	InitialCapital      float64 `json:"initial_capital"`
	FinalCapital        float64 `json:"final_capital"`
	TotalReturnPct      float64 `json:"total_return_pct"`
	AnnualizedReturnPct float64 `json:"annualized_return_pct"`
	MaxDrawdownPct      float64 `json:"max_drawdown_pct"`
	Volatility          float64 `json:"volatility"`
	SharpeRatio         float64 `json:"sharpe_ratio"`
	SortinoRatio        float64 `json:"sortino_ratio"`
	TotalTrades         int     `json:"total_trades"`
	WinningTrades       int     `json:"winning_trades"`
	LosingTrades        int     `json:"losing_trades"`
	WinRate             float64 `json:"win_rate"`
	AvgWin              float64 `json:"avg_win"`
	AvgLoss             float64 `json:"avg_loss"`
	ProfitFactor        float64 `json:"profit_factor"`
	BuyHoldReturnPct    float64 `json:"buyhold_return_pct"`
	OutperformancePct   float64 `json:"outperformance_pct"`
}

// Summarize 由成交、净值曲线和行情计算全部指标
// 交易统计只统计平仓 (SELL) 记录；TotalTrades 为全部成交笔数
func Summarize(run Run, bars []model.KLine, riskFreeRate float64) Report {
	equity := make([]float64, len(run.Equity))
	for i, p := range run.Equity {
		equity[i] = p.Equity
	}
	returns := PeriodicReturns(equity)
	closed := ClosedTrades(run.Trades)

	r := Report{
		InitialCapital: run.InitialCapital,
		FinalCapital:   run.FinalCapital,
		TotalReturnPct: TotalReturnPct(run.InitialCapital, run.FinalCapital),
		MaxDrawdownPct: MaxDrawdownPct(equity),
		Volatility:     Volatility(returns),
		SharpeRatio:    SharpeRatio(returns, riskFreeRate),
		SortinoRatio:   SortinoRatio(returns, riskFreeRate),
		TotalTrades:    len(run.Trades),
		WinRate:        WinRate(closed),
		ProfitFactor:   ProfitFactor(closed),
	}
	r.AvgWin, r.AvgLoss = AverageWinLoss(closed)
	for _, t := range closed {
		switch {
		case t.Profit > 0:
			r.WinningTrades++
		case t.Profit < 0:
			r.LosingTrades++
		}
	}

	if len(run.Equity) >= 2 {
		period := run.Equity[len(run.Equity)-1].Timestamp.Sub(run.Equity[0].Timestamp)
		r.AnnualizedReturnPct = AnnualizedReturnPct(run.InitialCapital, run.FinalCapital, period)
	}
	r.BuyHoldReturnPct = BuyAndHoldReturnPct(bars)
	r.OutperformancePct = r.TotalReturnPct - r.BuyHoldReturnPct
	return r
}
