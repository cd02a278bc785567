package engine

import (
	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/risk"
)

// 以下方法供 API / 看板读取，全部返回拷贝

func (e *TradingEngine) Status() model.EngineStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Positions 全部持仓 (含已平仓)
func (e *TradingEngine) Positions() []model.Position {
	return e.tracker.All()
}

func (e *TradingEngine) OpenPositions() []model.Position {
	return e.tracker.OpenSnapshot()
}

func (e *TradingEngine) Trades() []model.TradeRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]model.TradeRecord(nil), e.trades...)
}

func (e *TradingEngine) EquityCurve() []model.EquityPoint {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]model.EquityPoint(nil), e.equity...)
}

// PnL 当日已实现盈亏、累计已实现盈亏、可用余额
func (e *TradingEngine) PnL() (daily, total, balance float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dailyPnL, e.totalPnL, e.balance
}

func (e *TradingEngine) RiskState() risk.RiskState {
	return e.risk.State()
}

// Summary 账户与引擎状态汇总
func (e *TradingEngine) Summary() model.EngineSummary {
	open := e.tracker.OpenSnapshot()

	e.mu.RLock()
	defer e.mu.RUnlock()

	equity := e.balance
	for _, p := range open {
		equity += p.CurrentPrice * p.Amount
	}
	return model.EngineSummary{
		Status:        e.status,
		Symbol:        e.cfg.Symbol,
		PaperTrading:  e.cfg.PaperTrading,
		Balance:       e.balance,
		Equity:        equity,
		DailyPnL:      e.dailyPnL,
		TotalPnL:      e.totalPnL,
		OpenPositions: len(open),
		LastPrice:     e.lastPrice,
		LastSignal:    e.lastSignal,
		Locked:        e.status == model.StatusLocked,
	}
}

// DailyStats 当日 (UTC) 成交统计，盈亏只统计平仓
func (e *TradingEngine) DailyStats() model.DailyStats {
	today := e.clock.Now().UTC().Format("2006-01-02")

	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := model.DailyStats{Date: today}
	for _, t := range e.trades {
		if t.Timestamp.UTC().Format("2006-01-02") != today {
			continue
		}
		stats.TotalTrades++
		if t.Type != model.TradeSell {
			continue
		}
		stats.TotalPnL += t.Profit
		switch {
		case t.Profit > 0:
			stats.WinningTrades++
		case t.Profit < 0:
			stats.LosingTrades++
		}
	}
	return stats
}
