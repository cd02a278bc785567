// Package metrics 回测绩效指标，全部为纯函数
package metrics

import (
	"math"
	"time"

	"crypto-autotrader/internal/model"

	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear 年化系数
const TradingDaysPerYear = 252

// maxProfitFactor 没有亏损交易时的盈亏比上限
const maxProfitFactor = 999

// TotalReturnPct 总收益率 (%)
func TotalReturnPct(initialCapital, finalCapital float64) float64 {
	if initialCapital == 0 {
		return 0
	}
	return (finalCapital - initialCapital) / initialCapital * 100
}

// MaxDrawdownPct 最大回撤 (%)，相对历史最高点计算，返回正数
func MaxDrawdownPct(equity []float64) float64 {
	var peak, maxDD float64
	for i, v := range equity {
		if i == 0 || v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak * 100; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// PeriodicReturns 净值序列的逐期收益率，前值为 0 的区间跳过
func PeriodicReturns(equity []float64) []float64 {
	if len(equity) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		if equity[i-1] == 0 {
			continue
		}
		returns = append(returns, equity[i]/equity[i-1]-1)
	}
	return returns
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

// sampleStd 样本标准差 (n-1)
func sampleStd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.StdDev(xs, nil)
}

// Volatility 年化波动率
func Volatility(returns []float64) float64 {
	return sampleStd(returns) * math.Sqrt(TradingDaysPerYear)
}

// SharpeRatio (mean*252 - rf) / (std*sqrt(252))；空序列或零方差返回 0
func SharpeRatio(returns []float64, riskFreeRate float64) float64 {
	vol := Volatility(returns)
	if len(returns) == 0 || vol == 0 {
		return 0
	}
	return (mean(returns)*TradingDaysPerYear - riskFreeRate) / vol
}

// SortinoRatio 只用下行波动作分母
func SortinoRatio(returns []float64, riskFreeRate float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	var downside float64
	for _, r := range returns {
		if r < 0 {
			downside += r * r
		}
	}
	dd := math.Sqrt(downside/float64(len(returns))) * math.Sqrt(TradingDaysPerYear)
	if dd == 0 {
		return 0
	}
	return (mean(returns)*TradingDaysPerYear - riskFreeRate) / dd
}

// WinRate profit > 0 的交易占比 (%)，调用方决定传入哪些交易
func WinRate(trades []model.TradeRecord) float64 {
	if len(trades) == 0 {
		return 0
	}
	wins := 0
	for _, t := range trades {
		if t.Profit > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(trades)) * 100
}

// ProfitFactor 总盈利 / 总亏损
func ProfitFactor(trades []model.TradeRecord) float64 {
	var gains, losses float64
	for _, t := range trades {
		switch {
		case t.Profit > 0:
			gains += t.Profit
		case t.Profit < 0:
			losses -= t.Profit
		}
	}
	if losses == 0 {
		if gains > 0 {
			return maxProfitFactor
		}
		return 0
	}
	return gains / losses
}

// AverageWinLoss 平均盈利与平均亏损 (亏损为负数)
func AverageWinLoss(trades []model.TradeRecord) (avgWin, avgLoss float64) {
	var wins, losses []float64
	for _, t := range trades {
		switch {
		case t.Profit > 0:
			wins = append(wins, t.Profit)
		case t.Profit < 0:
			losses = append(losses, t.Profit)
		}
	}
	return mean(wins), mean(losses)
}

// AnnualizedReturnPct 按自然日复利折算的年化收益率 (%)
func AnnualizedReturnPct(initialCapital, finalCapital float64, period time.Duration) float64 {
	if initialCapital <= 0 || finalCapital < 0 || period <= 0 {
		return 0
	}
	years := period.Hours() / (24 * 365)
	return (math.Pow(finalCapital/initialCapital, 1/years) - 1) * 100
}

// BuyAndHoldReturnPct 首根开盘买入、末根收盘卖出的收益率 (%)
func BuyAndHoldReturnPct(bars []model.KLine) float64 {
	if len(bars) == 0 {
		return 0
	}
	first := bars[0].Open
	if first == 0 {
		first = bars[0].Close
	}
	return TotalReturnPct(first, bars[len(bars)-1].Close)
}

// ClosedTrades 只保留 SELL (已实现盈亏) 的交易
func ClosedTrades(trades []model.TradeRecord) []model.TradeRecord {
	closed := make([]model.TradeRecord, 0, len(trades)/2+1)
	for _, t := range trades {
		if t.Type == model.TradeSell {
			closed = append(closed, t)
		}
	}
	return closed
}
