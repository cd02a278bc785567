package ta

import (
	"fmt"

	"crypto-autotrader/internal/model"

	"github.com/markcheno/go-talib"
)

// Periods 指标周期参数
type Periods struct {
	MAShort    int // 短均线 (默认 20)
	MALong     int // 长均线 (默认 50)
	RSI        int // RSI 周期 (默认 14)
	BBands     int // 布林带周期 (默认 20)
	BBandsDev  float64
	ATR        int
	MACDFast   int
	MACDSlow   int
	MACDSignal int
}

// DefaultPeriods 常用默认值
func DefaultPeriods() Periods {
	return Periods{
		MAShort:    20,
		MALong:     50,
		RSI:        14,
		BBands:     20,
		BBandsDev:  2,
		ATR:        14,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
	}
}

// TAData 存储计算指标所用的历史数据和最新指标值
type TAData struct {
	Symbol string
	Close  []float64 // 收盘价序列
	High   []float64 // 最高价序列
	Low    []float64 // 最低价序列
	Volume []float64 // 成交量序列

	// 存储最新计算出的指标值，方便外部查询
	MA         float64 // 等于 MAShort，兼容旧字段
	MAShort    float64
	MALong     float64
	RSI        float64
	BBandsUp   float64
	BBandsDn   float64
	ATR        float64
	MACD       float64
	MACDSignal float64
	MACDHist   float64
}

// LastClose 最新收盘价
func (d *TAData) LastClose() float64 {
	if len(d.Close) == 0 {
		return 0
	}
	return d.Close[len(d.Close)-1]
}

// TACalculator 负责指标计算；无内部状态，同一组 K 线总是得到同样的结果
// (实盘与回测共用，保证决策一致)
type TACalculator struct {
	Periods       Periods
	MinHistoryLen int // 计算指标所需的最小历史长度
}

// NewTACalculator 初始化技术指标计算器
func NewTACalculator(p Periods) *TACalculator {
	minLen := p.MALong
	for _, n := range []int{p.MAShort, p.RSI + 1, p.BBands, p.ATR + 1, p.MACDSlow + p.MACDSignal} {
		if n > minLen {
			minLen = n
		}
	}
	return &TACalculator{Periods: p, MinHistoryLen: minLen}
}

// Calculate 基于给定的 K 线计算全部指标
func (tc *TACalculator) Calculate(bars []model.KLine) (*TAData, error) {
	if len(bars) < tc.MinHistoryLen {
		return nil, fmt.Errorf("history too short: have %d bars, need %d", len(bars), tc.MinHistoryLen)
	}

	taData := &TAData{
		Symbol: bars[len(bars)-1].Symbol,
		Close:  make([]float64, len(bars)),
		High:   make([]float64, len(bars)),
		Low:    make([]float64, len(bars)),
		Volume: make([]float64, len(bars)),
	}
	for i, b := range bars {
		taData.Close[i] = b.Close
		taData.High[i] = b.High
		taData.Low[i] = b.Low
		taData.Volume[i] = b.Volume
	}

	tc.calculate(taData)
	return taData, nil
}

// calculate 集中计算所有需要的指标
func (tc *TACalculator) calculate(taData *TAData) {
	p := tc.Periods
	closePrices := taData.Close

	// --- 均线 ---
	taData.MAShort = last(talib.Sma(closePrices, p.MAShort))
	taData.MALong = last(talib.Sma(closePrices, p.MALong))
	taData.MA = taData.MAShort

	// --- 相对强弱指数 (RSI) ---
	taData.RSI = last(talib.Rsi(closePrices, p.RSI))

	// --- 布林带 ---
	bbandsUp, _, bbandsDn := talib.BBands(closePrices, p.BBands, p.BBandsDev, p.BBandsDev, talib.SMA)
	taData.BBandsUp = last(bbandsUp)
	taData.BBandsDn = last(bbandsDn)

	// --- MACD ---
	macd, signal, hist := talib.Macd(closePrices, p.MACDFast, p.MACDSlow, p.MACDSignal)
	taData.MACD = last(macd)
	taData.MACDSignal = last(signal)
	taData.MACDHist = last(hist)

	// --- 平均真实波动范围 (ATR) ---
	// 注意：talib ATR 需要 High, Low, Previous Close prices
	taData.ATR = last(talib.Atr(taData.High, taData.Low, closePrices, p.ATR))
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
