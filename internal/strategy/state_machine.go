package strategy

import (
	"context"
	"fmt"
	"sync"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/pkg/ta"

	"github.com/markcheno/go-talib"
	"go.uber.org/zap"
)

// 市场状态常量
type MarketState string

const (
	// 趋势模式 (Up or Down)
	StateStrongUpTrend   MarketState = "STRONG_UP_TREND"
	StateStrongDownTrend MarketState = "STRONG_DOWN_TREND"

	// 震荡模式
	StateHighVolRanging MarketState = "HIGH_VOL_RANGING" // 高波动震荡
	StateLowVolRanging  MarketState = "LOW_VOL_RANGING"  // 低波动震荡

	// 初始状态
	StateInitial MarketState = "INITIALIZING"
)

// higherTimeframeFactor 大周期 = 基础周期 K 线每 4 根合成一根 (1h -> 4h)
const higherTimeframeFactor = 4

// RegimeConfig 状态机参数
type RegimeConfig struct {
	Weight          float64
	TrendThreshold  float64 // 判断趋势强度的阈值，例如 RSI 超过 60/40
	ATRVolThreshold float64 // 判断高/低波动的 ATR/价格 阈值
}

// DefaultRegimeConfig 默认阈值
func DefaultRegimeConfig() RegimeConfig {
	return RegimeConfig{
		Weight:          0.5,
		TrendThreshold:  60.0,   // RSI 超过 60 视为潜在强势
		ATRVolThreshold: 0.0005, // 0.05% 的 ATR 阈值 (根据交易对和周期调整)
	}
}

// Regime 市场状态机信号源
// 强上涨趋势 -> BUY，强下跌趋势 -> SELL，震荡 -> HOLD
type Regime struct {
	*BaseSource

	mu           sync.RWMutex
	currentState MarketState

	cfg    RegimeConfig
	calc   *ta.TACalculator
	logger *zap.Logger
}

// NewRegime 初始化状态机
func NewRegime(cfg RegimeConfig, logger *zap.Logger) (*Regime, error) {
	if cfg.TrendThreshold <= 50 || cfg.TrendThreshold >= 100 {
		return nil, fmt.Errorf("trend threshold must be in (50,100), got %v", cfg.TrendThreshold)
	}
	base, err := NewBaseSource("Regime", cfg.Weight)
	if err != nil {
		return nil, err
	}
	return &Regime{
		BaseSource:   base,
		currentState: StateInitial,
		cfg:          cfg,
		calc:         ta.NewTACalculator(ta.DefaultPeriods()),
		logger:       logger.With(zap.String("component", "regime")),
	}, nil
}

// Analyze 用快照中的 K 线驱动状态机，并把当前状态翻译为信号
func (sm *Regime) Analyze(ctx context.Context, snapshot model.MarketSnapshot, _ []model.NewsEvent) (model.Signal, error) {
	if len(snapshot.Bars) < sm.calc.MinHistoryLen {
		return model.NewSignal(model.ActionHold, 0, "Insufficient data for regime detection")
	}

	baseData, err := sm.calc.Calculate(snapshot.Bars)
	if err != nil {
		return model.Signal{}, fmt.Errorf("calculate indicators: %w", err)
	}

	state := sm.transition(baseData, higherTrend(snapshot.Bars, sm.calc.Periods.MAShort))

	switch state {
	case StateStrongUpTrend:
		return model.NewSignal(model.ActionBuy, baseData.RSI,
			fmt.Sprintf("Strong up trend (RSI %.1f above MA%d)", baseData.RSI, sm.calc.Periods.MAShort))
	case StateStrongDownTrend:
		return model.NewSignal(model.ActionSell, 100-baseData.RSI,
			fmt.Sprintf("Strong down trend (RSI %.1f below MA%d)", baseData.RSI, sm.calc.Periods.MAShort))
	default:
		return model.NewSignal(model.ActionHold, 50, fmt.Sprintf("Ranging market (%s)", state))
	}
}

// transition 根据指标计算新状态，状态变化时记录日志
func (sm *Regime) transition(baseData *ta.TAData, higher trendDirection) MarketState {
	var newState MarketState

	// --- A. 趋势判断：检查是否为 STRONG_TREND ---
	isUpTrend, isDownTrend := sm.checkStrongTrend(baseData, higher)

	switch {
	case isUpTrend:
		newState = StateStrongUpTrend
	case isDownTrend:
		newState = StateStrongDownTrend
	default:
		// --- B. 非趋势状态：归类为震荡模式 ---
		newState = sm.determineRangingMode(baseData)
	}

	// --- C. 状态切换与日志记录 ---
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if newState != sm.currentState {
		sm.logger.Info(
			"!!! State Transition !!!",
			zap.String("From", string(sm.currentState)),
			zap.String("To", string(newState)),
			zap.Float64("RSI", baseData.RSI),
			zap.Float64("ATR", baseData.ATR),
		)
		sm.currentState = newState
	}
	return newState
}

// trendDirection 大周期的趋势方向
type trendDirection int

const (
	trendUnknown trendDirection = iota // 大周期数据不足
	trendUp
	trendDown
)

// higherTrend 把基础 K 线按固定倍数合成大周期收盘价，比较最新收盘价与均线
func higherTrend(bars []model.KLine, maPeriod int) trendDirection {
	n := len(bars) / higherTimeframeFactor
	if n < maPeriod {
		return trendUnknown
	}

	// 从最新一根往前对齐，每组取最后一根的收盘价
	closes := make([]float64, n)
	offset := len(bars) - n*higherTimeframeFactor
	for i := 0; i < n; i++ {
		closes[i] = bars[offset+(i+1)*higherTimeframeFactor-1].Close
	}

	ma := talib.Sma(closes, maPeriod)
	lastClose, lastMA := closes[n-1], ma[n-1]
	switch {
	case lastClose > lastMA:
		return trendUp
	case lastClose < lastMA:
		return trendDown
	default:
		return trendUnknown
	}
}

// checkStrongTrend 结合多周期指标判断强趋势
func (sm *Regime) checkStrongTrend(baseData *ta.TAData, higher trendDirection) (isUpTrend bool, isDownTrend bool) {
	lastClose := baseData.LastClose()

	// 强上涨趋势：价格在均线之上 且 动量强 且 大周期趋势不冲突
	isUpTrend = lastClose > baseData.MA &&
		baseData.RSI >= sm.cfg.TrendThreshold &&
		higher != trendDown

	// 强下跌趋势：逻辑相反
	isDownTrend = lastClose < baseData.MA &&
		baseData.RSI <= 100-sm.cfg.TrendThreshold &&
		higher != trendUp

	return isUpTrend, isDownTrend
}

// determineRangingMode 根据 ATR 确定震荡模式
func (sm *Regime) determineRangingMode(baseData *ta.TAData) MarketState {
	latestPrice := baseData.LastClose()

	// 检查价格是否有效，防止除以零
	if latestPrice == 0 {
		return StateLowVolRanging
	}

	// 百分比波动率
	if baseData.ATR/latestPrice >= sm.cfg.ATRVolThreshold {
		return StateHighVolRanging
	}
	return StateLowVolRanging
}

// CurrentState 当前市场状态
func (sm *Regime) CurrentState() MarketState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}
