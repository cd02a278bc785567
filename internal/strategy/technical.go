package strategy

import (
	"context"
	"fmt"
	"math"
	"strings"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/pkg/ta"
)

// TechnicalConfig 技术指标策略参数
type TechnicalConfig struct {
	Weight        float64
	RSIPeriod     int
	RSIOversold   float64
	RSIOverbought float64
	MAShort       int
	MALong        int
}

// DefaultTechnicalConfig RSI 14 (30/70)，MA 20/50，权重 0.3
func DefaultTechnicalConfig() TechnicalConfig {
	return TechnicalConfig{
		Weight:        0.3,
		RSIPeriod:     14,
		RSIOversold:   30,
		RSIOverbought: 70,
		MAShort:       20,
		MALong:        50,
	}
}

// 各指标的投票分数
const (
	rsiVote  = 30.0
	maVote   = 25.0
	macdVote = 20.0
)

// TechnicalIndicators 基于 RSI、均线交叉和 MACD 的信号源
type TechnicalIndicators struct {
	*BaseSource
	cfg  TechnicalConfig
	calc *ta.TACalculator
}

// NewTechnicalIndicators 创建技术指标信号源
func NewTechnicalIndicators(cfg TechnicalConfig) (*TechnicalIndicators, error) {
	if cfg.MAShort <= 0 || cfg.MALong <= cfg.MAShort {
		return nil, fmt.Errorf("invalid moving average periods: short=%d long=%d", cfg.MAShort, cfg.MALong)
	}
	if cfg.RSIPeriod <= 1 {
		return nil, fmt.Errorf("invalid RSI period: %d", cfg.RSIPeriod)
	}

	base, err := NewBaseSource("TechnicalIndicators", cfg.Weight)
	if err != nil {
		return nil, err
	}

	periods := ta.DefaultPeriods()
	periods.MAShort = cfg.MAShort
	periods.MALong = cfg.MALong
	periods.RSI = cfg.RSIPeriod

	return &TechnicalIndicators{BaseSource: base, cfg: cfg, calc: ta.NewTACalculator(periods)}, nil
}

// Analyze 实现 Source 接口
func (s *TechnicalIndicators) Analyze(ctx context.Context, snapshot model.MarketSnapshot, _ []model.NewsEvent) (model.Signal, error) {
	if len(snapshot.Bars) < s.calc.MinHistoryLen {
		return model.NewSignal(model.ActionHold, 0, "Insufficient data for technical analysis")
	}

	data, err := s.calc.Calculate(snapshot.Bars)
	if err != nil {
		return model.Signal{}, fmt.Errorf("calculate indicators: %w", err)
	}

	var buyConfidence, sellConfidence float64
	var reasoningParts []string

	// RSI
	switch {
	case data.RSI < s.cfg.RSIOversold:
		buyConfidence += rsiVote
		reasoningParts = append(reasoningParts, fmt.Sprintf("RSI oversold at %.1f", data.RSI))
	case data.RSI > s.cfg.RSIOverbought:
		sellConfidence += rsiVote
		reasoningParts = append(reasoningParts, fmt.Sprintf("RSI overbought at %.1f", data.RSI))
	}

	// 均线交叉
	switch {
	case data.MAShort > data.MALong:
		buyConfidence += maVote
		reasoningParts = append(reasoningParts, "MA bullish crossover")
	case data.MAShort < data.MALong:
		sellConfidence += maVote
		reasoningParts = append(reasoningParts, "MA bearish crossover")
	}

	// MACD
	switch {
	case data.MACD > data.MACDSignal:
		buyConfidence += macdVote
		reasoningParts = append(reasoningParts, "MACD bullish")
	case data.MACD < data.MACDSignal:
		sellConfidence += macdVote
		reasoningParts = append(reasoningParts, "MACD bearish")
	}

	if len(reasoningParts) == 0 {
		return model.NewSignal(model.ActionHold, 50, "No clear technical signals")
	}

	reasoning := strings.Join(reasoningParts, "; ")
	switch {
	case buyConfidence > sellConfidence:
		return model.NewSignal(model.ActionBuy, math.Min(buyConfidence, 100), reasoning)
	case sellConfidence > buyConfidence:
		return model.NewSignal(model.ActionSell, math.Min(sellConfidence, 100), reasoning)
	default:
		return model.NewSignal(model.ActionHold, 50, reasoning)
	}
}
