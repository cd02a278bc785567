package strategy

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"

	"go.uber.org/zap"
)

// DefaultConfidenceThreshold 低于该分数的 BUY/SELL 会被降级为 HOLD
const DefaultConfidenceThreshold = 70.0

// Coordinator 收集所有启用的信号源，按置信度加权投票合成一个信号
type Coordinator struct {
	mu        sync.RWMutex
	sources   []Source
	threshold float64

	logger    *zap.Logger
	telemetry *service.Telemetry
}

// NewCoordinator 初始化信号协调器
func NewCoordinator(sources []Source, threshold float64, logger *zap.Logger, telemetry *service.Telemetry) *Coordinator {
	return &Coordinator{
		sources:   append([]Source(nil), sources...),
		threshold: threshold,
		logger:    logger.With(zap.String("component", "coordinator")),
		telemetry: telemetry,
	}
}

// Combine 依次调用每个启用的信号源并加权投票
//
// 每个信号贡献 confidence*weight 到对应方向的总分；得分最高的方向胜出，
// 平分时按 BUY、SELL、HOLD 的顺序取第一个。总分为 0 时视为没有有效意见，返回 HOLD。
// 胜出方向不是 HOLD 且分数低于阈值时降级为 HOLD。最终置信度为胜出分数 (上限 100)。
func (c *Coordinator) Combine(ctx context.Context, snapshot model.MarketSnapshot, events []model.NewsEvent) model.Signal {
	c.mu.RLock()
	sources := append([]Source(nil), c.sources...)
	threshold := c.threshold
	c.mu.RUnlock()

	var buyScore, sellScore, holdScore float64
	var reasoningParts []string
	contributed := 0

	for _, src := range sources {
		if !src.Enabled() {
			continue
		}

		signal, err := src.Analyze(ctx, snapshot, events)
		if err != nil {
			c.logger.Error("Signal source failed, excluded from vote",
				zap.String("Source", src.Name()), zap.Error(err))
			c.telemetry.ObserveSourceError(src.Name())
			continue
		}

		c.logger.Info("Source signal",
			zap.String("Source", src.Name()),
			zap.String("Action", signal.Action().String()),
			zap.Float64("Confidence", signal.Confidence()),
			zap.Float64("Weight", src.Weight()))

		weighted := signal.Confidence() * src.Weight()
		switch signal.Action() {
		case model.ActionBuy:
			buyScore += weighted
		case model.ActionSell:
			sellScore += weighted
		default:
			holdScore += weighted
		}
		reasoningParts = append(reasoningParts, fmt.Sprintf("%s: %s", src.Name(), signal.Rationale()))
		contributed++
	}

	if contributed == 0 {
		return model.HoldSignal(0, "No strategies enabled")
	}

	maxScore := math.Max(buyScore, math.Max(sellScore, holdScore))

	finalAction := model.ActionHold
	finalConfidence := holdScore
	switch {
	case maxScore == buyScore:
		finalAction, finalConfidence = model.ActionBuy, buyScore
	case maxScore == sellScore:
		finalAction, finalConfidence = model.ActionSell, sellScore
	}

	// 置信度阈值检查
	if finalAction != model.ActionHold && finalConfidence < threshold {
		reasoningParts = append(reasoningParts,
			fmt.Sprintf("Confidence %.1f below threshold %.1f", finalConfidence, threshold))
		finalAction = model.ActionHold
	}

	combined, err := model.NewSignal(finalAction, math.Min(finalConfidence, 100), strings.Join(reasoningParts, " | "))
	if err != nil {
		// 只有权重为负等异常配置才会走到这里
		c.logger.Warn("Combined signal invalid, falling back to HOLD", zap.Error(err))
		return model.HoldSignal(0, strings.Join(reasoningParts, " | "))
	}
	return combined
}

// AddSource 注册新的信号源
func (c *Coordinator) AddSource(src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, src)
}

// RemoveSource 按名称移除信号源
func (c *Coordinator) RemoveSource(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.sources[:0:0]
	for _, s := range c.sources {
		if s.Name() != name {
			kept = append(kept, s)
		}
	}
	c.sources = kept
}

// Source 按名称查找信号源
func (c *Coordinator) Source(name string) (Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.sources {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Sources 返回当前注册的全部信号源
func (c *Coordinator) Sources() []Source {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Source(nil), c.sources...)
}
