package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"crypto-autotrader/internal/model"
)

// ErrInvalidWeight 权重不在 [0,1] 区间
var ErrInvalidWeight = errors.New("weight must be between 0 and 1")

// Source 是信号源能力接口：任何实现了它的策略都可以注册到 Coordinator
type Source interface {
	Name() string
	Weight() float64
	Enabled() bool

	// Analyze 根据市场快照 (以及可选的辅助事件) 给出信号，可能失败
	Analyze(ctx context.Context, snapshot model.MarketSnapshot, events []model.NewsEvent) (model.Signal, error)
}

// BaseSource 提供名称、权重、启停开关，供具体策略内嵌
type BaseSource struct {
	mu      sync.RWMutex
	name    string
	weight  float64
	enabled bool
}

// NewBaseSource 创建默认启用的信号源基础信息
func NewBaseSource(name string, weight float64) (*BaseSource, error) {
	b := &BaseSource{name: name, enabled: true}
	if err := b.SetWeight(weight); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *BaseSource) Name() string { return b.name }

func (b *BaseSource) Weight() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.weight
}

func (b *BaseSource) Enabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.enabled
}

// SetWeight 设置投票权重
func (b *BaseSource) SetWeight(weight float64) error {
	if weight < 0 || weight > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidWeight, weight)
	}
	b.mu.Lock()
	b.weight = weight
	b.mu.Unlock()
	return nil
}

func (b *BaseSource) Enable() {
	b.mu.Lock()
	b.enabled = true
	b.mu.Unlock()
}

func (b *BaseSource) Disable() {
	b.mu.Lock()
	b.enabled = false
	b.mu.Unlock()
}
