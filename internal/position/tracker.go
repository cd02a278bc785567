// Package position 管理多头持仓的生命周期和盈亏
package position

import (
	"errors"
	"fmt"
	"sync"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"
)

var (
	// ErrPositionClosed 对已平仓的持仓再次平仓
	ErrPositionClosed = errors.New("position already closed")
	// ErrUnknownPosition 持仓不属于当前 Tracker
	ErrUnknownPosition = errors.New("unknown position")
)

// Tracker 以只追加的切片存储全部持仓，ID = 下标 + 1
// OpenPositions 是按状态过滤出来的视图，不单独维护一份列表
// Tracker 本身允许同时存在多个 OPEN 持仓，单仓位限制由引擎负责
type Tracker struct {
	mu        sync.RWMutex
	positions []*model.Position
	refPrefix string
	clock     service.Clock
}

// NewTracker 创建持仓管理器
func NewTracker(clock service.Clock) *Tracker {
	if clock == nil {
		clock = service.NewSystemClock()
	}
	return &Tracker{clock: clock}
}

// SetRefPrefix 之后新开的持仓 Ref = "<prefix>-<ID>"，用于持久化
func (t *Tracker) SetRefPrefix(prefix string) {
	t.mu.Lock()
	t.refPrefix = prefix
	t.mu.Unlock()
}

// Open 新建一个 OPEN 持仓
func (t *Tracker) Open(symbol string, entryPrice, amount, stopLossPrice float64) *model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := &model.Position{
		ID:            int64(len(t.positions) + 1),
		Symbol:        symbol,
		EntryTime:     t.clock.Now(),
		EntryPrice:    entryPrice,
		Amount:        amount,
		CurrentPrice:  entryPrice,
		StopLossPrice: stopLossPrice,
		Status:        model.PositionOpen,
	}
	if t.refPrefix != "" {
		pos.Ref = fmt.Sprintf("%s-%d", t.refPrefix, pos.ID)
	}
	t.positions = append(t.positions, pos)
	return pos
}

// Restore 载入持久化的持仓 (进程重启后恢复)，重新分配 ID
func (t *Tracker) Restore(p model.Position) *model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := p
	pos.ID = int64(len(t.positions) + 1)
	if pos.CurrentPrice == 0 {
		pos.CurrentPrice = pos.EntryPrice
	}
	t.positions = append(t.positions, &pos)
	return &pos
}

// MarkToMarket 按最新价格更新浮动盈亏
func (t *Tracker) MarkToMarket(pos *model.Position, price float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos.CurrentPrice = price
	pos.UnrealizedPnL = (price - pos.EntryPrice) * pos.Amount
	return pos.UnrealizedPnL
}

// Close 平仓并返回已实现盈亏
// 已平仓的持仓返回 ErrPositionClosed 且保持原样
func (t *Tracker) Close(pos *model.Position, exitPrice float64) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.owns(pos) {
		return 0, fmt.Errorf("%w: #%d", ErrUnknownPosition, pos.ID)
	}
	if pos.Status == model.PositionClosed {
		return 0, fmt.Errorf("%w: #%d", ErrPositionClosed, pos.ID)
	}

	realized := (exitPrice - pos.EntryPrice) * pos.Amount
	pos.Status = model.PositionClosed
	pos.CurrentPrice = exitPrice
	pos.UnrealizedPnL = realized
	pos.ExitTime = t.clock.Now()
	return realized, nil
}

func (t *Tracker) owns(pos *model.Position) bool {
	if pos == nil || pos.ID < 1 || int(pos.ID) > len(t.positions) {
		return false
	}
	return t.positions[pos.ID-1] == pos
}

// OpenPositions 所有 OPEN 持仓
func (t *Tracker) OpenPositions() []*model.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var open []*model.Position
	for _, p := range t.positions {
		if p.Status == model.PositionOpen {
			open = append(open, p)
		}
	}
	return open
}

// Get 按 ID 查找
func (t *Tracker) Get(id int64) (*model.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if id < 1 || int(id) > len(t.positions) {
		return nil, false
	}
	return t.positions[id-1], true
}

// All 返回全部持仓的值拷贝，可以在其他 goroutine 中安全读取
func (t *Tracker) All() []model.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.Position, len(t.positions))
	for i, p := range t.positions {
		out[i] = *p
	}
	return out
}

// OpenSnapshot 返回 OPEN 持仓的值拷贝
func (t *Tracker) OpenSnapshot() []model.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []model.Position
	for _, p := range t.positions {
		if p.Status == model.PositionOpen {
			out = append(out, *p)
		}
	}
	return out
}

// TotalUnrealizedPnL 按给定价格计算所有 OPEN 持仓的浮动盈亏，不修改持仓
// 缺少价格的交易对使用持仓上的最新价
func (t *Tracker) TotalUnrealizedPnL(prices map[string]float64) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := 0.0
	for _, p := range t.positions {
		if p.Status != model.PositionOpen {
			continue
		}
		price, ok := prices[p.Symbol]
		if !ok {
			price = p.CurrentPrice
		}
		total += (price - p.EntryPrice) * p.Amount
	}
	return total
}

// StopLossTriggers 价格跌到或跌破止损价的 OPEN 持仓 (只做多)
// prices 中没有的交易对跳过
func (t *Tracker) StopLossTriggers(prices map[string]float64) []*model.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var triggered []*model.Position
	for _, p := range t.positions {
		if p.Status != model.PositionOpen {
			continue
		}
		price, ok := prices[p.Symbol]
		if ok && price <= p.StopLossPrice {
			triggered = append(triggered, p)
		}
	}
	return triggered
}
