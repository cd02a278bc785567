package executor

import (
	"context"
	"fmt"
	"sync"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"

	"go.uber.org/zap"
)

// PaperConfig 纸面交易配置
type PaperConfig struct {
	SimulatedPrice float64 // 没有收到任何行情时使用的价格
}

// PaperGateway 纸面交易网关：按最新价格立即成交，不访问任何网络服务
// 订单号按顺序生成 (paper-1, paper-2, ...)，相同输入得到相同输出
type PaperGateway struct {
	cfg    PaperConfig
	clock  service.Clock
	logger *zap.Logger

	mu        sync.RWMutex
	lastPrice map[string]float64 // 实时更新的最新市场价格
	seq       int
	orders    []model.OrderHandle
}

// NewPaperGateway 构造函数
func NewPaperGateway(cfg PaperConfig, clock service.Clock, logger *zap.Logger) *PaperGateway {
	if cfg.SimulatedPrice <= 0 {
		cfg.SimulatedPrice = 50000
	}
	if clock == nil {
		clock = service.NewSystemClock()
	}
	return &PaperGateway{
		cfg:       cfg,
		clock:     clock,
		logger:    logger.With(zap.String("gateway", "paper")),
		lastPrice: make(map[string]float64),
	}
}

// StartMonitor 消费行情通道，维护最新价格
func (g *PaperGateway) StartMonitor(ctx context.Context, tickerCh <-chan model.Ticker) {
	g.logger.Info("PaperGateway: real-time price monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case ticker, ok := <-tickerCh:
			if !ok {
				return
			}
			g.UpdatePrice(ticker.Symbol, ticker.Price)
		}
	}
}

// UpdatePrice 手动设置某个交易对的最新价格
func (g *PaperGateway) UpdatePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	g.mu.Lock()
	g.lastPrice[symbol] = price
	g.mu.Unlock()
}

// CurrentPrice 实现 Gateway 接口
func (g *PaperGateway) CurrentPrice(_ context.Context, symbol string) (float64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.priceLocked(symbol), nil
}

func (g *PaperGateway) priceLocked(symbol string) float64 {
	if p, ok := g.lastPrice[symbol]; ok {
		return p
	}
	return g.cfg.SimulatedPrice
}

// PlaceBuy 实现 Gateway 接口
func (g *PaperGateway) PlaceBuy(_ context.Context, symbol string, amount float64) (model.OrderHandle, error) {
	return g.fill(symbol, model.SideBuy, amount)
}

// PlaceSell 实现 Gateway 接口
func (g *PaperGateway) PlaceSell(_ context.Context, symbol string, amount float64) (model.OrderHandle, error) {
	return g.fill(symbol, model.SideSell, amount)
}

func (g *PaperGateway) fill(symbol string, side model.OrderSide, amount float64) (model.OrderHandle, error) {
	if amount <= 0 {
		return model.OrderHandle{}, fmt.Errorf("paper %s %s: invalid amount %v", side, symbol, amount)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	order := g.newOrderLocked(symbol, side, model.OrderMarket, amount)
	order.Price = g.priceLocked(symbol)
	order.Status = "filled"
	g.orders = append(g.orders, order)

	g.logger.Info("Paper ORDER FILLED",
		zap.String("OrderID", order.ID),
		zap.String("Side", string(side)),
		zap.String("Symbol", symbol),
		zap.Float64("Amount", amount),
		zap.Float64("Price", order.Price))
	return order, nil
}

// PlaceStopLoss 实现 Gateway 接口，只记录挂单，触发由引擎的止损检查负责
func (g *PaperGateway) PlaceStopLoss(_ context.Context, symbol string, amount, triggerPrice float64) (model.OrderHandle, error) {
	if amount <= 0 || triggerPrice <= 0 {
		return model.OrderHandle{}, fmt.Errorf("paper stop-loss %s: invalid amount %v or trigger %v", symbol, amount, triggerPrice)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	order := g.newOrderLocked(symbol, model.SideSell, model.OrderStopLoss, amount)
	order.StopPrice = triggerPrice
	order.Status = "accepted"
	g.orders = append(g.orders, order)

	g.logger.Info("Paper STOP-LOSS placed",
		zap.String("OrderID", order.ID),
		zap.String("Symbol", symbol),
		zap.Float64("Amount", amount),
		zap.Float64("Trigger", triggerPrice))
	return order, nil
}

func (g *PaperGateway) newOrderLocked(symbol string, side model.OrderSide, typ model.OrderType, amount float64) model.OrderHandle {
	g.seq++
	return model.OrderHandle{
		ID:        fmt.Sprintf("paper-%d", g.seq),
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Amount:    amount,
		Simulated: true,
		Timestamp: g.clock.Now(),
	}
}

// Orders 返回全部模拟订单的副本
func (g *PaperGateway) Orders() []model.OrderHandle {
	g.mu.RLock()
	defer g.mu.RUnlock()

	orders := make([]model.OrderHandle, len(g.orders))
	copy(orders, g.orders)
	return orders
}
