package engine

import (
	"context"
	"fmt"

	"crypto-autotrader/internal/executor"
	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"
)

// BarSource 滚动 K 线历史 (model.DataEngine)
type BarSource interface {
	Bars() []model.KLine
}

// GatewayFeed 用网关最新价和聚合器的 K 线拼出快照
type GatewayFeed struct {
	gateway executor.Gateway
	bars    BarSource
	clock   service.Clock
}

func NewGatewayFeed(gateway executor.Gateway, bars BarSource, clock service.Clock) *GatewayFeed {
	if clock == nil {
		clock = service.NewSystemClock()
	}
	return &GatewayFeed{gateway: gateway, bars: bars, clock: clock}
}

func (f *GatewayFeed) Snapshot(ctx context.Context, symbol string) (model.MarketSnapshot, error) {
	price, err := f.gateway.CurrentPrice(ctx, symbol)
	if err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("current price %s: %w", symbol, err)
	}

	var bars []model.KLine
	if f.bars != nil {
		bars = f.bars.Bars()
	}
	return model.MarketSnapshot{
		Symbol:    symbol,
		Timestamp: f.clock.Now(),
		Price:     price,
		Bars:      bars,
	}, nil
}
