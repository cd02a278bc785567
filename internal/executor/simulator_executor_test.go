package executor

import (
	"context"
	"testing"
	"time"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPaperGateway_DeterministicFills(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	g := NewPaperGateway(PaperConfig{SimulatedPrice: 50000}, clockwork.NewFakeClockAt(now), zap.NewNop())
	ctx := context.Background()

	price, err := g.CurrentPrice(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, price)

	buy, err := g.PlaceBuy(ctx, "BTC/USDT", 0.01)
	require.NoError(t, err)
	assert.Equal(t, "paper-1", buy.ID)
	assert.Equal(t, 50000.0, buy.Price)
	assert.Equal(t, "filled", buy.Status)
	assert.True(t, buy.Simulated)
	assert.Equal(t, now, buy.Timestamp)

	stop, err := g.PlaceStopLoss(ctx, "BTC/USDT", 0.01, 47500)
	require.NoError(t, err)
	assert.Equal(t, "paper-2", stop.ID)
	assert.Equal(t, model.OrderStopLoss, stop.Type)
	assert.Equal(t, 47500.0, stop.StopPrice)

	g.UpdatePrice("BTC/USDT", 52000)
	sell, err := g.PlaceSell(ctx, "BTC/USDT", 0.01)
	require.NoError(t, err)
	assert.Equal(t, "paper-3", sell.ID)
	assert.Equal(t, 52000.0, sell.Price)
	assert.Equal(t, model.SideSell, sell.Side)

	assert.Len(t, g.Orders(), 3)

	_, err = g.PlaceBuy(ctx, "BTC/USDT", 0)
	assert.Error(t, err)
	assert.Len(t, g.Orders(), 3)
}

func TestPaperGateway_StartMonitor(t *testing.T) {
	g := NewPaperGateway(PaperConfig{}, nil, zap.NewNop())
	ch := make(chan model.Ticker, 2)
	ch <- model.Ticker{Symbol: "ETH/USDT", Price: 3000}
	ch <- model.Ticker{Symbol: "ETH/USDT", Price: 3100}
	close(ch)

	g.StartMonitor(context.Background(), ch)

	price, err := g.CurrentPrice(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, 3100.0, price)

	// 其他交易对仍使用默认模拟价
	price, _ = g.CurrentPrice(context.Background(), "BTC/USDT")
	assert.Equal(t, 50000.0, price)
}

func TestPriceCache(t *testing.T) {
	now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	c := NewPriceCache(30 * time.Second)

	c.Update(model.Ticker{Symbol: "BTC/USDT", Price: 100, Timestamp: now.UnixMilli()})
	c.Update(model.Ticker{Symbol: "BTC/USDT", Price: 90, Timestamp: now.Add(-time.Second).UnixMilli()})

	price, ok := c.Get("BTC/USDT", now.Add(10*time.Second))
	require.True(t, ok)
	assert.Equal(t, 100.0, price)

	_, ok = c.Get("BTC/USDT", now.Add(time.Minute))
	assert.False(t, ok)
	_, ok = c.Get("ETH/USDT", now)
	assert.False(t, ok)

	var nilCache *PriceCache
	_, ok = nilCache.Get("BTC/USDT", now)
	assert.False(t, ok)
}

func TestNewGateway(t *testing.T) {
	cfg := &service.Config{}
	cfg.Trading.PaperTrading = true
	cfg.Trading.SimulatedPrice = 123

	g, err := New(cfg, Options{})
	require.NoError(t, err)
	require.IsType(t, &PaperGateway{}, g)
	price, _ := g.CurrentPrice(context.Background(), "BTC/USDT")
	assert.Equal(t, 123.0, price)

	cfg.Trading.PaperTrading = false
	cfg.Exchange.Name = "okx"
	g, err = New(cfg, Options{})
	require.NoError(t, err)
	assert.IsType(t, &OkxGateway{}, g)

	cfg.Exchange.Name = "kraken"
	_, err = New(cfg, Options{})
	assert.Error(t, err)
}
