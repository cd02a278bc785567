package executor

import (
	"context"
	"sync"
	"time"

	"crypto-autotrader/internal/model"
)

type cachedPrice struct {
	price float64
	at    time.Time
}

// PriceCache 保存 websocket 推送的最新价格，网关查询价格时优先使用
// 超过 maxAge 的价格视为过期
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]cachedPrice
	maxAge time.Duration
}

// NewPriceCache maxAge <= 0 表示永不过期
func NewPriceCache(maxAge time.Duration) *PriceCache {
	return &PriceCache{prices: make(map[string]cachedPrice), maxAge: maxAge}
}

// Update 写入一个 Ticker，比已有数据旧的 Ticker 被忽略
func (c *PriceCache) Update(ticker model.Ticker) {
	if ticker.Price <= 0 {
		return
	}
	at := time.UnixMilli(ticker.Timestamp).UTC()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.prices[ticker.Symbol]; ok && at.Before(cur.at) {
		return
	}
	c.prices[ticker.Symbol] = cachedPrice{price: ticker.Price, at: at}
}

// Get 返回 now 时刻仍然有效的价格
func (c *PriceCache) Get(symbol string, now time.Time) (float64, bool) {
	if c == nil {
		return 0, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[symbol]
	if !ok {
		return 0, false
	}
	if c.maxAge > 0 && now.Sub(p.at) > c.maxAge {
		return 0, false
	}
	return p.price, true
}

// Run 消费 Ticker 通道直到通道关闭或 ctx 结束
func (c *PriceCache) Run(ctx context.Context, tickers <-chan model.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tickers:
			if !ok {
				return
			}
			c.Update(t)
		}
	}
}
