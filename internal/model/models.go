package model

import "time"

// Ticker 代表最小粒度的市场数据（成交或价格快照）
type Ticker struct {
	Symbol       string  // 所属交易对，例如 "BTC/USDT"
	Timestamp    int64   // 毫秒时间戳
	Price        float64 // 价格
	Volume       float64 // 交易量 (0 表示价格快照)
	IsBuyerMaker bool    // 是否为 Maker 导致的成交 (用于判断方向)
}

// KLine 代表聚合后的 K 线数据 (OHLCV bar)
type KLine struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"` // 周期，例如 "1m", "5m", "1h"
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// MarketSnapshot 是一次决策周期交给信号源的市场数据
// Bars 按时间升序排列，最后一根为最新 K 线
type MarketSnapshot struct {
	Symbol    string
	Timestamp time.Time
	Price     float64 // 当前价格 (实盘为最新成交价，回测为当前 K 线收盘价)
	Bars      []KLine
}

// Closes 返回收盘价序列
func (s MarketSnapshot) Closes() []float64 {
	closes := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		closes[i] = b.Close
	}
	return closes
}

// NewsEvent 辅助事件 (新闻/公告)，部分信号源会参考
type NewsEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Sentiment float64   `json:"sentiment"` // -1 (利空) ~ 1 (利好)
}
