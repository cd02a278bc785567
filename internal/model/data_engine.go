package model

import (
	"context"
	"math"
	"sync"
	"time"

	"crypto-autotrader/internal/service"

	"go.uber.org/zap"
)

// DefaultMaxBars K 线历史保留长度
const DefaultMaxBars = 500

// DataEngine 负责接收 Ticker，聚合成单一周期的 K 线，并维护滚动历史
// 供实盘决策周期读取 (Bars / LastPrice)
type DataEngine struct {
	tickerChan <-chan Ticker
	symbol     string
	agg        *KlineAggregator
	logger     *zap.Logger

	mu            sync.RWMutex
	bars          []KLine // 已完成的 K 线，时间升序
	maxBars       int
	lastPrice     float64
	lastPriceTime time.Time
}

// NewDataEngine 创建并初始化 DataEngine
func NewDataEngine(tickerChan <-chan Ticker, symbol string, interval time.Duration, maxBars int, logger *zap.Logger) *DataEngine {
	if maxBars <= 0 {
		maxBars = DefaultMaxBars
	}

	de := &DataEngine{
		tickerChan: tickerChan,
		symbol:     symbol,
		maxBars:    maxBars,
		logger:     logger.With(zap.String("component", "data_engine"), zap.String("Symbol", symbol)),
	}
	de.agg = NewKlineAggregator(symbol, interval, de.appendBar)
	return de
}

// Start 启动数据处理循环，直到通道关闭或 ctx 取消
func (de *DataEngine) Start(ctx context.Context) {
	de.logger.Info("Data Engine started, monitoring ticker stream...")

	for {
		select {
		case <-ctx.Done():
			de.logger.Info("Data Engine stopped", zap.Error(ctx.Err()))
			return
		case ticker, ok := <-de.tickerChan:
			if !ok {
				de.logger.Info("Ticker channel closed, Data Engine stopped")
				return
			}
			// 只处理与本实例 Symbol 匹配的数据
			if ticker.Symbol != de.symbol {
				continue
			}
			de.ProcessTicker(ticker)
		}
	}
}

// ProcessTicker 更新最新价格并聚合 K 线
func (de *DataEngine) ProcessTicker(ticker Ticker) {
	de.mu.Lock()
	de.lastPrice = ticker.Price
	de.lastPriceTime = time.UnixMilli(ticker.Timestamp).UTC()
	de.mu.Unlock()

	de.agg.ProcessTicker(ticker)
}

// Seed 用历史 K 线预填充 (例如启动时从 REST 拉取)
func (de *DataEngine) Seed(bars []KLine) {
	for _, b := range bars {
		de.appendBar(b)
	}
}

func (de *DataEngine) appendBar(bar KLine) {
	de.mu.Lock()
	defer de.mu.Unlock()

	// 忽略重复或乱序的 K 线
	if n := len(de.bars); n > 0 && !bar.StartTime.After(de.bars[n-1].StartTime) {
		return
	}

	de.bars = append(de.bars, bar)
	if len(de.bars) > de.maxBars {
		de.bars = de.bars[len(de.bars)-de.maxBars:]
	}
	if de.lastPriceTime.Before(bar.EndTime) {
		de.lastPrice = bar.Close
		de.lastPriceTime = bar.EndTime
	}
}

// Bars 返回已完成 K 线的副本
func (de *DataEngine) Bars() []KLine {
	de.mu.RLock()
	defer de.mu.RUnlock()

	out := make([]KLine, len(de.bars))
	copy(out, de.bars)
	return out
}

// LastPrice 返回最新价格及其时间，ok=false 表示尚未收到任何数据
func (de *DataEngine) LastPrice() (float64, time.Time, bool) {
	de.mu.RLock()
	defer de.mu.RUnlock()
	return de.lastPrice, de.lastPriceTime, de.lastPrice > 0
}

// KlineAggregator K 线聚合器 (根据 Ticker 聚合特定周期和 Symbol 的 K 线)
type KlineAggregator struct {
	mu       sync.Mutex
	Symbol   string
	Interval time.Duration
	Current  KLine       // 正在构建的当前 K 线
	emit     func(KLine) // K 线完成回调
}

// NewKlineAggregator 创建一个新的聚合器
func NewKlineAggregator(symbol string, interval time.Duration, emit func(KLine)) *KlineAggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &KlineAggregator{
		Symbol:   symbol,
		Interval: interval,
		emit:     emit,
	}
}

// ProcessTicker 负责将 Ticker 聚合到 Current KLine
// 聚合器依赖 Ticker 的时间戳判断 K 线是否完成
func (agg *KlineAggregator) ProcessTicker(ticker Ticker) {
	agg.mu.Lock()

	tickerTime := time.UnixMilli(ticker.Timestamp).UTC()
	klineStart := tickerTime.Truncate(agg.Interval)

	var completed *KLine
	if !agg.Current.StartTime.IsZero() {
		if klineStart.Before(agg.Current.StartTime) {
			// 迟到的 Ticker，丢弃
			agg.mu.Unlock()
			return
		}
		if klineStart.After(agg.Current.StartTime) {
			done := agg.Current
			completed = &done
			agg.Current = KLine{}
		}
	}

	if agg.Current.StartTime.IsZero() {
		open := ticker.Price
		if completed != nil {
			open = completed.Close // 新 K 线的开盘价取上一根 K 线的收盘价
		}
		agg.Current = KLine{
			Symbol:    agg.Symbol,
			Interval:  service.FormatInterval(agg.Interval),
			Open:      open,
			High:      math.Max(open, ticker.Price),
			Low:       math.Min(open, ticker.Price),
			StartTime: klineStart,
			EndTime:   klineStart.Add(agg.Interval).Add(-time.Millisecond),
		}
	}

	// 更新 OHLCV
	agg.Current.Close = ticker.Price
	agg.Current.High = math.Max(agg.Current.High, ticker.Price)
	agg.Current.Low = math.Min(agg.Current.Low, ticker.Price)
	agg.Current.Volume += ticker.Volume
	agg.mu.Unlock()

	if completed != nil && agg.emit != nil {
		agg.emit(*completed)
	}
}
