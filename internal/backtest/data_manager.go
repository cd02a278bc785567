// Package backtest 管理回测所需的历史 K 线：数据库缓存、缺口检测与补齐、CSV 导入导出
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"crypto-autotrader/internal/model"

	"go.uber.org/zap"
)

// Gap 缺失的时间区间，两端都包含
type Gap struct {
	Start time.Time
	End   time.Time
}

// gapIntervals 支持的缺口检测粒度；其它周期按 1h 处理
var gapIntervals = map[string]time.Duration{
	"1h": time.Hour,
	"4h": 4 * time.Hour,
	"1d": 24 * time.Hour,
}

func gapInterval(timeframe string) time.Duration {
	if d, ok := gapIntervals[timeframe]; ok {
		return d
	}
	return time.Hour
}

// DetectMissingRanges 找出 [start, end] 内缓存缺失的 K 线，连续缺失的时间点合并为一个区间
func DetectMissingRanges(cached []model.KLine, start, end time.Time, timeframe string) []Gap {
	if len(cached) == 0 {
		return []Gap{{Start: start, End: end}}
	}

	interval := gapInterval(timeframe)
	have := make(map[int64]struct{}, len(cached))
	for _, b := range cached {
		have[b.StartTime.UnixNano()] = struct{}{}
	}

	var gaps []Gap
	var current *Gap
	for ts := start; !ts.After(end); ts = ts.Add(interval) {
		if _, ok := have[ts.UnixNano()]; ok {
			current = nil
			continue
		}
		if current != nil && ts.Sub(current.End) == interval {
			current.End = ts
			continue
		}
		gaps = append(gaps, Gap{Start: ts, End: ts})
		current = &gaps[len(gaps)-1]
	}
	return gaps
}

// BarStore K 线缓存 (storage.Postgres 实现)
type BarStore interface {
	CachedBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.KLine, error)
	UpsertBars(ctx context.Context, bars []model.KLine) (int, error)
}

// BarFetcher 从交易所拉取历史 K 线 (executor.CandleFetcher 满足该接口)
type BarFetcher interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.KLine, error)
}

// DataManager 先读缓存，只对缺口请求交易所，再写回缓存
type DataManager struct {
	store   BarStore
	fetcher BarFetcher
	logger  *zap.Logger
}

func NewDataManager(store BarStore, fetcher BarFetcher, logger *zap.Logger) *DataManager {
	return &DataManager{
		store:   store,
		fetcher: fetcher,
		logger:  logger.With(zap.String("component", "data_manager")),
	}
}

// Load 返回 [start, end] 内按时间升序、去重后的 K 线
func (m *DataManager) Load(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.KLine, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("invalid range: end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	var cached []model.KLine
	if m.store != nil {
		var err error
		cached, err = m.store.CachedBars(ctx, symbol, timeframe, start, end)
		if err != nil {
			return nil, fmt.Errorf("load cached bars: %w", err)
		}
	}

	gaps := DetectMissingRanges(cached, start, end, timeframe)
	if len(gaps) == 0 {
		m.logger.Info("Historical data served from cache", zap.String("Symbol", symbol), zap.Int("Bars", len(cached)))
		return cached, nil
	}
	if m.fetcher == nil {
		m.logger.Warn("Historical data has gaps and no fetcher is configured",
			zap.String("Symbol", symbol), zap.Int("Gaps", len(gaps)))
		return cached, nil
	}

	interval := gapInterval(timeframe)
	merged := make(map[int64]model.KLine, len(cached))
	for _, b := range cached {
		merged[b.StartTime.UnixNano()] = b
	}

	for _, gap := range gaps {
		m.logger.Info("Fetching missing range",
			zap.String("Symbol", symbol),
			zap.Time("From", gap.Start),
			zap.Time("To", gap.End))

		fetched, err := m.fetcher.FetchCandles(ctx, symbol, timeframe, gap.Start, gap.End.Add(interval))
		if err != nil {
			return nil, fmt.Errorf("fetch %s %s..%s: %w", symbol, gap.Start.Format(time.RFC3339), gap.End.Format(time.RFC3339), err)
		}

		var inRange []model.KLine
		for _, b := range fetched {
			if b.StartTime.Before(start) || b.StartTime.After(end) {
				continue
			}
			merged[b.StartTime.UnixNano()] = b
			inRange = append(inRange, b)
		}

		if m.store != nil && len(inRange) > 0 {
			if _, err := m.store.UpsertBars(ctx, inRange); err != nil {
				// 缓存失败不影响本次回测
				m.logger.Warn("Failed to cache fetched bars", zap.Error(err))
			}
		}
	}

	bars := make([]model.KLine, 0, len(merged))
	for _, b := range merged {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].StartTime.Before(bars[j].StartTime) })
	return bars, nil
}
