package backtest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"crypto-autotrader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hourly(hours ...int) []model.KLine {
	bars := make([]model.KLine, len(hours))
	for i, h := range hours {
		start := t0.Add(time.Duration(h) * time.Hour)
		bars[i] = model.KLine{Symbol: "BTC/USDT", Interval: "1h", StartTime: start, EndTime: start.Add(time.Hour), Close: float64(100 + h)}
	}
	return bars
}

func TestDetectMissingRanges(t *testing.T) {
	end := t0.Add(4 * time.Hour)

	t.Run("single missing hour", func(t *testing.T) {
		gaps := DetectMissingRanges(hourly(0, 1, 3, 4), t0, end, "1h")
		require.Len(t, gaps, 1)
		assert.Equal(t, t0.Add(2*time.Hour), gaps[0].Start)
		assert.Equal(t, t0.Add(2*time.Hour), gaps[0].End)
	})

	t.Run("consecutive missing hours merge", func(t *testing.T) {
		gaps := DetectMissingRanges(hourly(0, 4), t0, end, "1h")
		require.Len(t, gaps, 1)
		assert.Equal(t, Gap{Start: t0.Add(time.Hour), End: t0.Add(3 * time.Hour)}, gaps[0])
	})

	t.Run("separate gaps", func(t *testing.T) {
		gaps := DetectMissingRanges(hourly(1, 3), t0, end, "1h")
		assert.Equal(t, []Gap{
			{Start: t0, End: t0},
			{Start: t0.Add(2 * time.Hour), End: t0.Add(2 * time.Hour)},
			{Start: t0.Add(4 * time.Hour), End: t0.Add(4 * time.Hour)},
		}, gaps)
	})

	t.Run("complete cache", func(t *testing.T) {
		assert.Empty(t, DetectMissingRanges(hourly(0, 1, 2, 3, 4), t0, end, "1h"))
	})

	t.Run("empty cache is one gap", func(t *testing.T) {
		assert.Equal(t, []Gap{{Start: t0, End: end}}, DetectMissingRanges(nil, t0, end, "1h"))
	})

	t.Run("4h timeframe", func(t *testing.T) {
		gaps := DetectMissingRanges(hourly(0, 8), t0, t0.Add(8*time.Hour), "4h")
		assert.Equal(t, []Gap{{Start: t0.Add(4 * time.Hour), End: t0.Add(4 * time.Hour)}}, gaps)
	})

	t.Run("unknown timeframe falls back to 1h", func(t *testing.T) {
		gaps := DetectMissingRanges(hourly(0, 1, 3, 4), t0, end, "15m")
		require.Len(t, gaps, 1)
		assert.Equal(t, t0.Add(2*time.Hour), gaps[0].Start)
	})
}

type memStore struct {
	bars     []model.KLine
	upserted []model.KLine
	err      error
}

func (s *memStore) CachedBars(_ context.Context, _, _ string, start, end time.Time) ([]model.KLine, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []model.KLine
	for _, b := range s.bars {
		if !b.StartTime.Before(start) && !b.StartTime.After(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memStore) UpsertBars(_ context.Context, bars []model.KLine) (int, error) {
	s.upserted = append(s.upserted, bars...)
	return len(bars), nil
}

type fakeFetcher struct {
	bars  []model.KLine
	calls int
	err   error
}

func (f *fakeFetcher) FetchCandles(_ context.Context, _, _ string, start, end time.Time) ([]model.KLine, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []model.KLine
	for _, b := range f.bars {
		if !b.StartTime.Before(start) && b.StartTime.Before(end) {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestDataManagerLoad(t *testing.T) {
	end := t0.Add(4 * time.Hour)

	t.Run("fills gaps and caches them", func(t *testing.T) {
		store := &memStore{bars: hourly(0, 1, 3, 4)}
		fetcher := &fakeFetcher{bars: hourly(0, 1, 2, 3, 4)}
		dm := NewDataManager(store, fetcher, zap.NewNop())

		bars, err := dm.Load(context.Background(), "BTC/USDT", "1h", t0, end)
		require.NoError(t, err)
		require.Len(t, bars, 5)
		for i, b := range bars {
			assert.Equal(t, t0.Add(time.Duration(i)*time.Hour), b.StartTime)
		}
		assert.Equal(t, 1, fetcher.calls)
		require.Len(t, store.upserted, 1)
		assert.Equal(t, t0.Add(2*time.Hour), store.upserted[0].StartTime)
	})

	t.Run("complete cache skips the exchange", func(t *testing.T) {
		fetcher := &fakeFetcher{}
		dm := NewDataManager(&memStore{bars: hourly(0, 1, 2, 3, 4)}, fetcher, zap.NewNop())

		bars, err := dm.Load(context.Background(), "BTC/USDT", "1h", t0, end)
		require.NoError(t, err)
		assert.Len(t, bars, 5)
		assert.Zero(t, fetcher.calls)
	})

	t.Run("no store fetches everything", func(t *testing.T) {
		dm := NewDataManager(nil, &fakeFetcher{bars: hourly(0, 1, 2, 3, 4)}, zap.NewNop())
		bars, err := dm.Load(context.Background(), "BTC/USDT", "1h", t0, end)
		require.NoError(t, err)
		assert.Len(t, bars, 5)
	})

	t.Run("fetch error is returned", func(t *testing.T) {
		dm := NewDataManager(&memStore{}, &fakeFetcher{err: errors.New("timeout")}, zap.NewNop())
		_, err := dm.Load(context.Background(), "BTC/USDT", "1h", t0, end)
		assert.ErrorContains(t, err, "timeout")
	})

	t.Run("store error is returned", func(t *testing.T) {
		dm := NewDataManager(&memStore{err: errors.New("db down")}, &fakeFetcher{}, zap.NewNop())
		_, err := dm.Load(context.Background(), "BTC/USDT", "1h", t0, end)
		assert.ErrorContains(t, err, "db down")
	})

	t.Run("inverted range", func(t *testing.T) {
		dm := NewDataManager(nil, nil, zap.NewNop())
		_, err := dm.Load(context.Background(), "BTC/USDT", "1h", end, t0)
		assert.Error(t, err)
	})
}

func TestReadBarsCSV(t *testing.T) {
	input := `timestamp,open,high,low,close,volume
2024-01-01T01:00:00Z,101,102,100,101.5,3
1704067200000,100,101,99,100.5,2
`
	bars, err := ReadBarsCSV(strings.NewReader(input), "BTC/USDT", "1h")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, t0, bars[0].StartTime)
	assert.Equal(t, 100.5, bars[0].Close)
	assert.Equal(t, t0.Add(2*time.Hour), bars[1].EndTime)
	assert.Equal(t, "BTC/USDT", bars[1].Symbol)

	_, err = ReadBarsCSV(strings.NewReader("timestamp,open,high,low,close\n"), "BTC/USDT", "1h")
	assert.ErrorContains(t, err, "volume")

	_, err = ReadBarsCSV(strings.NewReader("timestamp,open,high,low,close,volume\nyesterday,1,1,1,1,1\n"), "BTC/USDT", "1h")
	assert.ErrorContains(t, err, "line 2")
}
