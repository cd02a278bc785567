package risk

import (
	"testing"
	"time"

	"crypto-autotrader/internal/service"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newManager(t *testing.T, clock service.Clock) *RiskManager {
	t.Helper()
	rm, err := NewRiskManager(DefaultConfig(), clock, zap.NewNop())
	require.NoError(t, err)
	return rm
}

func TestSizePosition(t *testing.T) {
	rm := newManager(t, nil)
	assert.InDelta(t, 500.0, rm.SizePosition(10000), 1e-9)
	assert.InDelta(t, 5.0, rm.SizePosition(100), 1e-9)
}

func TestValidate(t *testing.T) {
	rm := newManager(t, nil)

	ok, reason := rm.Validate(10000, 0)
	assert.True(t, ok)
	assert.Equal(t, "Trade validated", reason)

	ok, reason = rm.Validate(10000, 15)
	assert.False(t, ok)
	assert.Contains(t, reason, "Daily loss limit")

	// 100 * 5% = 5 < 10
	ok, reason = rm.Validate(100, 0)
	assert.False(t, ok)
	assert.Equal(t, "Insufficient balance for minimum position size", reason)

	ok, _ = rm.Validate(200, 14.99)
	assert.True(t, ok)
}

func TestKillSwitchLatches(t *testing.T) {
	rm := newManager(t, nil)

	assert.False(t, rm.CheckKillSwitch(49.9))
	assert.False(t, rm.IsLocked())

	assert.True(t, rm.CheckKillSwitch(50))
	assert.True(t, rm.State().IsLocked)

	// 之后亏损回落也不会解锁
	assert.True(t, rm.CheckKillSwitch(0))
	for _, balance := range []float64{10000, 1e9} {
		ok, reason := rm.Validate(balance, 0)
		assert.False(t, ok)
		assert.Equal(t, "Trading locked by kill switch", reason)
	}
}

func TestResetDailyLoss(t *testing.T) {
	start := time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	rm := newManager(t, clock)

	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), rm.State().DailyResetDate)
	assert.False(t, rm.ResetDailyLoss())

	clock.Advance(2 * time.Hour)
	assert.True(t, rm.ResetDailyLoss())
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), rm.State().DailyResetDate)
	assert.False(t, rm.ResetDailyLoss())

	// 时钟回拨不会让日期倒退
	clock.Advance(-2 * time.Hour)
	assert.False(t, rm.ResetDailyLoss())
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), rm.State().DailyResetDate)
}

func TestNewRiskManager_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialCapital = 0
	_, err := NewRiskManager(cfg, nil, zap.NewNop())
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.PositionSizePct = 150
	_, err = NewRiskManager(cfg, nil, zap.NewNop())
	assert.Error(t, err)
}
