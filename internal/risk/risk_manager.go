// Package risk 负责仓位大小、单日亏损限制和熔断开关
package risk

import (
	"fmt"
	"sync"
	"time"

	"crypto-autotrader/internal/service"

	"go.uber.org/zap"
)

// DefaultMinNotional 单笔最小下单金额 (USD)
const DefaultMinNotional = 10.0

// Config 风控参数，百分比均为 0~100
type Config struct {
	InitialCapital    float64
	PositionSizePct   float64
	DailyLossLimitPct float64
	KillSwitchPct     float64
	MinNotional       float64
}

// DefaultConfig 默认风控参数
func DefaultConfig() Config {
	return Config{
		InitialCapital:    10000,
		PositionSizePct:   5,
		DailyLossLimitPct: 15,
		KillSwitchPct:     50,
		MinNotional:       DefaultMinNotional,
	}
}

// RiskState 风控状态，每个引擎实例一份
type RiskState struct {
	PositionSizePct   float64   `json:"position_size_pct"`
	DailyLossLimitPct float64   `json:"daily_loss_limit_pct"`
	KillSwitchPct     float64   `json:"kill_switch_pct"`
	InitialCapital    float64   `json:"initial_capital"`
	IsLocked          bool      `json:"is_locked"`
	DailyResetDate    time.Time `json:"daily_reset_date"` // UTC 零点
}

// RiskManager 持有 RiskState
// IsLocked 一旦置为 true 就不会再变回 false，没有解锁接口，只能重启进程
type RiskManager struct {
	mu          sync.RWMutex
	state       RiskState
	minNotional float64

	clock  service.Clock
	logger *zap.Logger
}

// NewRiskManager 创建风控管理器
func NewRiskManager(cfg Config, clock service.Clock, logger *zap.Logger) (*RiskManager, error) {
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive, got %v", cfg.InitialCapital)
	}
	if cfg.PositionSizePct <= 0 || cfg.PositionSizePct > 100 {
		return nil, fmt.Errorf("position size pct must be in (0,100], got %v", cfg.PositionSizePct)
	}
	if cfg.DailyLossLimitPct <= 0 || cfg.KillSwitchPct <= 0 {
		return nil, fmt.Errorf("loss limits must be positive (daily=%v, kill=%v)", cfg.DailyLossLimitPct, cfg.KillSwitchPct)
	}
	if cfg.MinNotional <= 0 {
		cfg.MinNotional = DefaultMinNotional
	}
	if clock == nil {
		clock = service.NewSystemClock()
	}

	return &RiskManager{
		state: RiskState{
			PositionSizePct:   cfg.PositionSizePct,
			DailyLossLimitPct: cfg.DailyLossLimitPct,
			KillSwitchPct:     cfg.KillSwitchPct,
			InitialCapital:    cfg.InitialCapital,
			DailyResetDate:    utcDate(clock.Now()),
		},
		minNotional: cfg.MinNotional,
		clock:       clock,
		logger:      logger.With(zap.String("component", "risk")),
	}, nil
}

// SizePosition 按余额百分比计算本次下单金额 (USD)
func (rm *RiskManager) SizePosition(balance float64) float64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return balance * rm.state.PositionSizePct / 100
}

// Validate 判断是否允许开新仓，任何一项不满足都拒绝
func (rm *RiskManager) Validate(balance, dailyLossPct float64) (bool, string) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if rm.state.IsLocked {
		return false, "Trading locked by kill switch"
	}

	if dailyLossPct >= rm.state.DailyLossLimitPct {
		return false, fmt.Sprintf("Daily loss limit reached: %.2f%% >= %.2f%%", dailyLossPct, rm.state.DailyLossLimitPct)
	}

	if size := balance * rm.state.PositionSizePct / 100; size < rm.minNotional {
		return false, "Insufficient balance for minimum position size"
	}

	return true, "Trade validated"
}

// CheckKillSwitch 累计亏损达到阈值时锁定交易，返回当前是否已锁定
func (rm *RiskManager) CheckKillSwitch(totalLossPct float64) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.state.IsLocked {
		return true
	}

	if totalLossPct >= rm.state.KillSwitchPct {
		rm.state.IsLocked = true
		rm.logger.Error("Kill switch threshold reached, trading locked",
			zap.Float64("TotalLossPct", totalLossPct),
			zap.Float64("KillSwitchPct", rm.state.KillSwitchPct))
		return true
	}
	return false
}

// ResetDailyLoss 日期 (UTC) 前进时推进 DailyResetDate，返回是否跨日
// 不会清零任何盈亏，清零由引擎负责
func (rm *RiskManager) ResetDailyLoss() bool {
	today := utcDate(rm.clock.Now())

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !today.After(rm.state.DailyResetDate) {
		return false
	}

	rm.logger.Info("Daily loss window rolled",
		zap.Time("From", rm.state.DailyResetDate),
		zap.Time("To", today))
	rm.state.DailyResetDate = today
	return true
}

// IsLocked 是否已被熔断
func (rm *RiskManager) IsLocked() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.state.IsLocked
}

func (rm *RiskManager) InitialCapital() float64 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.state.InitialCapital
}

// State 返回状态副本
func (rm *RiskManager) State() RiskState {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.state
}

func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
