// Package engine 实盘交易循环与回测回放，两者共用同一个信号决策
package engine

import (
	"context"
	"errors"
	"time"

	"crypto-autotrader/internal/model"
)

var (
	// ErrEngineLocked 熔断后引擎不可再启动
	ErrEngineLocked = errors.New("engine locked by kill switch")
	// ErrAlreadyRunning 循环已在运行
	ErrAlreadyRunning = errors.New("engine already running")
)

// SignalProvider 给出合成信号 (strategy.Coordinator)
type SignalProvider interface {
	Combine(ctx context.Context, snapshot model.MarketSnapshot, events []model.NewsEvent) model.Signal
}

// MarketData 每个周期提供一次市场快照
type MarketData interface {
	Snapshot(ctx context.Context, symbol string) (model.MarketSnapshot, error)
}

// TradeStore 成交与持仓持久化 (storage.Postgres)，可选
type TradeStore interface {
	AppendTrade(ctx context.Context, trade model.TradeRecord) error
	SavePosition(ctx context.Context, pos model.Position) error
	OpenPositions(ctx context.Context, symbol string) ([]model.Position, error)
}

// Config 实盘循环参数
type Config struct {
	Symbol       string
	PaperTrading bool
	PollInterval time.Duration
	ErrorBackoff time.Duration // 周期出错后的等待时间
	StopLossPct  float64       // 止损价 = 入场价 * (1 - StopLossPct/100)
}

func DefaultConfig() Config {
	return Config{
		Symbol:       "BTC/USDT",
		PaperTrading: true,
		PollInterval: 5 * time.Minute,
		ErrorBackoff: 60 * time.Second,
		StopLossPct:  5,
	}
}

// 成交原因分类，用于 telemetry 标签
const (
	reasonSignal     = "signal"
	reasonStopLoss   = "stop-loss"
	reasonKillSwitch = "kill-switch"
	reasonManual     = "manual"
)
