package model

import (
	"fmt"
	"time"
)

// PositionStatus 持仓状态
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position 结构体定义了一笔多头持仓 (只做多)
// 由 PositionTracker 独占管理，只会从 OPEN 转为 CLOSED，不会被删除
type Position struct {
	ID            int64          `json:"id"`
	Ref           string         `json:"ref,omitempty"` // 持久化引用，跨进程重启保持不变
	Symbol        string         `json:"symbol"`
	EntryTime     time.Time      `json:"entry_time"`
	EntryPrice    float64        `json:"entry_price"`
	Amount        float64        `json:"amount"` // 币本位数量，例如 BTC 数量
	CurrentPrice  float64        `json:"current_price"`
	UnrealizedPnL float64        `json:"unrealized_pnl"` // 平仓后保存已实现盈亏
	StopLossPrice float64        `json:"stop_loss_price"`
	Status        PositionStatus `json:"status"`
	ExitTime      time.Time      `json:"exit_time,omitempty"`
}

func (p Position) String() string {
	return fmt.Sprintf("POSITION #%d [%s %s] %.6f @ %.2f | now %.2f | SL %.2f | PnL %.2f",
		p.ID, p.Status, p.Symbol, p.Amount, p.EntryPrice, p.CurrentPrice, p.StopLossPrice, p.UnrealizedPnL)
}

// TradeType 成交类型
type TradeType string

const (
	TradeBuy  TradeType = "BUY"
	TradeSell TradeType = "SELL"
)

// TradeRecord 记录每一次买入或卖出，只追加不修改
type TradeRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Type         TradeType `json:"type"`
	Symbol       string    `json:"symbol"`
	Amount       float64   `json:"amount"`
	Price        float64   `json:"price"`
	CapitalAfter float64   `json:"capital_after"`
	Profit       float64   `json:"profit,omitempty"` // 仅 SELL 有效
	Reason       string    `json:"reason,omitempty"` // 平仓原因: 信号说明 / "stop-loss" / "kill-switch"
	OrderID      string    `json:"order_id,omitempty"`
	PositionID   int64     `json:"position_id,omitempty"`
	PositionRef  string    `json:"position_ref,omitempty"`
}

// EquityPoint 账户净值采样点
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderMarket   OrderType = "market"
	OrderStopLoss OrderType = "stop_loss"
)

// OrderHandle 是执行网关返回的订单回执
type OrderHandle struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Side      OrderSide `json:"side"`
	Type      OrderType `json:"type"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price,omitempty"`
	StopPrice float64   `json:"stop_price,omitempty"`
	Status    string    `json:"status"`
	Simulated bool      `json:"simulated"`
	Timestamp time.Time `json:"timestamp"`
}

// EngineStatus 引擎运行状态
type EngineStatus string

const (
	StatusStopped EngineStatus = "STOPPED"
	StatusRunning EngineStatus = "RUNNING"
	StatusLocked  EngineStatus = "LOCKED" // 熔断后的终态，只能重启进程恢复
)

// EngineSummary 是提供给外部 (API/看板) 的只读快照
type EngineSummary struct {
	Status        EngineStatus `json:"status"`
	Symbol        string       `json:"symbol"`
	PaperTrading  bool         `json:"paper_trading"`
	Balance       float64      `json:"account_balance"`
	Equity        float64      `json:"equity"`
	DailyPnL      float64      `json:"daily_pnl"`
	TotalPnL      float64      `json:"total_pnl"`
	OpenPositions int          `json:"open_positions"`
	LastPrice     float64      `json:"last_price"`
	LastSignal    Signal       `json:"last_signal"`
	Locked        bool         `json:"trading_locked"`
}

// DailyStats 当日 (UTC) 已实现交易统计
type DailyStats struct {
	Date          string  `json:"date"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	TotalPnL      float64 `json:"total_pnl"`
}
