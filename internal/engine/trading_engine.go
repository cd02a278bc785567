package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"crypto-autotrader/internal/executor"
	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/position"
	"crypto-autotrader/internal/risk"
	"crypto-autotrader/internal/service"

	"go.uber.org/zap"
)

// Deps 引擎依赖；Store 和 Telemetry 可以为 nil
type Deps struct {
	Risk      *risk.RiskManager
	Tracker   *position.Tracker
	Gateway   executor.Gateway
	Signals   SignalProvider
	Market    MarketData
	Store     TradeStore
	Clock     service.Clock
	Telemetry *service.Telemetry
	Logger    *zap.Logger
}

// TradingEngine 实盘决策循环
//
// 状态: STOPPED -> RUNNING -> STOPPED | LOCKED，LOCKED 为终态。
// cycleMu 保证任意时刻只有一个周期 (或 CloseAll) 在修改账户；
// mu 保护对外可见的账户快照，HTTP 读取只需要 mu 的读锁。
type TradingEngine struct {
	cfg Config

	risk      *risk.RiskManager
	tracker   *position.Tracker
	gateway   executor.Gateway
	signals   SignalProvider
	market    MarketData
	store     TradeStore
	clock     service.Clock
	telemetry *service.Telemetry
	logger    *zap.Logger

	cycleMu sync.Mutex

	mu         sync.RWMutex
	status     model.EngineStatus
	loopGen    uint64
	stopCh     chan struct{}
	lockedCh   chan struct{}
	balance    float64
	dailyPnL   float64
	totalPnL   float64
	lastPrice  float64
	lastSignal model.Signal
	trades     []model.TradeRecord
	equity     []model.EquityPoint
}

// NewTradingEngine 创建引擎，初始余额为风控的初始资金
func NewTradingEngine(cfg Config, deps Deps) (*TradingEngine, error) {
	switch {
	case deps.Risk == nil:
		return nil, errors.New("risk manager is required")
	case deps.Gateway == nil:
		return nil, errors.New("gateway is required")
	case deps.Signals == nil:
		return nil, errors.New("signal provider is required")
	case deps.Market == nil:
		return nil, errors.New("market data is required")
	case cfg.Symbol == "":
		return nil, errors.New("symbol is required")
	case cfg.PollInterval <= 0:
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	case cfg.StopLossPct <= 0 || cfg.StopLossPct >= 100:
		return nil, fmt.Errorf("stop loss pct must be in (0,100), got %v", cfg.StopLossPct)
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultConfig().ErrorBackoff
	}
	if deps.Clock == nil {
		deps.Clock = service.NewSystemClock()
	}
	if deps.Tracker == nil {
		deps.Tracker = position.NewTracker(deps.Clock)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &TradingEngine{
		cfg:        cfg,
		risk:       deps.Risk,
		tracker:    deps.Tracker,
		gateway:    deps.Gateway,
		signals:    deps.Signals,
		market:     deps.Market,
		store:      deps.Store,
		clock:      deps.Clock,
		telemetry:  deps.Telemetry,
		logger:     deps.Logger.With(zap.String("component", "engine"), zap.String("Symbol", cfg.Symbol)),
		status:     model.StatusStopped,
		lockedCh:   make(chan struct{}),
		balance:    deps.Risk.InitialCapital(),
		lastSignal: model.HoldSignal(0, "No signal yet"),
	}, nil
}

// Start 在当前 goroutine 中运行循环，直到 Stop、ctx 取消或熔断
func (e *TradingEngine) Start(ctx context.Context) error {
	gen, stopCh, err := e.begin()
	if err != nil {
		return err
	}
	e.loop(ctx, gen, stopCh)
	return nil
}

// Resume 在新的 goroutine 中启动循环 (Pause 之后恢复)
func (e *TradingEngine) Resume(ctx context.Context) error {
	gen, stopCh, err := e.begin()
	if err != nil {
		return err
	}
	go e.loop(ctx, gen, stopCh)
	return nil
}

// Stop 让循环在当前周期结束后退出
func (e *TradingEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != model.StatusRunning {
		return
	}
	e.status = model.StatusStopped
	close(e.stopCh)
	e.logger.Info("Trading engine stopped")
}

// Pause 等同于 Stop
func (e *TradingEngine) Pause() { e.Stop() }

func (e *TradingEngine) begin() (uint64, chan struct{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case model.StatusLocked:
		return 0, nil, ErrEngineLocked
	case model.StatusRunning:
		return 0, nil, ErrAlreadyRunning
	}
	e.status = model.StatusRunning
	e.loopGen++
	e.stopCh = make(chan struct{})
	e.logger.Info("Trading engine started",
		zap.Bool("PaperTrading", e.cfg.PaperTrading),
		zap.Duration("PollInterval", e.cfg.PollInterval))
	return e.loopGen, e.stopCh, nil
}

// active 本轮循环是否仍然有效 (Stop 后又 Resume 会产生新一代循环)
func (e *TradingEngine) active(gen uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status == model.StatusRunning && e.loopGen == gen
}

func (e *TradingEngine) loop(ctx context.Context, gen uint64, stopCh <-chan struct{}) {
	for e.active(gen) {
		wait := e.cfg.PollInterval
		if err := e.RunCycle(ctx); err != nil {
			if errors.Is(err, ErrEngineLocked) {
				return
			}
			e.logger.Error("Error in trading cycle", zap.Error(err), zap.Duration("Backoff", e.cfg.ErrorBackoff))
			e.telemetry.ObserveCycle("error")
			wait = e.cfg.ErrorBackoff
		}

		if !e.active(gen) {
			return
		}

		select {
		case <-ctx.Done():
			e.logger.Info("Trading loop cancelled", zap.Error(ctx.Err()))
			e.stopGen(gen)
			return
		case <-stopCh:
			return
		case <-e.clock.After(wait):
		}
	}
}

func (e *TradingEngine) stopGen(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == model.StatusRunning && e.loopGen == gen {
		e.status = model.StatusStopped
		close(e.stopCh)
	}
}

// RunCycle 执行一个完整的决策周期
func (e *TradingEngine) RunCycle(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	if e.risk.IsLocked() {
		e.lock()
		return ErrEngineLocked
	}

	// 1. 跨日 (UTC) 清零当日盈亏
	if e.risk.ResetDailyLoss() {
		e.mu.Lock()
		e.dailyPnL = 0
		e.mu.Unlock()
	}

	// 2. 市场数据
	snapshot, err := e.market.Snapshot(ctx, e.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("fetch market data: %w", err)
	}
	price := snapshot.Price
	if price <= 0 || math.IsNaN(price) {
		return fmt.Errorf("invalid market price %v", price)
	}
	e.mu.Lock()
	e.lastPrice = price
	e.mu.Unlock()

	// 3. 持仓盯市
	for _, pos := range e.openPositions() {
		e.tracker.MarkToMarket(pos, price)
	}

	// 4. 止损
	for _, pos := range e.tracker.StopLossTriggers(map[string]float64{e.cfg.Symbol: price}) {
		e.logger.Warn("Stop-loss triggered",
			zap.Int64("PositionID", pos.ID),
			zap.Float64("Price", price),
			zap.Float64("StopLoss", pos.StopLossPrice))
		if err := e.closePosition(ctx, pos, price, reasonStopLoss, reasonStopLoss); err != nil {
			return err
		}
	}

	// 5. 信号
	signal := e.signals.Combine(ctx, snapshot, nil)
	e.mu.Lock()
	e.lastSignal = signal
	dailyPnL, totalPnL, balance := e.dailyPnL, e.totalPnL, e.balance
	e.mu.Unlock()
	e.logger.Info("Signal",
		zap.String("Action", signal.Action().String()),
		zap.Float64("Confidence", signal.Confidence()),
		zap.String("Rationale", signal.Rationale()))

	initial := e.risk.InitialCapital()

	// 6. 熔断
	totalLossPct := math.Abs(totalPnL / initial * 100)
	if e.risk.CheckKillSwitch(totalLossPct) {
		e.logger.Error("KILL SWITCH ACTIVATED",
			zap.Float64("TotalLossPct", totalLossPct),
			zap.Float64("TotalPnL", totalPnL))
		e.telemetry.SetKillSwitch()
		if _, err := e.closeAll(ctx, price, reasonKillSwitch, reasonKillSwitch); err != nil {
			e.logger.Error("Emergency close failed", zap.Error(err))
		}
		e.lock()
		e.recordEquity()
		e.telemetry.ObserveCycle("locked")
		return nil
	}

	// 7. 风控校验
	dailyLossPct := math.Abs(dailyPnL / initial * 100)
	if ok, reason := e.risk.Validate(balance, dailyLossPct); !ok {
		e.logger.Info("Trade rejected", zap.String("Reason", reason))
		e.recordEquity()
		e.telemetry.ObserveCycle("rejected")
		return nil
	}

	// 8/9. 执行
	open := e.openPositions()
	switch {
	case signal.Action() == model.ActionBuy && len(open) == 0:
		if err := e.openPosition(ctx, price, signal); err != nil {
			return err
		}
	case signal.Action() == model.ActionSell && len(open) > 0:
		for _, pos := range open {
			if err := e.closePosition(ctx, pos, price, signal.Rationale(), reasonSignal); err != nil {
				return err
			}
		}
	}

	e.recordEquity()
	e.telemetry.ObserveCycle("ok")
	return nil
}

// openPositions 当前交易对的 OPEN 持仓
func (e *TradingEngine) openPositions() []*model.Position {
	var out []*model.Position
	for _, pos := range e.tracker.OpenPositions() {
		if pos.Symbol == e.cfg.Symbol {
			out = append(out, pos)
		}
	}
	return out
}

func (e *TradingEngine) openPosition(ctx context.Context, price float64, signal model.Signal) error {
	e.mu.RLock()
	balance := e.balance
	e.mu.RUnlock()

	usd := e.risk.SizePosition(balance)
	amount := usd / price

	order, err := e.gateway.PlaceBuy(ctx, e.cfg.Symbol, amount)
	if err != nil {
		return fmt.Errorf("place buy: %w", err)
	}
	e.logger.Info("Buy order executed",
		zap.String("OrderID", order.ID),
		zap.Float64("Amount", amount),
		zap.Float64("Price", price),
		zap.Float64("USD", usd))

	// 交易所侧止损单不会在平仓时撤销 (Gateway 没有撤单接口)。
	// 实盘中信号平仓或引擎止损后，该单仍可能触发再卖出一次，需要人工撤单
	stopPrice := price * (1 - e.cfg.StopLossPct/100)
	if _, err := e.gateway.PlaceStopLoss(ctx, e.cfg.Symbol, amount, stopPrice); err != nil {
		// 仓位已经成交，止损单失败时仍由引擎在每个周期检查止损
		e.logger.Warn("Failed to place stop-loss order", zap.Error(err), zap.Float64("StopPrice", stopPrice))
	}

	pos := e.tracker.Open(e.cfg.Symbol, price, amount, stopPrice)

	e.mu.Lock()
	e.balance -= usd
	trade := model.TradeRecord{
		Timestamp:    e.clock.Now(),
		Type:         model.TradeBuy,
		Symbol:       e.cfg.Symbol,
		Amount:       amount,
		Price:        price,
		CapitalAfter: e.balance,
		Reason:       signal.Rationale(),
		OrderID:      order.ID,
		PositionID:   pos.ID,
		PositionRef:  pos.Ref,
	}
	e.trades = append(e.trades, trade)
	e.mu.Unlock()

	e.telemetry.ObserveTrade(string(model.TradeBuy), reasonSignal)
	e.persist(ctx, trade, *pos)
	return nil
}

func (e *TradingEngine) closePosition(ctx context.Context, pos *model.Position, price float64, reason, category string) error {
	order, err := e.gateway.PlaceSell(ctx, pos.Symbol, pos.Amount)
	if err != nil {
		return fmt.Errorf("place sell for position #%d: %w", pos.ID, err)
	}

	realized, err := e.tracker.Close(pos, price)
	if err != nil {
		return fmt.Errorf("close position #%d: %w", pos.ID, err)
	}

	e.mu.Lock()
	e.balance += price * pos.Amount
	e.dailyPnL += realized
	e.totalPnL += realized
	trade := model.TradeRecord{
		Timestamp:    e.clock.Now(),
		Type:         model.TradeSell,
		Symbol:       pos.Symbol,
		Amount:       pos.Amount,
		Price:        price,
		CapitalAfter: e.balance,
		Profit:       realized,
		Reason:       reason,
		OrderID:      order.ID,
		PositionID:   pos.ID,
		PositionRef:  pos.Ref,
	}
	e.trades = append(e.trades, trade)
	e.mu.Unlock()

	e.logger.Info("Position closed",
		zap.Int64("PositionID", pos.ID),
		zap.String("OrderID", order.ID),
		zap.Float64("Price", price),
		zap.Float64("PnL", realized),
		zap.String("Reason", reason))

	e.telemetry.ObserveTrade(string(model.TradeSell), category)
	e.persist(ctx, trade, *pos)
	return nil
}

// closeAll 平掉全部持仓，单个失败不影响其余持仓
func (e *TradingEngine) closeAll(ctx context.Context, price float64, reason, category string) (int, error) {
	open := e.openPositions()
	if len(open) > 0 {
		e.logger.Warn("Closing all positions", zap.Int("Count", len(open)), zap.String("Reason", reason))
	}

	closed := 0
	var errs []error
	for _, pos := range open {
		if err := e.closePosition(ctx, pos, price, reason, category); err != nil {
			errs = append(errs, err)
			continue
		}
		closed++
	}
	return closed, errors.Join(errs...)
}

// CloseAll 手动平掉全部持仓，价格取网关最新价，失败时退回上一周期价格
func (e *TradingEngine) CloseAll(ctx context.Context, reason string) (int, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	price, err := e.gateway.CurrentPrice(ctx, e.cfg.Symbol)
	if err != nil {
		e.mu.RLock()
		price = e.lastPrice
		e.mu.RUnlock()
		if price <= 0 {
			return 0, fmt.Errorf("no price to close positions: %w", err)
		}
		e.logger.Warn("Using last cycle price for close-all", zap.Error(err), zap.Float64("Price", price))
	}

	closed, err := e.closeAll(ctx, price, reason, reasonManual)
	e.recordEquity()
	return closed, err
}

// RestoreOpenPositions 从持久化存储恢复 OPEN 持仓，并从余额中扣除其成本
func (e *TradingEngine) RestoreOpenPositions(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	positions, err := e.store.OpenPositions(ctx, e.cfg.Symbol)
	if err != nil {
		return 0, fmt.Errorf("load open positions: %w", err)
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	for _, p := range positions {
		pos := e.tracker.Restore(p)
		e.mu.Lock()
		e.balance -= pos.EntryPrice * pos.Amount
		e.mu.Unlock()
		e.logger.Info("Restored open position", zap.String("Position", pos.String()), zap.String("Ref", pos.Ref))
	}
	return len(positions), nil
}

func (e *TradingEngine) persist(ctx context.Context, trade model.TradeRecord, pos model.Position) {
	if e.store == nil {
		return
	}
	if err := e.store.SavePosition(ctx, pos); err != nil {
		e.logger.Error("Failed to persist position", zap.Int64("PositionID", pos.ID), zap.Error(err))
	}
	if err := e.store.AppendTrade(ctx, trade); err != nil {
		e.logger.Error("Failed to persist trade", zap.String("Type", string(trade.Type)), zap.Error(err))
	}
}

// lock 熔断后进入终态，唤醒正在等待的循环
func (e *TradingEngine) lock() {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.status {
	case model.StatusLocked:
		return
	case model.StatusRunning:
		close(e.stopCh)
	}
	e.status = model.StatusLocked
	close(e.lockedCh)
}

// Locked 熔断锁定后关闭的通道；Stop/Pause 不会关闭它
func (e *TradingEngine) Locked() <-chan struct{} {
	return e.lockedCh
}

// recordEquity 追加净值点并刷新账户 gauge
func (e *TradingEngine) recordEquity() {
	open := e.tracker.OpenSnapshot()

	e.mu.Lock()
	equity := e.balance
	for _, p := range open {
		if p.Symbol == e.cfg.Symbol {
			equity += p.CurrentPrice * p.Amount
		}
	}
	e.equity = append(e.equity, model.EquityPoint{Timestamp: e.clock.Now(), Equity: equity})
	balance, daily, total := e.balance, e.dailyPnL, e.totalPnL
	e.mu.Unlock()

	e.telemetry.SetAccount(balance, equity, daily, total, len(open))
}
