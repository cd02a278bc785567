package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"crypto-autotrader/internal/model"
)

// fakeGateway 记录下单请求，价格由测试设置
type fakeGateway struct {
	mu       sync.Mutex
	price    float64
	priceErr error
	buyErr   error
	sellErr  error
	stopErr  error
	orders   []model.OrderHandle
}

func (g *fakeGateway) setPrice(p float64) {
	g.mu.Lock()
	g.price = p
	g.mu.Unlock()
}

func (g *fakeGateway) CurrentPrice(context.Context, string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.priceErr != nil {
		return 0, g.priceErr
	}
	return g.price, nil
}

func (g *fakeGateway) order(symbol string, side model.OrderSide, typ model.OrderType, amount, stop float64, err error) (model.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		return model.OrderHandle{}, err
	}
	o := model.OrderHandle{
		ID: fmt.Sprintf("o-%d", len(g.orders)+1), Symbol: symbol, Side: side, Type: typ,
		Amount: amount, Price: g.price, StopPrice: stop, Status: "filled", Simulated: true,
	}
	g.orders = append(g.orders, o)
	return o, nil
}

func (g *fakeGateway) PlaceBuy(_ context.Context, symbol string, amount float64) (model.OrderHandle, error) {
	return g.order(symbol, model.SideBuy, model.OrderMarket, amount, 0, g.buyErr)
}

func (g *fakeGateway) PlaceSell(_ context.Context, symbol string, amount float64) (model.OrderHandle, error) {
	return g.order(symbol, model.SideSell, model.OrderMarket, amount, 0, g.sellErr)
}

func (g *fakeGateway) PlaceStopLoss(_ context.Context, symbol string, amount, trigger float64) (model.OrderHandle, error) {
	return g.order(symbol, model.SideSell, model.OrderStopLoss, amount, trigger, g.stopErr)
}

func (g *fakeGateway) ordersOf(typ model.OrderType, side model.OrderSide) []model.OrderHandle {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.OrderHandle
	for _, o := range g.orders {
		if o.Type == typ && o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

// scriptedSignals 依次返回预设信号，用完后一直返回 HOLD
type scriptedSignals struct {
	mu      sync.Mutex
	actions []model.Action
	calls   int
	seen    []model.MarketSnapshot
}

func script(actions ...model.Action) *scriptedSignals {
	return &scriptedSignals{actions: actions}
}

func (s *scriptedSignals) push(actions ...model.Action) {
	s.mu.Lock()
	s.actions = append(s.actions, actions...)
	s.mu.Unlock()
}

func (s *scriptedSignals) Combine(_ context.Context, snapshot model.MarketSnapshot, _ []model.NewsEvent) model.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.seen = append(s.seen, snapshot)
	if len(s.actions) == 0 {
		return model.HoldSignal(50, "scripted hold")
	}
	a := s.actions[0]
	s.actions = s.actions[1:]
	sig, _ := model.NewSignal(a, 80, "scripted "+a.String())
	return sig
}

func (s *scriptedSignals) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// memStore 内存版 TradeStore
type memStore struct {
	mu        sync.Mutex
	trades    []model.TradeRecord
	positions map[string]model.Position
	restore   []model.Position
	err       error
}

func newMemStore() *memStore { return &memStore{positions: map[string]model.Position{}} }

func (s *memStore) AppendTrade(_ context.Context, t model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.trades = append(s.trades, t)
	return nil
}

func (s *memStore) SavePosition(_ context.Context, p model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if p.Ref == "" {
		return errors.New("missing ref")
	}
	s.positions[p.Ref] = p
	return nil
}

func (s *memStore) OpenPositions(context.Context, string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Position(nil), s.restore...), s.err
}
