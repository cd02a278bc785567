package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

const binanceKlineLimit = 1000

// BinanceConfig Binance 现货网关配置
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// 下面的接口只覆盖用到的 go-binance 服务，测试中可以替换

// ListPricesService interface for getting the latest price.
type ListPricesService interface {
	Symbol(symbol string) ListPricesService
	Do(ctx context.Context) ([]*binance.SymbolPrice, error)
}

// CreateOrderService interface for creating orders.
type CreateOrderService interface {
	Symbol(symbol string) CreateOrderService
	Side(side binance.SideType) CreateOrderService
	Type(orderType binance.OrderType) CreateOrderService
	Quantity(quantity string) CreateOrderService
	StopPrice(stopPrice string) CreateOrderService
	NewClientOrderID(id string) CreateOrderService
	Do(ctx context.Context) (*binance.CreateOrderResponse, error)
}

// KlinesService interface for historical candles.
type KlinesService interface {
	Symbol(symbol string) KlinesService
	Interval(interval string) KlinesService
	StartTime(startTime int64) KlinesService
	EndTime(endTime int64) KlinesService
	Limit(limit int) KlinesService
	Do(ctx context.Context) ([]*binance.Kline, error)
}

// BinanceClient abstracts the Binance client for testing.
type BinanceClient interface {
	NewListPricesService() ListPricesService
	NewCreateOrderService() CreateOrderService
	NewKlinesService() KlinesService
}

type realBinanceClient struct {
	client *binance.Client
}

func (r *realBinanceClient) NewListPricesService() ListPricesService {
	return &realListPricesService{service: r.client.NewListPricesService()}
}

func (r *realBinanceClient) NewCreateOrderService() CreateOrderService {
	return &realCreateOrderService{service: r.client.NewCreateOrderService()}
}

func (r *realBinanceClient) NewKlinesService() KlinesService {
	return &realKlinesService{service: r.client.NewKlinesService()}
}

type realListPricesService struct {
	service *binance.ListPricesService
}

func (s *realListPricesService) Symbol(symbol string) ListPricesService {
	s.service = s.service.Symbol(symbol)
	return s
}

func (s *realListPricesService) Do(ctx context.Context) ([]*binance.SymbolPrice, error) {
	return s.service.Do(ctx)
}

type realCreateOrderService struct {
	service *binance.CreateOrderService
}

func (s *realCreateOrderService) Symbol(symbol string) CreateOrderService {
	s.service = s.service.Symbol(symbol)
	return s
}

func (s *realCreateOrderService) Side(side binance.SideType) CreateOrderService {
	s.service = s.service.Side(side)
	return s
}

func (s *realCreateOrderService) Type(orderType binance.OrderType) CreateOrderService {
	s.service = s.service.Type(orderType)
	return s
}

func (s *realCreateOrderService) Quantity(quantity string) CreateOrderService {
	s.service = s.service.Quantity(quantity)
	return s
}

func (s *realCreateOrderService) StopPrice(stopPrice string) CreateOrderService {
	s.service = s.service.StopPrice(stopPrice)
	return s
}

func (s *realCreateOrderService) NewClientOrderID(id string) CreateOrderService {
	s.service = s.service.NewClientOrderID(id)
	return s
}

func (s *realCreateOrderService) Do(ctx context.Context) (*binance.CreateOrderResponse, error) {
	return s.service.Do(ctx)
}

type realKlinesService struct {
	service *binance.KlinesService
}

func (s *realKlinesService) Symbol(symbol string) KlinesService {
	s.service = s.service.Symbol(symbol)
	return s
}

func (s *realKlinesService) Interval(interval string) KlinesService {
	s.service = s.service.Interval(interval)
	return s
}

func (s *realKlinesService) StartTime(startTime int64) KlinesService {
	s.service = s.service.StartTime(startTime)
	return s
}

func (s *realKlinesService) EndTime(endTime int64) KlinesService {
	s.service = s.service.EndTime(endTime)
	return s
}

func (s *realKlinesService) Limit(limit int) KlinesService {
	s.service = s.service.Limit(limit)
	return s
}

func (s *realKlinesService) Do(ctx context.Context) ([]*binance.Kline, error) {
	return s.service.Do(ctx)
}

// BinanceGateway 通过 go-binance 在现货市场下单
type BinanceGateway struct {
	client BinanceClient

	prices    *PriceCache
	clock     service.Clock
	telemetry *service.Telemetry
	logger    *zap.Logger
}

// NewBinanceGateway 使用真实的 go-binance 客户端
func NewBinanceGateway(cfg BinanceConfig, opts Options) *BinanceGateway {
	// go-binance 用包级变量切换测试网
	binance.UseTestnet = cfg.Testnet
	return NewBinanceGatewayWithClient(&realBinanceClient{client: binance.NewClient(cfg.APIKey, cfg.SecretKey)}, opts)
}

// NewBinanceGatewayWithClient 注入客户端 (测试用)
func NewBinanceGatewayWithClient(client BinanceClient, opts Options) *BinanceGateway {
	if opts.Clock == nil {
		opts.Clock = service.NewSystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &BinanceGateway{
		client:    client,
		prices:    opts.Prices,
		clock:     opts.Clock,
		telemetry: opts.Telemetry,
		logger:    opts.Logger.With(zap.String("gateway", "binance")),
	}
}

// CurrentPrice 实现 Gateway 接口
func (g *BinanceGateway) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if price, ok := g.prices.Get(symbol, g.clock.Now()); ok {
		return price, nil
	}

	prices, err := g.client.NewListPricesService().Symbol(service.ToBinanceSymbol(symbol)).Do(ctx)
	if err != nil {
		g.telemetry.ObserveGatewayError("ticker")
		return 0, fmt.Errorf("binance price %s: %w", symbol, err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("%w: binance price %s empty", ErrNoPrice, symbol)
	}
	price, err := service.StringToFloat(prices[0].Price)
	if err != nil {
		return 0, fmt.Errorf("parse binance price %q: %w", prices[0].Price, err)
	}
	return price, nil
}

// PlaceBuy 实现 Gateway 接口
func (g *BinanceGateway) PlaceBuy(ctx context.Context, symbol string, amount float64) (model.OrderHandle, error) {
	return g.place(ctx, "order", symbol, binance.SideTypeBuy, binance.OrderTypeMarket, amount, 0)
}

// PlaceSell 实现 Gateway 接口
func (g *BinanceGateway) PlaceSell(ctx context.Context, symbol string, amount float64) (model.OrderHandle, error) {
	return g.place(ctx, "order", symbol, binance.SideTypeSell, binance.OrderTypeMarket, amount, 0)
}

// PlaceStopLoss STOP_LOSS 单，触发后市价卖出
func (g *BinanceGateway) PlaceStopLoss(ctx context.Context, symbol string, amount, triggerPrice float64) (model.OrderHandle, error) {
	return g.place(ctx, "stop_loss", symbol, binance.SideTypeSell, binance.OrderTypeStopLoss, amount, triggerPrice)
}

func (g *BinanceGateway) place(ctx context.Context, op, symbol string, side binance.SideType, orderType binance.OrderType, amount, stopPrice float64) (model.OrderHandle, error) {
	svc := g.client.NewCreateOrderService().
		Symbol(service.ToBinanceSymbol(symbol)).
		Side(side).
		Type(orderType).
		Quantity(service.FloatToString(amount, 8)).
		NewClientOrderID(newClientOrderID())
	if stopPrice > 0 {
		svc = svc.StopPrice(service.FloatToString(stopPrice, 8))
	}

	g.logger.Info("Sending Binance Order...",
		zap.String("Side", string(side)), zap.String("Type", string(orderType)),
		zap.String("Symbol", symbol), zap.Float64("Size", amount))

	resp, err := svc.Do(ctx)
	if err != nil {
		g.telemetry.ObserveGatewayError(op)
		g.logger.Error("Binance order failed", zap.String("Op", op), zap.Error(err))
		return model.OrderHandle{}, fmt.Errorf("binance %s %s: %w", op, symbol, err)
	}

	handle := model.OrderHandle{
		ID:        fmt.Sprintf("%d", resp.OrderID),
		Symbol:    symbol,
		Side:      model.SideBuy,
		Type:      model.OrderMarket,
		Amount:    amount,
		StopPrice: stopPrice,
		Status:    strings.ToLower(string(resp.Status)),
		Timestamp: g.clock.Now(),
	}
	if side == binance.SideTypeSell {
		handle.Side = model.SideSell
	}
	if orderType == binance.OrderTypeStopLoss {
		handle.Type = model.OrderStopLoss
	}
	if price, err := service.StringToFloat(resp.Price); err == nil && price > 0 {
		handle.Price = price
	}
	return handle, nil
}

// FetchCandles 分页拉取 K 线，每页最多 1000 根
func (g *BinanceGateway) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.KLine, error) {
	interval, err := service.ParseIntervalDuration(timeframe)
	if err != nil {
		return nil, err
	}

	var bars []model.KLine
	cursor := start.UnixMilli()
	for cursor <= end.UnixMilli() {
		rows, err := g.client.NewKlinesService().
			Symbol(service.ToBinanceSymbol(symbol)).
			Interval(timeframe).
			StartTime(cursor).
			EndTime(end.UnixMilli()).
			Limit(binanceKlineLimit).
			Do(ctx)
		if err != nil {
			g.telemetry.ObserveGatewayError("candles")
			return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
		}
		if len(rows) == 0 {
			break
		}

		last := cursor
		for _, row := range rows {
			k, err := parseBinanceKline(row, symbol, timeframe, interval)
			if err != nil {
				return nil, err
			}
			bars = append(bars, k)
			if row.OpenTime > last {
				last = row.OpenTime
			}
		}
		if len(rows) < binanceKlineLimit {
			break
		}
		cursor = last + interval.Milliseconds()
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].StartTime.Before(bars[j].StartTime) })
	return bars, nil
}

func parseBinanceKline(row *binance.Kline, symbol, timeframe string, interval time.Duration) (model.KLine, error) {
	fields := []string{row.Open, row.High, row.Low, row.Close, row.Volume}
	var values [5]float64
	for i, f := range fields {
		v, err := service.StringToFloat(f)
		if err != nil {
			return model.KLine{}, fmt.Errorf("binance kline field %d %q: %w", i, f, err)
		}
		values[i] = v
	}

	startTime := time.UnixMilli(row.OpenTime).UTC()
	return model.KLine{
		Symbol:    symbol,
		Interval:  timeframe,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		StartTime: startTime,
		EndTime:   startTime.Add(interval),
	}, nil
}
