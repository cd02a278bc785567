package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"

	"go.uber.org/zap"
)

// ErrNoPrice 网关当前没有可用价格
var ErrNoPrice = errors.New("no price available")

// Gateway 是行情与下单网关的通用接口，负责与交易所通信
// 实现必须自带超时 (HTTP 客户端超时)，引擎不会为单次调用设置超时
type Gateway interface {
	// 最新成交价
	CurrentPrice(ctx context.Context, symbol string) (float64, error)

	// 市价买入 amount 个基础币
	PlaceBuy(ctx context.Context, symbol string, amount float64) (model.OrderHandle, error)

	// 市价卖出 amount 个基础币
	PlaceSell(ctx context.Context, symbol string, amount float64) (model.OrderHandle, error)

	// 挂止损单，价格跌到 triggerPrice 时市价卖出
	PlaceStopLoss(ctx context.Context, symbol string, amount, triggerPrice float64) (model.OrderHandle, error)
}

// CandleFetcher 拉取历史 K 线 (按时间升序，闭区间 [start, end])
type CandleFetcher interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.KLine, error)
}

// Options 构造网关时的共享依赖
type Options struct {
	Clock     service.Clock
	Prices    *PriceCache // 可选，websocket 推送的价格缓存
	Telemetry *service.Telemetry
	Logger    *zap.Logger
}

// New 根据配置构造网关：纸面交易优先，其次按交易所名称
func New(cfg *service.Config, opts Options) (Gateway, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = service.NewSystemClock()
	}

	if cfg.Trading.PaperTrading {
		return NewPaperGateway(PaperConfig{SimulatedPrice: cfg.Trading.SimulatedPrice}, opts.Clock, opts.Logger), nil
	}

	switch strings.ToLower(cfg.Exchange.Name) {
	case "okx":
		return NewOkxGateway(OkxConfig{
			APIKey:            cfg.Exchange.APIKey,
			SecretKey:         cfg.Exchange.SecretKey,
			Passphrase:        cfg.Exchange.Passphrase,
			RESTURL:           cfg.Exchange.RESTURL,
			Testnet:           cfg.Exchange.Testnet,
			RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
			Timeout:           cfg.Exchange.Timeout,
		}, opts), nil
	case "binance":
		return NewBinanceGateway(BinanceConfig{
			APIKey:    cfg.Exchange.APIKey,
			SecretKey: cfg.Exchange.SecretKey,
			Testnet:   cfg.Exchange.Testnet,
		}, opts), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.Exchange.Name)
	}
}

// NewCandleFetcher 构造历史 K 线来源；纸面交易同样使用交易所的公开行情接口
func NewCandleFetcher(cfg *service.Config, opts Options) (CandleFetcher, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	switch strings.ToLower(cfg.Exchange.Name) {
	case "okx":
		return NewOkxGateway(OkxConfig{
			RESTURL:           cfg.Exchange.RESTURL,
			RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
			Timeout:           cfg.Exchange.Timeout,
		}, opts), nil
	case "binance":
		return NewBinanceGateway(BinanceConfig{Testnet: cfg.Exchange.Testnet}, opts), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.Exchange.Name)
	}
}
