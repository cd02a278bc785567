package api

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// OkxWsData 适用于 Okx V5 的通用推送结构
type OkxWsData struct {
	Arg struct {
		Channel string `json:"channel"`
		InstId  string `json:"instId"`
	} `json:"arg"`
	Data  json.RawMessage `json:"data"` // 按频道延迟解析
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
}

// OkxTradeData 适配 Okx trades 频道数据结构
type OkxTradeData struct {
	Timestamp string `json:"ts"`   // 成交时间 (毫秒字符串)
	Price     string `json:"px"`   // 成交价格
	Size      string `json:"sz"`   // 成交数量
	Side      string `json:"side"` // buy 或 sell (成交方向，用于判断 IsBuyerMaker)
	TradeId   string `json:"tradeId"`
	InstId    string `json:"instId"`
}

// OkxTickerData 结构体，用于解析 tickers 频道数据
type OkxTickerData struct {
	LastPrice string `json:"last"` // 最新成交价 (tickers 频道使用 'last')
	Timestamp string `json:"ts"`
	InstId    string `json:"instId"`
}

// 映射 InstId 到 Symbol (例如 BTC-USDT -> BTC/USDT)
type InstMap map[string]string

// Connector 订阅 Okx 公共频道 (现货 tickers + trades)，把推送转换为 model.Ticker
// 一个 Connector 可以有多个订阅者 (K 线聚合、价格缓存、纸面网关)
type Connector struct {
	wsURL          string
	instToSymbol   InstMap
	reconnectDelay time.Duration
	logger         *zap.Logger

	mu          sync.Mutex
	subscribers []chan model.Ticker
	dropped     int64
}

// NewConnector symbols 使用内部格式，例如 "BTC/USDT"
func NewConnector(wsURL string, symbols []string, logger *zap.Logger) *Connector {
	instToSymbol := make(InstMap, len(symbols))
	for _, symbol := range symbols {
		instToSymbol[service.ToOkxInstID(symbol)] = symbol
	}

	logger = logger.With(zap.String("component", "connector"))
	logger.Info("Connector initialized", zap.Strings("Symbols", symbols))

	return &Connector{
		wsURL:          wsURL,
		instToSymbol:   instToSymbol,
		reconnectDelay: 5 * time.Second,
		logger:         logger,
	}
}

// Subscribe 注册一个订阅者；必须在 Start 之前调用
// 通道满时丢弃新数据，不阻塞读循环
func (c *Connector) Subscribe(buffer int) <-chan model.Ticker {
	ch := make(chan model.Ticker, buffer)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

// Start 建立连接并持续读取，断线后按 reconnectDelay 重连，直到 ctx 结束
// 返回时关闭全部订阅通道
func (c *Connector) Start(ctx context.Context) {
	defer c.closeSubscribers()

	for {
		if err := c.session(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("WS session ended, reconnecting...", zap.Error(err), zap.Duration("Delay", c.reconnectDelay))
		}

		select {
		case <-ctx.Done():
			c.logger.Info("Connector stopped")
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

// session 一次完整的连接：拨号、订阅、读循环
func (c *Connector) session(ctx context.Context) error {
	c.logger.Info("Starting Okx WS multi-symbol connection...", zap.String("URL", c.wsURL))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.wsURL, err)
	}
	defer conn.Close()

	// ctx 结束时关闭连接，让 ReadMessage 返回
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var args []map[string]string
	for instID := range c.instToSymbol {
		args = append(args, map[string]string{"channel": "trades", "instId": instID})
		args = append(args, map[string]string{"channel": "tickers", "instId": instID})
	}
	// 同时订阅 'trades' 和 'tickers' 频道
	subscribeMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	if err := conn.WriteJSON(subscribeMsg); err != nil {
		return fmt.Errorf("send subscription: %w", err)
	}
	c.logger.Info("Subscribed to Okx TRADES and TICKERS streams")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(message)
	}
}

// handleMessage 解析一条推送并分发，返回分发的 Ticker 数量
func (c *Connector) handleMessage(message []byte) int {
	var wsResp OkxWsData
	if err := json.Unmarshal(message, &wsResp); err != nil {
		c.logger.Debug("Ignoring non-JSON WS message", zap.ByteString("Message", message))
		return 0
	}

	if wsResp.Event != "" {
		if wsResp.Event == "error" {
			c.logger.Error("Okx WS error event", zap.String("Code", wsResp.Code), zap.String("Msg", wsResp.Msg))
		}
		return 0 // 订阅确认等事件
	}

	symbol, ok := c.instToSymbol[wsResp.Arg.InstId]
	if !ok || len(wsResp.Data) == 0 {
		return 0
	}

	switch wsResp.Arg.Channel {
	case "trades":
		var trades []OkxTradeData
		if err := json.Unmarshal(wsResp.Data, &trades); err != nil {
			c.logger.Error("Trade data unmarshal error", zap.Error(err))
			return 0
		}

		sent := 0
		for _, okxTrade := range trades {
			price, err := service.StringToFloat(okxTrade.Price)
			if err != nil {
				continue
			}
			volume, err := service.StringToFloat(okxTrade.Size)
			if err != nil {
				continue
			}
			timestamp, err := service.StringToInt64(okxTrade.Timestamp)
			if err != nil {
				continue
			}

			// side="buy" 为主动买入 (Taker 买入)，否则为主动卖出
			c.dispatch(model.Ticker{
				Symbol:       symbol,
				Timestamp:    timestamp,
				Price:        price,
				Volume:       volume,
				IsBuyerMaker: okxTrade.Side != "buy",
			})
			sent++
		}
		return sent

	case "tickers":
		var tickers []OkxTickerData
		if err := json.Unmarshal(wsResp.Data, &tickers); err != nil {
			c.logger.Error("Tickers data unmarshal error", zap.Error(err))
			return 0
		}
		if len(tickers) == 0 {
			return 0
		}

		okxTicker := tickers[0] // 仅处理最新的快照
		price, err := service.StringToFloat(okxTicker.LastPrice)
		if err != nil {
			return 0
		}
		timestamp, _ := service.StringToInt64(okxTicker.Timestamp)

		// 价格快照：volume=0
		c.dispatch(model.Ticker{Symbol: symbol, Timestamp: timestamp, Price: price})
		return 1
	}
	return 0
}

func (c *Connector) dispatch(ticker model.Ticker) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.subscribers {
		select {
		case ch <- ticker:
		default:
			c.dropped++
			if c.dropped%1000 == 1 {
				c.logger.Warn("Ticker channel full! Dropping data", zap.String("Symbol", ticker.Symbol), zap.Int64("Dropped", c.dropped))
			}
		}
	}
}

func (c *Connector) closeSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subscribers {
		close(ch)
	}
	c.subscribers = nil
}
