package executor

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	okxTimestampLayout = "2006-01-02T15:04:05.000Z"
	okxCandleLimit     = 100
	okxMaxCandlePages  = 500
)

// OkxConfig 定义 Okx 网关所需的全部配置
type OkxConfig struct {
	APIKey            string
	SecretKey         string
	Passphrase        string
	RESTURL           string
	Testnet           bool // 模拟盘 (x-simulated-trading: 1)
	RequestsPerSecond float64
	Timeout           time.Duration
}

// OkxAPIError Okx 返回的业务错误 (code != "0")
type OkxAPIError struct {
	Code string
	Msg  string
}

func (e *OkxAPIError) Error() string {
	return fmt.Sprintf("okx error %s: %s", e.Code, e.Msg)
}

// okxResponse Okx V5 REST 通用响应结构
type okxResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type okxOrderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	AlgoID  string `json:"algoId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

type okxTicker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	Ts     string `json:"ts"`
}

// OkxGateway 通过 Okx V5 REST 接口下单和查询行情 (现货，cash 模式)
// 所有请求都经过限速器和熔断器
type OkxGateway struct {
	cfg     OkxConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	prices    *PriceCache
	clock     service.Clock
	telemetry *service.Telemetry
	logger    *zap.Logger
}

// NewOkxGateway 初始化 Okx 网关
func NewOkxGateway(cfg OkxConfig, opts Options) *OkxGateway {
	if cfg.RESTURL == "" {
		cfg.RESTURL = "https://www.okx.com"
	}
	cfg.RESTURL = strings.TrimRight(cfg.RESTURL, "/")
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = service.NewSystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("gateway", "okx"))

	st := gobreaker.Settings{Name: "okx-rest"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	st.IsSuccessful = func(err error) bool {
		// 业务错误 (参数错误、余额不足等) 不代表交易所不可用
		var apiErr *OkxAPIError
		return err == nil || errors.As(err, &apiErr)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("Circuit breaker state changed",
			zap.String("Breaker", name), zap.String("From", from.String()), zap.String("To", to.String()))
	}

	return &OkxGateway{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		breaker:   gobreaker.NewCircuitBreaker(st),
		prices:    opts.Prices,
		clock:     opts.Clock,
		telemetry: opts.Telemetry,
		logger:    logger,
	}
}

// CurrentPrice 优先使用 websocket 价格缓存，否则查询 /api/v5/market/ticker
func (g *OkxGateway) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	if price, ok := g.prices.Get(symbol, g.clock.Now()); ok {
		return price, nil
	}

	query := url.Values{"instId": {service.ToOkxInstID(symbol)}}
	var tickers []okxTicker
	if err := g.call(ctx, "ticker", http.MethodGet, "/api/v5/market/ticker", query, nil, false, &tickers); err != nil {
		return 0, err
	}
	if len(tickers) == 0 {
		return 0, fmt.Errorf("%w: okx ticker %s empty", ErrNoPrice, symbol)
	}
	price, err := service.StringToFloat(tickers[0].Last)
	if err != nil {
		return 0, fmt.Errorf("parse okx last price %q: %w", tickers[0].Last, err)
	}
	return price, nil
}

// PlaceBuy 市价买入，sz 以基础币计价
func (g *OkxGateway) PlaceBuy(ctx context.Context, symbol string, amount float64) (model.OrderHandle, error) {
	return g.placeMarket(ctx, symbol, model.SideBuy, amount)
}

// PlaceSell 市价卖出
func (g *OkxGateway) PlaceSell(ctx context.Context, symbol string, amount float64) (model.OrderHandle, error) {
	return g.placeMarket(ctx, symbol, model.SideSell, amount)
}

func (g *OkxGateway) placeMarket(ctx context.Context, symbol string, side model.OrderSide, amount float64) (model.OrderHandle, error) {
	clOrdID := newClientOrderID()
	body := map[string]string{
		"instId":  service.ToOkxInstID(symbol),
		"tdMode":  "cash",
		"side":    string(side),
		"ordType": "market",
		"sz":      service.FloatToString(amount, 8),
		"tgtCcy":  "base_ccy",
		"clOrdId": clOrdID,
	}

	g.logger.Info("Sending Okx Order...",
		zap.String("Side", string(side)), zap.String("Symbol", symbol), zap.Float64("Size", amount))

	var acks []okxOrderAck
	if err := g.call(ctx, "order", http.MethodPost, "/api/v5/trade/order", nil, body, true, &acks); err != nil {
		return model.OrderHandle{}, err
	}
	ack, err := firstAck(acks)
	if err != nil {
		return model.OrderHandle{}, err
	}

	return model.OrderHandle{
		ID:        ack.OrdID,
		Symbol:    symbol,
		Side:      side,
		Type:      model.OrderMarket,
		Amount:    amount,
		Status:    "submitted",
		Timestamp: g.clock.Now(),
	}, nil
}

// PlaceStopLoss 条件单：价格跌到 triggerPrice 时以市价 (slOrdPx=-1) 卖出
func (g *OkxGateway) PlaceStopLoss(ctx context.Context, symbol string, amount, triggerPrice float64) (model.OrderHandle, error) {
	body := map[string]string{
		"instId":      service.ToOkxInstID(symbol),
		"tdMode":      "cash",
		"side":        string(model.SideSell),
		"ordType":     "conditional",
		"sz":          service.FloatToString(amount, 8),
		"slTriggerPx": service.FloatToString(triggerPrice, 8),
		"slOrdPx":     "-1",
		"algoClOrdId": newClientOrderID(),
	}

	var acks []okxOrderAck
	if err := g.call(ctx, "stop_loss", http.MethodPost, "/api/v5/trade/order-algo", nil, body, true, &acks); err != nil {
		return model.OrderHandle{}, err
	}
	ack, err := firstAck(acks)
	if err != nil {
		return model.OrderHandle{}, err
	}

	return model.OrderHandle{
		ID:        ack.AlgoID,
		Symbol:    symbol,
		Side:      model.SideSell,
		Type:      model.OrderStopLoss,
		Amount:    amount,
		StopPrice: triggerPrice,
		Status:    "live",
		Timestamp: g.clock.Now(),
	}, nil
}

// FetchCandles 通过 /api/v5/market/history-candles 向前翻页拉取 [start, end] 的 K 线
func (g *OkxGateway) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]model.KLine, error) {
	interval, err := service.ParseIntervalDuration(timeframe)
	if err != nil {
		return nil, err
	}
	bar, err := okxBar(timeframe)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool)
	var bars []model.KLine
	cursor := end.Add(interval).UnixMilli() // after: 返回早于该时间戳的数据

	for page := 0; page < okxMaxCandlePages; page++ {
		query := url.Values{
			"instId": {service.ToOkxInstID(symbol)},
			"bar":    {bar},
			"after":  {strconv.FormatInt(cursor, 10)},
			"limit":  {strconv.Itoa(okxCandleLimit)},
		}
		var rows [][]string
		if err := g.call(ctx, "candles", http.MethodGet, "/api/v5/market/history-candles", query, nil, false, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}

		oldest := cursor
		for _, row := range rows {
			k, err := parseOkxCandle(row, symbol, timeframe, interval)
			if err != nil {
				return nil, err
			}
			ts := k.StartTime.UnixMilli()
			if ts < oldest {
				oldest = ts
			}
			if k.StartTime.Before(start) || k.StartTime.After(end) || seen[ts] {
				continue
			}
			seen[ts] = true
			bars = append(bars, k)
		}

		if oldest >= cursor || oldest <= start.UnixMilli() {
			break
		}
		cursor = oldest
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].StartTime.Before(bars[j].StartTime) })
	return bars, nil
}

// call 经过限速器和熔断器发送请求，解析 data 字段到 out
func (g *OkxGateway) call(ctx context.Context, op, method, path string, query url.Values, body any, private bool, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("okx %s: rate limiter: %w", op, err)
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.do(ctx, method, path, query, body, private, out)
	})
	if err != nil {
		g.telemetry.ObserveGatewayError(op)
		g.logger.Error("Okx request failed", zap.String("Op", op), zap.String("Path", path), zap.Error(err))
		return fmt.Errorf("okx %s: %w", op, err)
	}
	return nil
}

func (g *OkxGateway) do(ctx context.Context, method, path string, query url.Values, body any, private bool, out any) error {
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.RESTURL+requestPath, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if private {
		ts := g.clock.Now().UTC().Format(okxTimestampLayout)
		req.Header.Set("OK-ACCESS-KEY", g.cfg.APIKey)
		req.Header.Set("OK-ACCESS-SIGN", signOkx(g.cfg.SecretKey, ts, method, requestPath, string(payload)))
		req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
		req.Header.Set("OK-ACCESS-PASSPHRASE", g.cfg.Passphrase)
	}
	if g.cfg.Testnet {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope okxResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("http %d: decode response: %w", resp.StatusCode, err)
	}
	if envelope.Code != "0" {
		return &OkxAPIError{Code: envelope.Code, Msg: envelope.Msg}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected http status %d", resp.StatusCode)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// signOkx Base64(HMAC-SHA256(secret, timestamp + method + requestPath + body))
func signOkx(secret, timestamp, method, requestPath, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + method + requestPath + body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func firstAck(acks []okxOrderAck) (okxOrderAck, error) {
	if len(acks) == 0 {
		return okxOrderAck{}, errors.New("okx order: empty acknowledgement")
	}
	if acks[0].SCode != "" && acks[0].SCode != "0" {
		return okxOrderAck{}, &OkxAPIError{Code: acks[0].SCode, Msg: acks[0].SMsg}
	}
	return acks[0], nil
}

// newClientOrderID Okx 的 clOrdId 只允许字母和数字
func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// okxBar 把 1m/1h/1d 等周期转换为 Okx bar 参数 (1m/1H/1Dutc)
func okxBar(timeframe string) (string, error) {
	if len(timeframe) < 2 {
		return "", fmt.Errorf("invalid timeframe: %q", timeframe)
	}
	n, unit := timeframe[:len(timeframe)-1], timeframe[len(timeframe)-1:]
	switch unit {
	case "m":
		return n + "m", nil
	case "h", "H":
		return n + "H", nil
	case "d", "D":
		return n + "Dutc", nil
	case "w", "W":
		return n + "Wutc", nil
	default:
		return "", fmt.Errorf("timeframe %q not supported by okx", timeframe)
	}
}

// parseOkxCandle [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm]
func parseOkxCandle(row []string, symbol, timeframe string, interval time.Duration) (model.KLine, error) {
	if len(row) < 6 {
		return model.KLine{}, fmt.Errorf("okx candle: expected at least 6 fields, got %d", len(row))
	}
	ts, err := service.StringToInt64(row[0])
	if err != nil {
		return model.KLine{}, fmt.Errorf("okx candle ts %q: %w", row[0], err)
	}

	var values [5]float64
	for i := range values {
		if values[i], err = service.StringToFloat(row[i+1]); err != nil {
			return model.KLine{}, fmt.Errorf("okx candle field %d %q: %w", i+1, row[i+1], err)
		}
	}

	startTime := time.UnixMilli(ts).UTC()
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
