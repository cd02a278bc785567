package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeController struct {
	summary   model.EngineSummary
	positions []model.Position
	trades    []model.TradeRecord
	equity    []model.EquityPoint

	paused    bool
	resumeErr error
	resumeCtx context.Context
	closed    int
	reason    string
}

func (f *fakeController) Summary() model.EngineSummary     { return f.summary }
func (f *fakeController) Positions() []model.Position      { return f.positions }
func (f *fakeController) Trades() []model.TradeRecord      { return f.trades }
func (f *fakeController) EquityCurve() []model.EquityPoint { return f.equity }
func (f *fakeController) DailyStats() model.DailyStats {
	return model.DailyStats{Date: "2024-06-01", TotalTrades: 2, WinningTrades: 1, LosingTrades: 1, TotalPnL: 12.5}
}
func (f *fakeController) Pause() { f.paused = true }

func (f *fakeController) Resume(ctx context.Context) error {
	f.resumeCtx = ctx
	return f.resumeErr
}

func (f *fakeController) CloseAll(_ context.Context, reason string) (int, error) {
	f.reason = reason
	return f.closed, nil
}

var apiNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(ctl Controller) *Server {
	s := NewServer(context.Background(), ":0", ctl, service.NewTelemetry().Handler(), zap.NewNop())
	s.now = func() time.Time { return apiNow }
	return s
}

func do(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServer_Positions(t *testing.T) {
	ctl := &fakeController{positions: []model.Position{
		{ID: 1, Symbol: "BTC/USDT", Status: model.PositionClosed},
		{ID: 2, Symbol: "BTC/USDT", Status: model.PositionOpen, EntryPrice: 50000, Amount: 0.01},
	}}
	s := newTestServer(ctl)

	rec := do(t, s, http.MethodGet, "/api/v1/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []model.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)

	rec = do(t, s, http.MethodGet, "/api/v1/positions?status=all")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 2)
}

func TestServer_TradesNewestFirst(t *testing.T) {
	ctl := &fakeController{trades: []model.TradeRecord{
		{Timestamp: apiNow.AddDate(0, 0, -40), Type: model.TradeBuy, Price: 1},
		{Timestamp: apiNow.Add(-2 * time.Hour), Type: model.TradeBuy, Price: 2},
		{Timestamp: apiNow.Add(-time.Hour), Type: model.TradeSell, Price: 3, Profit: 1},
	}}
	s := newTestServer(ctl)

	rec := do(t, s, http.MethodGet, "/api/v1/trades")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []model.TradeRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, 3.0, got[0].Price)
	assert.Equal(t, 2.0, got[1].Price)

	rec = do(t, s, http.MethodGet, "/api/v1/trades?limit=1&days=60")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, 3.0, got[0].Price)

	rec = do(t, s, http.MethodGet, "/api/v1/trades?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Status(t *testing.T) {
	signal, err := model.NewSignal(model.ActionBuy, 82, "strong")
	require.NoError(t, err)
	ctl := &fakeController{summary: model.EngineSummary{
		Status:       model.StatusLocked,
		Symbol:       "BTC/USDT",
		PaperTrading: true,
		Balance:      9500,
		TotalPnL:     -5000,
		LastSignal:   signal,
		Locked:       true,
	}}
	s := newTestServer(ctl)

	rec := do(t, s, http.MethodGet, "/api/v1/system/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "LOCKED", got["status"])
	assert.Equal(t, "BUY", got["last_signal"])
	assert.Equal(t, 9500.0, got["account_balance"])
	assert.Equal(t, true, got["trading_locked"])

	rec = do(t, s, http.MethodGet, "/")
	assert.Contains(t, rec.Body.String(), "LOCKED")
}

func TestServer_Commands(t *testing.T) {
	ctl := &fakeController{closed: 2}
	s := newTestServer(ctl)

	rec := do(t, s, http.MethodPost, "/api/v1/system/pause")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctl.paused)
	assert.Contains(t, rec.Body.String(), "paused")

	rec = do(t, s, http.MethodPost, "/api/v1/system/resume")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, context.Background(), ctl.resumeCtx)

	ctl.resumeErr = errors.New("engine is locked")
	rec = do(t, s, http.MethodPost, "/api/v1/system/resume")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "engine is locked")

	rec = do(t, s, http.MethodPost, "/api/v1/positions/close-all")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "manual close-all", ctl.reason)
	assert.Contains(t, rec.Body.String(), `"closed":2`)

	// 只读接口不接受 POST
	rec = do(t, s, http.MethodPost, "/api/v1/positions")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_DailyStatsAndMetrics(t *testing.T) {
	s := newTestServer(&fakeController{})

	rec := do(t, s, http.MethodGet, "/api/v1/stats/daily")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total_trades":2`)

	rec = do(t, s, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
