package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"crypto-autotrader/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "sqlmock"), "run-1", time.Second), mock
}

func TestMigrate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS trades").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTrade(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	trade := model.TradeRecord{
		Timestamp: ts, Type: model.TradeSell, Symbol: "BTC/USDT", Amount: 0.01, Price: 51000,
		CapitalAfter: 10010, Profit: 10, Reason: "stop-loss", OrderID: "o-1", PositionRef: "run-1-1",
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO trades")).
		WithArgs("run-1", ts, "SELL", "BTC/USDT", 0.01, 51000.0, 10010.0, 10.0, "stop-loss", "o-1", "run-1-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.AppendTrade(context.Background(), trade))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendTradeError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO trades").WillReturnError(errors.New("connection reset"))

	err := store.AppendTrade(context.Background(), model.TradeRecord{Type: model.TradeBuy})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert trade")
}

func TestSavePosition(t *testing.T) {
	t.Run("open position has null exit time", func(t *testing.T) {
		store, mock := newMockStore(t)
		pos := model.Position{
			Ref: "run-1-1", Symbol: "BTC/USDT", EntryTime: time.Now().UTC(), EntryPrice: 50000,
			Amount: 0.01, CurrentPrice: 50000, StopLossPrice: 49000, Status: model.PositionOpen,
		}

		mock.ExpectExec("ON CONFLICT \\(ref\\) DO UPDATE").
			WithArgs("run-1-1", "run-1", "BTC/USDT", sqlmock.AnyArg(), 50000.0, 0.01, 50000.0, 0.0, 49000.0, "OPEN", nullTime{}).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.SavePosition(context.Background(), pos))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ref is required", func(t *testing.T) {
		store, _ := newMockStore(t)
		assert.Error(t, store.SavePosition(context.Background(), model.Position{}))
	})
}

// nullTime 匹配一个 Valid=false 的 sql.NullTime 参数
type nullTime struct{}

func (nullTime) Match(v driver.Value) bool { return v == nil }

func TestOpenPositions(t *testing.T) {
	store, mock := newMockStore(t)
	entry := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"ref", "symbol", "entry_time", "entry_price", "amount", "current_price",
		"unrealized_pnl", "stop_loss_price", "status", "exit_time"}).
		AddRow("run-0-3", "BTC/USDT", entry, 50000.0, 0.02, 50500.0, 10.0, 49000.0, "OPEN", nil)

	mock.ExpectQuery("FROM positions").WithArgs("BTC/USDT").WillReturnRows(rows)

	positions, err := store.OpenPositions(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "run-0-3", positions[0].Ref)
	assert.Equal(t, model.PositionOpen, positions[0].Status)
	assert.Equal(t, 0.02, positions[0].Amount)
	assert.True(t, positions[0].ExitTime.IsZero())
	assert.True(t, entry.Equal(positions[0].EntryTime))
}

func TestTrades(t *testing.T) {
	store, mock := newMockStore(t)
	since := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"ts", "type", "symbol", "amount", "price", "capital_after", "profit", "reason", "order_id", "position_ref"}).
		AddRow(ts, "BUY", "BTC/USDT", 0.01, 50000.0, 9500.0, 0.0, "signal", "o-1", "run-1-1")

	mock.ExpectQuery("FROM trades").WithArgs("BTC/USDT", since, 50).WillReturnRows(rows)

	trades, err := store.Trades(context.Background(), "BTC/USDT", since, 50)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, model.TradeBuy, trades[0].Type)
	assert.Equal(t, "run-1-1", trades[0].PositionRef)
}

func TestCachedBars(t *testing.T) {
	store, mock := newMockStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(2 * time.Hour)

	rows := sqlmock.NewRows([]string{"ts", "open", "high", "low", "close", "volume"}).
		AddRow(start, 1.0, 2.0, 0.5, 1.5, 10.0).
		AddRow(start.Add(time.Hour), 1.5, 2.5, 1.0, 2.0, 12.0)

	mock.ExpectQuery("FROM historical_prices").WithArgs("BTC/USDT", "1h", start, end).WillReturnRows(rows)

	bars, err := store.CachedBars(context.Background(), "BTC/USDT", "1h", start, end)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "1h", bars[1].Interval)
	assert.Equal(t, start.Add(2*time.Hour), bars[1].EndTime)
	assert.Equal(t, 2.0, bars[1].Close)
}

func TestUpsertBars(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []model.KLine{
		{Symbol: "BTC/USDT", Interval: "1h", StartTime: start, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		{Symbol: "BTC/USDT", Interval: "1h", StartTime: start.Add(time.Hour), Open: 1.5, High: 2.5, Low: 1, Close: 2, Volume: 12},
	}

	t.Run("commits all bars", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		prep := mock.ExpectPrepare("INSERT INTO historical_prices")
		prep.ExpectExec().WithArgs("BTC/USDT", "1h", start, 1.0, 2.0, 0.5, 1.5, 10.0).WillReturnResult(sqlmock.NewResult(0, 1))
		prep.ExpectExec().WithArgs("BTC/USDT", "1h", start.Add(time.Hour), 1.5, 2.5, 1.0, 2.0, 12.0).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		n, err := store.UpsertBars(context.Background(), bars)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on failure", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectBegin()
		prep := mock.ExpectPrepare("INSERT INTO historical_prices")
		prep.ExpectExec().WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, err := store.UpsertBars(context.Background(), bars)
		require.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		store, mock := newMockStore(t)
		n, err := store.UpsertBars(context.Background(), nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSaveBacktestResult(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO backtest_results").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := store.SaveBacktestResult(context.Background(), BacktestRecord{
		Symbol: "BTC/USDT", StrategyName: "combined", Timeframe: "1h",
		InitialCapital: 10000, FinalCapital: 10500, TotalTrades: 2,
		Extra: map[string]any{"slippage": 0.001},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
