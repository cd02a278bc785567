package backtest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crypto-autotrader/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleTrades = []model.TradeRecord{
	{Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), Type: model.TradeBuy, Symbol: "BTC/USDT", Amount: 0.2, Price: 50050, CapitalAfter: 0, Reason: "MA bullish"},
	{Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Type: model.TradeSell, Symbol: "BTC/USDT", Amount: 0.2, Price: 52000, CapitalAfter: 10400, Profit: 390, Reason: "MA bearish"},
}

func TestWriteTradesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, WriteTradesCSV(sampleTrades, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp,type,symbol,amount,price,capital_after,profit,reason", lines[0])
	assert.Equal(t, "2024-01-02T00:00:00Z,SELL,BTC/USDT,0.2,52000,10400,390,MA bearish", lines[2])
}

func TestWriteTradesCSVBadPath(t *testing.T) {
	err := WriteTradesCSV(sampleTrades, filepath.Join(t.TempDir(), "missing", "trades.csv"))
	assert.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteTradesPropagatesWriteError(t *testing.T) {
	err := WriteTrades(failingWriter{}, sampleTrades)
	assert.EqualError(t, err, "disk full")
}
