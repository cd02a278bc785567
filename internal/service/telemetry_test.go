package service

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryCounters(t *testing.T) {
	tm := NewTelemetry()

	tm.ObserveCycle("ok")
	tm.ObserveCycle("ok")
	tm.ObserveCycle("rejected")
	tm.ObserveTrade("BUY", "signal")
	tm.ObserveSourceError("Regime")
	tm.ObserveGatewayError("place_buy")
	tm.SetAccount(9500, 10100, -20, 100, 1)
	tm.SetKillSwitch()

	assert.Equal(t, 2.0, testutil.ToFloat64(tm.Cycles.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.Cycles.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.Trades.WithLabelValues("BUY", "signal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.SourceErrors.WithLabelValues("Regime")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.GatewayErrors.WithLabelValues("place_buy")))
	assert.Equal(t, 10100.0, testutil.ToFloat64(tm.Equity))
	assert.Equal(t, -20.0, testutil.ToFloat64(tm.DailyPnL))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.OpenPositions))
	assert.Equal(t, 1.0, testutil.ToFloat64(tm.KillSwitch))
}

func TestTelemetryHandler(t *testing.T) {
	tm := NewTelemetry()
	tm.ObserveCycle("ok")

	rec := httptest.NewRecorder()
	tm.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `autotrader_cycles_total{result="ok"} 1`))
}

func TestTelemetryNilSafe(t *testing.T) {
	var tm *Telemetry
	assert.NotPanics(t, func() {
		tm.ObserveCycle("ok")
		tm.ObserveTrade("SELL", "stop-loss")
		tm.ObserveSourceError("x")
		tm.ObserveGatewayError("x")
		tm.SetAccount(1, 1, 0, 0, 0)
		tm.SetKillSwitch()
	})
	assert.Nil(t, tm.Registry())

	rec := httptest.NewRecorder()
	tm.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
