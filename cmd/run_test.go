package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crypto-autotrader/internal/api"
	"crypto-autotrader/internal/engine"
	"crypto-autotrader/internal/executor"
	"crypto-autotrader/internal/model"
	"crypto-autotrader/internal/position"
	"crypto-autotrader/internal/risk"
	"crypto-autotrader/internal/strategy"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPaperEngine(t *testing.T) *engine.TradingEngine {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := zap.NewNop()

	gateway := executor.NewPaperGateway(executor.PaperConfig{SimulatedPrice: 50000}, clock, logger)
	rm, err := risk.NewRiskManager(risk.DefaultConfig(), clock, logger)
	require.NoError(t, err)

	eng, err := engine.NewTradingEngine(engine.Config{
		Symbol:       "BTC/USDT",
		PaperTrading: true,
		PollInterval: time.Minute,
		ErrorBackoff: time.Minute,
		StopLossPct:  5,
	}, engine.Deps{
		Risk:    rm,
		Tracker: position.NewTracker(clock),
		Gateway: gateway,
		Signals: strategy.NewCoordinator(nil, strategy.DefaultConfidenceThreshold, logger, nil),
		Market:  engine.NewGatewayFeed(gateway, nil, clock),
		Clock:   clock,
		Logger:  logger,
	})
	require.NoError(t, err)
	return eng
}

func TestRunUntilDoneSurvivesPauseAndResume(t *testing.T) {
	eng := newPaperEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(api.NewServer(ctx, "", eng, nil, zap.NewNop()).Handler())
	defer srv.Close()

	done := make(chan error, 1)
	go func() { done <- runUntilDone(ctx, eng, zap.NewNop()) }()
	require.Eventually(t, func() bool { return eng.Status() == model.StatusRunning }, time.Second, time.Millisecond)

	post := func(path string) int {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post("/api/v1/system/pause"))
	assert.Equal(t, model.StatusStopped, eng.Status())
	assert.Never(t, func() bool { return len(done) > 0 }, 100*time.Millisecond, 5*time.Millisecond,
		"host must keep running while paused")

	assert.Equal(t, http.StatusOK, post("/api/v1/system/resume"))
	assert.Equal(t, model.StatusRunning, eng.Status())
	assert.Empty(t, done)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runUntilDone did not return after cancel")
	}
	assert.Equal(t, model.StatusStopped, eng.Status())
}

type fakeLoop struct {
	resumeErr error
	locked    chan struct{}
	stopped   bool
}

func (f *fakeLoop) Resume(context.Context) error { return f.resumeErr }
func (f *fakeLoop) Stop()                        { f.stopped = true }
func (f *fakeLoop) Locked() <-chan struct{}      { return f.locked }

func TestRunUntilDoneReturnsWhenLocked(t *testing.T) {
	loop := &fakeLoop{locked: make(chan struct{})}
	close(loop.locked)

	require.NoError(t, runUntilDone(context.Background(), loop, zap.NewNop()))
	assert.False(t, loop.stopped)
}

func TestRunUntilDoneResumeError(t *testing.T) {
	loop := &fakeLoop{resumeErr: engine.ErrEngineLocked, locked: make(chan struct{})}

	err := runUntilDone(context.Background(), loop, zap.NewNop())
	assert.ErrorIs(t, err, engine.ErrEngineLocked)
}
