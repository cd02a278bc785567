package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crypto-autotrader/internal/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConnector_HandleMessage(t *testing.T) {
	c := NewConnector("ws://unused", []string{"BTC/USDT"}, zap.NewNop())
	ch := c.Subscribe(10)

	assert.Zero(t, c.handleMessage([]byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"}}`)))
	assert.Zero(t, c.handleMessage([]byte(`not json`)))
	assert.Zero(t, c.handleMessage([]byte(`{"arg":{"channel":"tickers","instId":"ETH-USDT"},"data":[{"last":"1","ts":"1"}]}`)))

	n := c.handleMessage([]byte(`{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT","last":"64000.5","ts":"1717243200000"}]}`))
	require.Equal(t, 1, n)
	got := <-ch
	assert.Equal(t, model.Ticker{Symbol: "BTC/USDT", Timestamp: 1717243200000, Price: 64000.5}, got)

	n = c.handleMessage([]byte(`{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[
		{"instId":"BTC-USDT","tradeId":"1","px":"64001","sz":"0.5","side":"buy","ts":"1717243200100"},
		{"instId":"BTC-USDT","tradeId":"2","px":"bad","sz":"0.5","side":"sell","ts":"1717243200200"},
		{"instId":"BTC-USDT","tradeId":"3","px":"63999","sz":"0.2","side":"sell","ts":"1717243200300"}]}`))
	require.Equal(t, 2, n)

	first, second := <-ch, <-ch
	assert.False(t, first.IsBuyerMaker)
	assert.Equal(t, 0.5, first.Volume)
	assert.True(t, second.IsBuyerMaker)
	assert.Equal(t, 63999.0, second.Price)
}

func TestConnector_DropsWhenSubscriberFull(t *testing.T) {
	c := NewConnector("ws://unused", []string{"BTC/USDT"}, zap.NewNop())
	ch := c.Subscribe(1)
	msg := []byte(`{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"last":"1","ts":"1"}]}`)

	c.handleMessage(msg)
	c.handleMessage(msg)
	assert.Len(t, ch, 1)
	assert.Equal(t, int64(1), c.dropped)
}

func TestConnector_StreamsFromServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"ETH-USDT"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"arg":{"channel":"tickers","instId":"ETH-USDT"},"data":[{"last":"3000","ts":"1717243200000"}]}`))

		// 保持连接直到客户端断开
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := NewConnector("ws"+strings.TrimPrefix(srv.URL, "http"), []string{"ETH/USDT"}, zap.NewNop())
	ch := c.Subscribe(10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	select {
	case msg := <-subscribed:
		assert.Contains(t, msg, `"op":"subscribe"`)
		assert.Contains(t, msg, `"instId":"ETH-USDT"`)
	case <-time.After(5 * time.Second):
		t.Fatal("no subscription received")
	}

	select {
	case got := <-ch:
		assert.Equal(t, "ETH/USDT", got.Symbol)
		assert.Equal(t, 3000.0, got.Price)
	case <-time.After(5 * time.Second):
		t.Fatal("no ticker received")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connector did not stop")
	}

	// Start 返回后订阅通道被关闭
	_, ok := <-ch
	assert.False(t, ok)
}
