package marketdata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCache struct {
	mu     sync.Mutex
	prices map[string]float64
	ticked chan struct{}
}

func newRecordingCache() *recordingCache {
	return &recordingCache{
		prices: make(map[string]float64),
		ticked: make(chan struct{}, 16),
	}
}

func (c *recordingCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	c.mu.Lock()
	c.prices[symbol] = price
	c.mu.Unlock()
	select {
	case c.ticked <- struct{}{}:
	default:
	}
	return nil
}

func (c *recordingCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, errors.New("cache miss")
	}
	return price, time.Now(), nil
}

func (c *recordingCache) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		if price, ok := c.prices[symbol]; ok {
			out[symbol] = price
		}
	}
	return out, nil
}

func TestTickerStreamWritesTicksToCache(t *testing.T) {
	upgrader := websocket.Upgrader{}
	requests := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.URL.String()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"data":{"s":"BTCUSDT","c":"123.5","E":1700000000000}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	cache := newRecordingCache()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewTickerStream(wsURL, []string{"BTC-USDT"}, cache, logger)

	done := make(chan error, 1)
	go func() { done <- stream.Run(context.Background()) }()

	select {
	case <-cache.ticked:
	case <-time.After(5 * time.Second):
		t.Fatal("no tick reached the cache")
	}

	// Wire symbols map back to the configured names.
	price, _, err := cache.GetPrice(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	assert.InDelta(t, 123.5, price, 1e-9)

	url := <-requests
	assert.Contains(t, url, "/stream?streams=")
	assert.Contains(t, url, "btcusdt@miniTicker")

	// Close stops the stream without surfacing a read error.
	stream.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after Close")
	}
}

func TestTickerStreamNoSymbolsReturnsImmediately(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	stream := NewTickerStream("ws://127.0.0.1:0", nil, newRecordingCache(), logger)
	require.NoError(t, stream.Run(context.Background()))
}
