package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanwei/tradeforge/internal/domain"
)

const binanceWSHost = "wss://stream.binance.com:9443"

// TickerStream subscribes to the exchange miniTicker websocket stream for a
// set of symbols and writes every tick into the price cache, so snapshot
// backfills between REST polls stay fresh. Reconnects with backoff on
// disconnect.
type TickerStream struct {
	wsURL     string
	symbols   []string
	cache     domain.PriceCache
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewTickerStream creates a stream for the given symbols. An empty wsURL
// selects the public production host.
func NewTickerStream(wsURL string, symbols []string, cache domain.PriceCache, logger *slog.Logger) *TickerStream {
	if wsURL == "" {
		wsURL = binanceWSHost
	}
	return &TickerStream{
		wsURL:   wsURL,
		symbols: symbols,
		cache:   cache,
		logger:  logger.With(slog.String("component", "marketdata.stream")),
		done:    make(chan struct{}),
	}
}

// Run connects and consumes ticks until ctx is cancelled or Close is called.
func (s *TickerStream) Run(ctx context.Context) error {
	if len(s.symbols) == 0 {
		s.logger.Info("no symbols to stream, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		err := s.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("ticker stream disconnected, reconnecting",
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

// streamURL builds the combined-stream endpoint:
//
//	wss://host/stream?streams=btcusdt@miniTicker/ethusdt@miniTicker
func (s *TickerStream) streamURL() string {
	streams := make([]string, 0, len(s.symbols))
	for _, symbol := range s.symbols {
		streams = append(streams, strings.ToLower(NormalizeSymbol(symbol))+"@miniTicker")
	}
	return s.wsURL + "/stream?streams=" + strings.Join(streams, "/")
}

type miniTickerEvent struct {
	Data struct {
		Symbol    string `json:"s"`
		Close     string `json:"c"`
		EventTime int64  `json:"E"`
	} `json:"data"`
}

func (s *TickerStream) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.streamURL(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("marketdata: dial ticker stream: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the context is cancelled.
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		_ = conn.Close()
	}()

	s.logger.Info("ticker stream connected", slog.Int("symbols", len(s.symbols)))

	// Symbols arrive in wire format; map back to the configured names.
	bySymbol := make(map[string]string, len(s.symbols))
	for _, symbol := range s.symbols {
		bySymbol[NormalizeSymbol(symbol)] = symbol
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("marketdata: read ticker stream: %w", err)
		}

		var event miniTickerEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			s.logger.Debug("skipping malformed tick", slog.String("error", err.Error()))
			continue
		}
		symbol, ok := bySymbol[event.Data.Symbol]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(event.Data.Close, 64)
		if err != nil || price <= 0 {
			continue
		}

		if err := s.cache.SetPrice(ctx, symbol, price, time.UnixMilli(event.Data.EventTime)); err != nil {
			s.logger.Debug("price cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close stops the stream.
func (s *TickerStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
