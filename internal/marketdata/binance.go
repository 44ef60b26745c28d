package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanwei/tradeforge/internal/domain"
)

const (
	binanceSpotHost = "https://api.binance.com"
	binancePerpHost = "https://fapi.binance.com"
)

// BinanceSource fetches candles and market snapshots from the Binance REST API
// (spot or USD-M futures depending on the configured market type).
type BinanceSource struct {
	baseURL    string
	marketType domain.MarketType
	exchangeID string
	client     *http.Client
	logger     *slog.Logger
}

// NewBinanceSource creates a BinanceSource for the given market type. An empty
// baseURL selects the public production host.
func NewBinanceSource(baseURL string, marketType domain.MarketType, logger *slog.Logger) *BinanceSource {
	if baseURL == "" {
		if marketType == domain.MarketTypePerp {
			baseURL = binancePerpHost
		} else {
			baseURL = binanceSpotHost
		}
	}
	return &BinanceSource{
		baseURL:    baseURL,
		marketType: marketType,
		exchangeID: "binance",
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger.With(slog.String("component", "marketdata.binance")),
	}
}

func (s *BinanceSource) klinesPath() string {
	if s.marketType == domain.MarketTypePerp {
		return "/fapi/v1/klines"
	}
	return "/api/v3/klines"
}

func (s *BinanceSource) tickerPath() string {
	if s.marketType == domain.MarketTypePerp {
		return "/fapi/v1/ticker/24hr"
	}
	return "/api/v3/ticker/24hr"
}

// RecentCandles fetches klines per symbol sequentially. A failing symbol is
// logged and skipped so one bad instrument does not starve the rest.
func (s *BinanceSource) RecentCandles(ctx context.Context, symbols []string, interval string, lookback int) ([]domain.Candle, error) {
	// Binance futures has no 1s klines; fall back to 1m.
	fetchInterval := interval
	if s.marketType == domain.MarketTypePerp && interval == "1s" {
		fetchInterval = "1m"
	}

	var candles []domain.Candle
	for _, symbol := range symbols {
		rows, err := s.fetchKlines(ctx, NormalizeSymbol(symbol), fetchInterval, lookback)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to fetch candles",
				slog.String("symbol", symbol),
				slog.String("interval", interval),
				slog.String("error", err.Error()),
			)
			continue
		}
		inst := domain.InstrumentRef{Symbol: symbol, ExchangeID: s.exchangeID}
		for _, row := range rows {
			c, err := candleFromKline(row, inst, interval)
			if err != nil {
				return nil, fmt.Errorf("marketdata: decode kline for %s: %w", symbol, err)
			}
			candles = append(candles, c)
		}
	}
	return candles, nil
}

// Snapshot fetches the 24h ticker per symbol, plus funding/open interest for
// perpetual markets. Failed symbols are omitted.
func (s *BinanceSource) Snapshot(ctx context.Context, symbols []string) (domain.MarketSnapshot, error) {
	snapshot := make(domain.MarketSnapshot, len(symbols))
	for _, symbol := range symbols {
		entry, err := s.fetchTicker(ctx, NormalizeSymbol(symbol))
		if err != nil {
			s.logger.WarnContext(ctx, "failed to fetch ticker",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
			continue
		}

		if s.marketType == domain.MarketTypePerp {
			if rate, mark, err := s.fetchPremiumIndex(ctx, NormalizeSymbol(symbol)); err == nil {
				entry.FundingRate = &rate
				entry.MarkPrice = &mark
			} else {
				s.logger.DebugContext(ctx, "failed to fetch funding rate",
					slog.String("symbol", symbol),
					slog.String("error", err.Error()),
				)
			}
			if oi, err := s.fetchOpenInterest(ctx, NormalizeSymbol(symbol)); err == nil {
				entry.OpenInterest = &oi
			}
		}

		snapshot[symbol] = entry
	}
	return snapshot, nil
}

func (s *BinanceSource) fetchKlines(ctx context.Context, symbol, interval string, limit int) ([][]any, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	var rows [][]any
	if err := s.getJSON(ctx, s.klinesPath(), q, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

type binanceTicker struct {
	LastPrice          string `json:"lastPrice"`
	OpenPrice          string `json:"openPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	Volume             string `json:"volume"`
	PriceChangePercent string `json:"priceChangePercent"`
	CloseTime          int64  `json:"closeTime"`
}

func (s *BinanceSource) fetchTicker(ctx context.Context, symbol string) (domain.SnapshotEntry, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	var t binanceTicker
	if err := s.getJSON(ctx, s.tickerPath(), q, &t); err != nil {
		return domain.SnapshotEntry{}, err
	}

	entry := domain.SnapshotEntry{
		Last:      parseFloat(t.LastPrice),
		Open:      parseFloat(t.OpenPrice),
		High:      parseFloat(t.HighPrice),
		Low:       parseFloat(t.LowPrice),
		Bid:       parseFloat(t.BidPrice),
		Ask:       parseFloat(t.AskPrice),
		Volume:    parseFloat(t.Volume),
		ChangePct: parseFloat(t.PriceChangePercent),
		Ts:        t.CloseTime,
	}
	if entry.Ts == 0 {
		entry.Ts = time.Now().UnixMilli()
	}
	return entry, nil
}

func (s *BinanceSource) fetchPremiumIndex(ctx context.Context, symbol string) (rate, mark float64, err error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	var resp struct {
		MarkPrice       string `json:"markPrice"`
		LastFundingRate string `json:"lastFundingRate"`
	}
	if err := s.getJSON(ctx, "/fapi/v1/premiumIndex", q, &resp); err != nil {
		return 0, 0, err
	}
	return parseFloat(resp.LastFundingRate), parseFloat(resp.MarkPrice), nil
}

func (s *BinanceSource) fetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	q := url.Values{}
	q.Set("symbol", symbol)

	var resp struct {
		OpenInterest string `json:"openInterest"`
	}
	if err := s.getJSON(ctx, "/fapi/v1/openInterest", q, &resp); err != nil {
		return 0, err
	}
	return parseFloat(resp.OpenInterest), nil
}

func (s *BinanceSource) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := s.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("marketdata: create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("marketdata: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("marketdata: %s: unexpected status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("marketdata: %s: decode response: %w", path, err)
	}
	return nil
}

// candleFromKline decodes one raw kline row [openTime, open, high, low, close,
// volume, closeTime, ...]. Prices arrive as strings, timestamps as numbers.
func candleFromKline(row []any, inst domain.InstrumentRef, interval string) (domain.Candle, error) {
	if len(row) < 7 {
		return domain.Candle{}, fmt.Errorf("kline row too short: %d fields", len(row))
	}
	closeTime, ok := row[6].(float64)
	if !ok {
		return domain.Candle{}, fmt.Errorf("kline close time has unexpected type %T", row[6])
	}
	return domain.Candle{
		Ts:         int64(closeTime),
		Instrument: inst,
		Open:       parseAny(row[1]),
		High:       parseAny(row[2]),
		Low:        parseAny(row[3]),
		Close:      parseAny(row[4]),
		Volume:     parseAny(row[5]),
		Interval:   interval,
	}, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseAny(v any) float64 {
	switch x := v.(type) {
	case string:
		return parseFloat(x)
	case float64:
		return x
	default:
		return 0
	}
}

// Compile-time interface check.
var _ Source = (*BinanceSource)(nil)
