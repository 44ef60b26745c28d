package execution

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanwei/tradeforge/internal/domain"
	"github.com/alanwei/tradeforge/internal/marketdata"
)

// LiveGateway submits signed REST orders to a binance-compatible exchange.
// Credentials are held in memory only and appear in request headers, never in
// logs or serialized results. Order-level failures map onto TxResult statuses:
// exchange rejections become REJECTED, transport and auth failures ERROR.
type LiveGateway struct {
	cfg        domain.ExchangeConfig
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

const (
	spotLiveHost    = "https://api.binance.com"
	spotTestnetHost = "https://testnet.binance.vision"
	perpLiveHost    = "https://fapi.binance.com"
	perpTestnetHost = "https://testnet.binancefuture.com"
)

// NewLiveGateway creates a live gateway for the configured market type.
func NewLiveGateway(cfg domain.ExchangeConfig) *LiveGateway {
	baseURL := spotLiveHost
	switch {
	case cfg.MarketType == domain.MarketTypePerp && cfg.Testnet:
		baseURL = perpTestnetHost
	case cfg.MarketType == domain.MarketTypePerp:
		baseURL = perpLiveHost
	case cfg.Testnet:
		baseURL = spotTestnetHost
	}
	return &LiveGateway{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
}

type orderResponse struct {
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	AvgPrice            string `json:"avgPrice"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Execute submits each instruction as a market order. Results preserve
// instruction order; a failed order never aborts the batch.
func (g *LiveGateway) Execute(ctx context.Context, instructions []domain.TradeInstruction, marketFeatures []domain.FeatureVector) ([]domain.TxResult, error) {
	results := make([]domain.TxResult, 0, len(instructions))
	for _, inst := range instructions {
		results = append(results, g.submitOrder(ctx, inst))
	}
	return results, nil
}

func (g *LiveGateway) submitOrder(ctx context.Context, inst domain.TradeInstruction) domain.TxResult {
	result := domain.TxResult{
		InstructionID: inst.InstructionID,
		Instrument:    inst.Instrument,
		Side:          inst.Side,
		RequestedQty:  inst.Quantity,
		Leverage:      inst.Leverage,
		Meta:          inst.Meta,
	}

	params := url.Values{}
	params.Set("symbol", marketdata.NormalizeSymbol(inst.Instrument.Symbol))
	params.Set("side", strings.ToUpper(string(inst.Side)))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(inst.Quantity, 'f', -1, 64))
	if g.cfg.MarketType == domain.MarketTypePerp && inst.Meta["reduce_only"] == "true" {
		params.Set("reduceOnly", "true")
	}

	path := "/api/v3/order"
	if g.cfg.MarketType == domain.MarketTypePerp {
		path = "/fapi/v1/order"
	}

	var resp orderResponse
	if err := g.signedRequest(ctx, http.MethodPost, path, params, &resp); err != nil {
		var apiErr *exchangeError
		if errors.As(err, &apiErr) && !apiErr.authFailure() {
			result.Status = domain.TxRejected
			result.Reason = apiErr.Error()
		} else {
			// Transport and auth failures are not order rejections; an ERROR
			// status tells the operator the gateway itself is broken.
			result.Status = domain.TxError
			result.Reason = err.Error()
		}
		return result
	}

	filled, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	quote, _ := strconv.ParseFloat(resp.CummulativeQuoteQty, 64)
	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	if filled > 0 && quote > 0 {
		avgPrice = quote / filled
	}

	result.FilledQty = filled
	result.AvgExecPrice = avgPrice
	if g.cfg.FeeBps > 0 && avgPrice > 0 {
		result.FeeCost = avgPrice * filled * g.cfg.FeeBps / 10_000
	}

	switch {
	case resp.Status == "FILLED":
		result.Status = domain.TxFilled
	case resp.Status == "PARTIALLY_FILLED" || (filled > 0 && filled < inst.Quantity):
		result.Status = domain.TxPartial
	case filled > 0:
		result.Status = domain.TxFilled
	default:
		result.Status = domain.TxRejected
		result.Reason = fmt.Sprintf("order not filled (status %s)", resp.Status)
	}
	return result
}

// FreeCash aggregates free and total balance over the quote assets of the
// given symbols.
func (g *LiveGateway) FreeCash(ctx context.Context, symbols []string) (float64, float64, error) {
	quotes := quoteAssets(symbols)

	if g.cfg.MarketType == domain.MarketTypePerp {
		var balances []struct {
			Asset            string `json:"asset"`
			Balance          string `json:"balance"`
			AvailableBalance string `json:"availableBalance"`
		}
		if err := g.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, &balances); err != nil {
			return 0, 0, fmt.Errorf("execution: fetch balance: %w", err)
		}
		var free, total float64
		for _, b := range balances {
			if !quotes[strings.ToUpper(b.Asset)] {
				continue
			}
			avail, _ := strconv.ParseFloat(b.AvailableBalance, 64)
			bal, _ := strconv.ParseFloat(b.Balance, 64)
			free += avail
			total += bal
		}
		return free, total, nil
	}

	var account struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := g.signedRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &account); err != nil {
		return 0, 0, fmt.Errorf("execution: fetch account: %w", err)
	}
	var free, total float64
	for _, b := range account.Balances {
		if !quotes[strings.ToUpper(b.Asset)] {
			continue
		}
		f, _ := strconv.ParseFloat(b.Free, 64)
		l, _ := strconv.ParseFloat(b.Locked, 64)
		free += f
		total += f + l
	}
	return free, total, nil
}

// Positions returns the open derivative positions for the given symbols.
// Spot markets have no position concept; the result is empty.
func (g *LiveGateway) Positions(ctx context.Context, symbols []string) ([]domain.PositionSnapshot, error) {
	if g.cfg.MarketType != domain.MarketTypePerp {
		return nil, nil
	}

	wanted := make(map[string]string, len(symbols))
	for _, sym := range symbols {
		wanted[marketdata.NormalizeSymbol(sym)] = sym
	}

	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := g.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &raw); err != nil {
		return nil, fmt.Errorf("execution: fetch positions: %w", err)
	}

	var positions []domain.PositionSnapshot
	for _, p := range raw {
		symbol, ok := wanted[p.Symbol]
		if !ok {
			continue
		}
		qty, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if qty == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		upnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		lev, _ := strconv.ParseFloat(p.Leverage, 64)

		posType := domain.PositionLong
		if qty < 0 {
			posType = domain.PositionShort
		}
		positions = append(positions, domain.PositionSnapshot{
			Instrument:    domain.InstrumentRef{Symbol: symbol, ExchangeID: g.cfg.ExchangeID},
			Quantity:      qty,
			AvgPrice:      entry,
			MarkPrice:     mark,
			UnrealizedPnL: upnl,
			Leverage:      lev,
			TradeType:     posType,
		})
	}
	return positions, nil
}

// Close is a no-op; the gateway holds no persistent connections.
func (g *LiveGateway) Close() error { return nil }

// exchangeError is a structured rejection returned by the exchange API.
type exchangeError struct {
	StatusCode int
	Code       int
	Msg        string
}

func (e *exchangeError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Msg)
}

// authFailure reports whether the error is a credential or permission problem
// rather than a business rejection. Binance codes: -1022 invalid signature,
// -2014 bad API key format, -2015 rejected key/IP/permissions.
func (e *exchangeError) authFailure() bool {
	switch e.Code {
	case -1022, -2014, -2015:
		return true
	}
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// signedRequest signs the query with HMAC-SHA256 and decodes the JSON
// response into out. Exchange-level rejections (4xx with an error body)
// return *exchangeError; everything else is a transport error.
func (g *LiveGateway) signedRequest(ctx context.Context, method, path string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(g.now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(g.cfg.SecretKey))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	endpoint := g.baseURL + path + "?" + query
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("execution: build request: %w", err)
	}
	req.Header.Set("X-MBX-APIKEY", g.cfg.APIKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execution: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("execution: read response: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		var decoded apiError
		if jsonErr := json.Unmarshal(body, &decoded); jsonErr == nil && decoded.Msg != "" {
			return &exchangeError{StatusCode: resp.StatusCode, Code: decoded.Code, Msg: decoded.Msg}
		}
		return &exchangeError{StatusCode: resp.StatusCode, Msg: strings.TrimSpace(string(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("execution: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("execution: decode response: %w", err)
		}
	}
	return nil
}

// quoteAssets derives the quote currencies from configured symbols, falling
// back to the common stablecoins when none can be parsed.
func quoteAssets(symbols []string) map[string]bool {
	quotes := make(map[string]bool)
	for _, sym := range symbols {
		upper := strings.ToUpper(sym)
		var sep string
		switch {
		case strings.Contains(upper, "-"):
			sep = "-"
		case strings.Contains(upper, "/"):
			sep = "/"
		default:
			continue
		}
		parts := strings.Split(upper, sep)
		if len(parts) == 2 && parts[1] != "" {
			quotes[parts[1]] = true
		}
	}
	if len(quotes) == 0 {
		quotes["USDT"] = true
		quotes["USD"] = true
		quotes["USDC"] = true
	}
	return quotes
}

// Compile-time interface checks.
var (
	_ Gateway          = (*LiveGateway)(nil)
	_ BalanceProvider  = (*LiveGateway)(nil)
	_ PositionProvider = (*LiveGateway)(nil)
)
