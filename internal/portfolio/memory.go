package portfolio

import (
	"sync"
	"time"

	"github.com/alanwei/tradeforge/internal/domain"
	"github.com/alanwei/tradeforge/internal/features"
)

// InMemoryService tracks cash and positions in memory and computes derived
// aggregates on every mutation.
//
//   - gross_exposure = sum(|qty| * mark_price)
//   - net_exposure   = sum(qty * mark_price)
//   - spot equity        = cash + net_exposure
//   - derivative equity  = cash + total_unrealized_pnl
//   - buying_power (derivatives) = max(0, equity * max_leverage - gross)
//   - free_cash (derivatives)    = max(0, equity - sum(notional_i / L_i))
//
// Spot settlement moves the full notional through cash; derivative settlement
// moves only realized PnL and fees (wallet-balance accounting).
type InMemoryService struct {
	mu         sync.Mutex
	view       domain.PortfolioView
	marketType domain.MarketType
	now        func() time.Time
}

// NewInMemoryService creates a ledger seeded with the initial capital.
func NewInMemoryService(initialCapital float64, marketType domain.MarketType, constraints domain.Constraints, strategyID string) *InMemoryService {
	now := time.Now
	return &InMemoryService{
		view: domain.PortfolioView{
			StrategyID:     strategyID,
			Ts:             now().UnixMilli(),
			AccountBalance: initialCapital,
			Positions:      make(map[string]domain.PositionSnapshot),
			Constraints:    constraints,
			TotalValue:     initialCapital,
			BuyingPower:    initialCapital,
			FreeCash:       initialCapital,
		},
		marketType: marketType,
		now:        now,
	}
}

// View returns a deep copy of the current state so callers can never mutate
// the ledger through a snapshot.
func (s *InMemoryService) View() domain.PortfolioView {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := s.view
	view.Ts = s.now().UnixMilli()
	view.Positions = make(map[string]domain.PositionSnapshot, len(s.view.Positions))
	for sym, snap := range s.view.Positions {
		view.Positions[sym] = snap
	}
	return view
}

// SetInitialCapital resets cash and derived aggregates. Only valid before any
// trades have been applied.
func (s *InMemoryService) SetInitialCapital(capital float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.view.AccountBalance = capital
	s.view.TotalValue = capital
	s.view.BuyingPower = capital
	s.view.FreeCash = capital
}

// ApplyTrades settles the successful subset of results against the ledger and
// recomputes aggregates. Mark prices refresh from the market features bundle.
func (s *InMemoryService) ApplyTrades(trades []domain.TxResult, marketFeatures []domain.FeatureVector) {
	s.mu.Lock()
	defer s.mu.Unlock()

	priceMap := features.PriceMap(marketFeatures)

	for _, trade := range trades {
		if !trade.Status.Succeeded() || trade.FilledQty <= 0 {
			continue
		}
		s.applyOne(trade, priceMap)
	}

	s.recomputeAggregates(priceMap)
}

func (s *InMemoryService) applyOne(trade domain.TxResult, priceMap map[string]float64) {
	symbol := trade.Instrument.Symbol
	position, hasPosition := s.view.Positions[symbol]

	// Price fallback chain: execution price, then the market price map, then
	// the position's entry price. The last step keeps zero-price fills from
	// realizing the whole notional as loss.
	price := trade.AvgExecPrice
	if price <= 0 {
		price = priceMap[symbol]
	}
	if price <= 0 {
		price = position.AvgPrice
	}

	quantityDelta := trade.FilledQty
	if trade.Side == domain.SideSell {
		quantityDelta = -quantityDelta
	}

	if !hasPosition {
		position = domain.PositionSnapshot{
			Instrument: trade.Instrument,
			MarkPrice:  price,
		}
	}

	currentQty := position.Quantity
	avgPrice := position.AvgPrice
	realizedDelta := realizedDelta(trade, currentQty, quantityDelta, avgPrice, price)
	newQty := currentQty + quantityDelta

	position.MarkPrice = price

	switch {
	case newQty == 0:
		// Fully closed. Keep a tombstone with avg price and entry ts for
		// auditing; one subsequent view can still report the close.
		position.Quantity = 0
		position.ClosedTs = s.now().UnixMilli()
		position.UnrealizedPnL = 0
	case currentQty == 0:
		// Opening a new position.
		position.Quantity = newQty
		position.AvgPrice = price
		position.EntryTs = s.now().UnixMilli()
		position.ClosedTs = 0
		position.TradeType = positionType(newQty)
		if trade.Leverage > 0 {
			position.Leverage = trade.Leverage
		}
	case (currentQty > 0) == (newQty > 0):
		// Same direction.
		if abs(newQty) > abs(currentQty) {
			// Increasing: weighted average entry price.
			position.AvgPrice = (abs(currentQty)*avgPrice + abs(quantityDelta)*price) / abs(newQty)
			if trade.Leverage > 0 {
				prevLev := position.Leverage
				if prevLev <= 0 {
					prevLev = trade.Leverage
				}
				position.Leverage = (abs(currentQty)*prevLev + abs(quantityDelta)*trade.Leverage) / abs(newQty)
			}
		}
		// Reducing keeps the average price; entry ts remains from the open.
		position.Quantity = newQty
	default:
		// Crossed through zero to the opposite direction: reset lineage.
		position.Quantity = newQty
		position.AvgPrice = price
		position.EntryTs = s.now().UnixMilli()
		position.TradeType = positionType(newQty)
		if trade.Leverage > 0 {
			position.Leverage = trade.Leverage
		}
	}

	s.view.Positions[symbol] = position

	notional := price * trade.FilledQty
	fee := trade.FeeCost

	if s.marketType == domain.MarketTypeSpot {
		if trade.Side == domain.SideBuy {
			s.view.AccountBalance -= notional + fee
		} else {
			s.view.AccountBalance += notional - fee
		}
	} else {
		// Derivatives: wallet balance moves only by realized PnL and fees.
		s.view.AccountBalance += realizedDelta - fee
	}

	s.view.TotalRealizedPnL += realizedDelta
}

// realizedDelta approximates the realized PnL contribution of one fill: the
// portion of the fill that reduces existing exposure realizes against the
// average entry price, with fees allocated proportionally to that portion.
func realizedDelta(trade domain.TxResult, currentQty, quantityDelta, avgPrice, fillPrice float64) float64 {
	var realized, reduction float64

	switch {
	case currentQty > 0 && quantityDelta < 0:
		reduction = min(abs(quantityDelta), currentQty)
		realized = (fillPrice - avgPrice) * reduction
	case currentQty < 0 && quantityDelta > 0:
		reduction = min(quantityDelta, abs(currentQty))
		realized = (avgPrice - fillPrice) * reduction
	}

	if reduction > 0 && trade.FeeCost > 0 {
		executed := abs(quantityDelta)
		allocation := 1.0
		if executed > 0 {
			allocation = reduction / executed
		}
		realized -= trade.FeeCost * allocation
	}
	return realized
}

func (s *InMemoryService) recomputeAggregates(priceMap map[string]float64) {
	var gross, net, unreal float64

	for sym, pos := range s.view.Positions {
		if px, ok := priceMap[sym]; ok && px > 0 {
			pos.MarkPrice = px
		}

		if pos.AvgPrice > 0 && pos.MarkPrice > 0 {
			pos.UnrealizedPnL = (pos.MarkPrice - pos.AvgPrice) * pos.Quantity
		} else {
			pos.UnrealizedPnL = 0
		}
		pos.Notional = abs(pos.Quantity) * pos.MarkPrice

		gross += abs(pos.Quantity) * pos.MarkPrice
		net += pos.Quantity * pos.MarkPrice
		unreal += pos.UnrealizedPnL

		s.view.Positions[sym] = pos
	}

	s.view.GrossExposure = gross
	s.view.NetExposure = net
	s.view.TotalUnrealizedPnL = unreal

	var equity float64
	if s.marketType == domain.MarketTypeSpot {
		equity = s.view.AccountBalance + net
	} else {
		equity = s.view.AccountBalance + unreal
	}
	s.view.TotalValue = equity

	if s.marketType == domain.MarketTypeSpot {
		s.view.BuyingPower = max(0, s.view.AccountBalance)
		s.view.FreeCash = max(0, s.view.AccountBalance)
		return
	}

	maxLev := s.view.Constraints.MaxLeverage
	if maxLev <= 0 {
		maxLev = 1
	}
	s.view.BuyingPower = max(0, equity*maxLev-gross)

	var requiredMargin float64
	for _, pos := range s.view.Positions {
		if pos.Quantity == 0 || pos.MarkPrice <= 0 {
			continue
		}
		lev := pos.Leverage
		if lev < 1 {
			lev = 1
		}
		requiredMargin += abs(pos.Quantity) * pos.MarkPrice / lev
	}
	s.view.FreeCash = max(0, equity-requiredMargin)
}

func positionType(qty float64) domain.PositionType {
	if qty > 0 {
		return domain.PositionLong
	}
	return domain.PositionShort
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// Compile-time interface check.
var _ Service = (*InMemoryService)(nil)
