package features

import (
	"time"

	"github.com/alanwei/tradeforge/internal/domain"
)

// SnapshotComputer converts exchange market snapshots into point-in-time
// feature vectors with no lookback: best bid/ask, last price, 24h change and
// volume, plus open interest and funding data when the market provides them.
type SnapshotComputer struct {
	exchangeID string
	now        func() time.Time
}

// NewSnapshotComputer creates a SnapshotComputer tagging instruments with the
// given exchange id.
func NewSnapshotComputer(exchangeID string) *SnapshotComputer {
	return &SnapshotComputer{exchangeID: exchangeID, now: time.Now}
}

// Keys lists every feature name this computer can emit.
func (c *SnapshotComputer) Keys() []string {
	return []string{
		"price.last", "price.open", "price.high", "price.low",
		"price.bid", "price.ask", "price.change_pct", "price.volume",
		"open_interest", "funding.rate", "funding.mark_price",
	}
}

// Build emits one feature vector per snapshot symbol. Symbols with no usable
// values are skipped.
func (c *SnapshotComputer) Build(snapshot domain.MarketSnapshot) []domain.FeatureVector {
	features := make([]domain.FeatureVector, 0, len(snapshot))
	for symbol, entry := range snapshot {
		values := map[string]float64{}

		if entry.Last != 0 {
			values["price.last"] = entry.Last
		}
		if entry.Open != 0 {
			values["price.open"] = entry.Open
		}
		if entry.High != 0 {
			values["price.high"] = entry.High
		}
		if entry.Low != 0 {
			values["price.low"] = entry.Low
		}
		if entry.Bid != 0 {
			values["price.bid"] = entry.Bid
		}
		if entry.Ask != 0 {
			values["price.ask"] = entry.Ask
		}
		if entry.ChangePct != 0 {
			values["price.change_pct"] = entry.ChangePct
		}
		if entry.Volume != 0 {
			values["price.volume"] = entry.Volume
		}
		if entry.OpenInterest != nil {
			values["open_interest"] = *entry.OpenInterest
		}
		if entry.FundingRate != nil {
			values["funding.rate"] = *entry.FundingRate
		}
		if entry.MarkPrice != nil {
			values["funding.mark_price"] = *entry.MarkPrice
		}

		if len(values) == 0 {
			continue
		}

		ts := entry.Ts
		if ts == 0 {
			ts = c.now().UnixMilli()
		}
		features = append(features, domain.FeatureVector{
			Ts:         ts,
			Instrument: domain.InstrumentRef{Symbol: symbol, ExchangeID: c.exchangeID},
			Values:     values,
			Meta: map[string]string{
				domain.MetaGroupByKey: domain.GroupMarketSnapshot,
			},
		})
	}
	return features
}
