package features

import "github.com/alanwei/tradeforge/internal/domain"

// PriceMap extracts the last-known price per symbol from market snapshot
// features, falling back through price.last, price.close, price.mark, and
// funding.mark_price. Composers and the paper gateway use this as the fill
// reference.
func PriceMap(features []domain.FeatureVector) map[string]float64 {
	prices := make(map[string]float64)
	for _, fv := range features {
		if fv.Group() != domain.GroupMarketSnapshot {
			continue
		}
		for _, key := range []string{"price.last", "price.close", "price.mark", "funding.mark_price"} {
			if price, ok := fv.Values[key]; ok && price > 0 {
				prices[fv.Instrument.Symbol] = price
				break
			}
		}
	}
	return prices
}

// LatestChangePct returns the freshest change_pct feature for a symbol,
// preferring the 1s interval, then 1m, then anything else. The second return
// is false when no change feature exists.
func LatestChangePct(features []domain.FeatureVector, symbol string) (float64, bool) {
	best := 0.0
	bestRank := 99
	found := false
	for _, fv := range features {
		if fv.Instrument.Symbol != symbol {
			continue
		}
		change, ok := fv.Values["change_pct"]
		if !ok {
			continue
		}
		rank := 2
		switch fv.Meta[domain.MetaInterval] {
		case "1s":
			rank = 0
		case "1m":
			rank = 1
		}
		if rank < bestRank {
			best = change
			bestRank = rank
			found = true
		}
	}
	return best, found
}

// GroupFeatures buckets features by their group_by_key for prompt assembly.
func GroupFeatures(features []domain.FeatureVector) map[string][]domain.FeatureVector {
	grouped := make(map[string][]domain.FeatureVector)
	for _, fv := range features {
		key := fv.Group()
		if key == "" {
			key = "ungrouped"
		}
		grouped[key] = append(grouped[key], fv)
	}
	return grouped
}
