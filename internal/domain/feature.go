package domain

// Feature meta keys shared by computers and consumers.
const (
	MetaGroupByKey = "group_by_key"
	MetaInterval   = "interval"

	// GroupMarketSnapshot is the group_by_key value used by point-in-time
	// snapshot features (as opposed to interval_<iv> candle groups).
	GroupMarketSnapshot = "market_snapshot"
)

// FeatureVector holds computed features for a single instrument at a point in
// time. Produced fresh each cycle by the feature pipeline and read-only
// afterward.
type FeatureVector struct {
	Ts         int64              `json:"ts"`
	Instrument InstrumentRef      `json:"instrument"`
	Values     map[string]float64 `json:"values"`
	Meta       map[string]string  `json:"meta,omitempty"`
}

// Group returns the feature's group_by_key, or "" when unset.
func (fv FeatureVector) Group() string {
	return fv.Meta[MetaGroupByKey]
}

// FeaturesResult is the output of one feature pipeline build.
type FeaturesResult struct {
	Features []FeatureVector `json:"features"`
}
