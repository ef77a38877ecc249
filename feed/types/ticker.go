package types

type (
	// Ticker is the normalized top-of-book view delivered by adapters. All
	// price fields are optional; zero means the vendor did not report the
	// field. Stats is an opaque vendor statistics block passed through
	// untouched.
	Ticker struct {
		InstrumentName string                 `json:"instrument_name"`
		BestBidPrice   float64                `json:"best_bid_price,omitempty"`
		BestBidAmount  float64                `json:"best_bid_amount,omitempty"`
		BestAskPrice   float64                `json:"best_ask_price,omitempty"`
		BestAskAmount  float64                `json:"best_ask_amount,omitempty"`
		LastPrice      float64                `json:"last_price,omitempty"`
		IndexPrice     float64                `json:"index_price,omitempty"`
		Stats          map[string]interface{} `json:"stats,omitempty"`
		Timestamp      int64                  `json:"timestamp,omitempty"` // ms since epoch
	}

	// MarketSnapshot is a point-in-time copy of the feed state handed to
	// consumers. Mutating it never affects manager state.
	MarketSnapshot struct {
		IsReady          bool                          `json:"is_ready"`
		IndexPrices      map[string]float64            `json:"index_prices"`
		Tickers          map[string]Ticker             `json:"tickers"`
		Config           []TabConfig                   `json:"config"`
		InstrumentsByTab map[string][]InstrumentRecord `json:"instruments_by_tab"`
	}
)

// Copy returns a ticker whose stats block is independent of the receiver's.
func (t Ticker) Copy() Ticker {
	if t.Stats == nil {
		return t
	}
	stats := make(map[string]interface{}, len(t.Stats))
	for k, v := range t.Stats {
		stats[k] = v
	}
	t.Stats = stats
	return t
}
