package feed

import (
	"fmt"
	"sort"

	"market-feeder/feed/adapter"
	"market-feeder/feed/types"
)

type (
	// OptionPair holds the canonical call and put names at one strike.
	// Empty string means no contract on that side.
	OptionPair struct {
		Call string `json:"C"`
		Put  string `json:"P"`
	}

	// ExpiryStrikes is the strike structure of one expiry: the strikes in
	// ascending order plus the per strike option pair.
	ExpiryStrikes struct {
		Strikes  []float64               `json:"strikes"`
		ByStrike map[float64]*OptionPair `json:"map"`
	}

	// SubscriptionMap is the planner output, keyed by expiry token.
	SubscriptionMap map[string]*ExpiryStrikes
)

// GetSubscriptionMap plans the subscriptions for a tab: options whose expiry
// is in targetDates and whose strike falls inside the moneyness window
// [spot*(1+minPct/100), spot*(1+maxPct/100)]. The reference channels come
// first in the outgoing list. When the tab's adapter is streaming the
// subscription request is sent; otherwise the plan is returned without side
// effects. Every failure path yields an empty map.
func (m *Manager) GetSubscriptionMap(
	tabName string,
	targetDates []string,
	minPct, maxPct float64,
) SubscriptionMap {
	structure := SubscriptionMap{}

	cfg, ok := m.tabConfig(tabName)
	if !ok {
		return structure
	}
	adpt, ok := m.adapters[cfg.Source]
	if !ok {
		return structure
	}

	references := adpt.GetReferenceTickers(cfg)

	dates := make(map[string]struct{}, len(targetDates))
	for _, d := range targetDates {
		dates[d] = struct{}{}
	}

	m.mtx.RLock()

	// The first reference with a known positive price is the spot.
	var spot float64
	for _, ref := range references {
		if px := m.indexPrices[ref]; px > 0 {
			spot = px
			break
		}
	}
	if spot == 0 {
		m.mtx.RUnlock()
		return structure
	}

	lo := spot * (1 + minPct/100)
	hi := spot * (1 + maxPct/100)

	channels := make([]string, 0, len(references))
	for _, ref := range references {
		channels = append(channels, channelForSource(cfg.Source, ref))
	}

	for _, inst := range m.instrumentsByTab[tabName] {
		opt, ok := types.ParseOptionName(inst.InstrumentName)
		if !ok {
			continue
		}
		if _, ok := dates[opt.Date]; !ok {
			continue
		}
		if opt.Strike < lo || opt.Strike > hi {
			continue
		}

		entry := structure[opt.Date]
		if entry == nil {
			entry = &ExpiryStrikes{ByStrike: map[float64]*OptionPair{}}
			structure[opt.Date] = entry
		}
		pair := entry.ByStrike[opt.Strike]
		if pair == nil {
			pair = &OptionPair{}
			entry.ByStrike[opt.Strike] = pair
			entry.Strikes = append(entry.Strikes, opt.Strike)
		}

		// First record wins for a (date, strike, kind) slot.
		switch opt.Kind {
		case "C":
			if pair.Call != "" {
				continue
			}
			pair.Call = inst.InstrumentName
		case "P":
			if pair.Put != "" {
				continue
			}
			pair.Put = inst.InstrumentName
		}

		channels = append(channels, channelForSource(cfg.Source, inst.InstrumentName))
	}

	m.mtx.RUnlock()

	for _, entry := range structure {
		sort.Float64s(entry.Strikes)
	}

	if adpt.Connected() {
		adpt.Subscribe(channels)
	}
	return structure
}

// channelForSource renders the vendor channel for a canonical name. The
// crypto derivatives vendor uses explicit ticker channels; the terminal
// vendor takes canonical names and translates internally.
func channelForSource(source, name string) string {
	if adapter.Name(source) == adapter.AdapterDeribit {
		return fmt.Sprintf("ticker.%s.100ms", name)
	}
	return name
}
