package feed

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"market-feeder/config"
	"market-feeder/feed/adapter"
	"market-feeder/feed/types"
)

// Manager owns the canonical market state: the instrument universe per tab,
// reference prices and live tickers. All mutations go through one mutex;
// adapters deliver into it from their session workers while consumers read
// snapshots concurrently.
type Manager struct {
	logger   zerolog.Logger
	adapters map[string]adapter.Adapter

	mtx              sync.RWMutex
	tickers          map[string]types.Ticker
	indexPrices      map[string]float64
	instrumentsByTab map[string][]types.InstrumentRecord
	instrumentSets   map[string]map[string]struct{}
	marketConfig     []types.TabConfig
	// referenceNames is the union of every adapter's reference tickers,
	// collected during bootstrap. Immutable afterwards.
	referenceNames map[string]struct{}
}

// New wires one adapter per source named in the config and performs the
// blocking bootstrap: option chains first, then reference prices. Bootstrap
// failures degrade the state but never abort construction.
func New(
	ctx context.Context,
	logger zerolog.Logger,
	cfg config.Config,
	credentials map[string]string,
) *Manager {
	m := &Manager{
		logger:           logger.With().Str("module", "feed").Logger(),
		adapters:         make(map[string]adapter.Adapter),
		tickers:          make(map[string]types.Ticker),
		indexPrices:      make(map[string]float64),
		instrumentsByTab: make(map[string][]types.InstrumentRecord),
		instrumentSets:   make(map[string]map[string]struct{}),
		marketConfig:     cfg.TabConfigs(),
		referenceNames:   make(map[string]struct{}),
	}

	for _, tab := range m.marketConfig {
		m.instrumentsByTab[tab.TabName] = []types.InstrumentRecord{}
		m.instrumentSets[tab.TabName] = make(map[string]struct{})
	}

	endpoints := make(map[string]adapter.Endpoint, len(cfg.AdapterEndpoints))
	for _, e := range cfg.AdapterEndpoints {
		endpoints[e.Name] = adapter.Endpoint{
			Name:      adapter.Name(e.Name),
			Rest:      e.Rest,
			Websocket: e.Websocket,
		}
	}

	for _, tab := range m.marketConfig {
		if _, ok := m.adapters[tab.Source]; ok {
			continue
		}

		translator := m.loadTranslator(cfg, tab.Source)
		adpt, err := adapter.NewAdapter(
			ctx,
			adapter.Name(tab.Source),
			logger,
			endpoints[tab.Source],
			translator,
			credentials,
			m,
		)
		if err != nil {
			// Tabs pointing at an unregistered adapter are skipped in
			// planning; everything else keeps working.
			m.logger.Warn().Err(err).Str("tab", tab.TabName).Msg("skipping adapter")
			continue
		}
		m.adapters[tab.Source] = adpt
	}

	m.logger.Info().Msg("bootstrapping instruments")
	m.bootstrapInstruments()

	m.logger.Info().Msg("bootstrapping prices")
	m.bootstrapPrices()

	return m
}

func (m *Manager) loadTranslator(cfg config.Config, source string) *adapter.Translator {
	path := cfg.Translations[source]
	translator, err := adapter.LoadTranslator(path, source)
	if err != nil {
		m.logger.Warn().Err(err).Str("adapter", source).
			Msg("failed to load translation table, using defaults")
		return adapter.NewTranslator()
	}
	return translator
}

// StartStream starts every adapter's streaming session. Idempotent.
func (m *Manager) StartStream() {
	for _, adpt := range m.adapters {
		adpt.Start()
	}
}

// StopStream stops every adapter. Idempotent.
func (m *Manager) StopStream() {
	for _, adpt := range m.adapters {
		adpt.Stop()
	}
}

// GetSnapshot returns a deep copy of the current state. IsReady reports
// whether any adapter is streaming; the flag is sampled without the lock so
// transient false negatives are possible.
func (m *Manager) GetSnapshot() types.MarketSnapshot {
	isReady := false
	for _, adpt := range m.adapters {
		if adpt.Connected() {
			isReady = true
			break
		}
	}

	m.mtx.RLock()
	defer m.mtx.RUnlock()

	tickers := make(map[string]types.Ticker, len(m.tickers))
	for name, ticker := range m.tickers {
		tickers[name] = ticker.Copy()
	}

	indexPrices := make(map[string]float64, len(m.indexPrices))
	for name, px := range m.indexPrices {
		indexPrices[name] = px
	}

	instruments := make(map[string][]types.InstrumentRecord, len(m.instrumentsByTab))
	for tab, records := range m.instrumentsByTab {
		instruments[tab] = append([]types.InstrumentRecord(nil), records...)
	}

	marketConfig := append([]types.TabConfig(nil), m.marketConfig...)

	return types.MarketSnapshot{
		IsReady:          isReady,
		IndexPrices:      indexPrices,
		Tickers:          tickers,
		Config:           marketConfig,
		InstrumentsByTab: instruments,
	}
}

// GetExpiriesFor returns the distinct expiry tokens of a tab's options,
// sorted ascending by date. Tokens that fail to parse sort last.
func (m *Manager) GetExpiriesFor(tabName string) []string {
	m.mtx.RLock()
	records, ok := m.instrumentsByTab[tabName]
	if !ok {
		m.mtx.RUnlock()
		return []string{}
	}

	seen := make(map[string]struct{})
	for _, record := range records {
		parts := strings.Split(record.InstrumentName, "-")
		if len(parts) > 1 {
			seen[parts[1]] = struct{}{}
		}
	}
	m.mtx.RUnlock()

	dates := make([]string, 0, len(seen))
	for date := range seen {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool {
		return expirySortKey(dates[i]).Before(expirySortKey(dates[j]))
	})
	return dates
}

func expirySortKey(token string) time.Time {
	t, err := types.ParseExpiry(token)
	if err != nil {
		return time.Unix(1<<62, 0)
	}
	return t
}

// IngestTicker stores a normalized ticker delivered by an adapter. The
// ticker map is written first; when the name is a reference, the index price
// follows under the same lock acquisition. Zero prices are never stored.
func (m *Manager) IngestTicker(ticker types.Ticker) {
	name := ticker.InstrumentName
	if name == "" {
		return
	}

	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.tickers[name] = ticker

	if m.isReferenceName(name) {
		px := ticker.IndexPrice
		if px == 0 {
			px = ticker.LastPrice
		}
		if px > 0 {
			m.indexPrices[name] = px
		}
	}
}

// isReferenceName applies the vendor heuristic for perp and stablecoin pair
// names, widened with the exact reference sets collected during bootstrap.
// Callers must hold the lock.
func (m *Manager) isReferenceName(name string) bool {
	if strings.Contains(name, "PERPETUAL") || strings.Contains(name, "USDC") {
		return true
	}
	_, ok := m.referenceNames[name]
	return ok
}

// OnAdapterReconnect is invoked by an adapter on every successful entry into
// streaming. Subscriptions are session state, so consumers must re-invoke
// the planner to restore them.
func (m *Manager) OnAdapterReconnect(source adapter.Name) {
	m.logger.Info().Str("adapter", source.String()).Msg("adapter (re)connected")
}

func (m *Manager) tabConfig(tabName string) (types.TabConfig, bool) {
	for _, cfg := range m.marketConfig {
		if cfg.TabName == tabName {
			return cfg, true
		}
	}
	return types.TabConfig{}, false
}

// bootstrapInstruments fetches every tab's option chain and merges it into
// the per tab universe under the dedup guard. Chains are fetched
// concurrently; the lock is never held across a fetch.
func (m *Manager) bootstrapInstruments() {
	g := new(errgroup.Group)

	for _, cfg := range m.marketConfig {
		cfg := cfg
		adpt, ok := m.adapters[cfg.Source]
		if !ok {
			continue
		}

		g.Go(func() error {
			instruments := adpt.GetOptionChain(cfg)

			m.mtx.Lock()
			for _, inst := range instruments {
				name := inst.InstrumentName
				if _, ok := m.instrumentSets[cfg.TabName][name]; ok {
					continue
				}
				m.instrumentSets[cfg.TabName][name] = struct{}{}
				m.instrumentsByTab[cfg.TabName] = append(m.instrumentsByTab[cfg.TabName], inst)
			}
			m.mtx.Unlock()

			m.logger.Info().
				Str("tab", cfg.TabName).
				Str("adapter", cfg.Source).
				Int("instruments", len(instruments)).
				Msg("loaded option chain")
			return nil
		})
	}

	_ = g.Wait()
}

// bootstrapPrices resolves every tab's reference tickers and fetches their
// latest prices. Only positive prices are stored.
func (m *Manager) bootstrapPrices() {
	type referenceTicker struct {
		source string
		name   string
	}

	required := make([]referenceTicker, 0, 2*len(m.marketConfig))
	seen := make(map[referenceTicker]struct{})
	for _, cfg := range m.marketConfig {
		adpt, ok := m.adapters[cfg.Source]
		if !ok {
			continue
		}
		for _, name := range adpt.GetReferenceTickers(cfg) {
			rt := referenceTicker{source: cfg.Source, name: name}
			if _, ok := seen[rt]; ok {
				continue
			}
			seen[rt] = struct{}{}
			required = append(required, rt)
			m.referenceNames[name] = struct{}{}
		}
	}

	for _, rt := range required {
		px := m.adapters[rt.source].GetLatestPrice(rt.name)
		if px <= 0 {
			continue
		}
		m.mtx.Lock()
		m.indexPrices[rt.name] = px
		m.mtx.Unlock()

		m.logger.Info().
			Str("reference", rt.name).
			Float64("price", px).
			Msg("bootstrapped reference price")
	}
}
