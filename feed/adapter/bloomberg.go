package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"market-feeder/feed/types"
)

const (
	// The terminal desktop gateway listens on the workstation loopback.
	bloombergRestHost = "http://localhost:8194"
	bloombergWSHost   = "localhost:8194"
	bloombergWSPath   = "/mktdata"

	bloombergChainPath = "/refdata/chain"
	bloombergPricePath = "/refdata/price"
)

// bloombergFields are the market data fields requested for every
// subscription.
var bloombergFields = []string{"LAST_PRICE", "BID", "ASK", "SIZE_BID", "SIZE_ASK"}

var _ Adapter = (*BloombergAdapter)(nil)

type (
	// BloombergAdapter streams equity and index option tickers through the
	// terminal's desktop gateway. Every outbound subscription carries the
	// canonical name as its correlation id; inbound frames echo it, which is
	// the only way vendor tickers stay out of manager state.
	BloombergAdapter struct {
		wsc         *WebsocketController
		logger      zerolog.Logger
		manager     Manager
		endpoints   Endpoint
		translator  *Translator
		chainClient *http.Client
		priceClient *http.Client
		cancel      context.CancelFunc
		startOnce   sync.Once
		stopOnce    sync.Once

		mtx sync.Mutex
		// activeSubscriptions holds the vendor tickers already subscribed in
		// this session. Cleared on every reconnect.
		activeSubscriptions map[string]struct{}
	}

	// BloombergChainResponse is the option chain reference data response.
	BloombergChainResponse struct {
		Security string   `json:"security"`
		Chain    []string `json:"chain"`
	}

	// BloombergPriceResponse is the snapshot price response.
	BloombergPriceResponse struct {
		Security string  `json:"security"`
		Last     float64 `json:"last"`
	}

	// BloombergSubscription is one entry of a batched subscribe request.
	BloombergSubscription struct {
		Security      string   `json:"security"`
		Fields        []string `json:"fields"`
		CorrelationID string   `json:"correlationId"`
	}

	// BloombergSubscribeMsg batches N subscriptions into one request.
	BloombergSubscribeMsg struct {
		Op            string                  `json:"op"`
		Subscriptions []BloombergSubscription `json:"subscriptions"`
	}

	// BloombergDataMsg is a streaming market data frame. Field values the
	// vendor did not report are absent from the map.
	BloombergDataMsg struct {
		Type          string             `json:"type"`
		CorrelationID string             `json:"correlationId"`
		Fields        map[string]float64 `json:"fields"`
		Timestamp     int64              `json:"timestamp"`
	}
)

// NewBloombergAdapter creates a new BloombergAdapter. The streaming session
// is not started until Start is called.
func NewBloombergAdapter(
	ctx context.Context,
	logger zerolog.Logger,
	endpoints Endpoint,
	translator *Translator,
	manager Manager,
) *BloombergAdapter {
	if endpoints.Name != AdapterBloomberg {
		endpoints = Endpoint{
			Name:      AdapterBloomberg,
			Rest:      bloombergRestHost,
			Websocket: bloombergWSHost,
		}
	}
	if translator == nil {
		translator = NewTranslator()
	}

	wsURL := url.URL{
		Scheme: "ws",
		Host:   endpoints.Websocket,
		Path:   bloombergWSPath,
	}

	bloombergLogger := logger.With().Str("adapter", AdapterBloomberg.String()).Logger()
	sessionCtx, cancel := context.WithCancel(ctx)

	adapter := &BloombergAdapter{
		logger:              bloombergLogger,
		manager:             manager,
		endpoints:           endpoints,
		translator:          translator,
		chainClient:         newHTTPClientWithTimeout(defaultChainTimeout),
		priceClient:         newHTTPClientWithTimeout(defaultPriceTimeout),
		cancel:              cancel,
		activeSubscriptions: map[string]struct{}{},
	}

	adapter.wsc = NewWebsocketController(
		sessionCtx,
		AdapterBloomberg,
		wsURL,
		adapter.messageReceived,
		adapter.sessionConnected,
		disabledPingDuration,
		websocket.PingMessage,
		bloombergLogger,
	)

	return adapter
}

// Start launches the streaming session worker.
func (p *BloombergAdapter) Start() {
	p.startOnce.Do(func() {
		go p.wsc.Start()
	})
}

// Stop terminates the session and releases the transport.
func (p *BloombergAdapter) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wsc.Close()
	})
}

// Connected reports whether the streaming session is established.
func (p *BloombergAdapter) Connected() bool {
	return p.wsc.IsConnected()
}

// GetReferenceTickers returns the tab's base symbol; its vendor form is
// resolved inside the adapter.
func (p *BloombergAdapter) GetReferenceTickers(cfg types.TabConfig) []string {
	return []string{cfg.BaseSymbol}
}

// GetOptionChain fetches the option chain for the tab's root ticker and
// returns it under canonical names. Chain entries the translator cannot
// parse are skipped.
func (p *BloombergAdapter) GetOptionChain(cfg types.TabConfig) []types.InstrumentRecord {
	rootTicker, ok := p.translator.ToVendor(cfg.BaseSymbol)
	if !ok {
		p.logger.Warn().Str("tab", cfg.TabName).Str("symbol", cfg.BaseSymbol).
			Msg("cannot resolve root ticker")
		return nil
	}

	reqURL := fmt.Sprintf(
		"%s%s?security=%s",
		p.endpoints.Rest, bloombergChainPath, url.QueryEscape(rootTicker),
	)
	resp, err := p.chainClient.Get(reqURL)
	if err != nil {
		p.logger.Err(err).Str("tab", cfg.TabName).Msg("option chain request failed")
		return nil
	}
	defer resp.Body.Close()

	if err := checkHTTPStatus(resp); err != nil {
		p.logger.Err(err).Str("tab", cfg.TabName).Msg("option chain request failed")
		return nil
	}

	var chainResp BloombergChainResponse
	if err := json.NewDecoder(resp.Body).Decode(&chainResp); err != nil {
		p.logger.Err(err).Str("tab", cfg.TabName).Msg("failed to decode option chain")
		return nil
	}

	records := make([]types.InstrumentRecord, 0, len(chainResp.Chain))
	for _, vendorTicker := range chainResp.Chain {
		record, ok := p.translator.OptionRecord(vendorTicker)
		if !ok {
			continue
		}
		records = append(records, record)
	}
	return records
}

// GetLatestPrice fetches a snapshot price for a canonical name. Returns 0 on
// any failure.
func (p *BloombergAdapter) GetLatestPrice(name string) float64 {
	vendorTicker, ok := p.translator.ToVendor(name)
	if !ok {
		return 0
	}

	reqURL := fmt.Sprintf(
		"%s%s?security=%s",
		p.endpoints.Rest, bloombergPricePath, url.QueryEscape(vendorTicker),
	)
	resp, err := p.priceClient.Get(reqURL)
	if err != nil {
		p.logger.Err(err).Str("instrument", name).Msg("price request failed")
		return 0
	}
	defer resp.Body.Close()

	if err := checkHTTPStatus(resp); err != nil {
		p.logger.Err(err).Str("instrument", name).Msg("price request failed")
		return 0
	}

	var priceResp BloombergPriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&priceResp); err != nil {
		p.logger.Err(err).Str("instrument", name).Msg("failed to decode price")
		return 0
	}
	return priceResp.Last
}

// Subscribe sends one batched subscription request for the channels not yet
// active in this session. Channels are canonical names, optionally wrapped in
// the generic ticker channel grammar.
func (p *BloombergAdapter) Subscribe(channels []string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	subscriptions := make([]BloombergSubscription, 0, len(channels))
	added := make([]string, 0, len(channels))
	for _, channel := range channels {
		canonical := canonicalFromChannel(channel)
		vendorTicker, ok := p.translator.ToVendor(canonical)
		if !ok {
			continue
		}
		if _, ok := p.activeSubscriptions[vendorTicker]; ok {
			continue
		}
		p.activeSubscriptions[vendorTicker] = struct{}{}
		added = append(added, vendorTicker)
		subscriptions = append(subscriptions, BloombergSubscription{
			Security:      vendorTicker,
			Fields:        bloombergFields,
			CorrelationID: canonical,
		})
	}
	if len(subscriptions) == 0 {
		return
	}

	msg := BloombergSubscribeMsg{
		Op:            "subscribe",
		Subscriptions: subscriptions,
	}
	if err := p.wsc.SendJSON(msg); err != nil {
		p.logger.Err(err).Msg("failed to send subscription message")
		for _, vendorTicker := range added {
			delete(p.activeSubscriptions, vendorTicker)
		}
	}
}

// sessionConnected runs on every successful (re)connect: the session's
// subscription state is gone, so callers must re-plan.
func (p *BloombergAdapter) sessionConnected() {
	p.mtx.Lock()
	p.activeSubscriptions = map[string]struct{}{}
	p.mtx.Unlock()

	p.manager.OnAdapterReconnect(AdapterBloomberg)
}

func (p *BloombergAdapter) messageReceived(_ int, bz []byte) {
	var dataMsg BloombergDataMsg
	if err := json.Unmarshal(bz, &dataMsg); err != nil {
		p.logger.Error().
			Int("length", len(bz)).
			AnErr("data", err).
			Str("msg", string(bz)).
			Msg("Error on receive message")
		telemetryWebsocketMessageDropped(AdapterBloomberg)
		return
	}

	if dataMsg.Type != "data" || dataMsg.CorrelationID == "" {
		return
	}

	lastPrice := dataMsg.Fields["LAST_PRICE"]
	bestBid := dataMsg.Fields["BID"]
	if lastPrice == 0 && bestBid == 0 {
		telemetryWebsocketMessageDropped(AdapterBloomberg)
		return
	}

	timestamp := dataMsg.Timestamp
	if timestamp == 0 {
		timestamp = time.Now().UnixMilli()
	}

	p.manager.IngestTicker(types.Ticker{
		InstrumentName: dataMsg.CorrelationID,
		BestBidPrice:   bestBid,
		BestBidAmount:  dataMsg.Fields["SIZE_BID"],
		BestAskPrice:   dataMsg.Fields["ASK"],
		BestAskAmount:  dataMsg.Fields["SIZE_ASK"],
		LastPrice:      lastPrice,
		Timestamp:      timestamp,
	})
	telemetryWebsocketMessage(AdapterBloomberg, MessageTypeTicker)
}
