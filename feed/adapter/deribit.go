package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"market-feeder/feed/types"
)

const (
	deribitWSHost          = "www.deribit.com"
	deribitWSPath          = "/ws/api/v2"
	deribitRestHost        = "https://www.deribit.com"
	deribitInstrumentsPath = "/api/v2/public/get_instruments"
	deribitTickerPath      = "/api/v2/public/ticker"

	deribitSubscribeID = 10
	deribitAuthID      = 99
)

var _ Adapter = (*DeribitAdapter)(nil)

type (
	// DeribitAdapter streams option and reference tickers from the Deribit
	// public API. Deribit instrument names are the canonical schema, so no
	// symbol translation is needed.
	//
	// REF: https://docs.deribit.com/#public-get_instruments
	// REF: https://docs.deribit.com/#ticker-instrument_name-interval
	DeribitAdapter struct {
		wsc          *WebsocketController
		logger       zerolog.Logger
		manager      Manager
		endpoints    Endpoint
		chainClient  *http.Client
		priceClient  *http.Client
		clientID     string
		clientSecret string
		cancel       context.CancelFunc
		startOnce    sync.Once
		stopOnce     sync.Once

		mtx sync.Mutex
		// activeSubscriptions maps each vendor channel subscribed in this
		// session to the canonical name it correlates to. Cleared on every
		// reconnect.
		activeSubscriptions map[string]string
	}

	// DeribitCredentials is the flat credentials map shape for the optional
	// authenticated handshake.
	DeribitCredentials struct {
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
	}

	// DeribitInstrument is one entry of the get_instruments result.
	DeribitInstrument struct {
		InstrumentName      string `json:"instrument_name"`
		ExpirationTimestamp int64  `json:"expiration_timestamp"`
		BaseCurrency        string `json:"base_currency"`
		QuoteCurrency       string `json:"quote_currency"`
	}

	// DeribitInstrumentsResponse is the get_instruments response envelope.
	DeribitInstrumentsResponse struct {
		Result []DeribitInstrument `json:"result"`
	}

	// DeribitTickerResult is the public/ticker response payload.
	DeribitTickerResult struct {
		LastPrice  float64 `json:"last_price"`
		IndexPrice float64 `json:"index_price"`
	}

	// DeribitTickerResponse is the public/ticker response envelope.
	DeribitTickerResponse struct {
		Result DeribitTickerResult `json:"result"`
	}

	// DeribitTickerData is the streaming ticker payload.
	DeribitTickerData struct {
		InstrumentName string                 `json:"instrument_name"`
		BestBidPrice   float64                `json:"best_bid_price"`
		BestBidAmount  float64                `json:"best_bid_amount"`
		BestAskPrice   float64                `json:"best_ask_price"`
		BestAskAmount  float64                `json:"best_ask_amount"`
		LastPrice      float64                `json:"last_price"`
		IndexPrice     float64                `json:"index_price"`
		Stats          map[string]interface{} `json:"stats"`
		Timestamp      int64                  `json:"timestamp"`
	}

	// DeribitStreamMsg is a subscription data frame.
	DeribitStreamMsg struct {
		Method string `json:"method"` // "subscription" for data frames
		ID     int    `json:"id"`
		Params struct {
			Channel string            `json:"channel"`
			Data    DeribitTickerData `json:"data"`
		} `json:"params"`
	}

	// DeribitSubscriptionMsg subscribes N ticker channels in one batch.
	DeribitSubscriptionMsg struct {
		JSONRPC string                    `json:"jsonrpc"`
		Method  string                    `json:"method"`
		ID      int                       `json:"id"`
		Params  DeribitSubscriptionParams `json:"params"`
	}

	DeribitSubscriptionParams struct {
		Channels []string `json:"channels"`
	}

	// DeribitAuthMsg is the optional client_credentials handshake sent on
	// connect. Auth failures are transient; the session falls back to the
	// public stream.
	DeribitAuthMsg struct {
		JSONRPC string            `json:"jsonrpc"`
		Method  string            `json:"method"`
		ID      int               `json:"id"`
		Params  DeribitAuthParams `json:"params"`
	}

	DeribitAuthParams struct {
		GrantType    string `json:"grant_type"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
)

// NewDeribitAdapter creates a new DeribitAdapter. The streaming session is
// not started until Start is called.
func NewDeribitAdapter(
	ctx context.Context,
	logger zerolog.Logger,
	endpoints Endpoint,
	credentials map[string]string,
	manager Manager,
) *DeribitAdapter {
	if endpoints.Name != AdapterDeribit {
		endpoints = Endpoint{
			Name:      AdapterDeribit,
			Rest:      deribitRestHost,
			Websocket: deribitWSHost,
		}
	}

	wsURL := url.URL{
		Scheme: "wss",
		Host:   endpoints.Websocket,
		Path:   deribitWSPath,
	}

	var creds DeribitCredentials
	if err := mapstructure.Decode(credentials, &creds); err != nil {
		logger.Warn().Err(err).Msg("ignoring malformed deribit credentials")
	}

	deribitLogger := logger.With().Str("adapter", AdapterDeribit.String()).Logger()
	sessionCtx, cancel := context.WithCancel(ctx)

	adapter := &DeribitAdapter{
		logger:              deribitLogger,
		manager:             manager,
		endpoints:           endpoints,
		chainClient:         newHTTPClientWithTimeout(defaultChainTimeout),
		priceClient:         newHTTPClientWithTimeout(defaultPriceTimeout),
		clientID:            creds.ClientID,
		clientSecret:        creds.ClientSecret,
		cancel:              cancel,
		activeSubscriptions: map[string]string{},
	}

	adapter.wsc = NewWebsocketController(
		sessionCtx,
		AdapterDeribit,
		wsURL,
		adapter.messageReceived,
		adapter.sessionConnected,
		defaultPingDuration,
		websocket.PingMessage,
		deribitLogger,
	)

	return adapter
}

// Start launches the streaming session worker.
func (p *DeribitAdapter) Start() {
	p.startOnce.Do(func() {
		go p.wsc.Start()
	})
}

// Stop terminates the session and releases the transport.
func (p *DeribitAdapter) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wsc.Close()
	})
}

// Connected reports whether the streaming session is established.
func (p *DeribitAdapter) Connected() bool {
	return p.wsc.IsConnected()
}

// GetReferenceTickers returns the names whose prices reference the tab's
// underlying, in lookup order.
func (p *DeribitAdapter) GetReferenceTickers(cfg types.TabConfig) []string {
	base := cfg.BaseSymbol
	if cfg.IsUSDSettled() {
		return []string{base + "_USDC", base + "_USDC-PERPETUAL"}
	}
	// Coin settled tabs watch the inverse perp first and fall back to the
	// stablecoin spot pair.
	return []string{base + "-PERPETUAL", base + "_USDC"}
}

// GetOptionChain fetches the non-expired option universe for the tab,
// filtered to the tab's settlement variant.
func (p *DeribitAdapter) GetOptionChain(cfg types.TabConfig) []types.InstrumentRecord {
	base := cfg.BaseSymbol

	// Deribit keys linear options under the USDC currency.
	apiCurrency := base
	if cfg.IsUSDSettled() {
		apiCurrency = "USDC"
	}

	reqURL := fmt.Sprintf(
		"%s%s?currency=%s&kind=option&expired=false",
		p.endpoints.Rest, deribitInstrumentsPath, apiCurrency,
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

	var chainResp DeribitInstrumentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&chainResp); err != nil {
		p.logger.Err(err).Str("tab", cfg.TabName).Msg("failed to decode option chain")
		return nil
	}

	records := make([]types.InstrumentRecord, 0, len(chainResp.Result))
	for _, inst := range chainResp.Result {
		if !matchesSettlement(inst.InstrumentName, base, cfg.IsUSDSettled()) {
			continue
		}
		// Deribit names are already canonical.
		records = append(records, types.InstrumentRecord{
			InstrumentName:      inst.InstrumentName,
			ExpirationTimestamp: inst.ExpirationTimestamp,
			BaseCurrency:        inst.BaseCurrency,
			QuoteCurrency:       inst.QuoteCurrency,
		})
	}
	return records
}

// matchesSettlement filters the server side chain down to the linear or
// inverse variant the tab asked for.
func matchesSettlement(name, base string, usdSettled bool) bool {
	if usdSettled {
		return strings.HasPrefix(name, base+"_USDC-")
	}
	return strings.HasPrefix(name, base+"-") && !strings.Contains(name, "_USDC")
}

// GetLatestPrice fetches the current price for a canonical name, preferring
// the index price over the last trade. Returns 0 on any failure.
func (p *DeribitAdapter) GetLatestPrice(name string) float64 {
	reqURL := fmt.Sprintf(
		"%s%s?instrument_name=%s",
		p.endpoints.Rest, deribitTickerPath, url.QueryEscape(name),
	)
	resp, err := p.priceClient.Get(reqURL)
	if err != nil {
		p.logger.Err(err).Str("instrument", name).Msg("ticker request failed")
		return 0
	}
	defer resp.Body.Close()

	if err := checkHTTPStatus(resp); err != nil {
		p.logger.Err(err).Str("instrument", name).Msg("ticker request failed")
		return 0
	}

	var tickerResp DeribitTickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&tickerResp); err != nil {
		p.logger.Err(err).Str("instrument", name).Msg("failed to decode ticker")
		return 0
	}

	if tickerResp.Result.IndexPrice > 0 {
		return tickerResp.Result.IndexPrice
	}
	return tickerResp.Result.LastPrice
}

// Subscribe sends one batched subscription request for the channels not yet
// active in this session. Channels arrive pre-formatted,
// ex.: "ticker.BTC-PERPETUAL.100ms".
func (p *DeribitAdapter) Subscribe(channels []string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	newChannels := make([]string, 0, len(channels))
	for _, channel := range channels {
		if _, ok := p.activeSubscriptions[channel]; ok {
			continue
		}
		p.activeSubscriptions[channel] = canonicalFromChannel(channel)
		newChannels = append(newChannels, channel)
	}
	if len(newChannels) == 0 {
		return
	}

	msg := DeribitSubscriptionMsg{
		JSONRPC: "2.0",
		Method:  "public/subscribe",
		ID:      deribitSubscribeID,
		Params:  DeribitSubscriptionParams{Channels: newChannels},
	}
	if err := p.wsc.SendJSON(msg); err != nil {
		p.logger.Err(err).Msg("failed to send subscription message")
		for _, channel := range newChannels {
			delete(p.activeSubscriptions, channel)
		}
	}
}

// canonicalFromChannel recovers the canonical name carried inside a ticker
// channel string, ex.: "ticker.BTC-PERPETUAL.100ms" => "BTC-PERPETUAL".
func canonicalFromChannel(channel string) string {
	name := strings.TrimPrefix(channel, "ticker.")
	return strings.TrimSuffix(name, ".100ms")
}

// sessionConnected runs on every successful (re)connect: the session's
// subscription state is gone, so callers must re-plan.
func (p *DeribitAdapter) sessionConnected() {
	p.mtx.Lock()
	p.activeSubscriptions = map[string]string{}
	p.mtx.Unlock()

	if p.clientID != "" {
		auth := DeribitAuthMsg{
			JSONRPC: "2.0",
			Method:  "public/auth",
			ID:      deribitAuthID,
			Params: DeribitAuthParams{
				GrantType:    "client_credentials",
				ClientID:     p.clientID,
				ClientSecret: p.clientSecret,
			},
		}
		if err := p.wsc.SendJSON(auth); err != nil {
			p.logger.Err(err).Msg("failed to send auth handshake")
		}
	}

	p.manager.OnAdapterReconnect(AdapterDeribit)
}

func (p *DeribitAdapter) messageReceived(_ int, bz []byte) {
	var streamMsg DeribitStreamMsg
	if err := json.Unmarshal(bz, &streamMsg); err != nil {
		p.logger.Error().
			Int("length", len(bz)).
			AnErr("stream", err).
			Str("msg", string(bz)).
			Msg("Error on receive message")
		telemetryWebsocketMessageDropped(AdapterDeribit)
		return
	}

	if streamMsg.Method != "subscription" {
		// Subscription acks and auth responses carry our request ids.
		if streamMsg.ID == deribitSubscribeID || streamMsg.ID == deribitAuthID {
			telemetryWebsocketMessage(AdapterDeribit, MessageTypeSubscribe)
		}
		return
	}

	data := streamMsg.Params.Data

	// The canonical name comes from the channel the subscription was keyed
	// under, never from the vendor payload.
	p.mtx.Lock()
	canonical, ok := p.activeSubscriptions[streamMsg.Params.Channel]
	p.mtx.Unlock()
	if !ok {
		canonical = canonicalFromChannel(streamMsg.Params.Channel)
	}

	if data.LastPrice == 0 && data.BestBidPrice == 0 {
		telemetryWebsocketMessageDropped(AdapterDeribit)
		return
	}

	p.manager.IngestTicker(types.Ticker{
		InstrumentName: canonical,
		BestBidPrice:   data.BestBidPrice,
		BestBidAmount:  data.BestBidAmount,
		BestAskPrice:   data.BestAskPrice,
		BestAskAmount:  data.BestAskAmount,
		LastPrice:      data.LastPrice,
		IndexPrice:     data.IndexPrice,
		Stats:          data.Stats,
		Timestamp:      data.Timestamp,
	})
	telemetryWebsocketMessage(AdapterDeribit, MessageTypeTicker)
}
