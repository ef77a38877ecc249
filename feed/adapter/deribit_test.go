package adapter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"market-feeder/feed/types"
)

// testManager records adapter callbacks for assertions.
type testManager struct {
	mtx        sync.Mutex
	tickers    []types.Ticker
	reconnects []Name
}

func (m *testManager) IngestTicker(ticker types.Ticker) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.tickers = append(m.tickers, ticker)
}

func (m *testManager) OnAdapterReconnect(source Name) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.reconnects = append(m.reconnects, source)
}

func (m *testManager) tickerNames() []string {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	names := make([]string, len(m.tickers))
	for i, ticker := range m.tickers {
		names[i] = ticker.InstrumentName
	}
	return names
}

func (m *testManager) reconnectCount() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.reconnects)
}

func newDeribitTestServer(t *testing.T) *httptest.Server {
	instrumentsByCurrency := map[string][]string{
		"BTC": {
			"BTC-27JUN25-100000-C",
			"BTC-27JUN25-100000-P",
		},
		"USDC": {
			"BTC_USDC-27JUN25-100000-C",
			"ETH_USDC-27JUN25-3000-C",
		},
	}
	pricesByInstrument := map[string]DeribitTickerResult{
		"BTC-PERPETUAL": {IndexPrice: 50000, LastPrice: 49999},
		"BTC_USDC":      {LastPrice: 49500},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case deribitInstrumentsPath:
			currency := req.URL.Query().Get("currency")
			names, ok := instrumentsByCurrency[currency]
			if !ok {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			var resp DeribitInstrumentsResponse
			for _, name := range names {
				resp.Result = append(resp.Result, DeribitInstrument{
					InstrumentName: name,
					BaseCurrency:   currency,
					QuoteCurrency:  "USD",
				})
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))

		case deribitTickerPath:
			result, ok := pricesByInstrument[req.URL.Query().Get("instrument_name")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			require.NoError(t, json.NewEncoder(w).Encode(DeribitTickerResponse{Result: result}))

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestDeribitAdapter(t *testing.T, rest string, manager Manager) *DeribitAdapter {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return NewDeribitAdapter(
		ctx,
		zerolog.Nop(),
		Endpoint{Name: AdapterDeribit, Rest: rest, Websocket: "example.com"},
		nil,
		manager,
	)
}

func TestDeribitAdapter_GetOptionChain(t *testing.T) {
	srv := newDeribitTestServer(t)
	p := newTestDeribitAdapter(t, srv.URL, &testManager{})

	t.Run("coin_settled", func(t *testing.T) {
		records := p.GetOptionChain(types.TabConfig{
			TabName:    "BTC",
			BaseSymbol: "BTC",
			Settlement: types.SettlementCoin,
			Source:     "deribit",
		})
		require.Len(t, records, 2)
		require.Equal(t, "BTC-27JUN25-100000-C", records[0].InstrumentName)
		require.Equal(t, "BTC-27JUN25-100000-P", records[1].InstrumentName)
	})

	t.Run("usd_settled", func(t *testing.T) {
		records := p.GetOptionChain(types.TabConfig{
			TabName:    "BTC-USD",
			BaseSymbol: "BTC",
			Settlement: types.SettlementUSD,
			Source:     "deribit",
		})
		require.Len(t, records, 1)
		require.Equal(t, "BTC_USDC-27JUN25-100000-C", records[0].InstrumentName)
	})
}

func TestDeribitAdapter_GetLatestPrice(t *testing.T) {
	srv := newDeribitTestServer(t)
	p := newTestDeribitAdapter(t, srv.URL, &testManager{})

	t.Run("prefers_index_price", func(t *testing.T) {
		require.Equal(t, float64(50000), p.GetLatestPrice("BTC-PERPETUAL"))
	})

	t.Run("falls_back_to_last_price", func(t *testing.T) {
		require.Equal(t, float64(49500), p.GetLatestPrice("BTC_USDC"))
	})

	t.Run("failure_yields_zero", func(t *testing.T) {
		require.Equal(t, float64(0), p.GetLatestPrice("UNKNOWN"))
	})
}

func TestDeribitAdapter_GetReferenceTickers(t *testing.T) {
	p := newTestDeribitAdapter(t, "", &testManager{})

	coin := p.GetReferenceTickers(types.TabConfig{BaseSymbol: "BTC", Settlement: types.SettlementCoin})
	require.Equal(t, []string{"BTC-PERPETUAL", "BTC_USDC"}, coin)

	usd := p.GetReferenceTickers(types.TabConfig{BaseSymbol: "BTC", Settlement: types.SettlementUSD})
	require.Equal(t, []string{"BTC_USDC", "BTC_USDC-PERPETUAL"}, usd)
}

func TestMatchesSettlement(t *testing.T) {
	require.True(t, matchesSettlement("BTC-27JUN25-100000-C", "BTC", false))
	require.False(t, matchesSettlement("BTC_USDC-27JUN25-100000-C", "BTC", false))
	require.False(t, matchesSettlement("ETH-27JUN25-3000-C", "BTC", false))

	require.True(t, matchesSettlement("BTC_USDC-27JUN25-100000-C", "BTC", true))
	require.False(t, matchesSettlement("BTC-27JUN25-100000-C", "BTC", true))
	require.False(t, matchesSettlement("ETH_USDC-27JUN25-3000-C", "BTC", true))
}

func TestCanonicalFromChannel(t *testing.T) {
	require.Equal(t, "BTC-PERPETUAL", canonicalFromChannel("ticker.BTC-PERPETUAL.100ms"))
	require.Equal(t, "BTC-27JUN25-100000-C", canonicalFromChannel("ticker.BTC-27JUN25-100000-C.100ms"))
	require.Equal(t, "BTC-PERPETUAL", canonicalFromChannel("BTC-PERPETUAL"))
}

func TestDeribitAdapter_MessageReceived(t *testing.T) {
	newFrame := func(channel string, data DeribitTickerData) []byte {
		var msg DeribitStreamMsg
		msg.Method = "subscription"
		msg.Params.Channel = channel
		msg.Params.Data = data
		bz, err := json.Marshal(msg)
		require.NoError(t, err)
		return bz
	}

	t.Run("delivers_under_subscription_name", func(t *testing.T) {
		mgr := &testManager{}
		p := newTestDeribitAdapter(t, "", mgr)
		p.activeSubscriptions["ticker.BTC-PERPETUAL.100ms"] = "BTC-PERPETUAL"

		p.messageReceived(1, newFrame("ticker.BTC-PERPETUAL.100ms", DeribitTickerData{
			InstrumentName: "btc-perpetual-vendor-alias",
			LastPrice:      50123,
			IndexPrice:     50120,
			Timestamp:      1700000000000,
		}))

		require.Equal(t, []string{"BTC-PERPETUAL"}, mgr.tickerNames())
		require.Equal(t, float64(50120), mgr.tickers[0].IndexPrice)
	})

	t.Run("unknown_channel_falls_back_to_channel_name", func(t *testing.T) {
		mgr := &testManager{}
		p := newTestDeribitAdapter(t, "", mgr)

		p.messageReceived(1, newFrame("ticker.ETH-PERPETUAL.100ms", DeribitTickerData{
			LastPrice: 3000,
		}))
		require.Equal(t, []string{"ETH-PERPETUAL"}, mgr.tickerNames())
	})

	t.Run("drops_empty_frames", func(t *testing.T) {
		mgr := &testManager{}
		p := newTestDeribitAdapter(t, "", mgr)

		p.messageReceived(1, newFrame("ticker.BTC-PERPETUAL.100ms", DeribitTickerData{
			BestAskPrice: 50200,
		}))
		require.Empty(t, mgr.tickerNames())
	})

	t.Run("ignores_acks_and_garbage", func(t *testing.T) {
		mgr := &testManager{}
		p := newTestDeribitAdapter(t, "", mgr)

		p.messageReceived(1, []byte(`{"jsonrpc":"2.0","id":10,"result":["ticker.BTC-PERPETUAL.100ms"]}`))
		p.messageReceived(1, []byte(`not json`))
		require.Empty(t, mgr.tickerNames())
	})
}

func TestDeribitSubscriptionMsgShape(t *testing.T) {
	bz, err := json.Marshal(DeribitSubscriptionMsg{
		JSONRPC: "2.0",
		Method:  "public/subscribe",
		ID:      deribitSubscribeID,
		Params: DeribitSubscriptionParams{
			Channels: []string{"ticker.BTC-PERPETUAL.100ms"},
		},
	})
	require.NoError(t, err)

	expected := fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"public/subscribe","id":%d,"params":{"channels":["ticker.BTC-PERPETUAL.100ms"]}}`,
		deribitSubscribeID,
	)
	require.JSONEq(t, expected, string(bz))
}
