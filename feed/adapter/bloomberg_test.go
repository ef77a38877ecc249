package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"market-feeder/feed/types"
)

func newBloombergRestServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		security := req.URL.Query().Get("security")
		switch req.URL.Path {
		case bloombergChainPath:
			if security != "SPY US Equity" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			require.NoError(t, json.NewEncoder(w).Encode(BloombergChainResponse{
				Security: security,
				Chain: []string{
					"SPY US 12/20/24 P500 Equity",
					"SPY US 12/20/24 C500 Equity",
					"not an option ticker",
				},
			}))

		case bloombergPricePath:
			if security != "SPY US Equity" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			require.NoError(t, json.NewEncoder(w).Encode(BloombergPriceResponse{
				Security: security,
				Last:     512.34,
			}))

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestBloombergAdapter(t *testing.T, rest, ws string, manager Manager) *BloombergAdapter {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return NewBloombergAdapter(
		ctx,
		zerolog.Nop(),
		Endpoint{Name: AdapterBloomberg, Rest: rest, Websocket: ws},
		NewTranslator(),
		manager,
	)
}

func TestBloombergAdapter_GetOptionChain(t *testing.T) {
	srv := newBloombergRestServer(t)
	p := newTestBloombergAdapter(t, srv.URL, "example.com", &testManager{})

	records := p.GetOptionChain(types.TabConfig{
		TabName:    "SPY",
		BaseSymbol: "SPY",
		Settlement: types.SettlementUSD,
		Source:     "bloomberg",
	})

	require.Len(t, records, 2)
	require.Equal(t, types.InstrumentRecord{
		InstrumentName:      "SPY-20DEC24-500-P",
		ExpirationTimestamp: 1734652800000,
		BaseCurrency:        "SPY",
		QuoteCurrency:       "USD",
	}, records[0])
	require.Equal(t, "SPY-20DEC24-500-C", records[1].InstrumentName)
}

func TestBloombergAdapter_GetLatestPrice(t *testing.T) {
	srv := newBloombergRestServer(t)
	p := newTestBloombergAdapter(t, srv.URL, "example.com", &testManager{})

	require.Equal(t, 512.34, p.GetLatestPrice("SPY"))
	require.Equal(t, float64(0), p.GetLatestPrice("UNKNOWN"))
}

func TestBloombergAdapter_GetReferenceTickers(t *testing.T) {
	p := newTestBloombergAdapter(t, "", "example.com", &testManager{})

	refs := p.GetReferenceTickers(types.TabConfig{BaseSymbol: "SPY", Settlement: types.SettlementUSD})
	require.Equal(t, []string{"SPY"}, refs)
}

func TestBloombergAdapter_MessageReceived(t *testing.T) {
	newFrame := func(msg BloombergDataMsg) []byte {
		bz, err := json.Marshal(msg)
		require.NoError(t, err)
		return bz
	}

	t.Run("delivers_under_correlation_id", func(t *testing.T) {
		mgr := &testManager{}
		p := newTestBloombergAdapter(t, "", "example.com", mgr)

		p.messageReceived(1, newFrame(BloombergDataMsg{
			Type:          "data",
			CorrelationID: "SPY-20DEC24-500-P",
			Fields:        map[string]float64{"LAST_PRICE": 12.5, "BID": 12.4, "ASK": 12.6},
			Timestamp:     1700000000000,
		}))

		require.Equal(t, []string{"SPY-20DEC24-500-P"}, mgr.tickerNames())
		require.Equal(t, 12.5, mgr.tickers[0].LastPrice)
		require.Equal(t, 12.4, mgr.tickers[0].BestBidPrice)
		require.Equal(t, int64(1700000000000), mgr.tickers[0].Timestamp)
	})

	t.Run("fills_missing_timestamp", func(t *testing.T) {
		mgr := &testManager{}
		p := newTestBloombergAdapter(t, "", "example.com", mgr)

		p.messageReceived(1, newFrame(BloombergDataMsg{
			Type:          "data",
			CorrelationID: "SPY",
			Fields:        map[string]float64{"LAST_PRICE": 512},
		}))
		require.Len(t, mgr.tickers, 1)
		require.NotZero(t, mgr.tickers[0].Timestamp)
	})

	t.Run("drops_empty_and_uncorrelated_frames", func(t *testing.T) {
		mgr := &testManager{}
		p := newTestBloombergAdapter(t, "", "example.com", mgr)

		p.messageReceived(1, newFrame(BloombergDataMsg{
			Type:          "data",
			CorrelationID: "SPY",
			Fields:        map[string]float64{"ASK": 512},
		}))
		p.messageReceived(1, newFrame(BloombergDataMsg{
			Type:   "data",
			Fields: map[string]float64{"LAST_PRICE": 512},
		}))
		p.messageReceived(1, newFrame(BloombergDataMsg{
			Type:          "status",
			CorrelationID: "SPY",
		}))
		require.Empty(t, mgr.tickerNames())
	})
}

// streamTestServer is a minimal stand-in for the desktop gateway's market
// data websocket. It records every subscribe request it receives.
type streamTestServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mtx   sync.Mutex
	conns []*websocket.Conn
	msgs  []BloombergSubscribeMsg
}

func newStreamTestServer(t *testing.T) *streamTestServer {
	s := &streamTestServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := s.upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		s.mtx.Lock()
		s.conns = append(s.conns, conn)
		s.mtx.Unlock()

		for {
			_, bz, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg BloombergSubscribeMsg
			if err := json.Unmarshal(bz, &msg); err != nil {
				continue
			}
			s.mtx.Lock()
			s.msgs = append(s.msgs, msg)
			s.mtx.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *streamTestServer) host() string {
	return strings.TrimPrefix(s.srv.URL, "http://")
}

func (s *streamTestServer) connCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.conns)
}

func (s *streamTestServer) msgCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.msgs)
}

func (s *streamTestServer) message(i int) BloombergSubscribeMsg {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.msgs[i]
}

func (s *streamTestServer) dropConn(i int) {
	s.mtx.Lock()
	conn := s.conns[i]
	s.mtx.Unlock()
	conn.Close()
}

func securities(msg BloombergSubscribeMsg) []string {
	out := make([]string, len(msg.Subscriptions))
	for i, sub := range msg.Subscriptions {
		out[i] = sub.Security
	}
	return out
}

func TestBloombergAdapter_SubscribeSessionState(t *testing.T) {
	srv := newStreamTestServer(t)
	mgr := &testManager{}
	p := newTestBloombergAdapter(t, "", srv.host(), mgr)

	p.Start()
	require.Eventually(t, p.Connected, 5*time.Second, 25*time.Millisecond)
	require.Eventually(t, func() bool { return mgr.reconnectCount() >= 1 },
		5*time.Second, 25*time.Millisecond)

	// The first subscribe carries the full batch with canonical correlation ids.
	p.Subscribe([]string{"SPY", "SPY-20DEC24-500-P"})
	require.Eventually(t, func() bool { return srv.msgCount() == 1 },
		5*time.Second, 25*time.Millisecond)

	first := srv.message(0)
	require.Equal(t, "subscribe", first.Op)
	require.Equal(t, []string{"SPY US Equity", "SPY US 12/20/24 P500 Equity"}, securities(first))
	require.Equal(t, "SPY", first.Subscriptions[0].CorrelationID)
	require.Equal(t, "SPY-20DEC24-500-P", first.Subscriptions[1].CorrelationID)
	require.Equal(t, bloombergFields, first.Subscriptions[0].Fields)

	// Re-planning with one addition sends only the channel not yet active.
	p.Subscribe([]string{"SPY", "SPY-20DEC24-500-P", "SPY-20DEC24-510-C"})
	require.Eventually(t, func() bool { return srv.msgCount() == 2 },
		5*time.Second, 25*time.Millisecond)
	require.Equal(t, []string{"SPY US 12/20/24 C510 Equity"}, securities(srv.message(1)))

	// A dropped session clears the subscription state; the next plan is sent
	// in full on the new connection.
	srv.dropConn(0)
	require.Eventually(t, func() bool { return srv.connCount() >= 2 },
		15*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return mgr.reconnectCount() >= 2 },
		5*time.Second, 25*time.Millisecond)

	p.Subscribe([]string{"SPY", "SPY-20DEC24-500-P"})
	require.Eventually(t, func() bool { return srv.msgCount() == 3 },
		5*time.Second, 25*time.Millisecond)
	require.Equal(t, []string{"SPY US Equity", "SPY US 12/20/24 P500 Equity"},
		securities(srv.message(2)))
}
