package v1

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"market-feeder/config"
	"market-feeder/feed/types"
)

var _ Feed = (*mockFeed)(nil)

type mockFeed struct {
	snapshot types.MarketSnapshot
	expiries map[string][]string
}

func (m *mockFeed) GetSnapshot() types.MarketSnapshot {
	return m.snapshot
}

func (m *mockFeed) GetExpiriesFor(tabName string) []string {
	return m.expiries[tabName]
}

func newTestRouter(feed Feed) *mux.Router {
	rtr := mux.NewRouter()
	router := New(zerolog.Nop(), config.Config{}, feed)
	router.RegisterRoutes(rtr, APIPathPrefix)
	return rtr
}

func TestRouter_Snapshot(t *testing.T) {
	feed := &mockFeed{
		snapshot: types.MarketSnapshot{
			IsReady:     true,
			IndexPrices: map[string]float64{"BTC-PERPETUAL": 50000},
			Tickers: map[string]types.Ticker{
				"BTC-PERPETUAL": {InstrumentName: "BTC-PERPETUAL", LastPrice: 50000},
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/snapshot", nil)
	rr := httptest.NewRecorder()
	newTestRouter(feed).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var snap types.MarketSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.True(t, snap.IsReady)
	require.Equal(t, float64(50000), snap.IndexPrices["BTC-PERPETUAL"])
}

func TestRouter_Expiries(t *testing.T) {
	feed := &mockFeed{
		expiries: map[string][]string{"BTC": {"27JUN25", "26SEP25"}},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/expiries/BTC", nil)
	rr := httptest.NewRecorder()
	newTestRouter(feed).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var dates []string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dates))
	require.Equal(t, []string{"27JUN25", "26SEP25"}, dates)
}

func TestRouter_Healthz(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	newTestRouter(&mockFeed{snapshot: types.MarketSnapshot{IsReady: true}}).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Status  string `json:"status"`
		IsReady bool   `json:"is_ready"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "available", resp.Status)
	require.True(t, resp.IsReady)
}

func TestRouter_Metrics(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	newTestRouter(&mockFeed{}).ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}
