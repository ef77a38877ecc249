package adapter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"market-feeder/feed/types"

	"github.com/rs/zerolog"
)

const (
	defaultChainTimeout = 10 * time.Second
	defaultPriceTimeout = 5 * time.Second

	AdapterDeribit   Name = "deribit"
	AdapterBloomberg Name = "bloomberg"
)

type (
	// Name identifies a market data adapter, ex.: "deribit", "bloomberg".
	Name string

	// Manager is the surface an adapter calls back into. Implemented by
	// feed.Manager.
	Manager interface {
		// IngestTicker delivers a normalized ticker. Hot path; must not
		// block on I/O.
		IngestTicker(types.Ticker)

		// OnAdapterReconnect is invoked on every successful entry into the
		// streaming state, including the first connect.
		OnAdapterReconnect(source Name)
	}

	// Adapter defines the interface every market data vendor integration
	// must implement.
	Adapter interface {
		// Start launches the streaming session worker. Idempotent.
		Start()

		// Stop terminates the session and releases the transport. Idempotent.
		Stop()

		// GetOptionChain synchronously fetches the option universe for a tab
		// and returns it under canonical instrument names. Failures yield an
		// empty slice.
		GetOptionChain(types.TabConfig) []types.InstrumentRecord

		// GetLatestPrice synchronously fetches the latest price for a
		// canonical name, preferring an index style price where the vendor
		// exposes one. Returns 0 on any failure.
		GetLatestPrice(name string) float64

		// Subscribe sends a single batched subscription request for the
		// given channel strings, deduplicated against the channels already
		// active in this session.
		Subscribe(channels []string)

		// GetReferenceTickers returns the ordered list of canonical names
		// whose prices serve as the underlying reference for a tab.
		GetReferenceTickers(types.TabConfig) []string

		// Connected reports whether the streaming session is established.
		// Sampled without locks; transient false negatives are acceptable.
		Connected() bool
	}

	// Endpoint defines an override setting in our config for the hardcoded
	// rest and websocket api endpoints.
	Endpoint struct {
		Name      Name
		Rest      string
		Websocket string
	}
)

// String cast adapter name to string.
func (n Name) String() string {
	return string(n)
}

// NewAdapter returns the adapter implementation registered under the given
// name, wired to deliver into the manager.
func NewAdapter(
	ctx context.Context,
	name Name,
	logger zerolog.Logger,
	endpoint Endpoint,
	translator *Translator,
	credentials map[string]string,
	manager Manager,
) (Adapter, error) {
	switch name {
	case AdapterDeribit:
		return NewDeribitAdapter(ctx, logger, endpoint, credentials, manager), nil
	case AdapterBloomberg:
		return NewBloombergAdapter(ctx, logger, endpoint, translator, manager), nil
	}
	return nil, fmt.Errorf("adapter %s not registered", name)
}

// preventRedirect avoid any redirect in the http.Client the request call
// will not return an error, but a valid response with redirect response code.
func preventRedirect(_ *http.Request, _ []*http.Request) error {
	return http.ErrUseLastResponse
}

func newHTTPClientWithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: preventRedirect,
	}
}

func checkHTTPStatus(resp *http.Response) error {
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return nil
}
