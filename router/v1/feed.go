package v1

import (
	"market-feeder/feed/types"
)

// Feed defines the feed manager contract that the v1 router depends on.
type Feed interface {
	GetSnapshot() types.MarketSnapshot
	GetExpiriesFor(tabName string) []string
}
