package types

const (
	SettlementCoin = "coin"
	SettlementUSD  = "usd"
)

// TabConfig is a named grouping of instruments around one underlying and one
// settlement convention, served by exactly one adapter.
type TabConfig struct {
	TabName    string `json:"tab_name"`
	BaseSymbol string `json:"base_symbol"`
	Settlement string `json:"settlement"`
	Source     string `json:"source"`
}

// IsUSDSettled reports whether the tab uses the linear (stablecoin margined)
// variant of its derivatives.
func (c TabConfig) IsUSDSettled() bool {
	return c.Settlement == SettlementUSD
}
