package adapter

import (
	"encoding/csv"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"market-feeder/feed/types"
)

// Directives recognized in a translation table cell.
const (
	directiveExactPrefix = "exact:"
	directiveIndex       = "index"
	directiveFuture      = "futureprefix"

	translationSymbolColumn = "Symbol"
)

var (
	// terminalOptionRegex parses vendor option tickers,
	// ex.: "SPY US 12/20/24 P500 Equity".
	terminalOptionRegex = regexp.MustCompile(
		`^(\w+)\s+\w+\s+(\d{1,2}/\d{1,2}/\d{2})\s+([CP])([\d.]+)\s+(Equity|Index)$`)

	// terminalUnderlyingRegex parses vendor underlying tickers,
	// ex.: "SPY US Equity", "SPX Index".
	terminalUnderlyingRegex = regexp.MustCompile(
		`^(\w+)\s+(?:\w+\s+)?(Equity|Index|Comdty)$`)
)

// assetClassTokens closes the set of trailing tokens that mark a string as
// already vendor native.
var assetClassTokens = map[string]struct{}{
	"Equity": {},
	"Index":  {},
	"Comdty": {},
	"Curncy": {},
}

// Translator maps canonical instrument names to terminal vendor tickers and
// back. Vendor native names must never escape the owning adapter; callers
// skip anything the translator cannot parse.
type Translator struct {
	exact          map[string]string
	reverse        map[string]string
	index          map[string]struct{}
	futurePrefixes []string
}

// NewTranslator returns a translator with no symbol overrides configured.
func NewTranslator() *Translator {
	return &Translator{
		exact:   map[string]string{},
		reverse: map[string]string{},
		index:   map[string]struct{}{},
	}
}

// LoadTranslator reads a tabular translation config. The table must carry a
// Symbol column plus one column per adapter; only the named adapter column is
// consulted. An empty path yields a translator with defaults only.
func LoadTranslator(path string, adapterColumn string) (*Translator, error) {
	t := NewTranslator()
	if path == "" {
		return t, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open translation table: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse translation table: %w", err)
	}
	if len(rows) == 0 {
		return t, nil
	}

	symbolIdx, directiveIdx := -1, -1
	for i, col := range rows[0] {
		switch strings.TrimSpace(col) {
		case translationSymbolColumn:
			symbolIdx = i
		case adapterColumn:
			directiveIdx = i
		}
	}
	if symbolIdx < 0 || directiveIdx < 0 {
		return nil, fmt.Errorf("translation table is missing %q or %q column",
			translationSymbolColumn, adapterColumn)
	}

	for _, row := range rows[1:] {
		if len(row) <= symbolIdx || len(row) <= directiveIdx {
			continue
		}
		symbol := strings.TrimSpace(row[symbolIdx])
		directive := strings.TrimSpace(row[directiveIdx])
		if symbol == "" || directive == "" {
			continue
		}
		t.addDirective(symbol, directive)
	}
	return t, nil
}

func (t *Translator) addDirective(symbol, directive string) {
	switch {
	case strings.HasPrefix(directive, directiveExactPrefix):
		vendor := strings.TrimPrefix(directive, directiveExactPrefix)
		t.exact[symbol] = vendor
		t.reverse[vendor] = symbol
	case directive == directiveIndex:
		t.index[symbol] = struct{}{}
	case directive == directiveFuture:
		t.futurePrefixes = append(t.futurePrefixes, symbol)
	}
}

// ToVendor translates a canonical name into the vendor ticker. Rules are
// evaluated in order, first match wins.
func (t *Translator) ToVendor(name string) (string, bool) {
	if vendor, ok := t.exact[name]; ok {
		return vendor, true
	}

	// Already vendor native: whitespace plus a trailing asset class token.
	if strings.Contains(name, " ") {
		fields := strings.Fields(name)
		if _, ok := assetClassTokens[fields[len(fields)-1]]; ok {
			return name, true
		}
		return "", false
	}

	if opt, ok := types.ParseOptionName(name); ok {
		expiry, err := types.ParseExpiry(opt.Date)
		if err != nil {
			return "", false
		}
		return fmt.Sprintf("%s US %s %s%s Equity",
			opt.Symbol,
			expiry.Format("01/02/06"),
			opt.Kind,
			types.FormatStrike(opt.Strike),
		), true
	}

	// Dotted international equity form, ex.: "VOD.LN".
	if idx := strings.LastIndex(name, "."); idx > 0 && idx < len(name)-1 {
		return fmt.Sprintf("%s %s Equity", name[:idx], name[idx+1:]), true
	}

	if _, ok := t.index[name]; ok {
		return name + " Index", true
	}
	if t.matchesFuturePrefix(name) {
		return name + " Index", true
	}
	return name + " US Equity", true
}

// matchesFuturePrefix reports whether the symbol is a futures code under a
// configured prefix, ex.: prefix "ES" matches "ESU6".
func (t *Translator) matchesFuturePrefix(name string) bool {
	for _, prefix := range t.futurePrefixes {
		if len(name) > len(prefix) &&
			strings.HasPrefix(name, prefix) &&
			name[len(name)-1] >= '0' && name[len(name)-1] <= '9' {
			return true
		}
	}
	return false
}

// ToCanonical translates a vendor ticker into its canonical name.
func (t *Translator) ToCanonical(vendor string) (string, bool) {
	if name, ok := t.reverse[vendor]; ok {
		return name, true
	}

	if m := terminalOptionRegex.FindStringSubmatch(vendor); m != nil {
		sym, dateStr, kind, strikeStr := m[1], m[2], m[3], m[4]
		expiry, err := parseVendorDate(dateStr)
		if err != nil {
			return "", false
		}
		strike, _, ok := types.CanonicalStrike(strikeStr)
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%s-%s-%s-%s", sym, types.FormatExpiry(expiry), strike, kind), true
	}

	if m := terminalUnderlyingRegex.FindStringSubmatch(vendor); m != nil {
		return m[1], true
	}
	return "", false
}

// OptionRecord parses a vendor option ticker into a canonical instrument
// record, carrying the expiration timestamp.
func (t *Translator) OptionRecord(vendor string) (types.InstrumentRecord, bool) {
	m := terminalOptionRegex.FindStringSubmatch(vendor)
	if m == nil {
		return types.InstrumentRecord{}, false
	}
	sym, dateStr, kind, strikeStr := m[1], m[2], m[3], m[4]

	expiry, err := parseVendorDate(dateStr)
	if err != nil {
		return types.InstrumentRecord{}, false
	}
	strike, _, ok := types.CanonicalStrike(strikeStr)
	if !ok {
		return types.InstrumentRecord{}, false
	}

	return types.InstrumentRecord{
		InstrumentName:      fmt.Sprintf("%s-%s-%s-%s", sym, types.FormatExpiry(expiry), strike, kind),
		ExpirationTimestamp: expiry.UnixMilli(),
		BaseCurrency:        sym,
		QuoteCurrency:       "USD",
	}, true
}

func parseVendorDate(dateStr string) (time.Time, error) {
	return time.Parse("1/2/06", dateStr)
}
