package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// expiryLayout parses the date token of a canonical option name, ex.: 20DEC24.
// The day may be one or two digits.
const expiryLayout = "2Jan06"

type (
	// OptionName is the decomposed form of a canonical option instrument name
	// SYM-DDMMMYY-STRIKE-K, ex.: SPY-20FEB26-688-C.
	OptionName struct {
		Symbol string
		Date   string // DDMMMYY token, uppercase month
		Strike float64
		Kind   string // "C" or "P"
	}

	// InstrumentRecord describes one instrument known in a tab. Records are
	// created during bootstrap and never removed for the process lifetime.
	InstrumentRecord struct {
		InstrumentName      string `json:"instrument_name"`
		ExpirationTimestamp int64  `json:"expiration_timestamp,omitempty"` // ms since epoch
		BaseCurrency        string `json:"base_currency,omitempty"`
		QuoteCurrency       string `json:"quote_currency,omitempty"`
	}
)

// ParseOptionName splits a canonical option name into its components. It
// returns false for anything that is not a well formed option name, such as
// underlying or perpetual references.
func ParseOptionName(name string) (OptionName, bool) {
	parts := strings.Split(name, "-")
	if len(parts) != 4 {
		return OptionName{}, false
	}
	if parts[3] != "C" && parts[3] != "P" {
		return OptionName{}, false
	}
	strike, err := decimal.NewFromString(parts[2])
	if err != nil {
		return OptionName{}, false
	}
	if _, err := ParseExpiry(parts[1]); err != nil {
		return OptionName{}, false
	}
	return OptionName{
		Symbol: parts[0],
		Date:   parts[1],
		Strike: strike.InexactFloat64(),
		Kind:   parts[3],
	}, true
}

// String formats the option name back into its canonical form.
func (o OptionName) String() string {
	return fmt.Sprintf("%s-%s-%s-%s", o.Symbol, o.Date, FormatStrike(o.Strike), o.Kind)
}

// ParseExpiry parses a DDMMMYY date token into a UTC timestamp.
func ParseExpiry(token string) (time.Time, error) {
	if len(token) < 6 || len(token) > 7 {
		return time.Time{}, fmt.Errorf("invalid expiry token: %s", token)
	}
	month := token[len(token)-5 : len(token)-2]
	normalized := token[:len(token)-5] +
		strings.ToUpper(month[:1]) + strings.ToLower(month[1:]) +
		token[len(token)-2:]
	return time.Parse(expiryLayout, normalized)
}

// FormatExpiry renders a timestamp as an uppercase DDMMMYY token.
func FormatExpiry(t time.Time) string {
	return strings.ToUpper(t.Format(expiryLayout))
}

// FormatStrike renders a strike without insignificant trailing zeros,
// ex.: 500.00 => "500", 500.50 => "500.5".
func FormatStrike(strike float64) string {
	return decimal.NewFromFloat(strike).String()
}

// CanonicalStrike normalizes a vendor strike string, stripping trailing
// zeros, and returns its numeric value.
func CanonicalStrike(s string) (string, float64, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", 0, false
	}
	return d.String(), d.InexactFloat64(), true
}
