package domain

import (
	"regexp"
	"strings"
)

// Market identifies the exchange region a ticker trades on.
type Market string

const (
	MarketCN Market = "cn" // Shanghai / Shenzhen A-shares
	MarketHK Market = "hk" // Hong Kong
	MarketUS Market = "us" // US equities and indices
)

var (
	cnCodePattern   = regexp.MustCompile(`^\d{6}$`)
	hkCodePattern   = regexp.MustCompile(`^\d{1,5}$`)
	hkCanonicalCode = regexp.MustCompile(`^\d{5}$`)
	usCodePattern   = regexp.MustCompile(`^[A-Z]{1,6}(\.[A-Z])?$`)
)

// usIndexSymbols maps common US index aliases to the caret-prefixed symbols
// the US quote source expects. Aliases are matched after canonicalization.
var usIndexSymbols = map[string]string{
	"SPX":    "^GSPC",
	"GSPC":   "^GSPC",
	"^GSPC":  "^GSPC",
	"DJI":    "^DJI",
	"DJIA":   "^DJI",
	"^DJI":   "^DJI",
	"IXIC":   "^IXIC",
	"NASDAQ": "^IXIC",
	"^IXIC":  "^IXIC",
	"NDX":    "^NDX",
	"^NDX":   "^NDX",
	"VIX":    "^VIX",
	"^VIX":   "^VIX",
	"RUT":    "^RUT",
	"^RUT":   "^RUT",
}

// CanonicalTicker normalizes a raw user-supplied code into its canonical form:
// uppercase, whitespace stripped, HK prefixes reduced to zero-padded digits.
// The function is idempotent: CanonicalTicker(CanonicalTicker(x)) == CanonicalTicker(x).
func CanonicalTicker(raw string) string {
	code := strings.ToUpper(strings.TrimSpace(raw))
	code = strings.ReplaceAll(code, " ", "")

	// HK codes may arrive as "HK00700" or "hk700"; keep the digits, padded to 5.
	if strings.HasPrefix(code, "HK") {
		digits := code[2:]
		if hkCodePattern.MatchString(digits) {
			return padHK(digits)
		}
	}
	if len(code) <= 4 && hkCodePattern.MatchString(code) {
		return padHK(code)
	}

	return code
}

func padHK(digits string) string {
	for len(digits) < 5 {
		digits = "0" + digits
	}
	return digits
}

// InferMarket classifies a canonical ticker. Unrecognized codes return an
// empty market; callers treat that as "always open" rather than rejecting.
func InferMarket(ticker string) Market {
	code := CanonicalTicker(ticker)
	switch {
	case cnCodePattern.MatchString(code):
		return MarketCN
	case hkCanonicalCode.MatchString(code):
		return MarketHK
	case IsUSIndex(code):
		return MarketUS
	case usCodePattern.MatchString(code):
		return MarketUS
	default:
		return ""
	}
}

// IsUSIndex reports whether the canonical code is a recognized US index alias.
func IsUSIndex(ticker string) bool {
	_, ok := usIndexSymbols[CanonicalTicker(ticker)]
	return ok
}

// USIndexSymbol resolves an index alias to the caret-prefixed symbol used by
// the US quote source. Non-index tickers are returned unchanged.
func USIndexSymbol(ticker string) string {
	code := CanonicalTicker(ticker)
	if mapped, ok := usIndexSymbols[code]; ok {
		return mapped
	}
	return code
}
