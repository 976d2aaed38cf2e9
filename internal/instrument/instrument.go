// Package instrument normalizes instrument identifiers and asset classes.
//
// Every market-facing call in the system goes through Canonical and
// NormalizeClass first, so downstream components never see raw broker
// spellings like "btc-usd" or asset classes outside the closed set.
package instrument

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// AssetClass is the closed set of tradable asset classes.
type AssetClass string

const (
	ClassCrypto AssetClass = "crypto"
	ClassForex  AssetClass = "forex"
	ClassEquity AssetClass = "equity"
)

// classAliases maps known asset-class variants to their canonical value.
var classAliases = map[string]AssetClass{
	"crypto":         ClassCrypto,
	"cryptocurrency": ClassCrypto,
	"coin":           ClassCrypto,
	"spot":           ClassCrypto,
	"perp":           ClassCrypto,
	"perpetual":      ClassCrypto,
	"forex":          ClassForex,
	"fx":             ClassForex,
	"currency":       ClassForex,
	"equity":         ClassEquity,
	"equities":       ClassEquity,
	"stock":          ClassEquity,
	"stocks":         ClassEquity,
	"shares":         ClassEquity,
}

// Canonical returns the canonical uppercase identifier with separators
// stripped: "BTC/USD", "btc-usd" and "BTCUSD" all map to "BTCUSD".
// Canonical is idempotent and total.
func Canonical(symbol string) string {
	var b strings.Builder
	b.Grow(len(symbol))
	for _, r := range strings.ToUpper(strings.TrimSpace(symbol)) {
		switch r {
		case '/', '-', '_', ':', '.', ' ':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeClass maps an arbitrary asset-class string onto the closed set.
// Unknown values default to crypto with a logged warning; the raw value never
// propagates.
func NormalizeClass(raw string) AssetClass {
	key := strings.ToLower(strings.TrimSpace(raw))
	if class, ok := classAliases[key]; ok {
		return class
	}
	log.Warn().
		Str("asset_class", raw).
		Str("default", string(ClassCrypto)).
		Msg("Unknown asset class, defaulting to crypto")
	return ClassCrypto
}

// ValidClass reports whether class is already a member of the canonical set.
// The risk gatekeeper uses this as its asset-class sanity check.
func ValidClass(class AssetClass) bool {
	switch class {
	case ClassCrypto, ClassForex, ClassEquity:
		return true
	default:
		return false
	}
}
