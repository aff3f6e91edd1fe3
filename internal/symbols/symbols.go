// Package symbols holds the symbol algebra shared by the filter and the
// ranking engine: quote/base decomposition, the stablecoin set, and the
// spot-to-perpetual symbol mapping.
package symbols

import "strings"

// QuoteAssets are the quote currencies recognized when splitting a pair
// into base and quote. Order matters: longer suffixes are checked first so
// that e.g. FDUSD wins over USD-ish prefixes.
var QuoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "BTC", "ETH", "BNB"}

// Stablecoins lists base assets excluded from ranking when
// excludeStablecoins is set. TRIBE and RSR are inherited from the original
// operator list; confirmed to stay (see DESIGN.md).
var Stablecoins = map[string]bool{
	"USDT": true, "USDC": true, "BUSD": true, "DAI": true, "TUSD": true,
	"USDP": true, "USDD": true, "FRAX": true, "FDUSD": true, "PYUSD": true,
	"LUSD": true, "GUSD": true, "SUSD": true, "HUSD": true, "OUSD": true,
	"USDK": true, "USDN": true, "UST": true, "USTC": true, "CUSD": true,
	"DOLA": true, "USDX": true, "RSR": true, "TRIBE": true,
}

// futuresAliases maps micro-priced spot pairs to their "1000"-prefixed
// perpetual contracts.
var futuresAliases = map[string]string{
	"PEPEUSDT":  "1000PEPEUSDT",
	"SHIBUSDT":  "1000SHIBUSDT",
	"LUNCUSDT":  "1000LUNCUSDT",
	"XECUSDT":   "1000XECUSDT",
	"FLOKIUSDT": "1000FLOKIUSDT",
	"RATSUSDT":  "1000RATSUSDT",
	"BONKUSDT":  "1000BONKUSDT",
}

// leveragedTokenMarkers flag leveraged-token pairs that never enter the
// ranking universe.
var leveragedTokenMarkers = []string{"UP", "DOWN", "BULL", "BEAR"}

// SplitPair decomposes a trading pair into base and quote by suffix
// matching against QuoteAssets. Returns ok=false when no known quote
// matches or the base would be empty.
func SplitPair(symbol string) (base, quote string, ok bool) {
	for _, q := range QuoteAssets {
		if strings.HasSuffix(symbol, q) && len(symbol) > len(q) {
			return symbol[:len(symbol)-len(q)], q, true
		}
	}
	return "", "", false
}

// BaseAsset returns the base asset of a pair, or the symbol itself when the
// quote cannot be detected.
func BaseAsset(symbol string) string {
	if base, _, ok := SplitPair(symbol); ok {
		return base
	}
	return symbol
}

// IsStablecoinPair reports whether the pair's base asset is a stablecoin.
func IsStablecoinPair(symbol string) bool {
	return Stablecoins[BaseAsset(symbol)]
}

// IsLeveragedToken reports whether the symbol is an UP/DOWN/BULL/BEAR
// leveraged token pair.
func IsLeveragedToken(symbol string) bool {
	base := BaseAsset(symbol)
	for _, marker := range leveragedTokenMarkers {
		if strings.Contains(base, marker) {
			return true
		}
	}
	return false
}

// FuturesCandidates returns the perpetual symbols that could track the
// given spot pair, most specific first: the identical string, the fixed
// "1000"-prefixed alias, then the auto-derived 1000<base>USDT for any
// remaining USDT pair. The caller checks each against the live perpetual
// contract set.
func FuturesCandidates(symbol string) []string {
	candidates := []string{symbol}
	if alias, ok := futuresAliases[symbol]; ok {
		candidates = append(candidates, alias)
	} else if base, quote, ok := SplitPair(symbol); ok && quote == "USDT" && !strings.HasPrefix(base, "1000") {
		candidates = append(candidates, "1000"+base+"USDT")
	}
	return candidates
}

// ResolveFutures maps a spot pair to its perpetual contract using the
// supplied availability set. Returns "" when no candidate trades as a
// perpetual.
func ResolveFutures(symbol string, perpetuals map[string]bool) string {
	for _, candidate := range FuturesCandidates(symbol) {
		if perpetuals[candidate] {
			return candidate
		}
	}
	return ""
}
