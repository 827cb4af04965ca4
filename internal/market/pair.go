// Package market holds the shared domain types of the price pipeline:
// trading pairs, normalized trades, canonical prices and OHLCV candles.
package market

import "github.com/priceverse/priceverse/internal/errs"

// Pair is a canonical trading pair identifier, e.g. "btc-usd".
type Pair string

const (
	BTCUSD Pair = "btc-usd"
	ETHUSD Pair = "eth-usd"
	XMRUSD Pair = "xmr-usd"
	BTCRUB Pair = "btc-rub"
	ETHRUB Pair = "eth-rub"
	XMRRUB Pair = "xmr-rub"
)

// BasePairs are fed by venue trades; DerivedPairs are produced from the
// base price multiplied by the fiat rate and are never fed by venues.
var (
	BasePairs    = []Pair{BTCUSD, ETHUSD, XMRUSD}
	DerivedPairs = []Pair{BTCRUB, ETHRUB, XMRRUB}

	derivedOf = map[Pair]Pair{
		BTCUSD: BTCRUB,
		ETHUSD: ETHRUB,
		XMRUSD: XMRRUB,
	}
)

// AllPairs returns the closed set of recognized pairs.
func AllPairs() []Pair {
	out := make([]Pair, 0, len(BasePairs)+len(DerivedPairs))
	out = append(out, BasePairs...)
	out = append(out, DerivedPairs...)
	return out
}

// ValidPair reports whether p belongs to the closed pair set.
func ValidPair(p Pair) bool {
	for _, q := range AllPairs() {
		if p == q {
			return true
		}
	}
	return false
}

// IsBase reports whether p is one of the venue-fed USD pairs.
func IsBase(p Pair) bool {
	_, ok := derivedOf[p]
	return ok
}

// Derived returns the RUB pair derived from a base pair.
func Derived(base Pair) (Pair, bool) {
	d, ok := derivedOf[base]
	return d, ok
}

// ParsePair validates a wire-level pair string.
func ParsePair(s string) (Pair, error) {
	p := Pair(s)
	if !ValidPair(p) {
		return "", errs.Newf(errs.InvalidPair, "unknown pair %q", s)
	}
	return p, nil
}

// SymbolMap is a per-venue mapping from canonical pair to the venue's
// native symbol. A pair absent from the map means the venue does not
// contribute to it.
type SymbolMap struct {
	venue   string
	forward map[Pair]string
	reverse map[string]Pair
}

// NewSymbolMap builds a symbol map with its reverse lookup.
func NewSymbolMap(venue string, forward map[Pair]string) *SymbolMap {
	reverse := make(map[string]Pair, len(forward))
	for pair, sym := range forward {
		reverse[sym] = pair
	}
	return &SymbolMap{venue: venue, forward: forward, reverse: reverse}
}

// Venue returns the owning venue name.
func (m *SymbolMap) Venue() string { return m.venue }

// Symbol returns the venue-native symbol for a pair.
func (m *SymbolMap) Symbol(p Pair) (string, bool) {
	s, ok := m.forward[p]
	return s, ok
}

// PairFor resolves a venue-native symbol back to the canonical pair.
func (m *SymbolMap) PairFor(symbol string) (Pair, bool) {
	p, ok := m.reverse[symbol]
	return p, ok
}

// Symbols lists the venue-native symbols for the given pairs, skipping
// pairs the venue does not carry.
func (m *SymbolMap) Symbols(pairs []Pair) []string {
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if s, ok := m.forward[p]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Pairs lists the canonical pairs this venue contributes to.
func (m *SymbolMap) Pairs() []Pair {
	out := make([]Pair, 0, len(m.forward))
	for p := range m.forward {
		out = append(out, p)
	}
	return out
}
