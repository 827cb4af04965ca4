package market

import "sort"

// VWAPResult is the outcome of aggregating one pair's window of trades.
type VWAPResult struct {
	Price   float64
	Volume  float64
	Sources []string
}

// ComputeVWAP computes the volume-weighted average price over a window
// of trades. Trades with zero volume contribute zero to both numerator
// and denominator; when the total volume is zero there is nothing to
// emit and ok is false. Sources is the deduplicated, sorted set of
// contributing venues.
func ComputeVWAP(trades []Trade) (VWAPResult, bool) {
	if len(trades) == 0 {
		return VWAPResult{}, false
	}

	var weighted, total float64
	venues := make(map[string]struct{}, 4)
	for _, t := range trades {
		weighted += t.Price * t.Volume
		total += t.Volume
		venues[t.Venue] = struct{}{}
	}
	if total == 0 {
		return VWAPResult{}, false
	}

	sources := make([]string, 0, len(venues))
	for v := range venues {
		sources = append(sources, v)
	}
	sort.Strings(sources)

	return VWAPResult{
		Price:   weighted / total,
		Volume:  total,
		Sources: sources,
	}, true
}
