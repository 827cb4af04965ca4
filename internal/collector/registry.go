package collector

import (
	"fmt"

	"github.com/priceverse/priceverse/internal/errs"
	"github.com/priceverse/priceverse/internal/market"
	"github.com/priceverse/priceverse/internal/metrics"
	"github.com/priceverse/priceverse/internal/stream"
)

// Venues lists the supported venue names.
var Venues = []string{"binance", "kraken", "coinbase", "kucoin", "okx", "bybit"}

// NewForVenue builds a collector for a named venue with its production
// endpoint.
func NewForVenue(venue string, venues *stream.VenueLog, pairs []market.Pair, cfg Config, met *metrics.Pipeline) (*Collector, error) {
	var a adapter
	switch venue {
	case "binance":
		a = NewBinanceAdapter("")
	case "kraken":
		a = NewKrakenAdapter("")
	case "coinbase":
		a = NewCoinbaseAdapter("")
	case "kucoin":
		a = NewKuCoinAdapter("")
	case "okx":
		a = NewOKXAdapter("")
	case "bybit":
		a = NewBybitAdapter("")
	default:
		return nil, errs.Wrap(errs.ExchangeNotSupported,
			fmt.Sprintf("unknown venue %q", venue), nil)
	}
	return New(a, venues, pairs, cfg, met), nil
}
