package collector

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/priceverse/priceverse/internal/market"
)

const krakenWSURL = "wss://ws.kraken.com"

// KrakenAdapter streams spot trades from the Kraken v1 trade channel.
// Kraken emits positional array frames rather than objects: the pair
// name sits in position 3 and the trade list in position 1.
type KrakenAdapter struct {
	url     string
	symbols *market.SymbolMap
}

// NewKrakenAdapter builds the Kraken venue adapter.
func NewKrakenAdapter(url string) *KrakenAdapter {
	if url == "" {
		url = krakenWSURL
	}
	return &KrakenAdapter{
		url: url,
		symbols: market.NewSymbolMap("kraken", map[market.Pair]string{
			market.BTCUSD: "XBT/USD",
			market.ETHUSD: "ETH/USD",
			market.XMRUSD: "XMR/USD",
		}),
	}
}

func (a *KrakenAdapter) Venue() string               { return "kraken" }
func (a *KrakenAdapter) Symbols() *market.SymbolMap  { return a.symbols }
func (a *KrakenAdapter) PingInterval() time.Duration { return 0 }
func (a *KrakenAdapter) PingPayload() []byte         { return nil }

func (a *KrakenAdapter) Dial(ctx context.Context, dialer *websocket.Dialer) (*websocket.Conn, error) {
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	return conn, err
}

func (a *KrakenAdapter) Subscribe(conn *websocket.Conn, pairs []market.Pair) error {
	req := map[string]interface{}{
		"event":        "subscribe",
		"pair":         a.symbols.Symbols(pairs),
		"subscription": map[string]string{"name": "trade"},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Control swallows Kraken event objects: systemStatus,
// subscriptionStatus and heartbeat frames.
func (a *KrakenAdapter) Control(frame []byte) ([]byte, bool) {
	var evt struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(frame, &evt); err == nil && evt.Event != "" {
		return nil, true
	}
	return nil, false
}

// ParseMessage decodes the positional trade frame:
// [channelID, [[price, volume, time, side, orderType, misc], ...],
// "trade", "XBT/USD"]. Only the most recent entry is emitted.
func (a *KrakenAdapter) ParseMessage(frame []byte) []market.Trade {
	var raw []json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil || len(raw) < 4 {
		return nil
	}

	var channel, symbol string
	if err := json.Unmarshal(raw[2], &channel); err != nil || channel != "trade" {
		return nil
	}
	if err := json.Unmarshal(raw[3], &symbol); err != nil {
		return nil
	}
	pair, ok := a.symbols.PairFor(symbol)
	if !ok {
		return nil
	}

	var entries [][]json.RawMessage
	if err := json.Unmarshal(raw[1], &entries); err != nil || len(entries) == 0 {
		return nil
	}

	// Entries arrive oldest first; the last one is the latest trade.
	entry := entries[len(entries)-1]
	if len(entry) < 3 {
		return nil
	}
	var priceStr, volumeStr, timeStr string
	if json.Unmarshal(entry[0], &priceStr) != nil ||
		json.Unmarshal(entry[1], &volumeStr) != nil ||
		json.Unmarshal(entry[2], &timeStr) != nil {
		return nil
	}

	price, err1 := strconv.ParseFloat(priceStr, 64)
	volume, err2 := strconv.ParseFloat(volumeStr, 64)
	seconds, err3 := strconv.ParseFloat(timeStr, 64)
	if err1 != nil || err2 != nil || err3 != nil || price <= 0 {
		return nil
	}

	return []market.Trade{{
		Venue:     a.Venue(),
		Pair:      pair,
		Price:     price,
		Volume:    volume,
		EventTime: int64(seconds * 1000),
		TradeID:   timeStr,
	}}
}
