package collector

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/priceverse/priceverse/internal/market"
)

const coinbaseWSURL = "wss://ws-feed.exchange.coinbase.com"

// CoinbaseAdapter streams fills from the Coinbase matches channel.
// Coinbase does not list xmr-usd; the pair is simply absent from the
// symbol map, which is a feature, not an error.
type CoinbaseAdapter struct {
	url     string
	symbols *market.SymbolMap
}

// NewCoinbaseAdapter builds the Coinbase venue adapter.
func NewCoinbaseAdapter(url string) *CoinbaseAdapter {
	if url == "" {
		url = coinbaseWSURL
	}
	return &CoinbaseAdapter{
		url: url,
		symbols: market.NewSymbolMap("coinbase", map[market.Pair]string{
			market.BTCUSD: "BTC-USD",
			market.ETHUSD: "ETH-USD",
		}),
	}
}

func (a *CoinbaseAdapter) Venue() string               { return "coinbase" }
func (a *CoinbaseAdapter) Symbols() *market.SymbolMap  { return a.symbols }
func (a *CoinbaseAdapter) PingInterval() time.Duration { return 0 }
func (a *CoinbaseAdapter) PingPayload() []byte         { return nil }

func (a *CoinbaseAdapter) Dial(ctx context.Context, dialer *websocket.Dialer) (*websocket.Conn, error) {
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	return conn, err
}

func (a *CoinbaseAdapter) Subscribe(conn *websocket.Conn, pairs []market.Pair) error {
	products := a.symbols.Symbols(pairs)
	req := map[string]interface{}{
		"type":        "subscribe",
		"product_ids": products,
		"channels":    []string{"matches"},
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Control swallows subscription confirmations and venue errors.
func (a *CoinbaseAdapter) Control(frame []byte) ([]byte, bool) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, false
	}
	switch msg.Type {
	case "subscriptions", "error", "heartbeat":
		return nil, true
	}
	return nil, false
}

// coinbaseMatch is a fill on the matches channel.
type coinbaseMatch struct {
	Type      string    `json:"type"`
	TradeID   int64     `json:"trade_id"`
	ProductID string    `json:"product_id"`
	Price     string    `json:"price"`
	Size      string    `json:"size"`
	Time      time.Time `json:"time"`
}

// ParseMessage keeps only frames with type == "match".
func (a *CoinbaseAdapter) ParseMessage(frame []byte) []market.Trade {
	var msg coinbaseMatch
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Type != "match" {
		return nil
	}
	pair, ok := a.symbols.PairFor(msg.ProductID)
	if !ok {
		return nil
	}
	price, err1 := strconv.ParseFloat(msg.Price, 64)
	volume, err2 := strconv.ParseFloat(msg.Size, 64)
	if err1 != nil || err2 != nil || price <= 0 {
		return nil
	}
	return []market.Trade{{
		Venue:     a.Venue(),
		Pair:      pair,
		Price:     price,
		Volume:    volume,
		EventTime: msg.Time.UnixMilli(),
		TradeID:   strconv.FormatInt(msg.TradeID, 10),
	}}
}
