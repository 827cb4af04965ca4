package collector

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/priceverse/priceverse/internal/market"
)

const binanceWSURL = "wss://stream.binance.com:9443/ws"

// BinanceAdapter streams spot trades from the Binance trade channel.
type BinanceAdapter struct {
	url     string
	symbols *market.SymbolMap
}

// NewBinanceAdapter builds the Binance venue adapter. An empty url
// selects the production endpoint.
func NewBinanceAdapter(url string) *BinanceAdapter {
	if url == "" {
		url = binanceWSURL
	}
	return &BinanceAdapter{
		url: url,
		symbols: market.NewSymbolMap("binance", map[market.Pair]string{
			market.BTCUSD: "BTCUSDT",
			market.ETHUSD: "ETHUSDT",
			market.XMRUSD: "XMRUSDT",
		}),
	}
}

func (a *BinanceAdapter) Venue() string               { return "binance" }
func (a *BinanceAdapter) Symbols() *market.SymbolMap  { return a.symbols }
func (a *BinanceAdapter) PingInterval() time.Duration { return 0 }
func (a *BinanceAdapter) PingPayload() []byte         { return nil }

func (a *BinanceAdapter) Dial(ctx context.Context, dialer *websocket.Dialer) (*websocket.Conn, error) {
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	return conn, err
}

func (a *BinanceAdapter) Subscribe(conn *websocket.Conn, pairs []market.Pair) error {
	params := make([]string, 0, len(pairs))
	for _, sym := range a.symbols.Symbols(pairs) {
		params = append(params, strings.ToLower(sym)+"@trade")
	}
	req := map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     1,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Control swallows the subscription ack ({"result":null,"id":1}).
func (a *BinanceAdapter) Control(frame []byte) ([]byte, bool) {
	var ack struct {
		ID     *int            `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(frame, &ack); err == nil && ack.ID != nil {
		return nil, true
	}
	return nil, false
}

// binanceTrade is the object frame of the trade channel.
type binanceTrade struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func (a *BinanceAdapter) ParseMessage(frame []byte) []market.Trade {
	var msg binanceTrade
	if err := json.Unmarshal(frame, &msg); err != nil || msg.EventType != "trade" {
		return nil
	}
	pair, ok := a.symbols.PairFor(msg.Symbol)
	if !ok {
		return nil
	}
	price, err1 := strconv.ParseFloat(msg.Price, 64)
	volume, err2 := strconv.ParseFloat(msg.Quantity, 64)
	if err1 != nil || err2 != nil || price <= 0 {
		return nil
	}
	return []market.Trade{{
		Venue:     a.Venue(),
		Pair:      pair,
		Price:     price,
		Volume:    volume,
		EventTime: msg.TradeTime,
		TradeID:   strconv.FormatInt(msg.TradeID, 10),
	}}
}
