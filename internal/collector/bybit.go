package collector

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/priceverse/priceverse/internal/market"
)

const bybitWSURL = "wss://stream.bybit.com/v5/public/spot"

// BybitAdapter streams spot trades from the Bybit v5 publicTrade topic.
// Frames are keyed by topic with a data array.
type BybitAdapter struct {
	url     string
	symbols *market.SymbolMap
}

// NewBybitAdapter builds the Bybit venue adapter.
func NewBybitAdapter(url string) *BybitAdapter {
	if url == "" {
		url = bybitWSURL
	}
	return &BybitAdapter{
		url: url,
		symbols: market.NewSymbolMap("bybit", map[market.Pair]string{
			market.BTCUSD: "BTCUSDT",
			market.ETHUSD: "ETHUSDT",
			market.XMRUSD: "XMRUSDT",
		}),
	}
}

func (a *BybitAdapter) Venue() string               { return "bybit" }
func (a *BybitAdapter) Symbols() *market.SymbolMap  { return a.symbols }
func (a *BybitAdapter) PingInterval() time.Duration { return 20 * time.Second }

func (a *BybitAdapter) PingPayload() []byte {
	payload, _ := json.Marshal(map[string]string{"op": "ping"})
	return payload
}

func (a *BybitAdapter) Dial(ctx context.Context, dialer *websocket.Dialer) (*websocket.Conn, error) {
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	return conn, err
}

func (a *BybitAdapter) Subscribe(conn *websocket.Conn, pairs []market.Pair) error {
	args := make([]string, 0, len(pairs))
	for _, sym := range a.symbols.Symbols(pairs) {
		args = append(args, "publicTrade."+sym)
	}
	req := map[string]interface{}{"op": "subscribe", "args": args}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Control swallows op replies: subscribe acks and pongs.
func (a *BybitAdapter) Control(frame []byte) ([]byte, bool) {
	var msg struct {
		Op     string `json:"op"`
		RetMsg string `json:"ret_msg"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, false
	}
	if msg.Op != "" || msg.RetMsg == "pong" {
		return nil, true
	}
	return nil, false
}

// bybitTrades is a publicTrade push; T is epoch milliseconds.
type bybitTrades struct {
	Topic string `json:"topic"`
	Data  []struct {
		TradeTime int64  `json:"T"`
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		Volume    string `json:"v"`
		TradeID   string `json:"i"`
	} `json:"data"`
}

func (a *BybitAdapter) ParseMessage(frame []byte) []market.Trade {
	var msg bybitTrades
	if err := json.Unmarshal(frame, &msg); err != nil || len(msg.Data) == 0 {
		return nil
	}

	trades := make([]market.Trade, 0, len(msg.Data))
	for _, d := range msg.Data {
		pair, ok := a.symbols.PairFor(d.Symbol)
		if !ok {
			continue
		}
		price, err1 := strconv.ParseFloat(d.Price, 64)
		volume, err2 := strconv.ParseFloat(d.Volume, 64)
		if err1 != nil || err2 != nil || price <= 0 {
			continue
		}
		trades = append(trades, market.Trade{
			Venue:     a.Venue(),
			Pair:      pair,
			Price:     price,
			Volume:    volume,
			EventTime: d.TradeTime,
			TradeID:   d.TradeID,
		})
	}
	return trades
}
