package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/priceverse/priceverse/internal/market"
)

const okxWSURL = "wss://ws.okx.com:8443/ws/v5/public"

// OKXAdapter streams spot trades from the OKX v5 trades channel.
// Frames are keyed by arg.channel with a data array.
type OKXAdapter struct {
	url     string
	symbols *market.SymbolMap
}

// NewOKXAdapter builds the OKX venue adapter.
func NewOKXAdapter(url string) *OKXAdapter {
	if url == "" {
		url = okxWSURL
	}
	return &OKXAdapter{
		url: url,
		symbols: market.NewSymbolMap("okx", map[market.Pair]string{
			market.BTCUSD: "BTC-USDT",
			market.ETHUSD: "ETH-USDT",
			market.XMRUSD: "XMR-USDT",
		}),
	}
}

func (a *OKXAdapter) Venue() string              { return "okx" }
func (a *OKXAdapter) Symbols() *market.SymbolMap { return a.symbols }

// OKX drops connections idle for 30s; a literal "ping" keeps it open.
func (a *OKXAdapter) PingInterval() time.Duration { return 15 * time.Second }
func (a *OKXAdapter) PingPayload() []byte         { return []byte("ping") }

func (a *OKXAdapter) Dial(ctx context.Context, dialer *websocket.Dialer) (*websocket.Conn, error) {
	conn, _, err := dialer.DialContext(ctx, a.url, nil)
	return conn, err
}

func (a *OKXAdapter) Subscribe(conn *websocket.Conn, pairs []market.Pair) error {
	args := make([]map[string]string, 0, len(pairs))
	for _, sym := range a.symbols.Symbols(pairs) {
		args = append(args, map[string]string{"channel": "trades", "instId": sym})
	}
	req := map[string]interface{}{"op": "subscribe", "args": args}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Control swallows pong replies and event frames (subscribe acks,
// venue errors).
func (a *OKXAdapter) Control(frame []byte) ([]byte, bool) {
	if bytes.Equal(frame, []byte("pong")) {
		return nil, true
	}
	var evt struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(frame, &evt); err == nil && evt.Event != "" {
		return nil, true
	}
	return nil, false
}

// okxTrades is a data push on the trades channel.
type okxTrades struct {
	Arg struct {
		Channel string `json:"channel"`
		InstID  string `json:"instId"`
	} `json:"arg"`
	Data []struct {
		InstID  string `json:"instId"`
		TradeID string `json:"tradeId"`
		Price   string `json:"px"`
		Size    string `json:"sz"`
		TS      string `json:"ts"`
	} `json:"data"`
}

func (a *OKXAdapter) ParseMessage(frame []byte) []market.Trade {
	var msg okxTrades
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Arg.Channel != "trades" {
		return nil
	}
	pair, ok := a.symbols.PairFor(msg.Arg.InstID)
	if !ok {
		return nil
	}

	trades := make([]market.Trade, 0, len(msg.Data))
	for _, d := range msg.Data {
		price, err1 := strconv.ParseFloat(d.Price, 64)
		volume, err2 := strconv.ParseFloat(d.Size, 64)
		ts, err3 := strconv.ParseInt(d.TS, 10, 64)
		if err1 != nil || err2 != nil || err3 != nil || price <= 0 {
			continue
		}
		trades = append(trades, market.Trade{
			Venue:     a.Venue(),
			Pair:      pair,
			Price:     price,
			Volume:    volume,
			EventTime: ts,
			TradeID:   d.TradeID,
		})
	}
	return trades
}
