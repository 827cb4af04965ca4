package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/priceverse/priceverse/internal/market"
)

const (
	kucoinBulletURL = "https://api.kucoin.com/api/v1/bullet-public"

	// welcomeTimeout bounds the wait for the server welcome frame
	// that must arrive before subscribing.
	kucoinWelcomeTimeout = 10 * time.Second
)

// KuCoinAdapter streams fills from the KuCoin match channel. The venue
// requires a two-phase handshake: a bullet POST yields the socket
// endpoint, a connect token and the ping cadence; the socket then
// greets with a welcome frame before accepting subscriptions.
type KuCoinAdapter struct {
	bulletURL  string
	httpClient *http.Client
	limiter    *rate.Limiter
	symbols    *market.SymbolMap

	// pingIntervalMs is advertised by the bullet response and read
	// after Dial; the connection must be kept alive at this cadence.
	pingIntervalMs int64
}

// NewKuCoinAdapter builds the KuCoin venue adapter. An empty bulletURL
// selects the production endpoint.
func NewKuCoinAdapter(bulletURL string) *KuCoinAdapter {
	if bulletURL == "" {
		bulletURL = kucoinBulletURL
	}
	return &KuCoinAdapter{
		bulletURL:      bulletURL,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		limiter:        rate.NewLimiter(rate.Every(time.Second), 3),
		pingIntervalMs: 18000,
		symbols: market.NewSymbolMap("kucoin", map[market.Pair]string{
			market.BTCUSD: "BTC-USDT",
			market.ETHUSD: "ETH-USDT",
			market.XMRUSD: "XMR-USDT",
		}),
	}
}

func (a *KuCoinAdapter) Venue() string              { return "kucoin" }
func (a *KuCoinAdapter) Symbols() *market.SymbolMap { return a.symbols }

func (a *KuCoinAdapter) PingInterval() time.Duration {
	return time.Duration(a.pingIntervalMs) * time.Millisecond
}

func (a *KuCoinAdapter) PingPayload() []byte {
	payload, _ := json.Marshal(map[string]string{
		"id":   strconv.FormatInt(time.Now().UnixNano(), 10),
		"type": "ping",
	})
	return payload
}

type kucoinBulletResponse struct {
	Code string `json:"code"`
	Data struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			PingInterval int64  `json:"pingInterval"`
		} `json:"instanceServers"`
	} `json:"data"`
}

// Dial performs the bullet handshake, opens the advertised endpoint and
// waits for the welcome frame.
func (a *KuCoinAdapter) Dial(ctx context.Context, dialer *websocket.Dialer) (*websocket.Conn, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.bulletURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bullet request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bullet request: unexpected status %d", resp.StatusCode)
	}

	var bullet kucoinBulletResponse
	if err := json.NewDecoder(resp.Body).Decode(&bullet); err != nil {
		return nil, fmt.Errorf("bullet response: %w", err)
	}
	if len(bullet.Data.InstanceServers) == 0 || bullet.Data.Token == "" {
		return nil, fmt.Errorf("bullet response: no instance servers")
	}
	server := bullet.Data.InstanceServers[0]
	if server.PingInterval > 0 {
		a.pingIntervalMs = server.PingInterval
	}

	endpoint := fmt.Sprintf("%s?token=%s&connectId=%s",
		server.Endpoint, bullet.Data.Token, uuid.NewString())
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	if err := a.awaitWelcome(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (a *KuCoinAdapter) awaitWelcome(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(kucoinWelcomeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	_, frame, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("await welcome: %w", err)
	}
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Type != "welcome" {
		return fmt.Errorf("await welcome: unexpected frame %s", frame)
	}
	return nil
}

func (a *KuCoinAdapter) Subscribe(conn *websocket.Conn, pairs []market.Pair) error {
	topic := "/market/match:" + strings.Join(a.symbols.Symbols(pairs), ",")
	req := map[string]interface{}{
		"id":             strconv.FormatInt(time.Now().UnixNano(), 10),
		"type":           "subscribe",
		"topic":          topic,
		"privateChannel": false,
		"response":       true,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Control swallows the subscribe ack and pong replies, and answers the
// server's own pings with a pong.
func (a *KuCoinAdapter) Control(frame []byte) ([]byte, bool) {
	var msg struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, false
	}
	switch msg.Type {
	case "welcome", "ack", "pong":
		return nil, true
	case "ping":
		reply, _ := json.Marshal(map[string]string{"id": msg.ID, "type": "pong"})
		return reply, true
	}
	return nil, false
}

// kucoinMatch is a fill on the match channel; time is nanoseconds.
type kucoinMatch struct {
	Type string `json:"type"`
	Data struct {
		Symbol  string `json:"symbol"`
		Price   string `json:"price"`
		Size    string `json:"size"`
		Time    string `json:"time"`
		TradeID string `json:"tradeId"`
	} `json:"data"`
}

func (a *KuCoinAdapter) ParseMessage(frame []byte) []market.Trade {
	var msg kucoinMatch
	if err := json.Unmarshal(frame, &msg); err != nil || msg.Type != "message" {
		return nil
	}
	pair, ok := a.symbols.PairFor(msg.Data.Symbol)
	if !ok {
		return nil
	}
	price, err1 := strconv.ParseFloat(msg.Data.Price, 64)
	volume, err2 := strconv.ParseFloat(msg.Data.Size, 64)
	nanos, err3 := strconv.ParseInt(msg.Data.Time, 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || price <= 0 {
		return nil
	}
	return []market.Trade{{
		Venue:     a.Venue(),
		Pair:      pair,
		Price:     price,
		Volume:    volume,
		EventTime: nanos / int64(time.Millisecond),
		TradeID:   msg.Data.TradeID,
	}}
}
