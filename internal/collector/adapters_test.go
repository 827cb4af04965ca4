package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priceverse/priceverse/internal/market"
)

func TestBinanceParseMessage(t *testing.T) {
	a := NewBinanceAdapter("")
	frame := []byte(`{"e":"trade","s":"BTCUSDT","t":12345,"p":"50000.10","q":"0.25","T":1700000000123}`)

	trades := a.ParseMessage(frame)
	require.Len(t, trades, 1)
	assert.Equal(t, "binance", trades[0].Venue)
	assert.Equal(t, market.BTCUSD, trades[0].Pair)
	assert.Equal(t, 50000.10, trades[0].Price)
	assert.Equal(t, 0.25, trades[0].Volume)
	assert.Equal(t, int64(1700000000123), trades[0].EventTime)
	assert.Equal(t, "12345", trades[0].TradeID)
}

func TestBinanceControlSwallowsAck(t *testing.T) {
	a := NewBinanceAdapter("")
	reply, handled := a.Control([]byte(`{"result":null,"id":1}`))
	assert.True(t, handled)
	assert.Nil(t, reply)

	_, handled = a.Control([]byte(`{"e":"trade","s":"BTCUSDT"}`))
	assert.False(t, handled)
}

func TestBinanceParseIgnoresOtherEvents(t *testing.T) {
	a := NewBinanceAdapter("")
	assert.Nil(t, a.ParseMessage([]byte(`{"e":"depthUpdate","s":"BTCUSDT"}`)))
	assert.Nil(t, a.ParseMessage([]byte(`{"e":"trade","s":"DOGEUSDT","p":"1","q":"1","T":1}`)))
	assert.Nil(t, a.ParseMessage([]byte(`not json`)))
}

func TestKrakenParseMessage(t *testing.T) {
	a := NewKrakenAdapter("")
	// Two entries: only the most recent is emitted.
	frame := []byte(`[42,[["50000.1","0.5","1700000000.1234","b","l",""],["50001.2","0.3","1700000001.5678","s","m",""]],"trade","XBT/USD"]`)

	trades := a.ParseMessage(frame)
	require.Len(t, trades, 1)
	assert.Equal(t, market.BTCUSD, trades[0].Pair)
	assert.Equal(t, 50001.2, trades[0].Price)
	assert.Equal(t, 0.3, trades[0].Volume)
	assert.Equal(t, int64(1700000001567), trades[0].EventTime)
	assert.Equal(t, "1700000001.5678", trades[0].TradeID)
}

func TestKrakenControlSwallowsEvents(t *testing.T) {
	a := NewKrakenAdapter("")
	for _, frame := range []string{
		`{"event":"systemStatus","status":"online"}`,
		`{"event":"subscriptionStatus","status":"subscribed"}`,
		`{"event":"heartbeat"}`,
	} {
		_, handled := a.Control([]byte(frame))
		assert.True(t, handled, frame)
	}

	_, handled := a.Control([]byte(`[42,[],"trade","XBT/USD"]`))
	assert.False(t, handled)
}

func TestCoinbaseParseMessage(t *testing.T) {
	a := NewCoinbaseAdapter("")
	frame := []byte(`{"type":"match","trade_id":777,"product_id":"ETH-USD","price":"3000.5","size":"1.5","time":"2023-11-14T22:13:20.123Z"}`)

	trades := a.ParseMessage(frame)
	require.Len(t, trades, 1)
	assert.Equal(t, market.ETHUSD, trades[0].Pair)
	assert.Equal(t, 3000.5, trades[0].Price)
	assert.Equal(t, 1.5, trades[0].Volume)
	assert.Equal(t, "777", trades[0].TradeID)

	// Non-match frames and unknown products are dropped.
	assert.Nil(t, a.ParseMessage([]byte(`{"type":"heartbeat"}`)))
	assert.Nil(t, a.ParseMessage([]byte(`{"type":"match","product_id":"XMR-USD","price":"150","size":"1","time":"2023-11-14T22:13:20Z"}`)))
}

func TestCoinbaseSymbolsExcludeMonero(t *testing.T) {
	a := NewCoinbaseAdapter("")
	_, ok := a.Symbols().Symbol(market.XMRUSD)
	assert.False(t, ok)
}

func TestKuCoinParseMessage(t *testing.T) {
	a := NewKuCoinAdapter("")
	frame := []byte(`{"type":"message","topic":"/market/match:BTC-USDT","data":{"symbol":"BTC-USDT","price":"50000","size":"0.1","time":"1700000000123456789","tradeId":"abc"}}`)

	trades := a.ParseMessage(frame)
	require.Len(t, trades, 1)
	assert.Equal(t, market.BTCUSD, trades[0].Pair)
	assert.Equal(t, int64(1700000000123), trades[0].EventTime)
	assert.Equal(t, "abc", trades[0].TradeID)
}

func TestKuCoinControlAnswersServerPing(t *testing.T) {
	a := NewKuCoinAdapter("")

	reply, handled := a.Control([]byte(`{"id":"xyz","type":"ping"}`))
	require.True(t, handled)
	assert.JSONEq(t, `{"id":"xyz","type":"pong"}`, string(reply))

	for _, frame := range []string{
		`{"id":"1","type":"welcome"}`,
		`{"id":"2","type":"ack"}`,
		`{"id":"3","type":"pong"}`,
	} {
		reply, handled := a.Control([]byte(frame))
		assert.True(t, handled, frame)
		assert.Nil(t, reply)
	}
}

func TestOKXParseMessage(t *testing.T) {
	a := NewOKXAdapter("")
	frame := []byte(`{"arg":{"channel":"trades","instId":"XMR-USDT"},"data":[{"instId":"XMR-USDT","tradeId":"9","px":"150.25","sz":"2","ts":"1700000000123"},{"instId":"XMR-USDT","tradeId":"10","px":"150.30","sz":"1","ts":"1700000000456"}]}`)

	trades := a.ParseMessage(frame)
	require.Len(t, trades, 2)
	assert.Equal(t, market.XMRUSD, trades[0].Pair)
	assert.Equal(t, 150.25, trades[0].Price)
	assert.Equal(t, "10", trades[1].TradeID)
}

func TestOKXControlHandlesLiteralPong(t *testing.T) {
	a := NewOKXAdapter("")

	_, handled := a.Control([]byte("pong"))
	assert.True(t, handled)

	_, handled = a.Control([]byte(`{"event":"subscribe","arg":{"channel":"trades"}}`))
	assert.True(t, handled)

	_, handled = a.Control([]byte(`{"arg":{"channel":"trades"},"data":[]}`))
	assert.False(t, handled)
}

func TestBybitParseMessage(t *testing.T) {
	a := NewBybitAdapter("")
	frame := []byte(`{"topic":"publicTrade.BTCUSDT","data":[{"T":1700000000123,"s":"BTCUSDT","p":"50000","v":"0.5","i":"trade-1"}]}`)

	trades := a.ParseMessage(frame)
	require.Len(t, trades, 1)
	assert.Equal(t, market.BTCUSD, trades[0].Pair)
	assert.Equal(t, int64(1700000000123), trades[0].EventTime)
	assert.Equal(t, "trade-1", trades[0].TradeID)
}

func TestBybitControlSwallowsOps(t *testing.T) {
	a := NewBybitAdapter("")

	_, handled := a.Control([]byte(`{"op":"subscribe","success":true}`))
	assert.True(t, handled)

	_, handled = a.Control([]byte(`{"ret_msg":"pong","op":"ping"}`))
	assert.True(t, handled)

	_, handled = a.Control([]byte(`{"topic":"publicTrade.BTCUSDT","data":[]}`))
	assert.False(t, handled)
}

func TestNewForVenueRejectsUnknown(t *testing.T) {
	_, err := NewForVenue("deribit", nil, nil, DefaultConfig(), nil)
	require.Error(t, err)

	for _, venue := range Venues {
		c, err := NewForVenue(venue, nil, market.BasePairs, DefaultConfig(), nil)
		require.NoError(t, err, venue)
		assert.Equal(t, venue, c.Venue())
	}
}
