package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTickerFrame(t *testing.T) {
	data := []byte(`{
		"channel": "ticker",
		"events": [{
			"type": "update",
			"tickers": [
				{"product_id": "BTC-USD", "price": "50123.45", "time": "2024-01-15T10:30:00Z"},
				{"product_id": "eth-usd", "price": "3001.2", "time": "2024-01-15T10:30:00.250Z"}
			]
		}]
	}`)

	f, err := decodeFrame(data)
	require.NoError(t, err)
	tf, ok := f.(TickerFrame)
	require.True(t, ok)
	require.Len(t, tf.Ticks, 2)

	assert.Equal(t, "BTC-USD", tf.Ticks[0].ProductID)
	assert.InDelta(t, 50123.45, tf.Ticks[0].Price, 1e-9)
	assert.Equal(t, int64(1705314600000), tf.Ticks[0].TS)

	// Symbols are canonicalized to the uppercase exchange-qualified form.
	assert.Equal(t, "ETH-USD", tf.Ticks[1].ProductID)
	assert.Equal(t, int64(1705314600250), tf.Ticks[1].TS)
}

func TestDecodeSkipsUnusableTickers(t *testing.T) {
	data := []byte(`{
		"channel": "ticker",
		"events": [{
			"tickers": [
				{"product_id": "BTC-USD", "price": "0", "time": "2024-01-15T10:30:00Z"},
				{"product_id": "BTC-USD", "price": "-1.5", "time": "2024-01-15T10:30:00Z"},
				{"product_id": "BTC-USD", "price": "not-a-number", "time": "2024-01-15T10:30:00Z"},
				{"product_id": "BTC-USD", "price": "100", "time": "yesterday"},
				{"product_id": "", "price": "100", "time": "2024-01-15T10:30:00Z"},
				{"product_id": "BTC-USD", "price": "100", "time": "2024-01-15T10:30:00Z"}
			]
		}]
	}`)

	f, err := decodeFrame(data)
	require.NoError(t, err)
	tf := f.(TickerFrame)
	require.Len(t, tf.Ticks, 1, "only the finite positive fully-formed ticker survives")
	assert.InDelta(t, 100.0, tf.Ticks[0].Price, 1e-9)
}

func TestDecodeHeartbeatFrame(t *testing.T) {
	f, err := decodeFrame([]byte(`{"channel": "heartbeats"}`))
	require.NoError(t, err)
	assert.IsType(t, HeartbeatFrame{}, f)
}

func TestDecodeSubscriptionsFrame(t *testing.T) {
	f, err := decodeFrame([]byte(`{"channel": "subscriptions", "events": []}`))
	require.NoError(t, err)
	assert.IsType(t, SubscriptionsFrame{}, f)
}

func TestDecodeUnknownChannelIgnoredNotError(t *testing.T) {
	f, err := decodeFrame([]byte(`{"channel": "candles", "events": []}`))
	require.NoError(t, err)
	uf, ok := f.(UnknownFrame)
	require.True(t, ok)
	assert.Equal(t, "candles", uf.Channel)
}

func TestDecodeMalformedFrame(t *testing.T) {
	_, err := decodeFrame([]byte(`{"channel": "ticker", "events": [`))
	assert.Error(t, err)

	_, err = decodeFrame([]byte(`not json at all`))
	assert.Error(t, err)
}

func TestCanonicalSymbol(t *testing.T) {
	assert.Equal(t, "BTC-USD", CanonicalSymbol(" btc-usd "))
	assert.Equal(t, "ETH-USD", CanonicalSymbol("ETH-USD"))
	assert.Equal(t, "", CanonicalSymbol("   "))
}
