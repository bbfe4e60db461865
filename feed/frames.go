package feed

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange channels. Frames on any other channel are ignored.
const (
	ChannelTicker        = "ticker"
	ChannelHeartbeats    = "heartbeats"
	ChannelSubscriptions = "subscriptions"
)

// request is an outbound subscribe/unsubscribe frame.
type request struct {
	Type       string   `json:"type"`
	Channel    string   `json:"channel"`
	ProductIDs []string `json:"product_ids"`
}

// envelope is the raw inbound frame shape shared by all channels.
type envelope struct {
	Channel string        `json:"channel"`
	Events  []tickerEvent `json:"events"`
}

type tickerEvent struct {
	Type    string      `json:"type"`
	Tickers []rawTicker `json:"tickers"`
}

// rawTicker carries prices as decimal strings and times as ISO-8601, the
// way the exchange publishes them.
type rawTicker struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Time      string `json:"time"`
}

// Tick is a parsed, validated price update for one product.
type Tick struct {
	ProductID string  `json:"product_id"`
	Price     float64 `json:"price"`
	TS        int64   `json:"ts"` // ms epoch
}

// Frame is the closed set of inbound frame variants. Parsing happens once
// at the boundary; everything past it switches on the concrete type
// instead of poking at raw JSON fields.
type Frame interface {
	frame()
}

// TickerFrame holds the usable ticks of a ticker-channel frame. Entries
// with a non-finite or non-positive price are dropped during decode.
type TickerFrame struct {
	Ticks []Tick
}

// HeartbeatFrame is a liveness signal carrying no data.
type HeartbeatFrame struct{}

// SubscriptionsFrame acknowledges a subscription change.
type SubscriptionsFrame struct{}

// UnknownFrame is a well-formed frame on a channel we do not consume.
type UnknownFrame struct {
	Channel string
}

func (TickerFrame) frame()        {}
func (HeartbeatFrame) frame()     {}
func (SubscriptionsFrame) frame() {}
func (UnknownFrame) frame()       {}

// decodeFrame parses one raw frame into its variant. An error means the
// frame was malformed; the caller logs and drops it without touching
// connection state.
func decodeFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	switch env.Channel {
	case ChannelTicker:
		var ticks []Tick
		for _, ev := range env.Events {
			for _, rt := range ev.Tickers {
				tick, ok := parseTicker(rt)
				if !ok {
					continue
				}
				ticks = append(ticks, tick)
			}
		}
		return TickerFrame{Ticks: ticks}, nil
	case ChannelHeartbeats:
		return HeartbeatFrame{}, nil
	case ChannelSubscriptions:
		return SubscriptionsFrame{}, nil
	default:
		return UnknownFrame{Channel: env.Channel}, nil
	}
}

// parseTicker validates one raw ticker entry. Prices come over the wire
// as decimal strings; they are parsed exactly and converted to float64
// only once, when stored.
func parseTicker(rt rawTicker) (Tick, bool) {
	symbol := CanonicalSymbol(rt.ProductID)
	if symbol == "" {
		return Tick{}, false
	}

	d, err := decimal.NewFromString(rt.Price)
	if err != nil {
		return Tick{}, false
	}
	price := d.InexactFloat64()
	if price <= 0 || math.IsInf(price, 0) || math.IsNaN(price) {
		return Tick{}, false
	}

	ts, err := time.Parse(time.RFC3339Nano, rt.Time)
	if err != nil {
		return Tick{}, false
	}

	return Tick{ProductID: symbol, Price: price, TS: ts.UnixMilli()}, true
}

// CanonicalSymbol normalizes a product identifier to the uppercase,
// exchange-qualified form used as the Book key (e.g. "BTC-USD").
func CanonicalSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
