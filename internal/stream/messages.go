package stream

import "encoding/json"

// Status is the connection state machine of the streaming client.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Subscription is one descriptor in the subscription registry. Descriptors
// are re-sent verbatim after every reconnect.
type Subscription struct {
	Type     string `json:"type"`
	Coin     string `json:"coin,omitempty"`
	Interval string `json:"interval,omitempty"`
}

// key is the canonical registry identity of a descriptor. Struct field order
// is fixed, so the JSON encoding is deterministic.
func (s Subscription) key() string {
	b, _ := json.Marshal(s)
	return string(b)
}

// AllMidsSubscription subscribes to mid prices for every instrument.
func AllMidsSubscription() Subscription {
	return Subscription{Type: "allMids"}
}

// TradesSubscription subscribes to trades for one instrument.
func TradesSubscription(coin string) Subscription {
	return Subscription{Type: "trades", Coin: coin}
}

// L2BookSubscription subscribes to the order book for one instrument.
func L2BookSubscription(coin string) Subscription {
	return Subscription{Type: "l2Book", Coin: coin}
}

// BboSubscription subscribes to best bid/offer for one instrument.
func BboSubscription(coin string) Subscription {
	return Subscription{Type: "bbo", Coin: coin}
}

// CandleSubscription subscribes to candles for one instrument and interval.
func CandleSubscription(coin, interval string) Subscription {
	return Subscription{Type: "candle", Coin: coin, Interval: interval}
}

// wireMessage is a client-to-server frame.
type wireMessage struct {
	Method       string        `json:"method"`
	Subscription *Subscription `json:"subscription,omitempty"`
}

// inboundFrame is a server-to-client frame: a channel tag plus payload.
type inboundFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// ChannelAllMids is the channel tag carrying mid-price maps.
const ChannelAllMids = "allMids"

// channelSubscriptionAck is the reserved acknowledgement channel; frames on
// it carry nothing of interest.
const channelSubscriptionAck = "subscriptionResponse"

// AllMids is the payload of one allMids frame.
type AllMids struct {
	Mids map[string]string `json:"mids"`
}
