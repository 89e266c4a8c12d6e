// Package schema defines the user-stream wire message shapes exchanged with
// the backend and the typed union inbound frames decode into.
package schema

import json "github.com/goccy/go-json"

// Type discriminates wire messages.
type Type string

const (
	// TypeWelcome greets a freshly opened connection.
	TypeWelcome Type = "welcome"
	// TypeOrdersSnapshot carries a full open-orders and balances replacement.
	TypeOrdersSnapshot Type = "orders_snapshot"
	// TypeOrderStoreBatch carries an ordered list of incremental events.
	TypeOrderStoreBatch Type = "order_store_batch"
	// TypeUserHeartbeat reports backend liveness and event staleness.
	TypeUserHeartbeat Type = "user_heartbeat"
	// TypeSystem carries an operator-facing notice.
	TypeSystem Type = "system"
	// TypePing is the application-level keepalive probe.
	TypePing Type = "ping"
	// TypePong answers a ping.
	TypePong Type = "pong"
	// TypeError reports a backend stream error.
	TypeError Type = "error"
	// TypeResnapshot requests a fresh orders snapshot.
	TypeResnapshot Type = "resnapshot"
	// TypeSubscribe adds a public-stream symbol subscription.
	TypeSubscribe Type = "subscribe"
	// TypeUnsubscribe removes a public-stream symbol subscription.
	TypeUnsubscribe Type = "unsubscribe"
)

// Message is the closed set of decoded inbound frames.
type Message interface {
	MessageType() Type
}

// Welcome greets a new connection.
type Welcome struct {
	TS      int64  `json:"ts"`
	Message string `json:"message"`
}

// MessageType implements Message.
func (Welcome) MessageType() Type { return TypeWelcome }

// OrdersSnapshot replaces open orders and balances wholesale.
type OrdersSnapshot struct {
	OpenOrders     []Order          `json:"openOrders"`
	Balances       []Balance        `json:"balances"`
	History        []Order          `json:"history,omitempty"`
	LastEventAgeMs *int64           `json:"lastEventAgeMs,omitempty"`
	Fallback       bool             `json:"fallback,omitempty"`
	MergeStats     map[string]int64 `json:"mergeStats,omitempty"`
	TS             int64            `json:"ts"`
}

// MessageType implements Message.
func (OrdersSnapshot) MessageType() Type { return TypeOrdersSnapshot }

// EventKind discriminates entries inside an order_store_batch.
type EventKind string

const (
	// EventKindOrderDelta updates a single order.
	EventKindOrderDelta EventKind = "order_delta"
	// EventKindBalanceDelta overwrites one or more asset balances.
	EventKindBalanceDelta EventKind = "balance_delta"
)

// StoreEvent is one entry of an order_store_batch.
type StoreEvent struct {
	Kind     EventKind   `json:"type"`
	Order    *OrderDelta `json:"order,omitempty"`
	Balances []Balance   `json:"balances,omitempty"`
}

// OrderStoreBatch applies an ordered list of incremental events.
type OrderStoreBatch struct {
	SchemaVersion  int          `json:"schemaVersion"`
	Events         []StoreEvent `json:"events"`
	BatchSize      int          `json:"batchSize"`
	TS             int64        `json:"ts"`
	LastEventAgeMs *int64       `json:"lastEventAgeMs,omitempty"`
}

// MessageType implements Message.
func (OrderStoreBatch) MessageType() Type { return TypeOrderStoreBatch }

// UserHeartbeat reports backend liveness.
type UserHeartbeat struct {
	TS             int64  `json:"ts"`
	LastEventAgeMs *int64 `json:"lastEventAgeMs,omitempty"`
}

// MessageType implements Message.
func (UserHeartbeat) MessageType() Type { return TypeUserHeartbeat }

// SystemNotice carries an operator-facing message.
type SystemNotice struct {
	Level          string           `json:"level"`
	Message        string           `json:"message"`
	TS             int64            `json:"ts"`
	LastEventAgeMs *int64           `json:"lastEventAgeMs,omitempty"`
	MergeStats     map[string]int64 `json:"mergeStats,omitempty"`
}

// MessageType implements Message.
func (SystemNotice) MessageType() Type { return TypeSystem }

// Ping is the inbound keepalive probe.
type Ping struct{}

// MessageType implements Message.
func (Ping) MessageType() Type { return TypePing }

// Pong answers a keepalive probe.
type Pong struct {
	TS int64 `json:"ts"`
}

// MessageType implements Message.
func (Pong) MessageType() Type { return TypePong }

// StreamError reports a backend stream failure.
type StreamError struct {
	Message string `json:"message"`
}

// MessageType implements Message.
func (StreamError) MessageType() Type { return TypeError }

// Unknown preserves a frame whose type is not part of the closed set.
// Downstream consumers ignore it.
type Unknown struct {
	Kind Type
	Raw  json.RawMessage
}

// MessageType implements Message.
func (u Unknown) MessageType() Type { return u.Kind }

// LastEventAge extracts the server-reported staleness from messages that
// carry one.
func LastEventAge(m Message) (int64, bool) {
	var age *int64
	switch v := m.(type) {
	case OrdersSnapshot:
		age = v.LastEventAgeMs
	case OrderStoreBatch:
		age = v.LastEventAgeMs
	case UserHeartbeat:
		age = v.LastEventAgeMs
	case SystemNotice:
		age = v.LastEventAgeMs
	}
	if age == nil {
		return 0, false
	}
	return *age, true
}

// Control is an outbound client-to-backend frame.
type Control struct {
	Type   Type   `json:"type"`
	Symbol string `json:"symbol,omitempty"`
}

// NewResnapshot builds a resnapshot request frame.
func NewResnapshot() Control { return Control{Type: TypeResnapshot} }

// NewPing builds an application-level ping frame.
func NewPing() Control { return Control{Type: TypePing} }

// NewPong builds an application-level pong frame.
func NewPong() Control { return Control{Type: TypePong} }

// NewSubscribe builds a symbol subscription frame.
func NewSubscribe(symbol string) Control { return Control{Type: TypeSubscribe, Symbol: symbol} }

// NewUnsubscribe builds a symbol unsubscription frame.
func NewUnsubscribe(symbol string) Control { return Control{Type: TypeUnsubscribe, Symbol: symbol} }
