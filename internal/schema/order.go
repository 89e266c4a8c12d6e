package schema

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates order lifecycle states reported by the backend.
type OrderStatus string

const (
	// OrderStatusPending marks a locally submitted, unacknowledged order.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusNew marks an order accepted by the exchange.
	OrderStatusNew OrderStatus = "NEW"
	// OrderStatusPartiallyFilled marks a partially executed order.
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	// OrderStatusFilled marks a fully executed order.
	OrderStatusFilled OrderStatus = "FILLED"
	// OrderStatusCanceled marks a canceled order.
	OrderStatusCanceled OrderStatus = "CANCELED"
	// OrderStatusRejected marks an order rejected by the exchange.
	OrderStatusRejected OrderStatus = "REJECTED"
	// OrderStatusExpired marks an order expired by the exchange.
	OrderStatusExpired OrderStatus = "EXPIRED"
)

// Terminal reports whether an order can no longer transition.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Order mirrors a backend order entry.
type Order struct {
	OrderID       int64           `json:"orderId,omitempty"`
	ClientOrderID string          `json:"clientOrderId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Type          string          `json:"type"`
	Price         decimal.Decimal `json:"price"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	Status        OrderStatus     `json:"status"`
	UpdateTime    int64           `json:"updateTime"`
}

// Key returns the open-orders map key: the numeric order id once assigned,
// otherwise the transient client order id.
func (o Order) Key() string {
	if o.OrderID != 0 {
		return strconv.FormatInt(o.OrderID, 10)
	}
	return o.ClientOrderID
}

// OrderDelta carries an incremental order update; nil fields are untouched
// when the delta is merged into an existing entry.
type OrderDelta struct {
	OrderID       int64            `json:"orderId,omitempty"`
	ClientOrderID string           `json:"clientOrderId,omitempty"`
	Symbol        *string          `json:"symbol,omitempty"`
	Side          *string          `json:"side,omitempty"`
	Type          *string          `json:"type,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	OrigQty       *decimal.Decimal `json:"origQty,omitempty"`
	ExecutedQty   *decimal.Decimal `json:"executedQty,omitempty"`
	Status        *OrderStatus     `json:"status,omitempty"`
	UpdateTime    *int64           `json:"updateTime,omitempty"`
}

// Key returns the map key the delta refers to.
func (d OrderDelta) Key() string {
	if d.OrderID != 0 {
		return strconv.FormatInt(d.OrderID, 10)
	}
	return d.ClientOrderID
}

// ApplyTo overwrites the fields present in the delta onto the order.
func (d OrderDelta) ApplyTo(o *Order) {
	if o == nil {
		return
	}
	if d.OrderID != 0 {
		o.OrderID = d.OrderID
	}
	if d.ClientOrderID != "" {
		o.ClientOrderID = d.ClientOrderID
	}
	if d.Symbol != nil {
		o.Symbol = *d.Symbol
	}
	if d.Side != nil {
		o.Side = *d.Side
	}
	if d.Type != nil {
		o.Type = *d.Type
	}
	if d.Price != nil {
		o.Price = *d.Price
	}
	if d.OrigQty != nil {
		o.OrigQty = *d.OrigQty
	}
	if d.ExecutedQty != nil {
		o.ExecutedQty = *d.ExecutedQty
	}
	if d.Status != nil {
		o.Status = *d.Status
	}
	if d.UpdateTime != nil {
		o.UpdateTime = *d.UpdateTime
	}
}

// Balance mirrors a backend asset balance.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}
