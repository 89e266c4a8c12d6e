package userstream

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/marketdesk/desk/errs"
	"github.com/marketdesk/desk/internal/observability"
	"github.com/marketdesk/desk/internal/rest"
	"github.com/marketdesk/desk/internal/schema"
)

// OrderAPI is the slice of the backend REST surface the actions layer needs.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, req rest.PlaceOrderRequest) (schema.Order, error)
	CancelOrder(ctx context.Context, req rest.CancelOrderRequest) error
}

// ActionOptions tunes the optimistic mutation timeouts.
type ActionOptions struct {
	PendingOrderTimeout     time.Duration
	OptimisticCancelTimeout time.Duration
}

// Actions submits orders and cancels through the REST API while reflecting
// each mutation optimistically in the store. The stream remains the source
// of truth: acknowledgements arrive as deltas and reconcile the local entry.
type Actions struct {
	store *Store
	api   OrderAPI
	opts  ActionOptions
}

// NewActions wires the actions layer to the store and REST client.
func NewActions(store *Store, api OrderAPI, opts ActionOptions) *Actions {
	if opts.PendingOrderTimeout <= 0 {
		opts.PendingOrderTimeout = 10 * time.Second
	}
	if opts.OptimisticCancelTimeout <= 0 {
		opts.OptimisticCancelTimeout = 5 * time.Second
	}
	return &Actions{store: store, api: api, opts: opts}
}

// PlaceOrder inserts a PENDING entry keyed by a generated client order id,
// then submits the order. On submission failure the pending entry is removed
// immediately and the error is returned to the caller.
func (a *Actions) PlaceOrder(ctx context.Context, req rest.PlaceOrderRequest) (schema.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	local := schema.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		OrigQty:       req.Quantity,
		Status:        schema.OrderStatusPending,
		UpdateTime:    time.Now().UnixMilli(),
	}
	a.store.AddPendingOrder(local, a.opts.PendingOrderTimeout)

	ack, err := a.api.PlaceOrder(ctx, req)
	if err != nil {
		observability.Log().Error("order submission failed",
			observability.F("clientOrderId", req.ClientOrderID),
			observability.F("error", err))
		a.store.RemovePendingOrder(req.ClientOrderID)
		return schema.Order{}, err
	}
	return ack, nil
}

// CancelOrder marks the order CANCELED locally and submits the cancel. On
// submission failure the error is returned; the rollback timer restores the
// pre-image if no stream update confirms the cancel.
func (a *Actions) CancelOrder(ctx context.Context, key string) error {
	order, ok := a.store.Order(key)
	if !ok {
		return errs.New("actions", errs.CodeNotFound,
			errs.WithMessage("no open order under key "+key))
	}
	a.store.AddOptimisticCancel(key, a.opts.OptimisticCancelTimeout)

	err := a.api.CancelOrder(ctx, rest.CancelOrderRequest{
		Symbol:        order.Symbol,
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		observability.Log().Error("cancel submission failed",
			observability.F("key", key),
			observability.F("error", err))
		return err
	}
	return nil
}
