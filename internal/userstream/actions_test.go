package userstream

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketdesk/desk/errs"
	"github.com/marketdesk/desk/internal/rest"
	"github.com/marketdesk/desk/internal/schema"
)

type fakeOrderAPI struct {
	store *Store

	placeReq       rest.PlaceOrderRequest
	placeErr       error
	pendingAtPlace bool

	cancelReq      rest.CancelOrderRequest
	cancelErr      error
	statusAtCancel schema.OrderStatus
}

func (f *fakeOrderAPI) PlaceOrder(ctx context.Context, req rest.PlaceOrderRequest) (schema.Order, error) {
	f.placeReq = req
	if order, ok := f.store.Order(req.ClientOrderID); ok {
		f.pendingAtPlace = order.Status == schema.OrderStatusPending
	}
	if f.placeErr != nil {
		return schema.Order{}, f.placeErr
	}
	return schema.Order{OrderID: 555, ClientOrderID: req.ClientOrderID, Symbol: req.Symbol, Status: schema.OrderStatusNew}, nil
}

func (f *fakeOrderAPI) CancelOrder(ctx context.Context, req rest.CancelOrderRequest) error {
	f.cancelReq = req
	if order, ok := f.store.Order("7"); ok {
		f.statusAtCancel = order.Status
	}
	return f.cancelErr
}

func newTestActions(t *testing.T) (*Actions, *Store, *fakeOrderAPI) {
	t.Helper()
	store, _ := newTestStore(t)
	api := &fakeOrderAPI{store: store}
	actions := NewActions(store, api, ActionOptions{
		PendingOrderTimeout:     time.Minute,
		OptimisticCancelTimeout: time.Minute,
	})
	return actions, store, api
}

func TestPlaceOrderAssignsClientIDAndInsertsPendingFirst(t *testing.T) {
	actions, store, api := newTestActions(t)

	ack, err := actions.PlaceOrder(context.Background(), rest.PlaceOrderRequest{
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Type:     "LIMIT",
		Quantity: decimal.RequireFromString("0.5"),
		Price:    decimal.RequireFromString("43000"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if api.placeReq.ClientOrderID == "" {
		t.Fatalf("no client order id assigned")
	}
	if !api.pendingAtPlace {
		t.Fatalf("pending entry not visible before the REST call returned")
	}
	if ack.OrderID != 555 {
		t.Fatalf("acknowledgement not returned: %+v", ack)
	}

	order, ok := store.Order(api.placeReq.ClientOrderID)
	if !ok || order.Status != schema.OrderStatusPending {
		t.Fatalf("pending entry missing after placement: %+v (%v)", order, ok)
	}
}

func TestPlaceOrderFailureRemovesPendingImmediately(t *testing.T) {
	actions, store, api := newTestActions(t)
	api.placeErr = errs.New("rest", errs.CodeInvalid, errs.WithMessage("bad quantity"))

	_, err := actions.PlaceOrder(context.Background(), rest.PlaceOrderRequest{
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Type:     "MARKET",
		Quantity: decimal.RequireFromString("0.5"),
	})
	if !errs.IsCode(err, errs.CodeInvalid) {
		t.Fatalf("expected submission error, got %v", err)
	}
	if _, ok := store.Order(api.placeReq.ClientOrderID); ok {
		t.Fatalf("rejected order left in the store")
	}
}

func TestCancelOrderFlipsLocallyBeforeSubmitting(t *testing.T) {
	actions, store, api := newTestActions(t)
	store.Apply(schema.OrdersSnapshot{
		OpenOrders: []schema.Order{newOrder(7, "BTCUSDT", schema.OrderStatusNew)},
		TS:         1,
	})

	if err := actions.CancelOrder(context.Background(), "7"); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
	if api.statusAtCancel != schema.OrderStatusCanceled {
		t.Fatalf("order not optimistically canceled before the REST call: %s", api.statusAtCancel)
	}
	if api.cancelReq.OrderID != 7 || api.cancelReq.Symbol != "BTCUSDT" {
		t.Fatalf("cancel request wrong: %+v", api.cancelReq)
	}
}

func TestCancelOrderUnknownKey(t *testing.T) {
	actions, _, _ := newTestActions(t)
	err := actions.CancelOrder(context.Background(), "missing")
	if !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCancelOrderSubmissionFailureReturnsError(t *testing.T) {
	actions, store, api := newTestActions(t)
	store.Apply(schema.OrdersSnapshot{
		OpenOrders: []schema.Order{newOrder(7, "BTCUSDT", schema.OrderStatusNew)},
		TS:         1,
	})
	api.cancelErr = errs.New("rest", errs.CodeUnavailable, errs.WithMessage("backend down"))

	err := actions.CancelOrder(context.Background(), "7")
	if !errs.IsCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	// The optimistic flip stays in place; the rollback timer owns recovery.
	order, _ := store.Order("7")
	if order.Status != schema.OrderStatusCanceled {
		t.Fatalf("optimistic flip reverted synchronously: %+v", order)
	}
}
