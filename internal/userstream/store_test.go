package userstream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/marketdesk/desk/internal/schema"
)

type fakeStream struct {
	mu      sync.Mutex
	sent    []any
	openErr error
}

func (f *fakeStream) Send(v any) (bool, error) {
	f.mu.Lock()
	f.sent = append(f.sent, v)
	f.mu.Unlock()
	return true, nil
}

func (f *fakeStream) WaitUntilOpen(ctx context.Context, timeout time.Duration) error {
	return f.openErr
}

func (f *fakeStream) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestStore(t *testing.T) (*Store, *fakeStream) {
	t.Helper()
	stream := &fakeStream{}
	store := NewStore(stream, Options{
		ResnapshotWait: 50 * time.Millisecond,
		FreshnessTick:  10 * time.Millisecond,
	})
	t.Cleanup(store.Close)
	return store, stream
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

func statusPtr(s schema.OrderStatus) *schema.OrderStatus { return &s }
func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
func int64Ptr(v int64) *int64 { return &v }

func newOrder(id int64, symbol string, status schema.OrderStatus) schema.Order {
	return schema.Order{
		OrderID:    id,
		Symbol:     symbol,
		Side:       "BUY",
		Type:       "LIMIT",
		Price:      decimal.RequireFromString("100"),
		OrigQty:    decimal.RequireFromString("1"),
		Status:     status,
		UpdateTime: 1,
	}
}

func TestSnapshotReplacesStateWholesale(t *testing.T) {
	store, _ := newTestStore(t)

	store.Apply(schema.OrdersSnapshot{
		OpenOrders: []schema.Order{newOrder(1, "BTCUSDT", schema.OrderStatusNew), newOrder(2, "ETHUSDT", schema.OrderStatusNew)},
		Balances:   []schema.Balance{{Asset: "USDT", Free: decimal.RequireFromString("1000")}},
		TS:         100,
	})
	if got := len(store.Snapshot().OpenOrders); got != 2 {
		t.Fatalf("expected 2 open orders, got %d", got)
	}

	store.Apply(schema.OrdersSnapshot{
		OpenOrders: []schema.Order{newOrder(3, "SOLUSDT", schema.OrderStatusNew)},
		Balances:   []schema.Balance{{Asset: "SOL", Free: decimal.RequireFromString("5")}},
		TS:         200,
	})

	snap := store.Snapshot()
	if len(snap.OpenOrders) != 1 {
		t.Fatalf("snapshot did not replace open orders: %v", snap.OpenOrders)
	}
	if _, ok := snap.OpenOrders["3"]; !ok {
		t.Fatalf("expected order 3, got %v", snap.OpenOrders)
	}
	if len(snap.Balances) != 1 || snap.Balances["SOL"].Free.String() != "5" {
		t.Fatalf("snapshot did not replace balances: %v", snap.Balances)
	}
	if snap.LastSnapshotTS != 200 {
		t.Fatalf("unexpected snapshot ts %d", snap.LastSnapshotTS)
	}
}

func TestOrderDeltaMergesAndTerminalStatusRemoves(t *testing.T) {
	store, _ := newTestStore(t)
	store.Apply(schema.OrdersSnapshot{
		OpenOrders: []schema.Order{newOrder(12345, "BTCUSDT", schema.OrderStatusNew)},
		TS:         1,
	})

	store.Apply(schema.OrderStoreBatch{Events: []schema.StoreEvent{{
		Kind: schema.EventKindOrderDelta,
		Order: &schema.OrderDelta{
			OrderID:     12345,
			Status:      statusPtr(schema.OrderStatusPartiallyFilled),
			ExecutedQty: decPtr("0.4"),
			UpdateTime:  int64Ptr(2),
		},
	}}})

	order, ok := store.Order("12345")
	if !ok {
		t.Fatalf("order disappeared after non-terminal delta")
	}
	if order.Status != schema.OrderStatusPartiallyFilled || order.ExecutedQty.String() != "0.4" {
		t.Fatalf("delta not merged: %+v", order)
	}
	if order.Symbol != "BTCUSDT" || order.Price.String() != "100" {
		t.Fatalf("untouched fields mutated: %+v", order)
	}

	store.Apply(schema.OrderStoreBatch{Events: []schema.StoreEvent{{
		Kind: schema.EventKindOrderDelta,
		Order: &schema.OrderDelta{
			OrderID:    12345,
			Status:     statusPtr(schema.OrderStatusFilled),
			UpdateTime: int64Ptr(3),
		},
	}}})

	snap := store.Snapshot()
	if _, ok := snap.OpenOrders["12345"]; ok {
		t.Fatalf("terminal order still open: %v", snap.OpenOrders)
	}
	if len(snap.History) != 1 || snap.History[0].Status != schema.OrderStatusFilled {
		t.Fatalf("terminal order missing from history: %v", snap.History)
	}
}

func TestBalanceDeltaOverwritesPerAsset(t *testing.T) {
	store, _ := newTestStore(t)
	store.Apply(schema.OrdersSnapshot{
		Balances: []schema.Balance{
			{Asset: "USDT", Free: decimal.RequireFromString("1000")},
			{Asset: "BTC", Free: decimal.RequireFromString("1")},
		},
		TS: 1,
	})

	store.Apply(schema.OrderStoreBatch{Events: []schema.StoreEvent{{
		Kind:     schema.EventKindBalanceDelta,
		Balances: []schema.Balance{{Asset: "USDT", Free: decimal.RequireFromString("800"), Locked: decimal.RequireFromString("200")}},
	}}})

	snap := store.Snapshot()
	if snap.Balances["USDT"].Free.String() != "800" || snap.Balances["USDT"].Locked.String() != "200" {
		t.Fatalf("balance delta not applied: %v", snap.Balances["USDT"])
	}
	if snap.Balances["BTC"].Free.String() != "1" {
		t.Fatalf("unrelated balance mutated: %v", snap.Balances["BTC"])
	}
}

func TestPendingOrderPromotedOnAcknowledgement(t *testing.T) {
	store, _ := newTestStore(t)
	store.AddPendingOrder(schema.Order{ClientOrderID: "c1", Symbol: "BTCUSDT"}, time.Minute)

	store.Apply(schema.OrderStoreBatch{Events: []schema.StoreEvent{{
		Kind: schema.EventKindOrderDelta,
		Order: &schema.OrderDelta{
			OrderID:       999,
			ClientOrderID: "c1",
			Status:        statusPtr(schema.OrderStatusNew),
			UpdateTime:    int64Ptr(2),
		},
	}}})

	snap := store.Snapshot()
	if _, ok := snap.OpenOrders["c1"]; ok {
		t.Fatalf("pending entry not removed after promotion: %v", snap.OpenOrders)
	}
	order, ok := snap.OpenOrders["999"]
	if !ok || order.Status != schema.OrderStatusNew || order.Symbol != "BTCUSDT" {
		t.Fatalf("promoted order wrong: %+v", order)
	}
}

func TestPendingOrderRemovedAfterTimeout(t *testing.T) {
	store, _ := newTestStore(t)
	store.AddPendingOrder(schema.Order{ClientOrderID: "c1", Symbol: "BTCUSDT"}, 40*time.Millisecond)

	if _, ok := store.Order("c1"); !ok {
		t.Fatalf("pending order not visible immediately")
	}
	waitFor(t, time.Second, func() bool {
		_, ok := store.Order("c1")
		return !ok
	}, "unacknowledged pending order should be removed")
}

func TestAcknowledgedPendingOrderSurvivesTimeout(t *testing.T) {
	store, _ := newTestStore(t)
	store.AddPendingOrder(schema.Order{ClientOrderID: "c1", Symbol: "BTCUSDT"}, 40*time.Millisecond)

	store.Apply(schema.OrderStoreBatch{Events: []schema.StoreEvent{{
		Kind: schema.EventKindOrderDelta,
		Order: &schema.OrderDelta{
			ClientOrderID: "c1",
			Status:        statusPtr(schema.OrderStatusNew),
			UpdateTime:    int64Ptr(2),
		},
	}}})

	time.Sleep(100 * time.Millisecond)
	order, ok := store.Order("c1")
	if !ok || order.Status != schema.OrderStatusNew {
		t.Fatalf("acknowledged order was dropped by the pending timer: %+v (%v)", order, ok)
	}
}

func TestOptimisticCancelRollsBackWithoutConfirmation(t *testing.T) {
	store, stream := newTestStore(t)
	store.Apply(schema.OrdersSnapshot{
		OpenOrders: []schema.Order{newOrder(7, "BTCUSDT", schema.OrderStatusNew)},
		TS:         1,
	})

	if !store.AddOptimisticCancel("7", 40*time.Millisecond) {
		t.Fatalf("cancel refused for existing order")
	}
	order, _ := store.Order("7")
	if order.Status != schema.OrderStatusCanceled {
		t.Fatalf("order not optimistically canceled: %+v", order)
	}

	waitFor(t, time.Second, func() bool {
		order, ok := store.Order("7")
		return ok && order.Status == schema.OrderStatusNew
	}, "unconfirmed cancel should roll back")

	waitFor(t, time.Second, func() bool {
		return stream.sentCount() > 0
	}, "rollback should request a resnapshot")
}

func TestOptimisticCancelConfirmedByStream(t *testing.T) {
	store, stream := newTestStore(t)
	store.Apply(schema.OrdersSnapshot{
		OpenOrders: []schema.Order{newOrder(7, "BTCUSDT", schema.OrderStatusNew)},
		TS:         1,
	})

	store.AddOptimisticCancel("7", 40*time.Millisecond)
	store.Apply(schema.OrderStoreBatch{Events: []schema.StoreEvent{{
		Kind: schema.EventKindOrderDelta,
		Order: &schema.OrderDelta{
			OrderID:    7,
			Status:     statusPtr(schema.OrderStatusCanceled),
			UpdateTime: int64Ptr(2),
		},
	}}})

	time.Sleep(100 * time.Millisecond)
	if _, ok := store.Order("7"); ok {
		t.Fatalf("confirmed cancel resurrected the order")
	}
	if stream.sentCount() != 0 {
		t.Fatalf("confirmed cancel should not request a resnapshot")
	}
}

func TestOptimisticCancelSkipsRollbackAfterServerUpdate(t *testing.T) {
	store, _ := newTestStore(t)
	store.Apply(schema.OrdersSnapshot{
		OpenOrders: []schema.Order{newOrder(7, "BTCUSDT", schema.OrderStatusNew)},
		TS:         1,
	})

	store.AddOptimisticCancel("7", 40*time.Millisecond)
	// Any server-driven mutation bumps the revision and disarms the rollback.
	store.Apply(schema.OrderStoreBatch{Events: []schema.StoreEvent{{
		Kind: schema.EventKindOrderDelta,
		Order: &schema.OrderDelta{
			OrderID:     7,
			ExecutedQty: decPtr("0.2"),
			UpdateTime:  int64Ptr(2),
		},
	}}})

	time.Sleep(100 * time.Millisecond)
	order, ok := store.Order("7")
	if !ok || order.Status != schema.OrderStatusCanceled {
		t.Fatalf("rollback fired despite a newer server revision: %+v (%v)", order, ok)
	}
}

func TestSendResnapshotDroppedWhenSocketStaysClosed(t *testing.T) {
	store, stream := newTestStore(t)
	stream.openErr = context.DeadlineExceeded

	store.SendResnapshot(context.Background())
	if stream.sentCount() != 0 {
		t.Fatalf("resnapshot sent despite closed socket")
	}
}

func TestSystemMessageRingIsCapped(t *testing.T) {
	store, _ := newTestStore(t)
	for i := 0; i < systemRingSize+5; i++ {
		store.Apply(schema.SystemNotice{Level: "info", Message: fmt.Sprintf("notice-%d", i), TS: int64(i)})
	}

	snap := store.Snapshot()
	if len(snap.SystemMessages) != systemRingSize {
		t.Fatalf("ring size = %d, want %d", len(snap.SystemMessages), systemRingSize)
	}
	last := snap.SystemMessages[len(snap.SystemMessages)-1]
	if last.Message != fmt.Sprintf("notice-%d", systemRingSize+4) {
		t.Fatalf("ring dropped the wrong end: %+v", last)
	}
}

func TestUnknownFramesAreIgnored(t *testing.T) {
	store, _ := newTestStore(t)
	store.Apply(schema.OrdersSnapshot{
		OpenOrders: []schema.Order{newOrder(1, "BTCUSDT", schema.OrderStatusNew)},
		TS:         1,
	})
	before := store.Snapshot()

	store.Apply(schema.Unknown{Kind: "metrics_digest"})

	after := store.Snapshot()
	if len(after.OpenOrders) != len(before.OpenOrders) || after.LastSnapshotTS != before.LastSnapshotTS {
		t.Fatalf("unknown frame mutated state")
	}
}

func TestFreshnessCategorize(t *testing.T) {
	cases := []struct {
		ageMs int64
		known bool
		want  Freshness
	}{
		{0, true, FreshnessGreen},
		{4000, true, FreshnessGreen},
		{4999, true, FreshnessGreen},
		{5000, true, FreshnessYellow},
		{14999, true, FreshnessYellow},
		{15000, true, FreshnessRed},
		{16000, true, FreshnessRed},
		{0, false, FreshnessUnknown},
		{999999, false, FreshnessUnknown},
	}
	for _, tc := range cases {
		if got := Categorize(tc.ageMs, tc.known); got != tc.want {
			t.Fatalf("Categorize(%d, %v) = %s, want %s", tc.ageMs, tc.known, got, tc.want)
		}
	}
}

func TestFreshnessExtrapolatesBetweenEvents(t *testing.T) {
	store, _ := newTestStore(t)
	store.Apply(schema.UserHeartbeat{TS: 1, LastEventAgeMs: int64Ptr(4900)})

	snap := store.Snapshot()
	if !snap.FreshnessKnown || snap.FreshnessMs < 4900 {
		t.Fatalf("age not recorded: %+v", snap)
	}

	waitFor(t, 2*time.Second, func() bool {
		return store.Snapshot().Freshness == FreshnessYellow
	}, "freshness should degrade to yellow as the age extrapolates past 5s")
}

func TestObserverReceivesEveryMutation(t *testing.T) {
	store, _ := newTestStore(t)

	var mu sync.Mutex
	var states []State
	store.Subscribe(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	store.Apply(schema.OrdersSnapshot{
		OpenOrders: []schema.Order{newOrder(1, "BTCUSDT", schema.OrderStatusNew)},
		TS:         1,
	})

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 2 {
		t.Fatalf("expected initial and post-apply notifications, got %d", len(states))
	}
	last := states[len(states)-1]
	if len(last.OpenOrders) != 1 {
		t.Fatalf("observer saw stale state: %+v", last)
	}
}
