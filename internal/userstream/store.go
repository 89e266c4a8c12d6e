// Package userstream reconciles backend user-stream frames into a local view
// of open orders, balances, and stream health, and layers optimistic local
// mutations with timeout rollback on top of it.
package userstream

import (
	"context"
	"sync"
	"time"

	"github.com/marketdesk/desk/internal/observability"
	"github.com/marketdesk/desk/internal/schema"
	"github.com/marketdesk/desk/internal/transport"
)

const (
	systemRingSize = 20
	historyCap     = 200

	freshnessGreenBelowMs  = 5000
	freshnessYellowBelowMs = 15000
)

// Freshness grades how stale the last backend event is.
type Freshness string

const (
	FreshnessUnknown Freshness = "unknown"
	FreshnessGreen   Freshness = "green"
	FreshnessYellow  Freshness = "yellow"
	FreshnessRed     Freshness = "red"
)

// Categorize maps an event age in milliseconds to a freshness grade. An
// unknown age never ages into red; it stays unknown until the backend
// reports one.
func Categorize(ageMs int64, known bool) Freshness {
	if !known {
		return FreshnessUnknown
	}
	switch {
	case ageMs < freshnessGreenBelowMs:
		return FreshnessGreen
	case ageMs < freshnessYellowBelowMs:
		return FreshnessYellow
	default:
		return FreshnessRed
	}
}

// SystemMessage is one operator-facing notice retained in the ring.
type SystemMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	TS      int64  `json:"ts"`
}

// State is an immutable snapshot of the reconciled view handed to observers.
type State struct {
	Connection     transport.State
	OpenOrders     map[string]schema.Order
	Balances       map[string]schema.Balance
	History        []schema.Order
	SystemMessages []SystemMessage
	FreshnessMs    int64
	FreshnessKnown bool
	Freshness      Freshness
	SchemaVersion  int
	Fallback       bool
	LastSnapshotTS int64
}

// Observer receives a state snapshot after every mutation.
type Observer func(State)

// Stream is the transport surface the store needs for resnapshot requests.
type Stream interface {
	Send(v any) (bool, error)
	WaitUntilOpen(ctx context.Context, timeout time.Duration) error
}

// Options tunes store behaviour.
type Options struct {
	// ResnapshotWait bounds how long a resnapshot request waits for the
	// socket to open before giving up.
	ResnapshotWait time.Duration
	// FreshnessTick is the extrapolation cadence. Defaults to one second.
	FreshnessTick time.Duration
}

// Store reconciles stream frames into local state. All mutations funnel
// through a single mutex so events apply in arrival order.
type Store struct {
	stream Stream
	opts   Options

	mu             sync.Mutex
	conn           transport.State
	open           map[string]schema.Order
	balances       map[string]schema.Balance
	history        []schema.Order
	system         []SystemMessage
	revs           map[string]uint64
	ageMs          int64
	ageKnown       bool
	ageReceivedAt  time.Time
	schemaVersion  int
	fallback       bool
	lastSnapshotTS int64
	lastFreshness  Freshness
	timers         map[*time.Timer]struct{}
	closed         bool

	notifyMu  sync.Mutex
	observers []Observer

	stopFreshness chan struct{}
	freshnessDone chan struct{}
}

// NewStore builds a store bound to the given stream and starts the freshness
// extrapolation loop.
func NewStore(stream Stream, opts Options) *Store {
	if opts.ResnapshotWait <= 0 {
		opts.ResnapshotWait = 2 * time.Second
	}
	if opts.FreshnessTick <= 0 {
		opts.FreshnessTick = time.Second
	}
	s := &Store{
		stream:        stream,
		opts:          opts,
		conn:          transport.StateDisconnected,
		open:          make(map[string]schema.Order),
		balances:      make(map[string]schema.Balance),
		revs:          make(map[string]uint64),
		timers:        make(map[*time.Timer]struct{}),
		lastFreshness: FreshnessUnknown,
		stopFreshness: make(chan struct{}),
		freshnessDone: make(chan struct{}),
	}
	go s.freshnessLoop()
	return s
}

// Close stops the freshness loop and disarms all pending rollback timers.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for timer := range s.timers {
		timer.Stop()
	}
	s.timers = make(map[*time.Timer]struct{})
	s.mu.Unlock()

	close(s.stopFreshness)
	<-s.freshnessDone
}

// Subscribe registers an observer and immediately delivers the current state.
func (s *Store) Subscribe(obs Observer) {
	if obs == nil {
		return
	}
	s.notifyMu.Lock()
	s.observers = append(s.observers, obs)
	s.notifyMu.Unlock()
	obs(s.Snapshot())
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SetConnectionState records the transport state in the view.
func (s *Store) SetConnectionState(state transport.State) {
	s.mu.Lock()
	s.conn = state
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// Apply reconciles one decoded stream frame into the store.
func (s *Store) Apply(msg schema.Message) {
	s.mu.Lock()
	switch m := msg.(type) {
	case schema.Welcome:
		observability.Log().Debug("user stream welcome", observability.F("ts", m.TS))
		s.mu.Unlock()
		return
	case schema.OrdersSnapshot:
		s.applySnapshotLocked(m)
	case schema.OrderStoreBatch:
		s.applyBatchLocked(m)
	case schema.UserHeartbeat:
		s.recordAgeLocked(m.LastEventAgeMs)
	case schema.SystemNotice:
		s.pushSystemLocked(SystemMessage{Level: m.Level, Message: m.Message, TS: m.TS})
		s.recordAgeLocked(m.LastEventAgeMs)
	case schema.StreamError:
		s.pushSystemLocked(SystemMessage{Level: "error", Message: m.Message, TS: time.Now().UnixMilli()})
	default:
		// Unknown frame kinds are ignored to stay forward compatible.
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	observability.Telemetry().SetGauge("desk_store_open_orders", float64(len(snap.OpenOrders)), nil)
	s.notify(snap)
}

// AddPendingOrder inserts a locally submitted order keyed by its client order
// id. If the backend never acknowledges it within timeout and it still sits
// in PENDING, the entry is removed.
func (s *Store) AddPendingOrder(order schema.Order, timeout time.Duration) {
	order.Status = schema.OrderStatusPending
	key := order.ClientOrderID
	if key == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.open[key] = order
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	var timer *time.Timer
	timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		current, ok := s.open[key]
		if !ok || current.Status != schema.OrderStatusPending || current.ClientOrderID != order.ClientOrderID {
			s.mu.Unlock()
			return
		}
		delete(s.open, key)
		delete(s.revs, key)
		snap := s.snapshotLocked()
		s.mu.Unlock()

		observability.Log().Error("pending order timed out",
			observability.F("clientOrderId", key))
		observability.Telemetry().IncCounter("desk_store_pending_timeouts_total", 1, nil)
		s.notify(snap)
	})

	s.mu.Lock()
	if s.closed {
		timer.Stop()
	} else {
		s.timers[timer] = struct{}{}
	}
	s.mu.Unlock()
}

// Order returns the open order stored under key.
func (s *Store) Order(key string) (schema.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.open[key]
	return order, ok
}

// RemovePendingOrder drops a locally submitted order that the backend
// rejected before acknowledging. Entries already promoted past PENDING are
// left alone.
func (s *Store) RemovePendingOrder(clientOrderID string) {
	s.mu.Lock()
	current, ok := s.open[clientOrderID]
	if !ok || current.Status != schema.OrderStatusPending {
		s.mu.Unlock()
		return
	}
	delete(s.open, clientOrderID)
	delete(s.revs, clientOrderID)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// AddOptimisticCancel flips the order to CANCELED locally. If no backend
// update for the order arrives within timeout the pre-image is restored and
// a resnapshot is requested.
func (s *Store) AddOptimisticCancel(key string, timeout time.Duration) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	preImage, ok := s.open[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	canceled := preImage
	canceled.Status = schema.OrderStatusCanceled
	s.open[key] = canceled
	revAtCancel := s.revs[key]
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	var timer *time.Timer
	timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		delete(s.timers, timer)
		current, ok := s.open[key]
		if !ok || current.Status != schema.OrderStatusCanceled || s.revs[key] != revAtCancel {
			// The backend confirmed, replaced, or removed the order.
			s.mu.Unlock()
			return
		}
		s.open[key] = preImage
		snap := s.snapshotLocked()
		s.mu.Unlock()

		observability.Log().Error("optimistic cancel rolled back",
			observability.F("key", key))
		observability.Telemetry().IncCounter("desk_store_cancel_rollbacks_total", 1, nil)
		s.notify(snap)
		go s.SendResnapshot(context.Background())
	})

	s.mu.Lock()
	if s.closed {
		timer.Stop()
	} else {
		s.timers[timer] = struct{}{}
	}
	s.mu.Unlock()
	return true
}

// SendResnapshot asks the backend for a fresh snapshot. Best effort: if the
// socket does not open within the configured wait the request is dropped.
func (s *Store) SendResnapshot(ctx context.Context) {
	if s.stream == nil {
		return
	}
	if err := s.stream.WaitUntilOpen(ctx, s.opts.ResnapshotWait); err != nil {
		observability.Log().Error("resnapshot request dropped",
			observability.F("error", err))
		return
	}
	if _, err := s.stream.Send(schema.NewResnapshot()); err != nil {
		observability.Log().Error("resnapshot request failed",
			observability.F("error", err))
	}
}

func (s *Store) applySnapshotLocked(snapshot schema.OrdersSnapshot) {
	open := make(map[string]schema.Order, len(snapshot.OpenOrders))
	revs := make(map[string]uint64, len(snapshot.OpenOrders))
	for _, order := range snapshot.OpenOrders {
		key := order.Key()
		open[key] = order
		revs[key] = s.revs[key] + 1
	}
	s.open = open
	s.revs = revs

	balances := make(map[string]schema.Balance, len(snapshot.Balances))
	for _, balance := range snapshot.Balances {
		balances[balance.Asset] = balance
	}
	s.balances = balances

	if snapshot.History != nil {
		s.history = append([]schema.Order(nil), snapshot.History...)
	}
	s.fallback = snapshot.Fallback
	s.lastSnapshotTS = snapshot.TS
	s.recordAgeLocked(snapshot.LastEventAgeMs)
}

func (s *Store) applyBatchLocked(batch schema.OrderStoreBatch) {
	if batch.SchemaVersion != 0 {
		s.schemaVersion = batch.SchemaVersion
	}
	for _, event := range batch.Events {
		switch event.Kind {
		case schema.EventKindOrderDelta:
			if event.Order != nil {
				s.applyOrderDeltaLocked(*event.Order)
			}
		case schema.EventKindBalanceDelta:
			for _, balance := range event.Balances {
				s.balances[balance.Asset] = balance
			}
		default:
			observability.Log().Debug("skipping unknown store event",
				observability.F("kind", event.Kind))
		}
	}
	s.recordAgeLocked(batch.LastEventAgeMs)
}

func (s *Store) applyOrderDeltaLocked(delta schema.OrderDelta) {
	key := delta.Key()
	if key == "" {
		return
	}

	order, ok := s.open[key]
	if !ok && delta.OrderID != 0 && delta.ClientOrderID != "" {
		// Acknowledgement of a locally submitted order: promote the
		// pending entry from its client order id to the numeric id.
		if pending, found := s.open[delta.ClientOrderID]; found {
			order = pending
			ok = true
			delete(s.open, delta.ClientOrderID)
			s.revs[key] = s.revs[delta.ClientOrderID]
			delete(s.revs, delta.ClientOrderID)
		}
	}
	if !ok {
		order = schema.Order{}
	}

	delta.ApplyTo(&order)
	s.revs[key]++

	if order.Status.Terminal() {
		delete(s.open, key)
		delete(s.revs, key)
		s.history = append(s.history, order)
		if len(s.history) > historyCap {
			s.history = s.history[len(s.history)-historyCap:]
		}
		return
	}
	s.open[key] = order
}

func (s *Store) recordAgeLocked(age *int64) {
	if age == nil {
		return
	}
	s.ageMs = *age
	s.ageKnown = true
	s.ageReceivedAt = time.Now()
}

func (s *Store) pushSystemLocked(msg SystemMessage) {
	s.system = append(s.system, msg)
	if len(s.system) > systemRingSize {
		s.system = s.system[len(s.system)-systemRingSize:]
	}
}

func (s *Store) effectiveAgeLocked() (int64, bool) {
	if !s.ageKnown {
		return 0, false
	}
	return s.ageMs + time.Since(s.ageReceivedAt).Milliseconds(), true
}

func (s *Store) snapshotLocked() State {
	open := make(map[string]schema.Order, len(s.open))
	for k, v := range s.open {
		open[k] = v
	}
	balances := make(map[string]schema.Balance, len(s.balances))
	for k, v := range s.balances {
		balances[k] = v
	}
	ageMs, known := s.effectiveAgeLocked()
	return State{
		Connection:     s.conn,
		OpenOrders:     open,
		Balances:       balances,
		History:        append([]schema.Order(nil), s.history...),
		SystemMessages: append([]SystemMessage(nil), s.system...),
		FreshnessMs:    ageMs,
		FreshnessKnown: known,
		Freshness:      Categorize(ageMs, known),
		SchemaVersion:  s.schemaVersion,
		Fallback:       s.fallback,
		LastSnapshotTS: s.lastSnapshotTS,
	}
}

func (s *Store) notify(snap State) {
	s.notifyMu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.notifyMu.Unlock()
	for _, obs := range observers {
		obs(snap)
	}
}

// freshnessLoop re-grades staleness on a fixed tick so the view degrades
// even while the backend is silent.
func (s *Store) freshnessLoop() {
	defer close(s.freshnessDone)
	ticker := time.NewTicker(s.opts.FreshnessTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopFreshness:
			return
		case <-ticker.C:
			s.mu.Lock()
			ageMs, known := s.effectiveAgeLocked()
			grade := Categorize(ageMs, known)
			changed := grade != s.lastFreshness
			s.lastFreshness = grade
			var snap State
			if changed {
				snap = s.snapshotLocked()
			}
			s.mu.Unlock()

			if changed {
				observability.Telemetry().SetGauge("desk_store_event_age_ms", float64(ageMs), nil)
				s.notify(snap)
			}
		}
	}
}
