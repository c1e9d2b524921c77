package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Bus orchestrates kind-based publish/subscribe messaging between the
// components of one process. Delivery to each subscription is asynchronous
// through a bounded queue; Publish never waits on handlers.
type Bus struct {
	logger   *zap.Logger
	observer Observer
	origin   string

	mu          sync.RWMutex
	subscribers map[Kind]map[Token]*Subscription
	closed      bool
	nextID      atomic.Uint64
	wg          sync.WaitGroup

	history        *history
	historySize    int
	queueSize      int
	kindQueues     map[Kind]int
	kindStrategies map[Kind]DeliveryStrategy

	relayMu sync.RWMutex
	relay   Relay

	dropLog *rate.Limiter

	published     atomic.Uint64
	ingested      atomic.Uint64
	delivered     atomic.Uint64
	dropped       atomic.Uint64
	handlerErrors atomic.Uint64
}

// New constructs a bus with the default history and queue sizes.
func New(opts ...BusOption) *Bus {
	bus := &Bus{
		logger:         zap.NewNop(),
		observer:       nopObserver{},
		origin:         uuid.NewString(),
		subscribers:    make(map[Kind]map[Token]*Subscription),
		queueSize:      defaultQueueSize,
		kindQueues:     make(map[Kind]int),
		kindStrategies: make(map[Kind]DeliveryStrategy),
		dropLog:        rate.NewLimiter(rate.Every(time.Second), 5),
		historySize:    defaultHistorySize,
	}

	for _, opt := range opts {
		opt(bus)
	}
	bus.history = newHistory(bus.historySize)
	return bus
}

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// WithLogger overrides the logger used for drop and handler notices.
func WithLogger(logger *zap.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger.Named("eventbus")
		}
	}
}

// WithHistorySize sets how many recent events are retained for diagnostics.
func WithHistorySize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.historySize = size
		}
	}
}

// WithQueueSize sets the per-subscription queue size for kinds without an
// explicit entry.
func WithQueueSize(size int) BusOption {
	return func(b *Bus) {
		if size > 0 {
			b.queueSize = size
		}
	}
}

// WithKindQueue sets the per-subscription queue size for a given kind.
func WithKindQueue(kind Kind, size int) BusOption {
	return func(b *Bus) {
		if size <= 0 {
			size = 1
		}
		b.kindQueues[kind] = size
	}
}

// WithKindPolicy overrides the backpressure strategy for a specific kind.
func WithKindPolicy(kind Kind, strategy DeliveryStrategy) BusOption {
	return func(b *Bus) {
		b.kindStrategies[kind] = strategy
	}
}

// WithObserver installs an accounting observer.
func WithObserver(observer Observer) BusOption {
	return func(b *Bus) {
		if observer != nil {
			b.observer = observer
		}
	}
}

// WithRelay installs a relay at construction time. See SetRelay.
func WithRelay(relay Relay) BusOption {
	return func(b *Bus) {
		b.relay = relay
	}
}

// WithOrigin fixes the origin identifier stamped on published events.
func WithOrigin(origin string) BusOption {
	return func(b *Bus) {
		if origin != "" {
			b.origin = origin
		}
	}
}

// Origin returns the identifier stamped on events published by this bus.
func (b *Bus) Origin() string {
	if b == nil {
		return ""
	}
	return b.origin
}

// SetRelay installs or replaces the relay that receives locally published
// events. A nil relay disables forwarding.
func (b *Bus) SetRelay(relay Relay) {
	if b == nil {
		return
	}
	b.relayMu.Lock()
	b.relay = relay
	b.relayMu.Unlock()
}

// Publish stamps and records an event, then enqueues it for every current
// subscriber of its kind. Unknown kinds are rejected with a warning and a
// zero Event. If b is nil the call is a no-op.
func (b *Bus) Publish(kind Kind, payload Payload, source Source) Event {
	if b == nil {
		return Event{}
	}
	if !kind.Valid() {
		b.logger.Warn("rejected event with unknown kind",
			zap.String("kind", string(kind)),
			zap.String("source", string(source)))
		return Event{}
	}
	if source == "" {
		source = SourceUnknown
	}

	evt := Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   payload.Clone(),
		Source:    source,
		Timestamp: time.Now().UTC(),
		Origin:    b.origin,
	}

	b.published.Add(1)
	b.observer.EventPublished(kind)
	b.dispatch(evt)

	b.relayMu.RLock()
	relay := b.relay
	b.relayMu.RUnlock()
	if relay != nil {
		relay.Forward(evt)
	}
	return evt
}

// Ingest delivers an event that arrived from another process. The event is
// recorded and delivered locally but never handed back to the relay. Events
// carrying this bus's own origin are echoes and are ignored.
func (b *Bus) Ingest(evt Event) bool {
	if b == nil {
		return false
	}
	if !evt.Kind.Valid() {
		b.logger.Debug("ignored relayed event with unknown kind", zap.String("kind", string(evt.Kind)))
		return false
	}
	if evt.Origin != "" && evt.Origin == b.origin {
		return false
	}
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Source == "" {
		evt.Source = SourceUnknown
	}
	evt.Payload = evt.Payload.Clone()

	b.ingested.Add(1)
	b.dispatch(evt)
	return true
}

func (b *Bus) dispatch(evt Event) {
	b.history.push(evt)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers[evt.Kind] {
		sub.enqueue(evt)
	}
}

// Subscribe registers handler for events of the given kind. Each
// subscription runs its handler on its own goroutine fed by a bounded queue.
func (b *Bus) Subscribe(kind Kind, handler Handler, opts ...SubscriptionOption) *Subscription {
	return b.SubscribeKinds([]Kind{kind}, handler, opts...)
}

// SubscribeKinds registers one handler for several kinds behind a single
// queue, so events published by one goroutine reach the handler in publish
// order regardless of kind. The queue takes the largest size among the
// kinds' policies and evicts the oldest event only when every kind asks
// for drop-oldest.
func (b *Bus) SubscribeKinds(kinds []Kind, handler Handler, opts ...SubscriptionOption) *Subscription {
	if b == nil || handler == nil || len(kinds) == 0 {
		return closedSubscription()
	}
	kinds = uniqueKinds(kinds)

	policy := b.policyForKinds(kinds)
	cfg := subscriptionConfig{bufferSize: policy.QueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 1
	}

	parent := cfg.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	token := Token(b.nextID.Add(1))
	sub := &Subscription{
		bus:      b,
		kinds:    kinds,
		token:    token,
		name:     cfg.name,
		handler:  handler,
		strategy: policy.Strategy,
		queue:    make(chan Event, cfg.bufferSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if sub.name == "" {
		sub.name = fmt.Sprintf("%s#%d", kinds[0], token)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		sub.closed.Store(true)
		close(sub.done)
		return sub
	}
	for _, kind := range kinds {
		if _, exists := b.subscribers[kind]; !exists {
			b.subscribers[kind] = make(map[Token]*Subscription)
		}
		b.subscribers[kind][token] = sub
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go sub.run()

	if cfg.ctx != nil {
		go func() {
			select {
			case <-cfg.ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}
	return sub
}

func uniqueKinds(kinds []Kind) []Kind {
	seen := make(map[Kind]struct{}, len(kinds))
	out := make([]Kind, 0, len(kinds))
	for _, kind := range kinds {
		if _, dup := seen[kind]; dup {
			continue
		}
		seen[kind] = struct{}{}
		out = append(out, kind)
	}
	return out
}

// Unsubscribe removes the subscription identified by token. Events still
// queued for it are discarded. It reports whether the token was registered.
func (b *Bus) Unsubscribe(token Token) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var found *Subscription
	for kind, subs := range b.subscribers {
		sub, ok := subs[token]
		if !ok {
			continue
		}
		found = sub
		delete(subs, token)
		if len(subs) == 0 {
			delete(b.subscribers, kind)
		}
	}
	if found == nil {
		return false
	}
	found.stopLocked()
	return true
}

// Recent returns up to limit of the most recent events of kind, oldest
// first. An empty kind returns events of every kind.
func (b *Bus) Recent(kind Kind, limit int) []Event {
	if b == nil {
		return nil
	}
	return b.history.recent(kind, limit)
}

// ClearHistory drops all retained events.
func (b *Bus) ClearHistory() {
	if b == nil {
		return
	}
	b.history.clear()
}

// Metrics returns a snapshot of bus counters.
func (b *Bus) Metrics() Metrics {
	if b == nil {
		return Metrics{}
	}
	b.mu.RLock()
	tokens := make(map[Token]struct{})
	for _, subs := range b.subscribers {
		for token := range subs {
			tokens[token] = struct{}{}
		}
	}
	subscribers := len(tokens)
	b.mu.RUnlock()

	return Metrics{
		PublishTotal:   b.published.Load(),
		IngestTotal:    b.ingested.Load(),
		DeliveredTotal: b.delivered.Load(),
		DroppedTotal:   b.dropped.Load(),
		HandlerErrors:  b.handlerErrors.Load(),
		Subscribers:    subscribers,
		HistoryLen:     b.history.len(),
	}
}

// Shutdown removes every subscription and waits for their dispatch
// goroutines to exit. Later subscriptions are born closed.
// If b is nil the call is a no-op.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.closed = true
	for kind, subs := range b.subscribers {
		for token, sub := range subs {
			sub.stopLocked()
			delete(subs, token)
		}
		delete(b.subscribers, kind)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bus) recordDrop(sub *Subscription, evt Event) {
	count := b.dropped.Add(1)
	sub.dropped.Add(1)
	b.observer.EventDropped(evt.Kind, sub.name, sub.strategy)
	if b.dropLog.Allow() {
		b.logger.Debug("dropped event for slow subscriber",
			zap.String("subscription", sub.name),
			zap.String("kind", string(evt.Kind)),
			zap.String("strategy", string(sub.strategy)),
			zap.Uint64("dropped_total", count))
	}
}

func (b *Bus) recordHandlerFailure(sub *Subscription, evt Event, err error) {
	b.handlerErrors.Add(1)
	b.observer.HandlerFailed(evt.Kind, sub.name)
	b.logger.Error("event handler failed",
		zap.String("subscription", sub.name),
		zap.String("kind", string(evt.Kind)),
		zap.String("event_id", evt.ID),
		zap.Error(err))
}
