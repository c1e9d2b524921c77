package eventbus

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Token identifies a subscription for Unsubscribe.
type Token uint64

// SubscriptionOption customises individual subscriptions.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	bufferSize int
	name       string
	ctx        context.Context
}

// WithSubscriptionBuffer overrides the queue size for a subscription.
func WithSubscriptionBuffer(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.bufferSize = size
		}
	}
}

// WithSubscriptionName records a human friendly identifier used in logs and
// metrics.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		cfg.name = name
	}
}

// WithContext ties the subscription lifecycle to a context.
// When the context is cancelled the subscription is automatically closed.
// A nil context is ignored.
func WithContext(ctx context.Context) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if ctx != nil {
			cfg.ctx = ctx
		}
	}
}

// Subscription is a handler registered for one or more kinds.
type Subscription struct {
	bus      *Bus
	kinds    []Kind
	token    Token
	name     string
	handler  Handler
	strategy DeliveryStrategy

	queue  chan Event
	done   chan struct{} // closed when the subscription is removed
	ctx    context.Context
	cancel context.CancelFunc

	closed  atomic.Bool
	dropped atomic.Uint64
}

func closedSubscription() *Subscription {
	sub := &Subscription{
		queue:  make(chan Event),
		done:   make(chan struct{}),
		ctx:    context.Background(),
		cancel: func() {},
	}
	sub.closed.Store(true)
	close(sub.done)
	return sub
}

// Token returns the identifier accepted by Bus.Unsubscribe.
func (s *Subscription) Token() Token { return s.token }

// Kind returns the first subscribed kind.
func (s *Subscription) Kind() Kind {
	if len(s.kinds) == 0 {
		return ""
	}
	return s.kinds[0]
}

// Kinds returns every kind the subscription receives.
func (s *Subscription) Kinds() []Kind { return append([]Kind(nil), s.kinds...) }

// Name returns the subscription name used in logs.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events were dropped for this subscription.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Done is closed once the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close removes the subscription from its bus. Safe to call repeatedly.
func (s *Subscription) Close() {
	if s == nil || s.closed.Load() {
		return
	}
	if s.bus == nil {
		s.stopLocked()
		return
	}
	s.bus.Unsubscribe(s.token)
}

// stopLocked marks the subscription closed. Callers hold the bus write lock,
// which guarantees no enqueue is in flight.
func (s *Subscription) stopLocked() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	close(s.done)
}

// enqueue is called with the bus read lock held and never blocks.
func (s *Subscription) enqueue(evt Event) {
	if s.closed.Load() {
		return
	}

	select {
	case s.queue <- evt:
		s.bus.delivered.Add(1)
		return
	default:
	}

	switch s.strategy {
	case StrategyDropOldest:
		select {
		case old := <-s.queue:
			s.bus.recordDrop(s, old)
		default:
		}
		select {
		case s.queue <- evt:
			s.bus.delivered.Add(1)
		default:
			s.bus.recordDrop(s, evt)
		}
	default:
		s.bus.recordDrop(s, evt)
	}
}

func (s *Subscription) run() {
	defer s.bus.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.queue:
			// Pending events are discarded once the subscription is closed.
			select {
			case <-s.done:
				return
			default:
			}
			s.invoke(evt)
		}
	}
}

func (s *Subscription) invoke(evt Event) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.recordHandlerFailure(s, evt, fmt.Errorf("eventbus: handler panic: %v", r))
		}
	}()
	if err := s.handler(s.ctx, evt); err != nil {
		s.bus.recordHandlerFailure(s, evt, err)
	}
}
