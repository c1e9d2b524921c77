package eventbus

import (
	"context"
	"sync"
)

// Lifecycle ties a component's subscriptions to one cancellable context.
// The zero value is ready to use.
type Lifecycle struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	subs    []*Subscription
	stopped bool
}

// Start derives the lifecycle context from parent. Cancelling parent has the
// same effect as Stop on the subscriptions made afterwards.
func (l *Lifecycle) Start(parent context.Context) context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ctx, l.cancel = context.WithCancel(parent)
	l.stopped = false
	return l.ctx
}

// Context returns the lifecycle context, or Background before Start.
func (l *Lifecycle) Context() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx == nil {
		return context.Background()
	}
	return l.ctx
}

// Subscribe registers handler bound to the lifecycle context. After Stop it
// returns an already closed subscription without touching the bus.
func (l *Lifecycle) Subscribe(bus *Bus, kind Kind, handler Handler, opts ...SubscriptionOption) *Subscription {
	return l.SubscribeKinds(bus, []Kind{kind}, handler, opts...)
}

// SubscribeKinds is the multi-kind form of Subscribe.
func (l *Lifecycle) SubscribeKinds(bus *Bus, kinds []Kind, handler Handler, opts ...SubscriptionOption) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return closedSubscription()
	}
	ctx := l.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	sub := bus.SubscribeKinds(kinds, handler, append(opts, WithContext(ctx))...)
	l.subs = append(l.subs, sub)
	return sub
}

// Len reports how many subscriptions are still open.
func (l *Lifecycle) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, sub := range l.subs {
		select {
		case <-sub.Done():
		default:
			n++
		}
	}
	return n
}

// Stop cancels the context and closes every subscription. Safe to call more
// than once.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.stopped = true
	cancel := l.cancel
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.Close()
	}
}
