package eventbus

// DeliveryStrategy determines behaviour when a subscriber's queue is full.
type DeliveryStrategy string

const (
	// StrategyDropNewest discards the incoming event when the queue is full.
	StrategyDropNewest DeliveryStrategy = "drop-newest"
	// StrategyDropOldest evicts the oldest queued event and enqueues the new one.
	StrategyDropOldest DeliveryStrategy = "drop-oldest"
)

// DeliveryPolicy controls how a kind handles backpressure.
type DeliveryPolicy struct {
	Strategy  DeliveryStrategy
	QueueSize int
}

const defaultQueueSize = 64

// defaultPolicies holds kinds whose delivery differs from the drop-newest
// default. Telemetry only matters at its latest value, so stale samples are
// evicted instead of fresh ones.
var defaultPolicies = map[Kind]DeliveryPolicy{
	KindCameraFrame:      {Strategy: StrategyDropOldest, QueueSize: 4},
	KindBatteryStatus:    {Strategy: StrategyDropOldest, QueueSize: 8},
	KindNavigationStatus: {Strategy: StrategyDropOldest, QueueSize: 32},
	KindObstacleDetected: {Strategy: StrategyDropNewest, QueueSize: 128},
	KindMovementCommand:  {Strategy: StrategyDropNewest, QueueSize: 128},
}

// policyFor resolves the delivery policy for a kind: per-kind overrides,
// then the built-in table, then the bus-wide queue size.
func (b *Bus) policyFor(kind Kind) DeliveryPolicy {
	policy, ok := defaultPolicies[kind]
	if !ok {
		policy = DeliveryPolicy{Strategy: StrategyDropNewest, QueueSize: b.queueSize}
	}
	if strategy, ok := b.kindStrategies[kind]; ok {
		policy.Strategy = strategy
	}
	if size, ok := b.kindQueues[kind]; ok {
		policy.QueueSize = size
	}
	if policy.QueueSize <= 0 {
		policy.QueueSize = defaultQueueSize
	}
	return policy
}

// policyForKinds merges the policies of a multi-kind subscription.
func (b *Bus) policyForKinds(kinds []Kind) DeliveryPolicy {
	merged := DeliveryPolicy{Strategy: StrategyDropOldest}
	for _, kind := range kinds {
		policy := b.policyFor(kind)
		if policy.QueueSize > merged.QueueSize {
			merged.QueueSize = policy.QueueSize
		}
		if policy.Strategy != StrategyDropOldest {
			merged.Strategy = StrategyDropNewest
		}
	}
	return merged
}
