package eventbus

// Relay forwards locally published events to other processes. Forward must
// not block; implementations queue and drop when their transport is slow.
type Relay interface {
	Forward(evt Event)
}

// Observer receives bus accounting callbacks. Implementations must be safe
// for concurrent use and must not block.
type Observer interface {
	EventPublished(kind Kind)
	EventDropped(kind Kind, subscription string, strategy DeliveryStrategy)
	HandlerFailed(kind Kind, subscription string)
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	PublishTotal   uint64
	IngestTotal    uint64
	DeliveredTotal uint64
	DroppedTotal   uint64
	HandlerErrors  uint64
	Subscribers    int
	HistoryLen     int
}

type nopObserver struct{}

func (nopObserver) EventPublished(Kind)                         {}
func (nopObserver) EventDropped(Kind, string, DeliveryStrategy) {}
func (nopObserver) HandlerFailed(Kind, string)                  {}
