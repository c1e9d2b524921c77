package eventbus

import "sync"

const defaultHistorySize = 1000

// history is a mutex-protected circular buffer of the most recent events.
type history struct {
	mu    sync.Mutex
	buf   []Event
	head  int // index of oldest item
	count int
}

func newHistory(size int) *history {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &history{buf: make([]Event, size)}
}

// push appends an event, evicting the oldest one when the ring is full.
func (h *history) push(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	capacity := len(h.buf)
	if h.count < capacity {
		h.buf[(h.head+h.count)%capacity] = evt
		h.count++
		return
	}
	h.buf[h.head] = evt
	h.head = (h.head + 1) % capacity
}

// recent returns up to limit of the newest events matching kind, oldest
// first. An empty kind matches everything; limit <= 0 means no limit.
func (h *history) recent(kind Kind, limit int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	capacity := len(h.buf)
	var matched []Event
	for i := h.count - 1; i >= 0; i-- {
		evt := h.buf[(h.head+i)%capacity]
		if kind != "" && evt.Kind != kind {
			continue
		}
		matched = append(matched, evt)
		if limit > 0 && len(matched) == limit {
			break
		}
	}

	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	return matched
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *history) clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.buf {
		h.buf[i] = Event{}
	}
	h.head = 0
	h.count = 0
}
