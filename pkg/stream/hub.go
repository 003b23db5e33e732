// Package stream fans live frames out to in-process subscribers such as the
// admin websocket feed.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

type Frame struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewFrame(frameType string, at time.Time, data any) Frame {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Frame{Type: frameType, At: at.UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub never blocks publishers: a subscriber whose buffer is full misses the
// frame and the drop is counted.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Frame]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Frame]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Frame {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Frame, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe is safe to call more than once.
func (h *Hub) Unsubscribe(ch chan Frame) {
	h.mu.Lock()
	_, ok := h.subs[ch]
	delete(h.subs, ch)
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish reports how many subscribers received the frame.
func (h *Hub) Publish(f Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for ch := range h.subs {
		select {
		case ch <- f:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
