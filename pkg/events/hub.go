package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// subscriptionBuffer is the per-subscriber channel depth. Subscribers that
// fall further behind lose events rather than stalling publishers.
const subscriptionBuffer = 64

// Publisher is the narrow surface components publish through.
type Publisher interface {
	Publish(channel string, payload any)
}

// BroadcastFunc is an attached fan-out sink, e.g. the WebSocket manager.
type BroadcastFunc func(channel string, event []byte)

// Subscription is an in-process event feed for one channel.
type Subscription struct {
	C <-chan []byte

	hub     *Hub
	channel string
	id      int
	ch      chan []byte
}

// Close detaches the subscription. The feed channel is closed.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.channel, s.id)
}

// Hub is the in-memory event router. Publishing never blocks: slow
// in-process subscribers drop events, attached sinks bound their own writes.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan []byte
	nextID int
	sinks  []BroadcastFunc
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[int]chan []byte),
		logger: slog.With("component", "events"),
	}
}

// Attach registers a fan-out sink called for every published event.
func (h *Hub) Attach(fn BroadcastFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, fn)
}

// Subscribe opens an in-process feed for one channel.
func (h *Hub) Subscribe(channel string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ch := make(chan []byte, subscriptionBuffer)
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[int]chan []byte)
	}
	h.subs[channel][h.nextID] = ch

	return &Subscription{C: ch, hub: h, channel: channel, id: h.nextID, ch: ch}
}

// Publish marshals the payload and delivers it to the channel's subscribers
// and all attached sinks.
func (h *Hub) Publish(channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("failed to marshal event payload", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	sinks := h.sinks
	feeds := make([]chan []byte, 0, len(h.subs[channel]))
	for _, ch := range h.subs[channel] {
		feeds = append(feeds, ch)
	}
	h.mu.RUnlock()

	for _, ch := range feeds {
		select {
		case ch <- data:
		default:
			h.logger.Warn("dropping event for slow subscriber", "channel", channel)
		}
	}
	for _, sink := range sinks {
		sink(channel, data)
	}
}

func (h *Hub) unsubscribe(channel string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if feeds, ok := h.subs[channel]; ok {
		if ch, ok := feeds[id]; ok {
			delete(feeds, id)
			close(ch)
		}
		if len(feeds) == 0 {
			delete(h.subs, channel)
		}
	}
}

var _ Publisher = (*Hub)(nil)
