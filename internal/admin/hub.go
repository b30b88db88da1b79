package admin

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/mavctl/internal/network"
	"github.com/danmuck/mavctl/internal/protocol"
	"github.com/google/uuid"
)

// TapEvent is one inbound message as streamed to websocket subscribers.
type TapEvent struct {
	Time        time.Time      `json:"time"`
	Link        string         `json:"link"`
	Partner     string         `json:"partner"`
	Name        string         `json:"name"`
	ID          uint32         `json:"id"`
	SystemID    uint8          `json:"sysid"`
	ComponentID uint8          `json:"compid"`
	Seq         uint8          `json:"seq"`
	Fields      map[string]any `json:"fields"`
}

func newTapEvent(link string, conn *network.Connection, msg *protocol.Message) TapEvent {
	h := msg.Header()
	return TapEvent{
		Time:        time.Now().UTC(),
		Link:        link,
		Partner:     conn.Partner().Key(),
		Name:        msg.Name(),
		ID:          msg.ID(),
		SystemID:    h.SystemID,
		ComponentID: h.ComponentID,
		Seq:         h.Seq,
		Fields:      msg.ToMap(),
	}
}

// Hub fans tap events out to subscribers. Publish never blocks; a full
// subscriber misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]chan TapEvent
	buf     int
	closed  bool
	dropped atomic.Uint64
}

func NewHub(buf int) *Hub {
	if buf <= 0 {
		buf = 100
	}
	return &Hub{
		subs: make(map[string]chan TapEvent),
		buf:  buf,
	}
}

// Attach publishes every message received by rt.
func (h *Hub) Attach(rt *network.Runtime) {
	rt.OnConnection(func(conn *network.Connection) {
		conn.AddListener(func(msg *protocol.Message) error {
			h.Publish(newTapEvent(rt.Name(), conn, msg))
			return nil
		}, nil)
	})
}

func (h *Hub) Subscribe() (string, <-chan TapEvent) {
	id := uuid.NewString()
	ch := make(chan TapEvent, h.buf)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return id, ch
	}
	h.subs[id] = ch
	return id, ch
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) Publish(ev TapEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts events skipped for slow or rate-limited subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
