package network

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/mavctl/internal/protocol"
	"github.com/danmuck/mavctl/internal/transport"
	"github.com/rs/zerolog/log"
)

// ListenerID identifies a registered listener for removal.
type ListenerID uint64

// Listener handles one inbound message. Listeners run on the runtime read
// loop; they may add or remove listeners, including themselves.
type Listener func(msg *protocol.Message) error

type listener struct {
	id    ListenerID
	fn    Listener
	onErr func(error)

	// mu is held for the duration of one call.
	mu      sync.Mutex
	removed atomic.Bool
}

// Connection is one live remote partner. It is created when the first valid
// frame from the partner is decoded and retired when the partner stays
// silent for LivenessTimeout or its transport reports it gone.
type Connection struct {
	rt        *Runtime
	partner   transport.Partner
	order     uint64
	firstSeen time.Time
	lastSeen  atomic.Int64
	// seenMu orders refresh against a liveness retirement.
	seenMu sync.Mutex

	listenersMu  sync.Mutex
	listeners    []*listener
	nextListener ListenerID
	inflight     atomic.Pointer[listener]

	waitMu  sync.Mutex
	waiters []*Expectation

	doneOnce sync.Once
	done     chan struct{}
	cause    error
}

func newConnection(rt *Runtime, partner transport.Partner, order uint64, now time.Time) *Connection {
	c := &Connection{
		rt:        rt,
		partner:   partner,
		order:     order,
		firstSeen: now,
		done:      make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

func (c *Connection) Partner() transport.Partner {
	return c.partner
}

func (c *Connection) FirstSeen() time.Time {
	return c.firstSeen
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Alive reports whether the partner was heard from within LivenessTimeout
// and the connection has not been retired.
func (c *Connection) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	return c.rt.cfg.Now().Sub(c.LastSeen()) < LivenessTimeout
}

// Done is closed when the connection is retired.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection was retired, or nil while it is live.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// AddListener registers fn for every inbound message. Errors returned by fn,
// and panics inside it, go to onErr, or to the runtime error sink when onErr
// is nil.
func (c *Connection) AddListener(fn Listener, onErr func(error)) ListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.listeners = append(c.listeners, &listener{id: id, fn: fn, onErr: onErr})
	return id
}

// RemoveListener unregisters id. Once it returns, no new call of the
// listener starts. Called from another goroutine it also waits for a call
// in progress, unless that call is the one being removed.
func (c *Connection) RemoveListener(id ListenerID) bool {
	c.listenersMu.Lock()
	var found *listener
	for i, l := range c.listeners {
		if l.id == id {
			found = l
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			break
		}
	}
	c.listenersMu.Unlock()
	if found == nil {
		return false
	}

	found.removed.Store(true)
	if c.inflight.Load() != found {
		found.mu.Lock()
		found.mu.Unlock()
	}
	return true
}

// Send stamps the runtime identity and next sequence number onto a copy of
// msg and writes it to this partner.
func (c *Connection) Send(msg *protocol.Message) error {
	if c.Err() != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Name(), c.partner.Key(), ErrConnectionLost)
	}
	return c.rt.send(msg, &c.partner)
}

// Close retires the connection. Waiters fail with ErrConnectionLost and
// connection-lost callbacks fire.
func (c *Connection) Close() {
	c.rt.retire(c, "closed", ErrConnectionLost)
}

// refresh records traffic at now. It returns false once the connection is
// retired, so the caller can open a new one.
func (c *Connection) refresh(now time.Time) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	if c.Err() != nil {
		return false
	}
	c.lastSeen.Store(now.UnixNano())
	return true
}

// finish marks the connection done. It returns false if it already was.
func (c *Connection) finish(cause error) bool {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	return c.finishLocked(cause)
}

// finishIfSilent retires the connection only when it has been silent for
// LivenessTimeout at now.
func (c *Connection) finishIfSilent(now time.Time) (time.Duration, bool) {
	c.seenMu.Lock()
	defer c.seenMu.Unlock()
	silent := now.Sub(c.LastSeen())
	if silent < LivenessTimeout {
		return silent, false
	}
	cause := fmt.Errorf("%w: silent for %s", ErrConnectionLost, silent.Truncate(time.Millisecond))
	return silent, c.finishLocked(cause)
}

func (c *Connection) finishLocked(cause error) bool {
	finished := false
	c.doneOnce.Do(func() {
		c.cause = cause
		close(c.done)
		finished = true
	})
	return finished
}

// deliver hands msg to every listener, then to the oldest matching waiter.
func (c *Connection) deliver(msg *protocol.Message) {
	c.listenersMu.Lock()
	snapshot := append([]*listener(nil), c.listeners...)
	c.listenersMu.Unlock()
	for _, l := range snapshot {
		c.invoke(l, msg)
	}

	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	for i, w := range c.waiters {
		if !w.matches(msg) {
			continue
		}
		c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
		w.ch <- msg.Clone()
		return
	}
}

func (c *Connection) invoke(l *listener, msg *protocol.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.removed.Load() {
		return
	}
	c.inflight.Store(l)
	defer c.inflight.Store(nil)
	defer func() {
		if r := recover(); r != nil {
			c.listenerFailed(l, fmt.Errorf("%w: %v", ErrListenerPanic, r))
		}
	}()
	if err := l.fn(msg.Clone()); err != nil {
		c.listenerFailed(l, fmt.Errorf("listener %d on %s: %w", l.id, msg.Name(), err))
	}
}

func (c *Connection) listenerFailed(l *listener, err error) {
	log.Debug().Err(err).Str("partner", c.partner.Key()).Msg("network.Connection.invoke listener failed")
	if l.onErr != nil {
		l.onErr(err)
		return
	}
	c.rt.report(err)
}

func (c *Connection) addWaiter(w *Expectation) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	c.waiters = append(c.waiters, w)
}

// removeWaiter reports whether w was still pending.
func (c *Connection) removeWaiter(w *Expectation) bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	for i, cur := range c.waiters {
		if cur == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Connection) pendingWaiters() int {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return len(c.waiters)
}
