package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/mavctl/internal/protocol"
)

// AnySource matches every system or component id.
const AnySource = -1

// Expectation is a registered one-shot wait for a message. Register it
// before sending a request so a fast reply is not missed.
type Expectation struct {
	conn        *Connection
	messageID   uint32
	name        string
	systemID    int
	componentID int
	ch          chan *protocol.Message
	used        atomic.Bool
	cancelOnce  sync.Once
	canceled    chan struct{}
}

type ExpectOption func(*Expectation)

// WithSource limits the expectation to messages from one sender. Pass
// AnySource for either id to leave it unfiltered.
func WithSource(systemID, componentID int) ExpectOption {
	return func(e *Expectation) {
		e.systemID = systemID
		e.componentID = componentID
	}
}

func (e *Expectation) Name() string {
	return e.name
}

func (e *Expectation) matches(msg *protocol.Message) bool {
	if msg.ID() != e.messageID {
		return false
	}
	h := msg.Header()
	if e.systemID != AnySource && int(h.SystemID) != e.systemID {
		return false
	}
	if e.componentID != AnySource && int(h.ComponentID) != e.componentID {
		return false
	}
	return true
}

// Expect registers a wait for the named message.
func (c *Connection) Expect(name string, opts ...ExpectOption) (*Expectation, error) {
	def, ok := c.rt.set.LookupByName(name)
	if !ok {
		return nil, fmt.Errorf("expect %q: %w", name, protocol.ErrUnknownMessage)
	}
	return c.expect(def, opts), nil
}

// ExpectID registers a wait for the message with id.
func (c *Connection) ExpectID(id uint32, opts ...ExpectOption) (*Expectation, error) {
	def, ok := c.rt.set.LookupByID(id)
	if !ok {
		return nil, fmt.Errorf("expect id %d: %w", id, protocol.ErrUnknownMessage)
	}
	return c.expect(def, opts), nil
}

func (c *Connection) expect(def *protocol.MessageDefinition, opts []ExpectOption) *Expectation {
	e := &Expectation{
		conn:        c,
		messageID:   def.ID(),
		name:        def.Name(),
		systemID:    AnySource,
		componentID: AnySource,
		ch:          make(chan *protocol.Message, 1),
		canceled:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	c.addWaiter(e)
	return e
}

// ReceiveExpectation waits for e to be fulfilled. timeout <= 0 waits until
// ctx is done or the connection is lost. The expectation is deregistered
// on every return path.
func (c *Connection) ReceiveExpectation(ctx context.Context, e *Expectation, timeout time.Duration) (*protocol.Message, error) {
	if e.conn != c {
		return nil, fmt.Errorf("network: expectation for %s belongs to another connection", e.name)
	}
	if !e.used.CompareAndSwap(false, true) {
		return nil, ErrExpectationUsed
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var failure error
	select {
	case msg := <-e.ch:
		return msg, nil
	case <-expired:
		failure = fmt.Errorf("waiting for %s: %w", e.name, ErrTimedOut)
	case <-c.done:
		failure = fmt.Errorf("waiting for %s: %w", e.name, ErrConnectionLost)
	case <-e.canceled:
		failure = fmt.Errorf("waiting for %s: %w", e.name, ErrCanceled)
	case <-ctx.Done():
		failure = ctx.Err()
	}
	if !c.removeWaiter(e) {
		// Fulfilled concurrently with the failure, or canceled.
		select {
		case msg := <-e.ch:
			return msg, nil
		default:
		}
	}
	return nil, failure
}

// Receive registers and waits for the named message in one step.
func (c *Connection) Receive(ctx context.Context, name string, timeout time.Duration, opts ...ExpectOption) (*protocol.Message, error) {
	e, err := c.Expect(name, opts...)
	if err != nil {
		return nil, err
	}
	return c.ReceiveExpectation(ctx, e, timeout)
}

// Cancel deregisters the expectation. A ReceiveExpectation blocked on it
// returns ErrCanceled; a later one returns ErrExpectationUsed.
func (e *Expectation) Cancel() {
	e.used.Store(true)
	e.cancelOnce.Do(func() { close(e.canceled) })
	e.conn.removeWaiter(e)
}
