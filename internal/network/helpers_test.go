package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/mavctl/internal/protocol"
	"github.com/danmuck/mavctl/internal/protocol/frame"
	"github.com/danmuck/mavctl/internal/protocol/schema"
	"github.com/danmuck/mavctl/internal/transport"
)

const bigMessageTOML = `
[[messages]]
id = 9915
name = "BIG_MESSAGE"
fields = [
  { name = "uint8_field", type = "uint8_t" },
  { name = "float_field", type = "float" },
  { name = "char_arr_field", type = "char[20]" },
  { name = "float_arr_field", type = "float[3]" },
]
`

var (
	groundPartner = transport.Partner{Address: "10.0.0.2", Port: 14550}
	otherPartner  = transport.Partner{Address: "10.0.0.3", Port: 14550}
)

func testSet(t *testing.T) *protocol.MessageSet {
	t.Helper()
	set := protocol.NewMessageSet()
	if err := set.Merge(schema.Minimal()); err != nil {
		t.Fatalf("merge minimal: %v", err)
	}
	frag, err := schema.Parse([]byte(bigMessageTOML))
	if err != nil {
		t.Fatalf("parse big message: %v", err)
	}
	if err := set.Merge(frag); err != nil {
		t.Fatalf("merge big message: %v", err)
	}
	return set
}

func heartbeat(t *testing.T, set *protocol.MessageSet, customMode uint32) *protocol.Message {
	t.Helper()
	msg, err := set.Create("HEARTBEAT")
	if err != nil {
		t.Fatalf("create heartbeat: %v", err)
	}
	err = msg.SetFromMap(map[string]any{
		"type":            6,
		"autopilot":       8,
		"custom_mode":     customMode,
		"system_status":   4,
		"mavlink_version": 3,
	})
	if err != nil {
		t.Fatalf("fill heartbeat: %v", err)
	}
	return msg
}

func bigMessage(t *testing.T, set *protocol.MessageSet) *protocol.Message {
	t.Helper()
	msg, err := set.Create("BIG_MESSAGE")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = msg.SetFromMap(map[string]any{
		"uint8_field":     1,
		"float_field":     10.5,
		"char_arr_field":  "Hello world",
		"float_arr_field": []float64{1.0, 2.0, 3.0},
	})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	return msg
}

// wire frames msg as if sent by sysid/compid.
func wire(t *testing.T, msg *protocol.Message, sysid, compid, seq uint8) []byte {
	t.Helper()
	out := msg.Clone()
	h := out.Header()
	h.SystemID = sysid
	h.ComponentID = compid
	h.Seq = seq
	out.SetHeader(h)
	data, err := frame.Encode(out)
	if err != nil {
		t.Fatalf("encode %s: %v", msg.Name(), err)
	}
	return data
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type pipeItem struct {
	pkt transport.Packet
	err error
}

// pipeEnd is an in-memory transport. Whatever one end sends arrives at the
// other tagged with the sender's partner.
type pipeEnd struct {
	mode transport.Mode
	self transport.Partner
	peer *pipeEnd
	in   chan pipeItem
	done chan struct{}
	once sync.Once
}

func newPipe(mode transport.Mode) (*pipeEnd, *pipeEnd) {
	a := &pipeEnd{
		mode: mode,
		self: transport.Partner{Address: "pipe-a", Port: 1},
		in:   make(chan pipeItem, 256),
		done: make(chan struct{}),
	}
	b := &pipeEnd{
		mode: transport.ModeClient,
		self: groundPartner,
		in:   make(chan pipeItem, 256),
		done: make(chan struct{}),
	}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) Receive(ctx context.Context) (transport.Packet, error) {
	select {
	case it := <-p.in:
		return it.pkt, it.err
	case <-p.done:
		return transport.Packet{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Packet{}, ctx.Err()
	}
}

func (p *pipeEnd) Send(data []byte, _ *transport.Partner) error {
	select {
	case <-p.done:
		return transport.ErrClosed
	default:
	}
	buf := append([]byte(nil), data...)
	p.peer.in <- pipeItem{pkt: transport.Packet{Data: buf, Partner: p.self}}
	return nil
}

func (p *pipeEnd) Mode() transport.Mode {
	return p.mode
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *pipeEnd) inject(from transport.Partner, data []byte) {
	p.in <- pipeItem{pkt: transport.Packet{Data: data, Partner: from}}
}

func (p *pipeEnd) fail(err error) {
	p.in <- pipeItem{err: err}
}

// nextMessage decodes the next frame that reached p.
func (p *pipeEnd) nextMessage(t *testing.T, set *protocol.MessageSet, within time.Duration) *protocol.Message {
	t.Helper()
	parser := frame.NewParser(set)
	deadline := time.After(within)
	for {
		select {
		case it := <-p.in:
			var got *protocol.Message
			parser.Feed(it.pkt.Data, func(msg *protocol.Message, err error) {
				if err == nil && got == nil {
					got = msg
				}
			})
			if got != nil {
				return got
			}
		case <-deadline:
			t.Fatalf("no frame within %s", within)
			return nil
		}
	}
}

func newTestRuntime(t *testing.T, iface transport.Interface, set *protocol.MessageSet, cfg Config) *Runtime {
	t.Helper()
	rt, err := NewRuntime(iface, set, cfg)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}
