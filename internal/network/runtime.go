package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/mavctl/internal/observability"
	"github.com/danmuck/mavctl/internal/protocol"
	"github.com/danmuck/mavctl/internal/protocol/frame"
	"github.com/danmuck/mavctl/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// disconnecter is implemented by transports that can drop a single partner.
type disconnecter interface {
	Disconnect(transport.Partner)
}

// Runtime owns one transport. It decodes inbound bytes into messages,
// tracks a Connection per partner and keeps them alive with heartbeats.
type Runtime struct {
	iface   transport.Interface
	set     *protocol.MessageSet
	cfg     Config
	encoder frame.Encoder

	// parsers is only touched by the read loop.
	parsers   map[string]*frame.Parser
	conns     *connTable
	nextOrder atomic.Uint64

	cbMu   sync.RWMutex
	onConn []func(*Connection)
	onLost []func(*Connection)

	notifyMu sync.Mutex
	notify   chan struct{}

	hbMu      sync.RWMutex
	heartbeat *protocol.Message

	sendMu sync.Mutex
	seq    uint8

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	loopsDone chan struct{}
	loopErr   error

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func NewRuntime(iface transport.Interface, set *protocol.MessageSet, cfg Config) (*Runtime, error) {
	if iface == nil {
		return nil, errors.New("network: nil transport")
	}
	if set == nil {
		return nil, errors.New("network: nil message set")
	}
	cfg = cfg.withDefaults()
	r := &Runtime{
		iface:   iface,
		set:     set,
		cfg:     cfg,
		encoder: frame.Encoder{Signer: cfg.Signer},
		parsers: make(map[string]*frame.Parser),
		conns:   newConnTable(),
		notify:  make(chan struct{}),
		closed:  make(chan struct{}),
	}
	if cfg.Heartbeat != nil {
		r.heartbeat = cfg.Heartbeat.Clone()
	}
	return r, nil
}

func (r *Runtime) Name() string {
	return r.cfg.Name
}

func (r *Runtime) MessageSet() *protocol.MessageSet {
	return r.set
}

func (r *Runtime) Identity() Identity {
	return r.cfg.Identity
}

// Start launches the read, heartbeat and liveness loops. They stop when ctx
// is done, when Close is called, or when the transport fails.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.closed:
		return ErrRuntimeClosed
	default:
	}
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.readLoop(gctx) })
	g.Go(func() error { return r.heartbeatLoop(gctx) })
	g.Go(func() error { return r.sweepLoop(gctx) })

	r.cancel = cancel
	r.loopsDone = make(chan struct{})
	go func(done chan struct{}) {
		err := g.Wait()
		cancel()
		r.mu.Lock()
		r.loopErr = err
		r.mu.Unlock()
		if err != nil {
			r.retireAll("transport", fmt.Errorf("%w: %w", ErrConnectionLost, err))
		}
		close(done)
	}(r.loopsDone)

	log.Info().
		Str("link", r.cfg.Name).
		Str("mode", r.iface.Mode().String()).
		Uint8("sysid", r.cfg.Identity.SystemID).
		Uint8("compid", r.cfg.Identity.ComponentID).
		Msg("network.Runtime.Start running")
	return nil
}

// Wait blocks until the loops exit and returns the error that stopped them.
func (r *Runtime) Wait() error {
	r.mu.Lock()
	done := r.loopsDone
	r.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loopErr
}

// Close stops the loops, closes the transport and retires every connection.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		close(r.closed)
		cancel := r.cancel
		done := r.loopsDone
		r.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		r.closeErr = r.iface.Close()
		if done != nil {
			<-done
		}
		r.retireAll("closed", fmt.Errorf("%w: %w", ErrConnectionLost, ErrRuntimeClosed))
		log.Info().Str("link", r.cfg.Name).Msg("network.Runtime.Close closed")
	})
	return r.closeErr
}

// OnConnection registers fn for each new connection. Callbacks run on the
// read loop, outside runtime locks.
func (r *Runtime) OnConnection(fn func(*Connection)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onConn = append(r.onConn, fn)
}

// OnConnectionLost registers fn, called exactly once per retired connection.
func (r *Runtime) OnConnectionLost(fn func(*Connection)) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.onLost = append(r.onLost, fn)
}

// Connections lists live connections, oldest first.
func (r *Runtime) Connections() []*Connection {
	return r.conns.list()
}

// AwaitConnection returns the oldest live connection, waiting for one to
// appear. timeout <= 0 waits until ctx is done.
func (r *Runtime) AwaitConnection(ctx context.Context, timeout time.Duration) (*Connection, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		wake := r.connectionNotify()
		for _, c := range r.conns.list() {
			if c.Alive() {
				return c, nil
			}
		}
		select {
		case <-wake:
		case <-expired:
			return nil, fmt.Errorf("awaiting connection: %w", ErrTimedOut)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.closed:
			return nil, ErrRuntimeClosed
		}
	}
}

// SetHeartbeat replaces the periodic heartbeat with a copy of msg.
func (r *Runtime) SetHeartbeat(msg *protocol.Message) {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	r.heartbeat = msg.Clone()
}

func (r *Runtime) ClearHeartbeat() {
	r.hbMu.Lock()
	defer r.hbMu.Unlock()
	r.heartbeat = nil
}

func (r *Runtime) currentHeartbeat() *protocol.Message {
	r.hbMu.RLock()
	defer r.hbMu.RUnlock()
	return r.heartbeat
}

// Broadcast sends msg to every live connection, or to the transport default
// destination when a client transport has none yet.
func (r *Runtime) Broadcast(msg *protocol.Message) error {
	conns := r.conns.list()
	if len(conns) == 0 {
		if r.iface.Mode() != transport.ModeClient {
			return transport.ErrNoDestination
		}
		return r.send(msg, nil)
	}
	var errs []error
	for _, c := range conns {
		if err := r.send(msg, &c.partner); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// send stamps identity and sequence onto a copy of msg, then frames and
// writes it. Sequence numbers are shared by everything this runtime sends.
func (r *Runtime) send(msg *protocol.Message, to *transport.Partner) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", frame.ErrEncode)
	}
	select {
	case <-r.closed:
		return ErrRuntimeClosed
	default:
	}
	out := msg.Clone()

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	h := out.Header()
	h.Seq = r.seq
	h.SystemID = r.cfg.Identity.SystemID
	h.ComponentID = r.cfg.Identity.ComponentID
	out.SetHeader(h)
	data, err := r.encoder.Encode(out)
	if err != nil {
		return err
	}
	r.seq++

	err = r.iface.Send(data, to)
	observability.RecordFrameSent(r.cfg.Name, out.Name(), err == nil)
	if err != nil {
		return fmt.Errorf("network: send %s: %w", out.Name(), err)
	}
	return nil
}

func (r *Runtime) report(err error) {
	if r.cfg.ErrorSink != nil {
		r.cfg.ErrorSink(err)
		return
	}
	log.Error().Err(err).Str("link", r.cfg.Name).Msg("network.Runtime error")
}

// Runtime read loop for inbound transport bytes.
func (r *Runtime) readLoop(ctx context.Context) error {
	for {
		pkt, err := r.iface.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var pe *transport.PartnerError
			if errors.As(err, &pe) {
				r.partnerFailed(pe)
				continue
			}
			if r.isClosed() && errors.Is(err, transport.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Str("link", r.cfg.Name).Msg("network.Runtime.readLoop transport failed")
			r.report(err)
			return err
		}
		r.handlePacket(pkt)
	}
}

func (r *Runtime) handlePacket(pkt transport.Packet) {
	key := pkt.Partner.Key()
	parser, ok := r.parsers[key]
	if !ok {
		var opts []frame.ParserOption
		if r.cfg.Verifier != nil {
			opts = append(opts, frame.WithVerifier(r.cfg.Verifier))
		}
		parser = frame.NewParser(r.set, opts...)
		r.parsers[key] = parser
	}
	parser.Feed(pkt.Data, func(msg *protocol.Message, err error) {
		if err != nil {
			reason := decodeReason(err)
			observability.RecordDecodeError(r.cfg.Name, reason)
			log.Debug().Err(err).Str("link", r.cfg.Name).Str("partner", key).Str("reason", reason).
				Msg("network.Runtime.handlePacket frame dropped")
			return
		}
		observability.RecordFrameReceived(r.cfg.Name, msg.Name())
		r.connectionFor(pkt.Partner).deliver(msg)
	})
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, frame.ErrChecksumFailed):
		return "checksum"
	case errors.Is(err, frame.ErrSignatureFailed):
		return "signature"
	case errors.Is(err, protocol.ErrUnknownMessage):
		return "unknown_message"
	default:
		return "malformed"
	}
}

// connectionFor returns the live connection for partner, opening one when
// none exists or the existing one was retired concurrently.
func (r *Runtime) connectionFor(partner transport.Partner) *Connection {
	now := r.cfg.Now()
	for {
		conn, created := r.conns.getOrAdd(partner.Key(), func() *Connection {
			return newConnection(r, partner, r.nextOrder.Add(1), now)
		})
		if created {
			return r.opened(conn)
		}
		if conn.refresh(now) {
			return conn
		}
		r.conns.remove(conn)
	}
}

func (r *Runtime) opened(conn *Connection) *Connection {
	partner := conn.partner

	observability.RecordConnectionOpened(r.cfg.Name, r.conns.len())
	log.Info().Str("link", r.cfg.Name).Str("partner", partner.Key()).Msg("network.Runtime.connectionFor new connection")
	r.announce()

	r.cbMu.RLock()
	callbacks := append([]func(*Connection){}, r.onConn...)
	r.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(conn)
	}
	return conn
}

func (r *Runtime) partnerFailed(pe *transport.PartnerError) {
	key := pe.Partner.Key()
	delete(r.parsers, key)
	if conn, ok := r.conns.get(key); ok {
		r.retire(conn, "transport", fmt.Errorf("%w: %w", ErrConnectionLost, pe))
	}
}

// retire removes c and fires lost callbacks. Only the first call for a
// connection has any effect.
func (r *Runtime) retire(c *Connection, reason string, cause error) {
	if !c.finish(cause) {
		r.conns.remove(c)
		return
	}
	r.retired(c, reason, cause)
}

func (r *Runtime) retired(c *Connection, reason string, cause error) {
	r.conns.remove(c)
	if reason == "closed" {
		if d, ok := r.iface.(disconnecter); ok {
			d.Disconnect(c.partner)
		}
	}
	observability.RecordConnectionLost(r.cfg.Name, reason, r.conns.len())
	log.Info().Err(cause).Str("link", r.cfg.Name).Str("partner", c.partner.Key()).Str("reason", reason).
		Msg("network.Runtime.retire connection lost")

	r.cbMu.RLock()
	callbacks := append([]func(*Connection){}, r.onLost...)
	r.cbMu.RUnlock()
	for _, fn := range callbacks {
		fn(c)
	}
}

func (r *Runtime) retireAll(reason string, cause error) {
	for _, c := range r.conns.list() {
		r.retire(c, reason, cause)
	}
}

func (r *Runtime) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *Runtime) announce() {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	close(r.notify)
	r.notify = make(chan struct{})
}

func (r *Runtime) connectionNotify() <-chan struct{} {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	return r.notify
}

// Runtime heartbeat loop. The first heartbeat goes out immediately.
func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	r.sendHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sendHeartbeat()
		}
	}
}

func (r *Runtime) sendHeartbeat() {
	hb := r.currentHeartbeat()
	if hb == nil {
		return
	}
	if err := r.Broadcast(hb); err != nil && !errors.Is(err, transport.ErrNoDestination) {
		log.Debug().Err(err).Str("link", r.cfg.Name).Msg("network.Runtime.sendHeartbeat failed")
	}
}

// Runtime liveness loop retiring silent partners.
func (r *Runtime) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Runtime) sweep() {
	now := r.cfg.Now()
	for _, c := range r.conns.list() {
		if _, expired := c.finishIfSilent(now); expired {
			r.retired(c, "timeout", c.Err())
		}
	}
}
