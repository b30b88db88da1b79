// Package transport moves raw MAVLink bytes between this process and its
// partners. It knows nothing about frames; every Interface delivers byte
// chunks tagged with the partner that sent them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

var (
	ErrClosed        = fmt.Errorf("transport: closed: %w", net.ErrClosed)
	ErrNoDestination = errors.New("transport: no destination")
	ErrUnknownPeer   = errors.New("transport: unknown partner")
)

type Mode uint8

const (
	// ModeClient talks to exactly one remote partner.
	ModeClient Mode = iota
	// ModeServer accepts any number of partners.
	ModeServer
)

func (m Mode) String() string {
	if m == ModeServer {
		return "server"
	}
	return "client"
}

// Partner identifies a remote endpoint. Two packets from the same endpoint
// carry equal Partners.
type Partner struct {
	Address string
	Port    int
	Serial  bool
}

// Key is the stable identity string of the endpoint.
func (p Partner) Key() string {
	if p.Serial {
		return "serial:" + p.Address
	}
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

func (p Partner) String() string {
	return p.Key()
}

func partnerFromAddr(addr net.Addr) Partner {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return Partner{Address: a.IP.String(), Port: a.Port}
	case *net.TCPAddr:
		return Partner{Address: a.IP.String(), Port: a.Port}
	default:
		host, port, err := net.SplitHostPort(addr.String())
		if err != nil {
			return Partner{Address: addr.String()}
		}
		n, _ := strconv.Atoi(port)
		return Partner{Address: host, Port: n}
	}
}

// Packet is one chunk of inbound bytes. Stream transports may split or join
// frames across packets.
type Packet struct {
	Data    []byte
	Partner Partner
}

// PartnerError reports that one partner failed while the transport itself
// keeps running.
type PartnerError struct {
	Partner Partner
	Err     error
}

func (e *PartnerError) Error() string {
	return fmt.Sprintf("transport: partner %s: %v", e.Partner.Key(), e.Err)
}

func (e *PartnerError) Unwrap() error {
	return e.Err
}

// Interface is the byte-stream abstraction consumed by the network runtime.
type Interface interface {
	// Receive blocks for the next packet. A *PartnerError is recoverable;
	// any other error means the transport is finished.
	Receive(ctx context.Context) (Packet, error)
	// Send writes data to a partner, or to the default destination when to
	// is nil.
	Send(data []byte, to *Partner) error
	Mode() Mode
	Close() error
}

type result struct {
	pkt Packet
	err error
}

// inbox hands packets from reader goroutines to Receive callers.
type inbox struct {
	ch     chan result
	done   chan struct{}
	failed chan struct{}

	closeOnce sync.Once
	failOnce  sync.Once
	failErr   error
}

func newInbox(size int) *inbox {
	return &inbox{
		ch:     make(chan result, size),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
	}
}

func (b *inbox) push(pkt Packet, err error) bool {
	select {
	case b.ch <- result{pkt: pkt, err: err}:
		return true
	case <-b.done:
		return false
	}
}

// fail records a terminal error. Queued packets are still delivered first.
func (b *inbox) fail(err error) {
	b.failOnce.Do(func() {
		b.failErr = err
		close(b.failed)
	})
}

func (b *inbox) receive(ctx context.Context) (Packet, error) {
	select {
	case r := <-b.ch:
		return r.pkt, r.err
	default:
	}
	select {
	case r := <-b.ch:
		return r.pkt, r.err
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	case <-b.done:
		return Packet{}, ErrClosed
	case <-b.failed:
		return Packet{}, b.failErr
	}
}

func (b *inbox) close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *inbox) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
