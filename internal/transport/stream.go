package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

const streamChunkSize = 1024

// Stream carries MAVLink over one byte stream (a TCP connection or a serial
// line) to a single partner. Losing the stream finishes the transport.
type Stream struct {
	rwc     io.ReadWriteCloser
	partner Partner
	name    string
	// idleEOF treats an empty read returning io.EOF as a read timeout, the
	// behavior of serial drivers configured with a read timeout.
	idleEOF bool

	writeMu sync.Mutex
	in      *inbox
}

// NewStream wraps rwc and starts reading from it.
func NewStream(rwc io.ReadWriteCloser, partner Partner) *Stream {
	return newStream(rwc, partner, "stream", false)
}

func newStream(rwc io.ReadWriteCloser, partner Partner, name string, idleEOF bool) *Stream {
	s := &Stream{
		rwc:     rwc,
		partner: partner,
		name:    name,
		idleEOF: idleEOF,
		in:      newInbox(64),
	}
	go s.readLoop()
	return s
}

func (s *Stream) Partner() Partner {
	return s.partner
}

func (s *Stream) readLoop() {
	buf := make([]byte, streamChunkSize)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !s.in.push(Packet{Data: data, Partner: s.partner}, nil) {
				return
			}
		}
		if err == nil {
			continue
		}
		if s.idleEOF && n == 0 && errors.Is(err, io.EOF) && !s.in.closed() {
			continue
		}
		if s.in.closed() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			s.in.fail(ErrClosed)
			return
		}
		log.Warn().Err(err).Str("transport", s.name).Str("partner", s.partner.Key()).Msg("transport.Stream.readLoop stream lost")
		s.in.fail(fmt.Errorf("transport: stream to %s lost: %w", s.partner.Key(), err))
		return
	}
}

func (s *Stream) Receive(ctx context.Context) (Packet, error) {
	return s.in.receive(ctx)
}

// Send writes data to the stream. The destination is ignored since a
// stream has exactly one partner.
func (s *Stream) Send(data []byte, _ *Partner) error {
	if s.in.closed() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.rwc.Write(data); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (s *Stream) Mode() Mode {
	return ModeClient
}

func (s *Stream) Close() error {
	s.in.close()
	err := s.rwc.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
