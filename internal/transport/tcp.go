package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DialConfig controls TCP client connection attempts.
type DialConfig struct {
	ConnectTimeout time.Duration
	// MaxAttempts <= 0 retries until ctx is done.
	MaxAttempts int
	Backoff     BackoffConfig
}

func DefaultDialConfig() DialConfig {
	return DialConfig{
		ConnectTimeout: 5 * time.Second,
		MaxAttempts:    5,
		Backoff:        DefaultBackoff(),
	}
}

// DialTCP connects to remote, retrying with backoff. A connection lost after
// it is established is not re-dialed.
func DialTCP(ctx context.Context, remote string, cfg DialConfig) (*Stream, error) {
	backoff := newDialBackoff(cfg.Backoff)
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	for attempt := 1; ; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", remote)
		if err == nil {
			partner := partnerFromAddr(conn.RemoteAddr())
			log.Info().Str("remote", partner.Key()).Int("attempt", attempt).Msg("transport.DialTCP connected")
			return newStream(conn, partner, "tcp", false), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return nil, fmt.Errorf("transport: dial %s after %d attempts: %w", remote, attempt, err)
		}
		log.Debug().Err(err).Str("remote", remote).Int("attempt", attempt).Msg("transport.DialTCP retry")
		if err := backoff.wait(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// TCPServer accepts MAVLink streams. Each accepted connection is its own
// partner; a closed connection surfaces as a *PartnerError.
type TCPServer struct {
	ln net.Listener
	in *inbox

	mu    sync.Mutex
	conns map[string]net.Conn
	wg    sync.WaitGroup
}

func ListenTCP(ctx context.Context, addr string) (*TCPServer, error) {
	cfg := reuseListenConfig()
	ln, err := cfg.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp listen %s: %w", addr, err)
	}
	s := &TCPServer{
		ln:    ln,
		in:    newInbox(64),
		conns: make(map[string]net.Conn),
	}
	go s.acceptLoop()
	log.Info().Str("addr", ln.Addr().String()).Msg("transport.ListenTCP ready")
	return s, nil
}

func (s *TCPServer) Addr() net.Addr {
	return s.ln.Addr()
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.in.closed() {
				s.in.fail(ErrClosed)
				return
			}
			log.Error().Err(err).Msg("transport.TCPServer.acceptLoop accept failed")
			s.in.fail(fmt.Errorf("transport: accept: %w", err))
			return
		}
		partner := partnerFromAddr(conn.RemoteAddr())
		s.mu.Lock()
		s.conns[partner.Key()] = conn
		s.mu.Unlock()
		log.Info().Str("partner", partner.Key()).Msg("transport.TCPServer.acceptLoop accepted")

		s.wg.Add(1)
		go s.handleConn(conn, partner)
	}
}

func (s *TCPServer) handleConn(conn net.Conn, partner Partner) {
	defer s.wg.Done()

	buf := make([]byte, streamChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !s.in.push(Packet{Data: data, Partner: partner}, nil) {
				s.drop(partner)
				return
			}
		}
		if err == nil {
			continue
		}
		s.drop(partner)
		if s.in.closed() {
			return
		}
		if errors.Is(err, net.ErrClosed) {
			err = io.EOF
		}
		log.Info().Err(err).Str("partner", partner.Key()).Msg("transport.TCPServer.handleConn partner closed")
		s.in.push(Packet{Partner: partner}, &PartnerError{Partner: partner, Err: err})
		return
	}
}

func (s *TCPServer) drop(partner Partner) {
	s.mu.Lock()
	conn, ok := s.conns[partner.Key()]
	delete(s.conns, partner.Key())
	s.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (s *TCPServer) Receive(ctx context.Context) (Packet, error) {
	return s.in.receive(ctx)
}

func (s *TCPServer) Send(data []byte, to *Partner) error {
	if to == nil {
		return ErrNoDestination
	}
	s.mu.Lock()
	conn, ok := s.conns[to.Key()]
	s.mu.Unlock()
	if !ok {
		return &PartnerError{Partner: *to, Err: ErrUnknownPeer}
	}
	if _, err := conn.Write(data); err != nil {
		return &PartnerError{Partner: *to, Err: err}
	}
	return nil
}

// Disconnect closes the stream of one partner.
func (s *TCPServer) Disconnect(p Partner) {
	s.drop(p)
}

func (s *TCPServer) Mode() Mode {
	return ModeServer
}

func (s *TCPServer) Close() error {
	s.in.close()
	err := s.ln.Close()
	s.mu.Lock()
	for key, conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
