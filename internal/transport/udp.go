package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// MAVLink frames never exceed 280 bytes; one datagram carries at most a
// few of them.
const datagramSize = 2048

// reuseListenConfig lets a restarted daemon rebind its port immediately.
func reuseListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var err error
			ctrlErr := c.Control(func(fd uintptr) {
				err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if ctrlErr != nil {
				return ctrlErr
			}
			return err
		},
	}
}

// UDP is a datagram transport. As a client it exchanges datagrams with one
// fixed remote only; as a server it replies to whichever partner it is
// asked to.
type UDP struct {
	conn   *net.UDPConn
	mode   Mode
	remote *net.UDPAddr
	in     *inbox

	strangers atomic.Uint64
}

// DialUDP opens a client socket on an ephemeral port that sends to remote.
func DialUDP(remote string) (*UDP, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", remote, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("transport: udp client socket: %w", err)
	}
	u := newUDP(conn, ModeClient, raddr)
	log.Info().
		Str("local", conn.LocalAddr().String()).
		Str("remote", raddr.String()).
		Msg("transport.DialUDP ready")
	return u, nil
}

// ListenUDP binds a server socket on addr, e.g. ":14550".
func ListenUDP(ctx context.Context, addr string) (*UDP, error) {
	cfg := reuseListenConfig()
	pc, err := cfg.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: udp listen %s: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)
	u := newUDP(conn, ModeServer, nil)
	log.Info().Str("addr", conn.LocalAddr().String()).Msg("transport.ListenUDP ready")
	return u, nil
}

func newUDP(conn *net.UDPConn, mode Mode, remote *net.UDPAddr) *UDP {
	u := &UDP{
		conn:   conn,
		mode:   mode,
		remote: remote,
		in:     newInbox(64),
	}
	go u.readLoop()
	return u
}

func (u *UDP) LocalAddr() *net.UDPAddr {
	return u.conn.LocalAddr().(*net.UDPAddr)
}

func (u *UDP) readLoop() {
	buf := make([]byte, datagramSize)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || u.in.closed() {
				u.in.fail(ErrClosed)
				return
			}
			// ICMP unreachable and similar are per-datagram conditions.
			log.Debug().Err(err).Msg("transport.UDP.readLoop read failed")
			continue
		}
		if !u.accepts(addr) {
			u.strangers.Add(1)
			log.Debug().Str("from", addr.String()).Str("remote", u.remote.String()).
				Msg("transport.UDP.readLoop dropped datagram from stranger")
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if !u.in.push(Packet{Data: data, Partner: partnerFromAddr(addr)}, nil) {
			return
		}
	}
}

// accepts reports whether a datagram from addr belongs to this transport. A
// client only hears its remote.
func (u *UDP) accepts(addr *net.UDPAddr) bool {
	if u.mode != ModeClient || u.remote == nil {
		return true
	}
	return addr.Port == u.remote.Port && addr.IP.Equal(u.remote.IP)
}

// Strangers counts datagrams a client dropped because they did not come
// from its remote.
func (u *UDP) Strangers() uint64 {
	return u.strangers.Load()
}

func (u *UDP) Receive(ctx context.Context) (Packet, error) {
	return u.in.receive(ctx)
}

func (u *UDP) Send(data []byte, to *Partner) error {
	var dst *net.UDPAddr
	switch {
	case to != nil:
		addr, err := net.ResolveUDPAddr("udp", to.Key())
		if err != nil {
			return &PartnerError{Partner: *to, Err: err}
		}
		dst = addr
	case u.remote != nil:
		dst = u.remote
	default:
		return ErrNoDestination
	}
	if _, err := u.conn.WriteToUDP(data, dst); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("transport: udp send %s: %w", dst, err)
	}
	return nil
}

func (u *UDP) Mode() Mode {
	return u.mode
}

func (u *UDP) Close() error {
	u.in.close()
	err := u.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
