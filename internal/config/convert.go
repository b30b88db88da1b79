package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/danmuck/mavctl/internal/network"
	"github.com/danmuck/mavctl/internal/protocol/frame"
	"github.com/danmuck/mavctl/internal/transport"
)

// SecretKey returns the 32-byte signing key, decoded from Key or hashed from
// Passphrase.
func (s SigningConfig) SecretKey() ([32]byte, error) {
	var key [32]byte
	if s.Key != "" {
		raw, err := hex.DecodeString(strings.TrimSpace(s.Key))
		if err != nil {
			return key, fmt.Errorf("decode key: %w", err)
		}
		if len(raw) != len(key) {
			return key, fmt.Errorf("key must be %d bytes, got %d", len(key), len(raw))
		}
		copy(key[:], raw)
		return key, nil
	}
	if s.Passphrase == "" {
		return key, fmt.Errorf("key or passphrase required")
	}
	return sha256.Sum256([]byte(s.Passphrase)), nil
}

// RuntimeConfig maps the daemon settings onto a network runtime config. The
// heartbeat message is left to the caller since it needs a message set.
func (c DaemonConfig) RuntimeConfig() (network.Config, error) {
	out := network.DefaultConfig()
	out.Name = c.Name
	out.Identity = network.Identity{SystemID: c.SystemID, ComponentID: c.ComponentID}
	out.HeartbeatInterval = c.HeartbeatInterval
	if c.Signing.Enabled {
		key, err := c.Signing.SecretKey()
		if err != nil {
			return network.Config{}, err
		}
		signer := frame.NewLinkSigner(c.Signing.LinkID, key)
		out.Signer = signer
		out.Verifier = signer
	}
	return out, nil
}

// OpenTransport opens the transport described by cfg.
func OpenTransport(ctx context.Context, cfg TransportConfig) (transport.Interface, error) {
	var (
		iface transport.Interface
		err   error
	)
	switch cfg.Kind {
	case TransportUDPClient:
		var u *transport.UDP
		u, err = transport.DialUDP(cfg.Address)
		iface = u
	case TransportUDPServer:
		var u *transport.UDP
		u, err = transport.ListenUDP(ctx, cfg.Address)
		iface = u
	case TransportTCPClient:
		dial := transport.DefaultDialConfig()
		dial.MaxAttempts = cfg.MaxConnectAttempts
		var s *transport.Stream
		s, err = transport.DialTCP(ctx, cfg.Address, dial)
		iface = s
	case TransportTCPServer:
		var s *transport.TCPServer
		s, err = transport.ListenTCP(ctx, cfg.Address)
		iface = s
	case TransportSerial:
		serial := transport.DefaultSerialConfig(cfg.Device)
		serial.Baud = cfg.Baud
		serial.FlowControl = cfg.FlowControl
		var s *transport.Stream
		s, err = transport.OpenSerial(serial)
		iface = s
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return iface, nil
}
