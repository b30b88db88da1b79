// Package daemon wires the mavctl process: message set, transport, network
// runtime and admin server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/mavctl/internal/admin"
	"github.com/danmuck/mavctl/internal/config"
	"github.com/danmuck/mavctl/internal/network"
	"github.com/danmuck/mavctl/internal/protocol"
	"github.com/danmuck/mavctl/internal/protocol/schema"
	"github.com/danmuck/mavctl/internal/transport"
	"github.com/rs/zerolog/log"
)

// StatusInterval is how often the daemon logs a status line.
const StatusInterval = 30 * time.Second

type Service struct {
	cfg   config.DaemonConfig
	set   *protocol.MessageSet
	iface transport.Interface
	rt    *network.Runtime
	hub   *admin.Hub
}

func NewService(cfg config.DaemonConfig) *Service {
	return &Service{cfg: cfg}
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext blocks until ctx is done or the link fails.
func (s *Service) RunContext(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	return s.serve(ctx)
}

// Runtime is nil until bootstrap has run.
func (s *Service) Runtime() *network.Runtime {
	return s.rt
}

func (s *Service) bootstrap(ctx context.Context) error {
	if err := config.ValidateDaemonConfig(s.cfg); err != nil {
		return err
	}
	set, err := BuildMessageSet(s.cfg.Schemas)
	if err != nil {
		return err
	}
	s.set = set

	rcfg, err := s.cfg.RuntimeConfig()
	if err != nil {
		return err
	}
	if s.cfg.Heartbeat {
		hb, err := NewHeartbeat(set)
		if err != nil {
			return err
		}
		rcfg.Heartbeat = hb
	}

	iface, err := config.OpenTransport(ctx, s.cfg.Transport)
	if err != nil {
		return err
	}
	rt, err := network.NewRuntime(iface, set, rcfg)
	if err != nil {
		_ = iface.Close()
		return err
	}
	s.iface = iface
	s.rt = rt
	s.hub = admin.NewHub(0)
	s.hub.Attach(rt)
	rt.OnConnection(func(c *network.Connection) {
		log.Info().Str("partner", c.Partner().Key()).Msg("daemon.Service connection up")
	})
	rt.OnConnectionLost(func(c *network.Connection) {
		log.Warn().Err(c.Err()).Str("partner", c.Partner().Key()).Msg("daemon.Service connection lost")
	})

	log.Info().
		Str("name", s.cfg.Name).
		Str("transport", s.cfg.Transport.Kind).
		Int("messages", set.Len()).
		Bool("signing", s.cfg.Signing.Enabled).
		Msg("daemon.Service.bootstrap ready")
	return nil
}

// Daemon main loop: runtime, optional admin server and a periodic status line.
func (s *Service) serve(ctx context.Context) error {
	defer s.hub.Close()
	defer s.rt.Close()

	if err := s.rt.Start(ctx); err != nil {
		return err
	}
	runtimeErr := make(chan error, 1)
	go func() {
		runtimeErr <- s.rt.Wait()
	}()

	adminErr := make(chan error, 1)
	if s.cfg.Admin.Addr != "" {
		srv := admin.New(admin.Options{
			ID:          s.cfg.Name,
			Addr:        s.cfg.Admin.Addr,
			CorsOrigins: s.cfg.Admin.CorsOrigins,
			TapRate:     s.cfg.Admin.TapRate,
			Token:       s.cfg.Admin.Token,
		}, s.rt, s.hub)
		go func() {
			adminErr <- srv.Serve(ctx)
		}()
	}

	ticker := time.NewTicker(StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("daemon.Service.serve shutdown")
			return nil
		case err := <-runtimeErr:
			if err != nil {
				return fmt.Errorf("link failed: %w", err)
			}
			return nil
		case err := <-adminErr:
			if err != nil {
				return fmt.Errorf("admin server: %w", err)
			}
		case <-ticker.C:
			conns := s.rt.Connections()
			alive := 0
			for _, c := range conns {
				if c.Alive() {
					alive++
				}
			}
			log.Info().
				Str("name", s.cfg.Name).
				Int("connections", len(conns)).
				Int("alive", alive).
				Uint64("tap_dropped", s.hub.Dropped()).
				Int("tap_subscribers", s.hub.Subscribers()).
				Msg("daemon.Service.status")
		}
	}
}

// BuildMessageSet merges the built-in dialect and then each path in order.
func BuildMessageSet(paths []string) (*protocol.MessageSet, error) {
	set := protocol.NewMessageSet()
	if err := set.Merge(schema.Minimal()); err != nil {
		return nil, err
	}
	for _, path := range paths {
		frag, err := schema.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if err := set.Merge(frag); err != nil {
			return nil, fmt.Errorf("merge %s: %w", path, err)
		}
	}
	return set, nil
}

// NewHeartbeat builds the ground-station heartbeat the daemon advertises.
func NewHeartbeat(set *protocol.MessageSet) (*protocol.Message, error) {
	msg, err := set.Create("HEARTBEAT")
	if err != nil {
		return nil, err
	}
	values := map[string]any{"mavlink_version": 3}
	for field, enum := range map[string]string{
		"type":          "MAV_TYPE_GCS",
		"autopilot":     "MAV_AUTOPILOT_INVALID",
		"system_status": "MAV_STATE_ACTIVE",
	} {
		v, err := set.Enum(enum)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("heartbeat field %s", field), err)
		}
		values[field] = v
	}
	if err := msg.SetFromMap(values); err != nil {
		return nil, err
	}
	return msg, nil
}
