package network

import (
	"time"

	"github.com/danmuck/mavctl/internal/protocol"
	"github.com/danmuck/mavctl/internal/protocol/frame"
)

const (
	// LivenessTimeout is how long a Connection stays alive without traffic.
	LivenessTimeout = 3 * time.Second

	DefaultSystemID    uint8 = 97
	DefaultComponentID uint8 = 97
)

// Identity is the MAVLink address stamped on every outbound message.
type Identity struct {
	SystemID    uint8
	ComponentID uint8
}

// Config defines runtime behavior. Zero durations fall back to defaults.
type Config struct {
	// Name labels logs and metrics for this runtime.
	Name     string
	Identity Identity
	// Heartbeat, when set, is sent every HeartbeatInterval.
	Heartbeat         *protocol.Message
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	// ErrorSink receives listener failures that have no handler of their
	// own, plus transport failures. Defaults to logging.
	ErrorSink func(error)
	Signer    frame.Signer
	Verifier  frame.Verifier
	// Now defaults to time.Now.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Name: "mavctl",
		Identity: Identity{
			SystemID:    DefaultSystemID,
			ComponentID: DefaultComponentID,
		},
		HeartbeatInterval: time.Second,
		SweepInterval:     250 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Identity == (Identity{}) {
		c.Identity = def.Identity
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
