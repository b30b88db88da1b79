package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tarm/serial"
)

var ErrFlowControlUnsupported = errors.New("transport: serial hardware flow control unsupported")

type SerialConfig struct {
	Device      string
	Baud        int
	FlowControl bool
	// ReadTimeout bounds each driver read so Close is observed promptly.
	ReadTimeout time.Duration
}

func DefaultSerialConfig(device string) SerialConfig {
	return SerialConfig{
		Device:      device,
		Baud:        57600,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// OpenSerial opens a serial line as a single-partner stream.
func OpenSerial(cfg SerialConfig) (*Stream, error) {
	if cfg.FlowControl {
		return nil, ErrFlowControlUnsupported
	}
	if cfg.Baud <= 0 {
		return nil, fmt.Errorf("transport: invalid baud rate %d", cfg.Baud)
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: open serial %s: %w", cfg.Device, err)
	}
	log.Info().Str("device", cfg.Device).Int("baud", cfg.Baud).Msg("transport.OpenSerial ready")
	return newStream(port, Partner{Address: cfg.Device, Serial: true}, "serial", cfg.ReadTimeout > 0), nil
}
