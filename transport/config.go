package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gantrylab/xtube/logger"
)

// Defaults for the tube's serial link.
const (
	DefaultPortName       = "/dev/ttyS0"
	DefaultBaudRate       = 38400
	DefaultReadTimeout    = 100 * time.Millisecond
	DefaultReadBufferSize = 40
	DefaultPollInterval   = 200 * time.Millisecond
	DefaultOffRepeatDelay = 500 * time.Millisecond
	DefaultQueueSize      = 10
	DefaultCloseTimeout   = 3 * time.Second
)

// Range limits for the connection options.
const (
	MinReadTimeout = 10 * time.Millisecond
	MaxReadTimeout = 5 * time.Second

	MinReadBufferSize = 8
	MaxReadBufferSize = 4096

	MinPollInterval = time.Millisecond
	MaxPollInterval = time.Second

	MaxOffRepeatDelay = 5 * time.Second

	MinQueueSize = 1
	MaxQueueSize = 1024
)

var validBaudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// ConnectionConfig holds the configuration of a serial connection.
type ConnectionConfig struct {
	portName string
	baudRate int

	readTimeout    time.Duration
	readBufferSize int
	pollInterval   time.Duration
	offRepeatDelay time.Duration
	closeTimeout   time.Duration

	queueSize int

	opener PortOpener
	logger logger.Logger
}

// NewConnectionConfig creates a connection configuration for the named port.
// An empty name selects DefaultPortName.
func NewConnectionConfig(portName string, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		portName:       DefaultPortName,
		baudRate:       DefaultBaudRate,
		readTimeout:    DefaultReadTimeout,
		readBufferSize: DefaultReadBufferSize,
		pollInterval:   DefaultPollInterval,
		offRepeatDelay: DefaultOffRepeatDelay,
		closeTimeout:   DefaultCloseTimeout,
		queueSize:      DefaultQueueSize,
		opener:         OpenSerialPort,
		logger:         logger.GetLogger(),
	}

	if name := strings.TrimSpace(portName); name != "" {
		cfg.portName = name
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// PortName returns the configured serial device name.
func (cfg *ConnectionConfig) PortName() string { return cfg.portName }

// BaudRate returns the configured baud rate.
func (cfg *ConnectionConfig) BaudRate() int { return cfg.baudRate }

// ReadTimeout returns the bound on a single port read.
func (cfg *ConnectionConfig) ReadTimeout() time.Duration { return cfg.readTimeout }

// ReadBufferSize returns the size of the fixed reply buffer.
func (cfg *ConnectionConfig) ReadBufferSize() int { return cfg.readBufferSize }

// PollInterval returns the I/O loop's pause between outbound queue checks.
func (cfg *ConnectionConfig) PollInterval() time.Duration { return cfg.pollInterval }

// OffRepeatDelay returns the pause between the two XOF writes.
func (cfg *ConnectionConfig) OffRepeatDelay() time.Duration { return cfg.offRepeatDelay }

// CloseTimeout returns how long Close waits for the I/O goroutine.
func (cfg *ConnectionConfig) CloseTimeout() time.Duration { return cfg.closeTimeout }

// QueueSize returns the capacity of the outbound and inbound channels.
func (cfg *ConnectionConfig) QueueSize() int { return cfg.queueSize }

// Logger returns the configured logger.
func (cfg *ConnectionConfig) Logger() logger.Logger { return cfg.logger }

// ConnOption configures a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc func(*ConnectionConfig) error

func (f connOptFunc) apply(cfg *ConnectionConfig) error {
	return f(cfg)
}

// WithBaudRate sets the line speed. Only standard rates are accepted.
func WithBaudRate(rate int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		for _, r := range validBaudRates {
			if r == rate {
				cfg.baudRate = rate
				return nil
			}
		}

		return fmt.Errorf("transport: unsupported baud rate %d", rate)
	})
}

// WithReadTimeout bounds each port read. Range [MinReadTimeout, MaxReadTimeout].
func WithReadTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < MinReadTimeout || d > MaxReadTimeout {
			return fmt.Errorf("transport: read timeout %v out of range [%v, %v]", d, MinReadTimeout, MaxReadTimeout)
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithReadBufferSize sets the fixed reply buffer size. Range [MinReadBufferSize, MaxReadBufferSize].
func WithReadBufferSize(n int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if n < MinReadBufferSize || n > MaxReadBufferSize {
			return fmt.Errorf("transport: read buffer size %d out of range [%d, %d]", n, MinReadBufferSize, MaxReadBufferSize)
		}
		cfg.readBufferSize = n

		return nil
	})
}

// WithPollInterval sets the I/O loop interval. Range [MinPollInterval, MaxPollInterval].
func WithPollInterval(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < MinPollInterval || d > MaxPollInterval {
			return fmt.Errorf("transport: poll interval %v out of range [%v, %v]", d, MinPollInterval, MaxPollInterval)
		}
		cfg.pollInterval = d

		return nil
	})
}

// WithOffRepeatDelay sets the pause between the two XOF writes. Range [0, MaxOffRepeatDelay].
func WithOffRepeatDelay(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d < 0 || d > MaxOffRepeatDelay {
			return fmt.Errorf("transport: off repeat delay %v out of range [0, %v]", d, MaxOffRepeatDelay)
		}
		cfg.offRepeatDelay = d

		return nil
	})
}

// WithCloseTimeout sets how long Close waits for the I/O goroutine to exit.
func WithCloseTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if d <= 0 {
			return fmt.Errorf("transport: close timeout %v must be positive", d)
		}
		cfg.closeTimeout = d

		return nil
	})
}

// WithQueueSize sets the capacity of both channels. Range [MinQueueSize, MaxQueueSize].
func WithQueueSize(n int) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if n < MinQueueSize || n > MaxQueueSize {
			return fmt.Errorf("transport: queue size %d out of range [%d, %d]", n, MinQueueSize, MaxQueueSize)
		}
		cfg.queueSize = n

		return nil
	})
}

// WithPortOpener replaces the function used to open the port.
func WithPortOpener(opener PortOpener) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if opener == nil {
			return errors.New("transport: port opener is nil")
		}
		cfg.opener = opener

		return nil
	})
}

// WithPort makes Open use an already constructed Port, such as a simulator.
func WithPort(p Port) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if p == nil {
			return errors.New("transport: port is nil")
		}
		cfg.opener = func(string, int, time.Duration) (Port, error) {
			return p, nil
		}

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) ConnOption {
	return connOptFunc(func(cfg *ConnectionConfig) error {
		if l == nil {
			return errors.New("transport: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
