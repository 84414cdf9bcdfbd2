package tube

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gantrylab/xtube/logger"
)

// Controller defaults. The device disables emission when it has not been
// polled for roughly AutoCutoff, so every polling interval must stay well
// below it.
const (
	DefaultAutoCutoff          = 3 * time.Second
	DefaultKeepAliveInterval   = 500 * time.Millisecond
	DefaultWarmupPollInterval  = time.Second
	DefaultWarmupTimeout       = 150 * time.Minute
	DefaultSelfTestTimeout     = 5 * time.Minute
	DefaultResponseTimeout     = 2 * time.Second
	DefaultRetryLimit          = 2
	DefaultRetryBackoff        = 100 * time.Millisecond
	DefaultEmissionStopTimeout = 5 * time.Second
)

// Range limits for the controller options.
const (
	MinAutoCutoff        = 100 * time.Millisecond
	MaxAutoCutoff        = 30 * time.Second
	MinKeepAliveInterval = time.Millisecond
	MinResponseTimeout   = 10 * time.Millisecond
	MaxResponseTimeout   = 30 * time.Second
	MaxRetryLimit        = 10
	MaxRetryBackoff      = 5 * time.Second
)

// Config holds the tube controller configuration.
type Config struct {
	autoCutoff          time.Duration
	keepAliveInterval   time.Duration
	warmupPollInterval  time.Duration
	warmupTimeout       time.Duration
	selfTestTimeout     time.Duration
	responseTimeout     time.Duration
	emissionStopTimeout time.Duration
	retryLimit          int
	retryBackoff        time.Duration
	probeCommand        string
	eventHandlers       []EventHandler
	logger              logger.Logger
}

// NewConfig creates a controller configuration.
//
// Polling intervals are validated against the auto-cutoff after all options
// are applied: the keep-alive interval must be below half of it and the
// warm-up poll interval below it.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		autoCutoff:          DefaultAutoCutoff,
		keepAliveInterval:   DefaultKeepAliveInterval,
		warmupPollInterval:  DefaultWarmupPollInterval,
		warmupTimeout:       DefaultWarmupTimeout,
		selfTestTimeout:     DefaultSelfTestTimeout,
		responseTimeout:     DefaultResponseTimeout,
		emissionStopTimeout: DefaultEmissionStopTimeout,
		retryLimit:          DefaultRetryLimit,
		retryBackoff:        DefaultRetryBackoff,
		probeCommand:        DefaultProbeCommand,
		logger:              logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.keepAliveInterval >= cfg.autoCutoff/2 {
		return nil, fmt.Errorf("tube: keep-alive interval %v must be below half the auto-cutoff %v", cfg.keepAliveInterval, cfg.autoCutoff)
	}
	if cfg.warmupPollInterval >= cfg.autoCutoff {
		return nil, fmt.Errorf("tube: warm-up poll interval %v must be below the auto-cutoff %v", cfg.warmupPollInterval, cfg.autoCutoff)
	}

	return cfg, nil
}

// AutoCutoff returns the device's emission watchdog window.
func (cfg *Config) AutoCutoff() time.Duration { return cfg.autoCutoff }

// KeepAliveInterval returns the STS poll period while emitting.
func (cfg *Config) KeepAliveInterval() time.Duration { return cfg.keepAliveInterval }

// WarmupPollInterval returns the STS poll period while warming up or self-testing.
func (cfg *Config) WarmupPollInterval() time.Duration { return cfg.warmupPollInterval }

// WarmupTimeout returns how long Start waits for a warm-up to finish.
func (cfg *Config) WarmupTimeout() time.Duration { return cfg.warmupTimeout }

// SelfTestTimeout returns how long SelfTest waits for the test to finish.
func (cfg *Config) SelfTestTimeout() time.Duration { return cfg.selfTestTimeout }

// ResponseTimeout returns how long one exchange waits for its reply.
func (cfg *Config) ResponseTimeout() time.Duration { return cfg.responseTimeout }

// RetryLimit returns how often a transient failure is retried.
func (cfg *Config) RetryLimit() int { return cfg.retryLimit }

// RetryBackoff returns the first retry delay; it doubles on every retry.
func (cfg *Config) RetryBackoff() time.Duration { return cfg.retryBackoff }

// ProbeCommand returns the connectivity probe sent by Start.
func (cfg *Config) ProbeCommand() string { return cfg.probeCommand }

// Option configures a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error {
	return f(cfg)
}

// WithAutoCutoff sets the device's emission watchdog window. Range [MinAutoCutoff, MaxAutoCutoff].
func WithAutoCutoff(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinAutoCutoff || d > MaxAutoCutoff {
			return fmt.Errorf("tube: auto-cutoff %v out of range [%v, %v]", d, MinAutoCutoff, MaxAutoCutoff)
		}
		cfg.autoCutoff = d

		return nil
	})
}

// WithKeepAliveInterval sets the STS poll period while emitting.
func WithKeepAliveInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinKeepAliveInterval {
			return fmt.Errorf("tube: keep-alive interval %v below %v", d, MinKeepAliveInterval)
		}
		cfg.keepAliveInterval = d

		return nil
	})
}

// WithWarmupPollInterval sets the STS poll period while warming up or self-testing.
func WithWarmupPollInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinKeepAliveInterval {
			return fmt.Errorf("tube: warm-up poll interval %v below %v", d, MinKeepAliveInterval)
		}
		cfg.warmupPollInterval = d

		return nil
	})
}

// WithWarmupTimeout bounds how long Start waits for warm-up.
func WithWarmupTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("tube: warm-up timeout %v must be positive", d)
		}
		cfg.warmupTimeout = d

		return nil
	})
}

// WithSelfTestTimeout bounds how long SelfTest waits.
func WithSelfTestTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("tube: self-test timeout %v must be positive", d)
		}
		cfg.selfTestTimeout = d

		return nil
	})
}

// WithResponseTimeout bounds the wait for one reply. Range [MinResponseTimeout, MaxResponseTimeout].
func WithResponseTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinResponseTimeout || d > MaxResponseTimeout {
			return fmt.Errorf("tube: response timeout %v out of range [%v, %v]", d, MinResponseTimeout, MaxResponseTimeout)
		}
		cfg.responseTimeout = d

		return nil
	})
}

// WithEmissionStopTimeout bounds the XOF sent by the keep-alive goroutine itself.
func WithEmissionStopTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("tube: emission stop timeout %v must be positive", d)
		}
		cfg.emissionStopTimeout = d

		return nil
	})
}

// WithRetryLimit sets how often a transient failure is retried. Range [0, MaxRetryLimit].
func WithRetryLimit(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 || n > MaxRetryLimit {
			return fmt.Errorf("tube: retry limit %d out of range [0, %d]", n, MaxRetryLimit)
		}
		cfg.retryLimit = n

		return nil
	})
}

// WithRetryBackoff sets the first retry delay. Range [0, MaxRetryBackoff].
func WithRetryBackoff(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 || d > MaxRetryBackoff {
			return fmt.Errorf("tube: retry backoff %v out of range [0, %v]", d, MaxRetryBackoff)
		}
		cfg.retryBackoff = d

		return nil
	})
}

// WithProbeCommand sets the connectivity probe. It must not be a known command.
func WithProbeCommand(cmd string) Option {
	return optFunc(func(cfg *Config) error {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			return errors.New("tube: probe command is empty")
		}
		if _, known := commandSpecs[baseCommand(cmd)]; known {
			return fmt.Errorf("tube: probe command %q is a device command", cmd)
		}
		cfg.probeCommand = cmd

		return nil
	})
}

// WithEventHandler registers a handler for controller events. Handlers run
// on the goroutine that produced the event and must not block.
func WithEventHandler(h EventHandler) Option {
	return optFunc(func(cfg *Config) error {
		if h == nil {
			return errors.New("tube: event handler is nil")
		}
		cfg.eventHandlers = append(cfg.eventHandlers, h)

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("tube: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
