package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gantrylab/xtube/logger"
)

// Defaults for the MQTT publisher.
const (
	DefaultClientID       = "xtube"
	DefaultTopicPrefix    = "xtube"
	DefaultQoS            = 1
	DefaultBufferSize     = 64
	DefaultPublishTimeout = 2 * time.Second
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultQuiesce        = 250 * time.Millisecond
)

// Range limits for the publisher options.
const (
	MinBufferSize = 1
	MaxBufferSize = 4096
	MaxQoS        = 2
)

// Config holds the MQTT publisher configuration.
type Config struct {
	broker         string
	clientID       string
	username       string
	password       string
	topicPrefix    string
	qos            byte
	bufferSize     int
	publishTimeout time.Duration
	keepAlive      time.Duration
	connectTimeout time.Duration
	logger         logger.Logger
}

// NewConfig creates a publisher configuration for broker, e.g. "tcp://localhost:1883".
func NewConfig(broker string, opts ...Option) (*Config, error) {
	broker = strings.TrimSpace(broker)
	if broker == "" {
		return nil, errors.New("telemetry: broker is empty")
	}

	cfg := &Config{
		broker:         broker,
		clientID:       DefaultClientID,
		topicPrefix:    DefaultTopicPrefix,
		qos:            DefaultQoS,
		bufferSize:     DefaultBufferSize,
		publishTimeout: DefaultPublishTimeout,
		keepAlive:      DefaultKeepAlive,
		connectTimeout: DefaultConnectTimeout,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Broker returns the broker URL.
func (cfg *Config) Broker() string { return cfg.broker }

// ClientID returns the MQTT client id.
func (cfg *Config) ClientID() string { return cfg.clientID }

// TopicPrefix returns the prefix of every published topic.
func (cfg *Config) TopicPrefix() string { return cfg.topicPrefix }

// QoS returns the publish QoS.
func (cfg *Config) QoS() byte { return cfg.qos }

// BufferSize returns the capacity of the event channel.
func (cfg *Config) BufferSize() int { return cfg.bufferSize }

// Topic returns prefix/name.
func (cfg *Config) Topic(name string) string { return cfg.topicPrefix + "/" + name }

// Option configures a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error {
	return f(cfg)
}

// WithClientID sets the MQTT client id.
func WithClientID(id string) Option {
	return optFunc(func(cfg *Config) error {
		if id == "" {
			return errors.New("telemetry: client id is empty")
		}
		cfg.clientID = id

		return nil
	})
}

// WithCredentials sets the broker user name and password.
func WithCredentials(username, password string) Option {
	return optFunc(func(cfg *Config) error {
		cfg.username = username
		cfg.password = password

		return nil
	})
}

// WithTopicPrefix sets the topic prefix. Leading and trailing slashes are removed.
func WithTopicPrefix(prefix string) Option {
	return optFunc(func(cfg *Config) error {
		prefix = strings.Trim(prefix, "/ ")
		if prefix == "" {
			return errors.New("telemetry: topic prefix is empty")
		}
		if strings.ContainsAny(prefix, "#+") {
			return fmt.Errorf("telemetry: topic prefix %q contains a wildcard", prefix)
		}
		cfg.topicPrefix = prefix

		return nil
	})
}

// WithQoS sets the publish QoS. Range [0, MaxQoS].
func WithQoS(qos byte) Option {
	return optFunc(func(cfg *Config) error {
		if qos > MaxQoS {
			return fmt.Errorf("telemetry: qos %d out of range [0, %d]", qos, MaxQoS)
		}
		cfg.qos = qos

		return nil
	})
}

// WithBufferSize sets the event channel capacity. Range [MinBufferSize, MaxBufferSize].
func WithBufferSize(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < MinBufferSize || n > MaxBufferSize {
			return fmt.Errorf("telemetry: buffer size %d out of range [%d, %d]", n, MinBufferSize, MaxBufferSize)
		}
		cfg.bufferSize = n

		return nil
	})
}

// WithPublishTimeout bounds the wait for a publish acknowledgement.
func WithPublishTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("telemetry: publish timeout %v must be positive", d)
		}
		cfg.publishTimeout = d

		return nil
	})
}

// WithKeepAlive sets the MQTT keep-alive period.
func WithKeepAlive(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < time.Second {
			return fmt.Errorf("telemetry: keep-alive %v below 1s", d)
		}
		cfg.keepAlive = d

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("telemetry: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
