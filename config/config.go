// Package config loads the xtube application configuration.
//
// Settings come from a YAML file, then from the environment. A .env file is
// loaded into the environment first; variables already set win over it.
//
//	serial:
//	  port: /dev/ttyUSB0
//	  baud_rate: 38400
//	tube:
//	  keep_alive_interval: 500ms
//	mqtt:
//	  broker: tcp://localhost:1883
//	log:
//	  level: info
//
// Environment overrides: XTUBE_PORT, XTUBE_BAUD, XTUBE_MQTT_BROKER,
// XTUBE_MQTT_TOPIC_PREFIX, XTUBE_MQTT_USERNAME, XTUBE_MQTT_PASSWORD,
// XTUBE_LOG_LEVEL and XTUBE_LOG_FORMAT.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gantrylab/xtube/logger"
	"github.com/gantrylab/xtube/telemetry"
	"github.com/gantrylab/xtube/transport"
	"github.com/gantrylab/xtube/tube"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvPort        = "XTUBE_PORT"
	EnvBaud        = "XTUBE_BAUD"
	EnvMQTTBroker  = "XTUBE_MQTT_BROKER"
	EnvMQTTPrefix  = "XTUBE_MQTT_TOPIC_PREFIX"
	EnvMQTTUser    = "XTUBE_MQTT_USERNAME"
	EnvMQTTPass    = "XTUBE_MQTT_PASSWORD"
	EnvLogLevel    = "XTUBE_LOG_LEVEL"
	EnvLogFormat   = "XTUBE_LOG_FORMAT"
	DefaultEnvFile = ".env"
)

// Config is the application configuration.
type Config struct {
	Serial SerialConfig `yaml:"serial"`
	Tube   TubeConfig   `yaml:"tube"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
	Log    LogConfig    `yaml:"log"`
}

// SerialConfig configures the transport. Zero values select the transport defaults.
type SerialConfig struct {
	Port           string        `yaml:"port"`
	BaudRate       int           `yaml:"baud_rate"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	OffRepeatDelay time.Duration `yaml:"off_repeat_delay"`
}

// TubeConfig configures the controller. Zero values select the controller defaults.
type TubeConfig struct {
	AutoCutoff         time.Duration `yaml:"auto_cutoff"`
	KeepAliveInterval  time.Duration `yaml:"keep_alive_interval"`
	WarmupPollInterval time.Duration `yaml:"warmup_poll_interval"`
	WarmupTimeout      time.Duration `yaml:"warmup_timeout"`
	SelfTestTimeout    time.Duration `yaml:"self_test_timeout"`
	ResponseTimeout    time.Duration `yaml:"response_timeout"`
	RetryLimit         *int          `yaml:"retry_limit"`
	ProbeCommand       string        `yaml:"probe_command"`
}

// MQTTConfig configures telemetry. Telemetry is off when Broker is empty.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         *int   `yaml:"qos"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Load reads the YAML file at path, which may be empty for defaults only,
// then applies environment overrides. envFiles are loaded into the
// environment first; DefaultEnvFile is used when none is given and a
// missing .env file is not an error.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		defer f.Close()

		if err := decode(f, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if err := godotenv.Load(DefaultEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: %s: %w", DefaultEnvFile, err)
		}
		return nil
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		cfg.Serial.Port = v
	}
	if v, ok := lookup(EnvBaud); ok && v != "" {
		baud, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q is not a number", EnvBaud, v)
		}
		cfg.Serial.BaudRate = baud
	}
	if v, ok := lookup(EnvMQTTBroker); ok {
		cfg.MQTT.Broker = v
	}
	if v, ok := lookup(EnvMQTTPrefix); ok && v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v, ok := lookup(EnvMQTTUser); ok {
		cfg.MQTT.Username = v
	}
	if v, ok := lookup(EnvMQTTPass); ok {
		cfg.MQTT.Password = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		cfg.Log.Format = v
	}

	return nil
}

// Validate checks the settings that are not validated by the component
// options themselves.
func (cfg *Config) Validate() error {
	if _, err := cfg.level(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch logger.Format(strings.ToLower(cfg.Log.Format)) {
	case logger.FormatAuto, logger.FormatConsole, logger.FormatJSON:
	default:
		return fmt.Errorf("config: unknown log format %q", cfg.Log.Format)
	}
	if cfg.MQTT.QoS != nil && (*cfg.MQTT.QoS < 0 || *cfg.MQTT.QoS > telemetry.MaxQoS) {
		return fmt.Errorf("config: mqtt qos %d out of range [0, %d]", *cfg.MQTT.QoS, telemetry.MaxQoS)
	}

	return nil
}

func (cfg *Config) level() (logger.Level, error) {
	if cfg.Log.Level == "" {
		return logger.InfoLevel, nil
	}

	return logger.ParseLevel(cfg.Log.Level)
}

// NewLogger builds the logger the configuration describes.
func (cfg *Config) NewLogger(out io.Writer) (logger.Logger, error) {
	level, err := cfg.level()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return logger.NewSlogWithOptions(logger.Options{
		Output:    out,
		Level:     level,
		Format:    logger.Format(strings.ToLower(cfg.Log.Format)),
		AddSource: cfg.Log.AddSource,
	}), nil
}

// ConnOptions returns the transport options for the non-zero serial settings.
func (cfg *Config) ConnOptions(l logger.Logger) []transport.ConnOption {
	s := cfg.Serial
	opts := []transport.ConnOption{transport.WithLogger(l)}
	if s.BaudRate != 0 {
		opts = append(opts, transport.WithBaudRate(s.BaudRate))
	}
	if s.ReadTimeout != 0 {
		opts = append(opts, transport.WithReadTimeout(s.ReadTimeout))
	}
	if s.PollInterval != 0 {
		opts = append(opts, transport.WithPollInterval(s.PollInterval))
	}
	if s.OffRepeatDelay != 0 {
		opts = append(opts, transport.WithOffRepeatDelay(s.OffRepeatDelay))
	}

	return opts
}

// TubeOptions returns the controller options for the non-zero tube settings.
func (cfg *Config) TubeOptions(l logger.Logger) []tube.Option {
	t := cfg.Tube
	opts := []tube.Option{tube.WithLogger(l)}
	if t.AutoCutoff != 0 {
		opts = append(opts, tube.WithAutoCutoff(t.AutoCutoff))
	}
	if t.KeepAliveInterval != 0 {
		opts = append(opts, tube.WithKeepAliveInterval(t.KeepAliveInterval))
	}
	if t.WarmupPollInterval != 0 {
		opts = append(opts, tube.WithWarmupPollInterval(t.WarmupPollInterval))
	}
	if t.WarmupTimeout != 0 {
		opts = append(opts, tube.WithWarmupTimeout(t.WarmupTimeout))
	}
	if t.SelfTestTimeout != 0 {
		opts = append(opts, tube.WithSelfTestTimeout(t.SelfTestTimeout))
	}
	if t.ResponseTimeout != 0 {
		opts = append(opts, tube.WithResponseTimeout(t.ResponseTimeout))
	}
	if t.RetryLimit != nil {
		opts = append(opts, tube.WithRetryLimit(*t.RetryLimit))
	}
	if t.ProbeCommand != "" {
		opts = append(opts, tube.WithProbeCommand(t.ProbeCommand))
	}

	return opts
}

// TelemetryEnabled reports whether an MQTT broker is configured.
func (cfg *Config) TelemetryEnabled() bool { return cfg.MQTT.Broker != "" }

// TelemetryConfig returns the publisher configuration. It fails when no
// broker is configured.
func (cfg *Config) TelemetryConfig(l logger.Logger) (*telemetry.Config, error) {
	m := cfg.MQTT
	if m.Broker == "" {
		return nil, errors.New("config: mqtt broker not configured")
	}

	opts := []telemetry.Option{telemetry.WithLogger(l)}
	if m.ClientID != "" {
		opts = append(opts, telemetry.WithClientID(m.ClientID))
	}
	if m.Username != "" {
		opts = append(opts, telemetry.WithCredentials(m.Username, m.Password))
	}
	if m.TopicPrefix != "" {
		opts = append(opts, telemetry.WithTopicPrefix(m.TopicPrefix))
	}
	if m.QoS != nil {
		opts = append(opts, telemetry.WithQoS(byte(*m.QoS)))
	}

	return telemetry.NewConfig(m.Broker, opts...)
}
