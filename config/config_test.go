package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gantrylab/xtube/logger"
	"github.com/gantrylab/xtube/transport"
	"github.com/gantrylab/xtube/tube"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
serial:
  port: /dev/ttyUSB3
  baud_rate: 19200
  read_timeout: 50ms
tube:
  auto_cutoff: 3s
  keep_alive_interval: 400ms
  retry_limit: 0
mqtt:
  broker: tcp://broker:1883
  topic_prefix: lab/tube1
  qos: 0
log:
  level: debug
  format: json
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// clearEnv unsets the overrides for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{EnvPort, EnvBaud, EnvMQTTBroker, EnvMQTTPrefix, EnvMQTTUser, EnvMQTTPass, EnvLogLevel, EnvLogFormat} {
		if v, ok := os.LookupEnv(key); ok {
			require.NoError(t, os.Unsetenv(key))
			t.Cleanup(func() { _ = os.Setenv(key, v) })
		}
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "xtube.yaml", sampleYAML)
	envFile := writeFile(t, "empty.env", "")

	cfg, err := Load(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB3", cfg.Serial.Port)
	assert.Equal(t, 19200, cfg.Serial.BaudRate)
	assert.Equal(t, 50*time.Millisecond, cfg.Serial.ReadTimeout)
	assert.Equal(t, 400*time.Millisecond, cfg.Tube.KeepAliveInterval)
	require.NotNil(t, cfg.Tube.RetryLimit)
	assert.Zero(t, *cfg.Tube.RetryLimit)
	assert.True(t, cfg.TelemetryEnabled())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "xtube.yaml", sampleYAML)
	envFile := writeFile(t, "test.env", "XTUBE_PORT=/dev/ttyACM0\nXTUBE_LOG_LEVEL=warn\n")
	t.Setenv(EnvBaud, "9600")
	// a variable already set wins over the .env file
	t.Setenv(EnvLogLevel, "error")
	// restore XTUBE_PORT after the .env file has set it
	t.Setenv(EnvPort, "")
	require.NoError(t, os.Unsetenv(EnvPort))

	cfg, err := Load(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 9600, cfg.Serial.BaudRate)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoad_EnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvMQTTBroker, "tcp://env-broker:1883")
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Serial.Port)
	assert.Equal(t, "tcp://env-broker:1883", cfg.MQTT.Broker)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	envFile := writeFile(t, "empty.env", "")

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), envFile)
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "serial:\n  speed: 9600\n"), envFile)
	assert.ErrorContains(t, err, "speed")

	_, err = Load(writeFile(t, "level.yaml", "log:\n  level: loud\n"), envFile)
	assert.ErrorContains(t, err, "unknown level")

	_, err = Load(writeFile(t, "format.yaml", "log:\n  format: xml\n"), envFile)
	assert.ErrorContains(t, err, "log format")

	_, err = Load(writeFile(t, "qos.yaml", "mqtt:\n  qos: 3\n"), envFile)
	assert.ErrorContains(t, err, "qos")

	t.Setenv(EnvBaud, "fast")
	_, err = Load("", envFile)
	assert.ErrorContains(t, err, EnvBaud)
}

func TestConfig_ComponentOptions(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, "xtube.yaml", sampleYAML), writeFile(t, "empty.env", ""))
	require.NoError(t, err)

	var buf bytes.Buffer
	l, err := cfg.NewLogger(&buf)
	require.NoError(t, err)
	assert.Equal(t, logger.DebugLevel, l.Level())

	connCfg, err := transport.NewConnectionConfig(cfg.Serial.Port, cfg.ConnOptions(l)...)
	require.NoError(t, err)
	assert.Equal(t, 19200, connCfg.BaudRate())
	assert.Equal(t, 50*time.Millisecond, connCfg.ReadTimeout())
	assert.Equal(t, transport.DefaultPollInterval, connCfg.PollInterval())

	tubeCfg, err := tube.NewConfig(cfg.TubeOptions(l)...)
	require.NoError(t, err)
	assert.Equal(t, 400*time.Millisecond, tubeCfg.KeepAliveInterval())
	assert.Zero(t, tubeCfg.RetryLimit())

	telCfg, err := cfg.TelemetryConfig(l)
	require.NoError(t, err)
	assert.Equal(t, "lab/tube1/state", telCfg.Topic("state"))
	assert.Zero(t, telCfg.QoS())

	cfg.MQTT.Broker = ""
	_, err = cfg.TelemetryConfig(l)
	assert.Error(t, err)
}
