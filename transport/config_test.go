package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnectionConfig_Defaults(t *testing.T) {
	cfg, err := NewConnectionConfig("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPortName, cfg.PortName())
	assert.Equal(t, 38400, cfg.BaudRate())
	assert.Equal(t, 100*time.Millisecond, cfg.ReadTimeout())
	assert.Equal(t, 40, cfg.ReadBufferSize())
	assert.Equal(t, 200*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 500*time.Millisecond, cfg.OffRepeatDelay())
	assert.Equal(t, 10, cfg.QueueSize())
	assert.NotNil(t, cfg.Logger())
}

func TestNewConnectionConfig_Options(t *testing.T) {
	cfg, err := NewConnectionConfig(" /dev/ttyUSB0 ",
		WithBaudRate(9600),
		WithReadTimeout(250*time.Millisecond),
		WithReadBufferSize(64),
		WithPollInterval(50*time.Millisecond),
		WithOffRepeatDelay(0),
		WithQueueSize(4),
		WithCloseTimeout(time.Second),
	)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB0", cfg.PortName())
	assert.Equal(t, 9600, cfg.BaudRate())
	assert.Equal(t, 250*time.Millisecond, cfg.ReadTimeout())
	assert.Equal(t, 64, cfg.ReadBufferSize())
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval())
	assert.Zero(t, cfg.OffRepeatDelay())
	assert.Equal(t, 4, cfg.QueueSize())
	assert.Equal(t, time.Second, cfg.CloseTimeout())
}

func TestNewConnectionConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opt  ConnOption
	}{
		{"baud", WithBaudRate(12345)},
		{"read timeout low", WithReadTimeout(time.Millisecond)},
		{"read timeout high", WithReadTimeout(time.Minute)},
		{"buffer", WithReadBufferSize(2)},
		{"poll zero", WithPollInterval(0)},
		{"poll high", WithPollInterval(2 * time.Second)},
		{"off delay negative", WithOffRepeatDelay(-time.Millisecond)},
		{"queue zero", WithQueueSize(0)},
		{"close timeout", WithCloseTimeout(0)},
		{"opener nil", WithPortOpener(nil)},
		{"port nil", WithPort(nil)},
		{"logger nil", WithLogger(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConnectionConfig("", tt.opt)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "transport:")
		})
	}
}
