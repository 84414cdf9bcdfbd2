package tube

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gantrylab/xtube/logger"
	"github.com/gantrylab/xtube/transport"
	"github.com/gantrylab/xtube/tubesim"
	"github.com/stretchr/testify/require"
)

func quietLogger() logger.Logger {
	return logger.NewSlogWithOptions(logger.Options{Output: io.Discard, Level: logger.ErrorLevel, Format: logger.FormatJSON})
}

// eventRecorder collects controller events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}

	return out
}

// testConfig returns a controller config with intervals short enough for tests.
func testConfig(t *testing.T, opts ...Option) *Config {
	t.Helper()

	base := []Option{
		WithKeepAliveInterval(5 * time.Millisecond),
		WithWarmupPollInterval(2 * time.Millisecond),
		WithResponseTimeout(time.Second),
		WithRetryBackoff(time.Millisecond),
		WithEmissionStopTimeout(time.Second),
		WithLogger(quietLogger()),
	}
	cfg, err := NewConfig(append(base, opts...)...)
	require.NoError(t, err)

	return cfg
}

// newSimController returns a controller on a transport connected to dev. The
// transport is not open yet.
func newSimController(t *testing.T, dev *tubesim.Device, opts ...Option) *Controller {
	t.Helper()

	connCfg, err := transport.NewConnectionConfig("sim",
		transport.WithPortOpener(dev.Opener()),
		transport.WithPollInterval(time.Millisecond),
		transport.WithReadTimeout(transport.MinReadTimeout),
		transport.WithOffRepeatDelay(time.Millisecond),
		transport.WithLogger(quietLogger()),
	)
	require.NoError(t, err)

	conn, err := transport.NewConn(context.Background(), connCfg)
	require.NoError(t, err)

	ctrl, err := NewController(context.Background(), conn, testConfig(t, opts...))
	require.NoError(t, err)

	t.Cleanup(func() {
		if ctrl.IsConnected() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ctrl.Stop(ctx)
		}
	})

	return ctrl
}

// readyController returns a started controller on a device that is already Ready.
func readyController(t *testing.T, opts ...Option) (*Controller, *tubesim.Device) {
	t.Helper()

	dev := tubesim.New(tubesim.WithStatus(tubesim.StatusReady))
	ctrl := newSimController(t, dev, opts...)
	require.NoError(t, ctrl.Start(testContext(t)))

	return ctrl, dev
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}
