package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gantrylab/xtube/logger"
	"github.com/gantrylab/xtube/tube"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

var _ paho.Token = (*fakeToken)(nil)

func newToken(err error, completed bool) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	if completed {
		close(t.done)
	}

	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }

func (t *fakeToken) Error() error { return t.err }

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	publishErr error
	stall      bool
	messages   []message
}

func (c *fakeClient) Connect() paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = c.connectErr == nil

	return newToken(c.connectErr, true)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stall {
		return newToken(nil, false)
	}
	if c.publishErr == nil {
		c.messages = append(c.messages, message{topic: topic, retained: retained, payload: payload.([]byte)})
	}

	return newToken(c.publishErr, true)
}

func (c *fakeClient) onTopic(topic string) []message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []message
	for _, m := range c.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}

	return out
}

func newMockLogger() *logger.MockLogger {
	l := logger.NewMockLogger()
	l.On("Debug", mock.Anything, mock.Anything).Return()
	l.On("Info", mock.Anything, mock.Anything).Return()
	l.On("Warn", mock.Anything, mock.Anything).Return()
	l.On("Error", mock.Anything, mock.Anything).Return()

	return l
}

func newTestPublisher(t *testing.T, client *fakeClient, opts ...Option) *Publisher {
	t.Helper()

	base := []Option{WithTopicPrefix("lab/tube1"), WithPublishTimeout(50 * time.Millisecond), WithLogger(newMockLogger())}
	cfg, err := NewConfig("tcp://localhost:1883", append(base, opts...)...)
	require.NoError(t, err)

	return newPublisher(context.Background(), cfg, client)
}

func TestPublisher_PublishesEvents(t *testing.T) {
	client := &fakeClient{}
	p := newTestPublisher(t, client)
	require.NoError(t, p.Connect(context.Background()))

	p.Handle(tube.Event{Kind: tube.EventStateChanged, State: tube.StateReady, Previous: tube.StateWarmingUp})
	p.Handle(tube.Event{Kind: tube.EventEmissionStarted, SessionID: 3, Deadline: 1500 * time.Millisecond})
	p.Handle(tube.Event{Kind: tube.EventEmissionStopped, SessionID: 3, Reason: tube.StopDeadline, Elapsed: 1500 * time.Millisecond})

	require.Eventually(t, func() bool {
		return p.Metrics().PublishedCount.Load() == 3
	}, time.Second, 5*time.Millisecond)
	p.Close()

	states := client.onTopic("lab/tube1/state")
	require.Len(t, states, 1)
	assert.True(t, states[0].retained)
	var st map[string]any
	require.NoError(t, json.Unmarshal(states[0].payload, &st))
	assert.Equal(t, "Ready", st["state"])
	assert.EqualValues(t, 2, st["code"])
	assert.Equal(t, "WarmingUp", st["previous"])

	emission := client.onTopic("lab/tube1/emission")
	require.Len(t, emission, 2)
	assert.Contains(t, string(emission[0].payload), `"deadline_ms":1500`)
	assert.Contains(t, string(emission[1].payload), `"reason":"deadline"`)

	avail := client.onTopic("lab/tube1/availability")
	require.Len(t, avail, 1)
	assert.Equal(t, PayloadOffline, string(avail[0].payload))
	assert.False(t, client.IsConnected())

	last, ok := p.LastPayload("lab/tube1/emission")
	require.True(t, ok)
	assert.Equal(t, emission[1].payload, last)
}

func TestPublisher_FaultPayload(t *testing.T) {
	client := &fakeClient{}
	p := newTestPublisher(t, client)
	require.NoError(t, p.Connect(context.Background()))

	fault := &tube.DeviceFault{
		Kind: tube.FaultHardware, Command: "STS", Response: "SER 203", Code: 203,
		State: tube.StateNotReady, Diagnosis: tube.HardwareDiagnosis(203),
	}
	p.Handle(tube.Event{Kind: tube.EventFault, State: tube.StateNotReady, Err: fault})
	p.Close()

	faults := client.onTopic("lab/tube1/fault")
	require.Len(t, faults, 1)
	var pl faultPayload
	require.NoError(t, json.Unmarshal(faults[0].payload, &pl))
	assert.Equal(t, "hardware", pl.Kind)
	assert.Equal(t, 203, pl.Code)
	assert.Equal(t, "SER 203", pl.Response)
	assert.Equal(t, tube.HardwareDiagnosis(203), pl.Diagnosis)
	assert.Equal(t, fault.Error(), pl.Error)
}

func TestPublisher_DropsWhenFull(t *testing.T) {
	client := &fakeClient{}
	p := newTestPublisher(t, client, WithBufferSize(2))

	// not connected: nothing drains the channel
	for i := 0; i < 5; i++ {
		p.Handle(tube.Event{Kind: tube.EventStateChanged, State: tube.StateReady})
	}
	assert.EqualValues(t, 3, p.Metrics().DroppedCount.Load())
}

func TestPublisher_PublishFailures(t *testing.T) {
	client := &fakeClient{publishErr: errors.New("broker gone")}
	p := newTestPublisher(t, client)

	err := p.publish("lab/tube1/state", true, []byte("{}"))
	assert.ErrorIs(t, err, ErrPublishFailed)

	client.publishErr = nil
	client.stall = true
	err = p.publish("lab/tube1/state", true, []byte("{}"))
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.ErrorContains(t, err, "timeout")
	assert.EqualValues(t, 2, p.Metrics().FailedCount.Load())

	_, ok := p.LastPayload("lab/tube1/state")
	assert.False(t, ok)
}

func TestPublisher_ConnectFailure(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("refused")}
	p := newTestPublisher(t, client)

	err := p.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorContains(t, err, "refused")
}

func TestEncodeEvent_UnknownKind(t *testing.T) {
	_, _, err := encodeEvent(tube.Event{Kind: tube.EventKind(99)})
	assert.Error(t, err)
}

func TestNewConfig(t *testing.T) {
	cfg, err := NewConfig(" tcp://broker:1883 ")
	require.NoError(t, err)
	assert.Equal(t, "tcp://broker:1883", cfg.Broker())
	assert.Equal(t, "xtube/state", cfg.Topic(TopicState))
	assert.EqualValues(t, DefaultQoS, cfg.QoS())

	cfg, err = NewConfig("tcp://broker:1883", WithTopicPrefix("/plant/xray/"), WithQoS(0), WithClientID("ct-1"))
	require.NoError(t, err)
	assert.Equal(t, "plant/xray/fault", cfg.Topic(TopicFault))
	assert.Equal(t, "ct-1", cfg.ClientID())

	for _, opt := range []Option{WithQoS(3), WithTopicPrefix("a/#"), WithTopicPrefix("/"), WithBufferSize(0), WithPublishTimeout(0), WithKeepAlive(0), WithClientID(""), WithLogger(nil)} {
		_, err := NewConfig("tcp://broker:1883", opt)
		assert.Error(t, err)
	}

	_, err = NewConfig("")
	assert.Error(t, err)
}
