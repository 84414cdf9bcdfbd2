// Package telemetry publishes tube controller events to an MQTT broker.
//
// A Publisher is registered as a tube.EventHandler. Events are queued on a
// bounded channel and published from a background goroutine, so a slow
// broker never delays the keep-alive loop; events that do not fit are
// dropped and counted. Topics:
//
//	<prefix>/state         state changes
//	<prefix>/emission      emission started and stopped
//	<prefix>/fault         device faults
//	<prefix>/availability  "online" (retained) or the "offline" will
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gantrylab/xtube/internal/task"
	"github.com/gantrylab/xtube/logger"
	"github.com/gantrylab/xtube/tube"
	"github.com/puzpuzpuz/xsync/v3"
)

// Topic names below the prefix.
const (
	TopicState        = "state"
	TopicEmission     = "emission"
	TopicFault        = "fault"
	TopicAvailability = "availability"

	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

var (
	// ErrConnectFailed is returned when the broker connection fails.
	ErrConnectFailed = errors.New("telemetry: connect failed")
	// ErrPublishFailed is returned when a publish is not acknowledged.
	ErrPublishFailed = errors.New("telemetry: publish failed")
)

// Client is the part of paho.Client the publisher uses.
type Client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var _ Client = (paho.Client)(nil)

// Metrics contains atomic counters for a publisher.
type Metrics struct {
	// PublishedCount is the number of acknowledged publishes.
	PublishedCount atomic.Uint64
	// DroppedCount is the number of events dropped because the channel was full.
	DroppedCount atomic.Uint64
	// FailedCount is the number of publishes that failed or timed out.
	FailedCount atomic.Uint64
}

// Publisher forwards controller events to MQTT.
type Publisher struct {
	cfg     *Config
	client  Client
	logger  logger.Logger
	events  chan tube.Event
	taskMgr *task.Manager
	started atomic.Bool
	last    *xsync.MapOf[string, []byte]
	metrics Metrics
}

// NewPublisher creates a publisher with a paho client for cfg's broker. The
// availability topic carries an "offline" last will.
func NewPublisher(ctx context.Context, cfg *Config) (*Publisher, error) {
	if cfg == nil {
		return nil, errors.New("telemetry: config is nil")
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.broker)
	opts.SetClientID(cfg.clientID)
	opts.SetUsername(cfg.username)
	opts.SetPassword(cfg.password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(cfg.keepAlive)
	opts.SetConnectTimeout(cfg.connectTimeout)
	opts.SetWill(cfg.Topic(TopicAvailability), PayloadOffline, cfg.qos, true)

	p := newPublisher(ctx, cfg, nil)

	opts.SetOnConnectHandler(func(c paho.Client) {
		p.logger.Info("mqtt connected", "broker", cfg.broker)
		if err := p.publish(cfg.Topic(TopicAvailability), true, []byte(PayloadOnline)); err != nil {
			p.logger.Warn("availability not published", "error", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.logger.Error("mqtt connection lost", "broker", cfg.broker, "error", err)
	})

	p.client = paho.NewClient(opts)

	return p, nil
}

func newPublisher(ctx context.Context, cfg *Config, client Client) *Publisher {
	return &Publisher{
		cfg:     cfg,
		client:  client,
		logger:  cfg.logger.With("component", "telemetry"),
		events:  make(chan tube.Event, cfg.bufferSize),
		taskMgr: task.NewManager(ctx, cfg.logger),
		last:    xsync.NewMapOf[string, []byte](),
	}
}

// Metrics returns the publisher counters.
func (p *Publisher) Metrics() *Metrics { return &p.metrics }

// LastPayload returns the last payload published to topic (full topic name).
func (p *Publisher) LastPayload(topic string) ([]byte, bool) {
	return p.last.Load(topic)
}

// Connect connects to the broker and starts the publishing goroutine.
func (p *Publisher) Connect(ctx context.Context) error {
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, p.cfg.broker, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConnectFailed, p.cfg.broker, err)
	}

	if !p.started.CompareAndSwap(false, true) {
		return nil
	}

	return p.taskMgr.Start("telemetry-publish", p.publishStep, nil)
}

// Close publishes "offline", stops the publishing goroutine and disconnects.
// Events still queued are published first.
func (p *Publisher) Close() {
	if p.started.CompareAndSwap(true, false) {
		p.taskMgr.Stop()
		p.taskMgr.Wait()
	}
	p.flush()

	if p.client.IsConnected() {
		if err := p.publish(p.cfg.Topic(TopicAvailability), true, []byte(PayloadOffline)); err != nil {
			p.logger.Warn("availability not published", "error", err)
		}
		p.client.Disconnect(uint(DefaultQuiesce.Milliseconds()))
	}
	p.logger.Info("mqtt disconnected")
}

// Handle queues ev for publishing. It never blocks; an event that does not
// fit is dropped. Use it as a tube.EventHandler.
func (p *Publisher) Handle(ev tube.Event) {
	select {
	case p.events <- ev:
	default:
		p.metrics.DroppedCount.Add(1)
		p.logger.Debug("telemetry event dropped", "kind", ev.Kind)
	}
}

func (p *Publisher) publishStep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case ev := <-p.events:
		p.send(ev)
		return true
	}
}

func (p *Publisher) flush() {
	for {
		select {
		case ev := <-p.events:
			p.send(ev)
		default:
			return
		}
	}
}

func (p *Publisher) send(ev tube.Event) {
	topic, payload, err := encodeEvent(ev)
	if err != nil {
		p.metrics.FailedCount.Add(1)
		p.logger.Error("telemetry event not encoded", "kind", ev.Kind, "error", err)
		return
	}

	retained := topic == TopicState
	if err := p.publish(p.cfg.Topic(topic), retained, payload); err != nil {
		p.logger.Warn("telemetry event not published", "kind", ev.Kind, "error", err)
	}
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	token := p.client.Publish(topic, p.cfg.qos, retained, payload)
	if !token.WaitTimeout(p.cfg.publishTimeout) {
		p.metrics.FailedCount.Add(1)
		return fmt.Errorf("%w: %s: timeout after %v", ErrPublishFailed, topic, p.cfg.publishTimeout)
	}
	if err := token.Error(); err != nil {
		p.metrics.FailedCount.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}

	p.metrics.PublishedCount.Add(1)
	p.last.Store(topic, payload)

	return nil
}

type statePayload struct {
	Time     time.Time `json:"time"`
	State    string    `json:"state"`
	Code     int       `json:"code"`
	Previous string    `json:"previous"`
}

type emissionPayload struct {
	Time       time.Time `json:"time"`
	Event      string    `json:"event"`
	Session    uint64    `json:"session"`
	DeadlineMs int64     `json:"deadline_ms,omitempty"`
	ElapsedMs  int64     `json:"elapsed_ms,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type faultPayload struct {
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind,omitempty"`
	Command   string    `json:"command,omitempty"`
	Response  string    `json:"response,omitempty"`
	Code      int       `json:"code"`
	State     string    `json:"state,omitempty"`
	Diagnosis string    `json:"diagnosis,omitempty"`
	Error     string    `json:"error"`
}

// encodeEvent returns the topic name below the prefix and the JSON payload for ev.
func encodeEvent(ev tube.Event) (string, []byte, error) {
	var (
		topic string
		v     any
	)

	switch ev.Kind {
	case tube.EventStateChanged:
		topic = TopicState
		v = statePayload{Time: ev.Time, State: ev.State.String(), Code: int(ev.State), Previous: ev.Previous.String()}

	case tube.EventEmissionStarted:
		topic = TopicEmission
		v = emissionPayload{Time: ev.Time, Event: "started", Session: ev.SessionID, DeadlineMs: ev.Deadline.Milliseconds()}

	case tube.EventEmissionStopped:
		topic = TopicEmission
		pl := emissionPayload{
			Time: ev.Time, Event: "stopped", Session: ev.SessionID,
			ElapsedMs: ev.Elapsed.Milliseconds(), Reason: ev.Reason.String(),
		}
		if ev.Err != nil {
			pl.Error = ev.Err.Error()
		}
		v = pl

	case tube.EventFault:
		topic = TopicFault
		pl := faultPayload{Time: ev.Time}
		if ev.Err != nil {
			pl.Error = ev.Err.Error()
		}
		if f, ok := tube.AsFault(ev.Err); ok {
			pl.Kind = f.Kind.String()
			pl.Command = f.Command
			pl.Response = f.Response
			pl.Code = f.Code
			pl.State = f.State.String()
			pl.Diagnosis = f.Diagnosis
		}
		v = pl

	default:
		return "", nil, fmt.Errorf("telemetry: unknown event kind %s", ev.Kind)
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}

	return topic, payload, nil
}
