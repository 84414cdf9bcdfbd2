// Package tube controls an X-ray tube over a serial transport.
//
// The Controller turns operations such as Start, Expose or SetVoltage into
// device commands, interprets the replies against the device state machine
// and keeps emission alive by polling STS from a background goroutine. The
// device is the authority on its state; the controller never assumes a
// transition happened without polling it.
//
//	conn, _ := transport.NewConn(ctx, connCfg)
//	ctrl, _ := tube.NewController(ctx, conn, cfg)
//	if err := ctrl.Start(ctx); err != nil {
//	    // err is a *tube.DeviceFault, *tube.TransportError, ...
//	}
//	session, err := ctrl.Expose(ctx, 1500*time.Millisecond)
//	...
//	err = session.Wait(ctx)
package tube

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gantrylab/xtube/internal/pool"
	"github.com/gantrylab/xtube/internal/task"
	"github.com/gantrylab/xtube/logger"
	"github.com/gantrylab/xtube/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

// Transport is the command channel the controller drives. *transport.Conn
// implements it.
type Transport interface {
	Open() error
	Close() error
	IsOpen() bool
	// Submit enqueues cmd without blocking and returns its sequence ticket.
	Submit(cmd string) (uint64, error)
	// DequeueReply blocks for the next reply.
	DequeueReply(ctx context.Context) (transport.Reply, error)
}

var _ Transport = (*transport.Conn)(nil)

// Reading is the last reply seen for a command.
type Reading struct {
	Command string
	Reply   string
	At      time.Time
}

// Controller drives one tube. It is safe for concurrent use.
type Controller struct {
	pctx   context.Context
	conn   Transport
	cfg    *Config
	logger logger.Logger

	// exchMu makes each submit/dequeue pair atomic so replies correlate
	// across caller and keep-alive goroutines.
	exchMu sync.Mutex

	// emitMu serializes the caller facing emission operations.
	emitMu    sync.Mutex
	mu        sync.Mutex // guards session
	session   *EmissionSession
	sessionID atomic.Uint64
	taskMgr   *task.Manager

	lastState atomic.Int32
	readings  *xsync.MapOf[string, Reading]
	metrics   ControllerMetrics
}

// NewController creates a controller on conn. The transport is opened by Start.
func NewController(ctx context.Context, conn Transport, cfg *Config) (*Controller, error) {
	if conn == nil {
		return nil, errors.New("tube: transport is nil")
	}
	if cfg == nil {
		return nil, errors.New("tube: config is nil")
	}

	c := &Controller{
		pctx:     ctx,
		conn:     conn,
		cfg:      cfg,
		logger:   cfg.logger,
		taskMgr:  task.NewManager(ctx, cfg.logger),
		readings: xsync.NewMapOf[string, Reading](),
	}
	c.lastState.Store(int32(StateUnknown))

	return c, nil
}

// Config returns the controller configuration.
func (c *Controller) Config() *Config { return c.cfg }

// Metrics returns the controller counters.
func (c *Controller) Metrics() *ControllerMetrics { return &c.metrics }

// IsConnected reports whether the transport is open.
func (c *Controller) IsConnected() bool { return c.conn.IsOpen() }

// LastState returns the most recently polled device state.
func (c *Controller) LastState() State { return State(c.lastState.Load()) }

// LastReading returns the last reply seen for the command's base name.
func (c *Controller) LastReading(cmd string) (Reading, bool) {
	return c.readings.Load(baseCommand(cmd))
}

// Connect opens the transport without touching the device, for read-outs
// that do not need a Ready tube. Start calls it.
func (c *Controller) Connect() error {
	if err := c.conn.Open(); err != nil {
		return &TransportError{Op: "open", Err: err}
	}

	return nil
}

// Start brings the tube to Ready.
//
// It opens the transport if needed, probes the link, checks the battery and
// polls the status. A tube awaiting warm-up is warmed up, and a warm-up or
// self-test in progress is waited for. NotReady is diagnosed into the most
// specific fault. Start only succeeds once the device reports Ready.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Connect(); err != nil {
		return err
	}
	c.logger.Info("tube starting")

	if err := c.CheckPowerSupply(ctx); err != nil {
		return err
	}

	if _, err := c.BatteryStatus(ctx); err != nil {
		if f, ok := AsFault(err); !ok || !f.IsWarning() {
			return err
		}
		c.logger.Warn("battery low", "reply", "SBT 1", "diagnosis", diagBatteryLow)
	}

	in, err := c.query(ctx, cmdStatus)
	if err != nil {
		return err
	}

	switch in.State {
	case StateReady:
	case StateNotReady:
		return c.fault(c.diagnose(ctx, cmdStatus))
	case StateOverloadTripped:
		return c.fault(in.Fault)
	case StateEmitting:
		return &PreconditionViolation{Op: "start", State: in.State, Reason: "x-rays are already being emitted"}
	case StateAwaitingWarmup:
		if err := c.Warmup(ctx); err != nil {
			return err
		}
		if err := c.awaitReady(ctx, "warm-up", c.cfg.warmupTimeout); err != nil {
			return err
		}
	case StateWarmingUp:
		if err := c.awaitReady(ctx, "warm-up", c.cfg.warmupTimeout); err != nil {
			return err
		}
	case StateSelfTesting:
		if err := c.awaitReady(ctx, "self-test", c.cfg.selfTestTimeout); err != nil {
			return err
		}
	}

	c.logger.Info("tube ready", "state", StateReady)

	return nil
}

// Stop turns emission off if the tube is emitting, stops the keep-alive
// goroutine and closes the transport. It fails without writing anything when
// the transport is not open. If XOF is not confirmed the transport stays open
// and the error is returned; the device cuts emission off by itself once
// polling has stopped.
func (c *Controller) Stop(ctx context.Context) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if !c.conn.IsOpen() {
		return &TransportError{Op: "stop", Err: transport.ErrNotConnected}
	}

	s := c.currentSession()
	emitting := s != nil
	if !emitting {
		in, err := c.query(ctx, cmdStatus)
		if err != nil {
			c.logger.Warn("status unavailable before close", "error", err)
		}
		emitting = in.State == StateEmitting
	}

	if emitting {
		if err := c.turnOff(ctx, s); err != nil {
			return err
		}
	}

	c.taskMgr.Stop()
	c.taskMgr.Wait()

	if err := c.conn.Close(); err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	c.logger.Info("tube stopped")

	return nil
}

// exchange sends cmd and returns the reply text. Queue-full conditions are
// retried for every command; a missing reply is retried for queries only.
func (c *Controller) exchange(ctx context.Context, cmd string) (string, error) {
	if !c.conn.IsOpen() {
		return "", &TransportError{Op: "send", Command: cmd, Err: transport.ErrNotConnected}
	}

	spec := specFor(cmd)

	c.exchMu.Lock()
	defer c.exchMu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.retryLimit; attempt++ {
		if attempt > 0 {
			c.metrics.incRetryCount()
			backoff := c.cfg.retryBackoff << (attempt - 1)
			c.logger.Warn("retrying command", "cmd", cmd, "attempt", attempt, "backoff", backoff, "error", lastErr)
			if !pool.Sleep(ctx, backoff) {
				return "", &TransportError{Op: "send", Command: cmd, Err: ctx.Err()}
			}
		}

		reply, err := c.exchangeOnce(ctx, cmd)
		if err == nil {
			c.readings.Store(baseCommand(cmd), Reading{Command: cmd, Reply: reply, At: time.Now()})
			return reply, nil
		}
		lastErr = err
		if !c.retryable(ctx, spec, err) {
			break
		}
	}

	return "", lastErr
}

func (c *Controller) retryable(ctx context.Context, spec commandSpec, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, transport.ErrQueueFull) {
		return true
	}
	if !spec.retryable {
		return false
	}

	return errors.Is(err, transport.ErrNoResponse) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Controller) exchangeOnce(ctx context.Context, cmd string) (string, error) {
	seq, err := c.conn.Submit(cmd)
	if err != nil {
		return "", &TransportError{Op: "send", Command: cmd, Err: err}
	}

	rctx, cancel := context.WithTimeout(ctx, c.cfg.responseTimeout)
	defer cancel()

	for {
		reply, err := c.conn.DequeueReply(rctx)
		if reply.Seq != 0 && reply.Seq < seq {
			c.metrics.incStaleReplyCount()
			c.logger.Debug("discarding stale reply", "cmd", reply.Command, "reply", reply.Text)
			continue
		}
		if err != nil {
			return "", &TransportError{Op: "receive", Command: cmd, Err: err}
		}
		if reply.Command != cmd {
			return "", &ProtocolError{Command: cmd, Response: reply.Text, Reason: fmt.Sprintf("reply belongs to %q", reply.Command)}
		}

		return reply.Text, nil
	}
}

// query sends a status-family command and interprets the reply. A fault the
// reply encodes is returned in Interpretation.Fault, not as an error.
func (c *Controller) query(ctx context.Context, cmd string) (Interpretation, error) {
	reply, err := c.exchange(ctx, cmd)
	if err != nil {
		return Interpretation{State: StateUnknown}, err
	}
	if _, isErr := parseCommandError(reply); isErr {
		return Interpretation{State: StateUnknown}, c.classify(ctx, cmd, reply)
	}

	in, err := Interpret(reply)
	if err != nil {
		return Interpretation{State: StateUnknown}, err
	}
	if in.Code != cmd {
		return Interpretation{State: StateUnknown}, &ProtocolError{Command: cmd, Response: reply, Reason: "reply is for another command"}
	}
	if cmd == cmdStatus {
		c.observeState(in.State)
	}

	return in, nil
}

func (c *Controller) observeState(st State) {
	prev := State(c.lastState.Swap(int32(st)))
	if prev != st {
		c.logger.Debug("device state changed", "state", st, "previous", prev)
		c.emit(Event{Kind: EventStateChanged, State: st, Previous: prev})
	}
}

// awaitReady polls STS until the device is Ready. It fails fast on NotReady
// or overload. The polls also keep the device from cutting off emission
// during warm-up.
func (c *Controller) awaitReady(ctx context.Context, phase string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	lastLog := time.Time{}

	for {
		if !pool.Sleep(ctx, c.cfg.warmupPollInterval) {
			return &TransportError{Op: phase, Command: cmdStatus, Err: ctx.Err()}
		}

		in, err := c.query(ctx, cmdStatus)
		if err != nil {
			return err
		}

		switch in.State {
		case StateReady:
			c.logger.Info(phase+" completed")
			return nil
		case StateNotReady:
			return c.fault(c.diagnose(ctx, cmdStatus))
		case StateOverloadTripped:
			return c.fault(in.Fault)
		case StateEmitting:
			return &PreconditionViolation{Op: phase, State: in.State, Reason: "device started emitting unexpectedly"}
		case StateWarmingUp:
			if time.Since(lastLog) >= time.Minute {
				lastLog = time.Now()
				if step, err := c.WarmupStep(ctx); err == nil && step.Known {
					c.logger.Info("warm-up in progress", "pattern", step.Pattern, "step", step.Step, "remaining", step.Remaining)
				}
			}
		}

		if time.Now().After(deadline) {
			return c.fault(&DeviceFault{
				Kind: FaultNotReady, Command: cmdStatus, Response: in.Reply,
				Code: int(in.State), State: in.State,
				Diagnosis: fmt.Sprintf("%s did not complete within %v", phase, timeout),
			})
		}
	}
}

// diagnoseChain queries SER, SPH and SIN in that order and returns the first
// fault found, or nil when all three are nominal.
func (c *Controller) diagnoseChain(ctx context.Context) (*DeviceFault, error) {
	for _, cmd := range []string{cmdHardwareError, cmdPreheat, cmdInterlock} {
		in, err := c.query(ctx, cmd)
		if err != nil {
			return nil, err
		}
		if in.Fault != nil {
			return in.Fault, nil
		}
	}

	return nil, nil
}

// diagnose explains a NotReady status reported in reply to cmd.
func (c *Controller) diagnose(ctx context.Context, cmd string) error {
	f, err := c.diagnoseChain(ctx)
	if err != nil {
		return err
	}
	if f != nil {
		return f.withCommand(cmd)
	}

	return &DeviceFault{
		Kind: FaultNotReady, Command: cmd, Response: "STS 5",
		Code: int(StateNotReady), State: StateNotReady,
		Diagnosis: "device reports STS 5 but SER, SPH and SIN are nominal",
	}
}

// stateFault explains why a device that should be emitting reports st.
func (c *Controller) stateFault(ctx context.Context, in Interpretation) error {
	switch in.State {
	case StateNotReady:
		return c.diagnose(ctx, cmdStatus)
	case StateOverloadTripped:
		return in.Fault
	default:
		return &DeviceFault{
			Kind: FaultEmissionInterrupted, Command: cmdStatus, Response: in.Reply,
			Code: int(in.State), State: in.State,
			Diagnosis: fmt.Sprintf("emission stopped without XOF; device is %s", in.State.Description()),
		}
	}
}

// fault records a device fault before returning it.
func (c *Controller) fault(err error) error {
	if f, ok := AsFault(err); ok {
		c.metrics.incFaultCount()
		c.logger.Error("device fault", "kind", f.Kind, "cmd", f.Command, "reply", f.Response, "diagnosis", f.Diagnosis)
		c.emit(Event{Kind: EventFault, State: f.State, Err: f})
	}

	return err
}
