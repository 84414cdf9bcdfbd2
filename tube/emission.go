package tube

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gantrylab/xtube/internal/pool"
	"github.com/gantrylab/xtube/transport"
)

// StopReason records why an emission session ended.
type StopReason int

const (
	StopNone StopReason = iota
	StopCaller
	StopDeadline
	StopFault
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopCaller:
		return "caller"
	case StopDeadline:
		return "deadline"
	case StopFault:
		return "fault"
	default:
		return fmt.Sprintf("StopReason(%d)", int(r))
	}
}

// EmissionSession is one period of X-ray emission, from a confirmed XON to
// a confirmed XOF, a fault, or the end of a timed exposure.
type EmissionSession struct {
	id       uint64
	started  time.Time
	duration time.Duration // zero for an untimed session

	stopReq atomic.Bool
	done    chan struct{}
	once    sync.Once

	mu     sync.Mutex
	ended  time.Time
	reason StopReason
	err    error
}

func newEmissionSession(id uint64, d time.Duration) *EmissionSession {
	return &EmissionSession{
		id:       id,
		started:  time.Now(),
		duration: d,
		done:     make(chan struct{}),
	}
}

// ID returns the session number, unique per controller.
func (s *EmissionSession) ID() uint64 { return s.id }

// StartedAt returns when XON was confirmed.
func (s *EmissionSession) StartedAt() time.Time { return s.started }

// Deadline returns when a timed exposure ends. ok is false for an untimed session.
func (s *EmissionSession) Deadline() (deadline time.Time, ok bool) {
	if s.duration <= 0 {
		return time.Time{}, false
	}

	return s.started.Add(s.duration), true
}

// Done is closed when the session has ended.
func (s *EmissionSession) Done() <-chan struct{} { return s.done }

// Elapsed returns the emission time so far, or the total once ended.
func (s *EmissionSession) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ended.IsZero() {
		return s.ended.Sub(s.started)
	}

	return time.Since(s.started)
}

// StopReason returns why the session ended, or StopNone while it is active.
func (s *EmissionSession) StopReason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reason
}

// Err returns the fault that ended the session, nil if it ended normally or
// is still active.
func (s *EmissionSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Wait blocks until the session ends and returns its fault, if any.
func (s *EmissionSession) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopRequested reports whether a stop has been requested.
func (s *EmissionSession) StopRequested() bool { return s.stopReq.Load() }

// requestStop sets the stop flag. It returns false if it was already set.
func (s *EmissionSession) requestStop() bool {
	return s.stopReq.CompareAndSwap(false, true)
}

func (s *EmissionSession) finish(reason StopReason, err error) bool {
	finished := false
	s.once.Do(func() {
		s.stopReq.Store(true)
		s.mu.Lock()
		s.ended = time.Now()
		s.reason = reason
		s.err = err
		s.mu.Unlock()
		close(s.done)
		finished = true
	})

	return finished
}

// Session returns the active emission session, or nil.
func (c *Controller) Session() *EmissionSession {
	return c.currentSession()
}

func (c *Controller) currentSession() *EmissionSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.session
}

func (c *Controller) clearSession(s *EmissionSession) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == s {
		c.session = nil
	}
}

// XRayOn turns emission on and keeps it alive until XRayOff, Stop or a fault.
//
// XON is sent synchronously; the session exists only once the device echoed
// XON. A background goroutine then polls STS every keep-alive interval. When
// the device leaves Emitting the goroutine diagnoses the cause and ends the
// session with that fault.
func (c *Controller) XRayOn(ctx context.Context) (*EmissionSession, error) {
	return c.startEmission(ctx, 0)
}

// Expose is XRayOn with a duration: the keep-alive goroutine turns emission
// off once d has elapsed, unless a fault ended the session first. It returns
// as soon as emission is confirmed; use EmissionSession.Wait to block until
// the exposure is over.
func (c *Controller) Expose(ctx context.Context, d time.Duration) (*EmissionSession, error) {
	if d <= 0 {
		return nil, &PreconditionViolation{Op: "expose", State: StateUnknown, Reason: fmt.Sprintf("exposure time %v must be positive", d)}
	}

	return c.startEmission(ctx, d)
}

func (c *Controller) startEmission(ctx context.Context, d time.Duration) (*EmissionSession, error) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if !c.conn.IsOpen() {
		return nil, &TransportError{Op: "x-ray on", Command: cmdXRayOn, Err: transport.ErrNotConnected}
	}
	if s := c.currentSession(); s != nil {
		return nil, &PreconditionViolation{Op: "turn x-rays on", State: StateEmitting, Reason: "x-rays are already on"}
	}

	reply, err := c.exchange(ctx, cmdXRayOn)
	if err != nil {
		return nil, err
	}
	if reply != cmdXRayOn {
		return nil, c.classify(ctx, cmdXRayOn, reply)
	}

	s := newEmissionSession(c.sessionID.Add(1), d)
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	c.metrics.incEmissionCount()
	c.observeState(StateEmitting)
	c.logger.Info("x-ray emission started", "session", s.id, "duration", d)
	c.emit(Event{Kind: EventEmissionStarted, SessionID: s.id, Deadline: d})

	err = c.taskMgr.Start(fmt.Sprintf("keep-alive-%d", s.id), func(tctx context.Context) bool {
		return c.keepAlive(tctx, s)
	}, nil)
	if err != nil {
		// without polling the device cuts off by itself; still try XOF now
		s.requestStop()
		c.clearSession(s)
		offCtx, cancel := c.stopContext()
		offErr := c.sendOff(offCtx, nil, StopFault)
		cancel()
		s.finish(StopFault, err)
		c.logger.Error("keep-alive could not start", "error", err, "xof_error", offErr)

		return nil, &TransportError{Op: "keep-alive", Command: cmdXRayOn, Err: err}
	}

	return s, nil
}

// XRayOff sends XOF and clears the session once the device echoed XOF.
// It fails when the transport is not open. Without an active session the
// command is still sent.
func (c *Controller) XRayOff(ctx context.Context) error {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if !c.conn.IsOpen() {
		return &TransportError{Op: "x-ray off", Command: cmdXRayOff, Err: transport.ErrNotConnected}
	}

	return c.turnOff(ctx, c.currentSession())
}

// turnOff ends s, or sends a bare XOF when s is nil. If the keep-alive
// goroutine is already turning emission off, it waits for that instead of
// sending a second XOF.
func (c *Controller) turnOff(ctx context.Context, s *EmissionSession) error {
	if s != nil && !s.requestStop() {
		select {
		case <-s.Done():
			return nil
		case <-ctx.Done():
			return &TransportError{Op: "x-ray off", Command: cmdXRayOff, Err: ctx.Err()}
		}
	}

	return c.sendOff(ctx, s, StopCaller)
}

// sendOff sends XOF. The caller must have set s's stop flag so the
// keep-alive goroutine stops polling. On success the session ends with
// reason; on failure the flag stays set so the device times out emission.
func (c *Controller) sendOff(ctx context.Context, s *EmissionSession, reason StopReason) error {
	reply, err := c.exchange(ctx, cmdXRayOff)
	if err == nil && reply != cmdXRayOff {
		err = c.classify(ctx, cmdXRayOff, reply)
	}
	if err != nil {
		c.logger.Error("x-ray off not confirmed", "error", err)
		if s != nil {
			c.clearSession(s)
			if s.finish(StopFault, err) {
				c.emit(Event{Kind: EventEmissionStopped, SessionID: s.id, Reason: StopFault, Elapsed: s.Elapsed(), Err: err})
			}
		}

		return err
	}

	c.observeState(StateReady)
	if s == nil {
		c.logger.Info("x-ray off confirmed")
		return nil
	}

	c.clearSession(s)
	if s.finish(reason, nil) {
		c.logger.Info("x-ray emission stopped", "session", s.id, "reason", reason, "elapsed", s.Elapsed())
		c.emit(Event{Kind: EventEmissionStopped, SessionID: s.id, Reason: reason, Elapsed: s.Elapsed()})
	}

	return nil
}

// keepAlive is one iteration of the keep-alive goroutine. It returns false
// once the session is over.
func (c *Controller) keepAlive(ctx context.Context, s *EmissionSession) bool {
	if s.StopRequested() {
		return false
	}

	wait := c.cfg.keepAliveInterval
	deadline, timed := s.Deadline()
	if timed {
		if left := time.Until(deadline); left < wait {
			wait = left
		}
	}
	if !pool.Sleep(ctx, wait) {
		return false
	}
	if s.StopRequested() {
		return false
	}

	if timed && !time.Now().Before(deadline) {
		if s.requestStop() {
			c.logger.Debug("exposure time reached", "session", s.id, "elapsed", s.Elapsed())
			offCtx, cancel := c.stopContext()
			_ = c.sendOff(offCtx, s, StopDeadline)
			cancel()
		}
		return false
	}

	c.metrics.incKeepAlivePollCount()
	in, err := c.query(ctx, cmdStatus)
	if s.StopRequested() {
		return false
	}

	if err != nil {
		// stop polling so the device cuts off, and try XOF once
		s.requestStop()
		offCtx, cancel := c.stopContext()
		_ = c.sendOff(offCtx, nil, StopFault)
		cancel()
		c.failSession(s, err)

		return false
	}
	if in.State == StateEmitting {
		return true
	}

	s.requestStop()
	c.failSession(s, c.stateFault(ctx, in))

	return false
}

func (c *Controller) failSession(s *EmissionSession, err error) {
	c.clearSession(s)
	if !s.finish(StopFault, err) {
		return
	}
	c.logger.Error("x-ray emission interrupted", "session", s.id, "elapsed", s.Elapsed(), "error", err)
	_ = c.fault(err)
	c.emit(Event{Kind: EventEmissionStopped, SessionID: s.id, Reason: StopFault, Elapsed: s.Elapsed(), Err: err})
}

// stopContext bounds an XOF the controller sends on its own behalf. It is
// detached from task cancellation so a shutdown cannot abort it.
func (c *Controller) stopContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.pctx), c.cfg.emissionStopTimeout)
}
