// Package transport carries commands to the tube over a half-duplex serial link.
//
// A Conn decouples callers from the port with two bounded channels. One I/O
// goroutine owns the port: on every poll interval it takes at most one command
// from the outbound channel, writes it, reads the reply and places it on the
// inbound channel. A second command is never written before the first one's
// read has finished, and replies come back in command order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gantrylab/xtube/internal/pool"
	"github.com/gantrylab/xtube/internal/task"
	"github.com/gantrylab/xtube/logger"
)

// Sentinel errors for the serial transport.
var (
	ErrOpenFailed   = errors.New("transport: open failed")
	ErrCloseFailed  = errors.New("transport: close failed")
	ErrQueueFull    = errors.New("transport: outbound queue full")
	ErrQueueEmpty   = errors.New("transport: inbound queue empty, connection closed")
	ErrNoResponse   = errors.New("transport: no response")
	ErrNotConnected = errors.New("transport: not connected")
	ErrIO           = errors.New("transport: serial i/o failure")
	ErrInvalidCmd   = errors.New("transport: invalid command")
)

// Reply is the outcome of one command exchange.
type Reply struct {
	// Seq is the ticket returned by Submit for the command.
	Seq uint64
	// Command is the command text that was written.
	Command string
	// Text is the reply with the trailing CR removed. Empty when Err is set.
	Text string
	// Err is ErrNoResponse when both reads came back empty, or wraps ErrIO.
	Err error
}

type request struct {
	seq uint64
	cmd string
}

// Conn is a serial connection to the tube.
type Conn struct {
	pctx   context.Context
	cfg    *ConnectionConfig
	logger logger.Logger

	opMu    sync.Mutex // serializes Open and Close
	opState atomicOpState
	taskMgr *task.Manager
	port    Port

	closedMu sync.RWMutex
	closed   chan struct{} // closed while the connection is not open

	sendMu   sync.Mutex // keeps seq order equal to channel order
	seq      uint64
	outbound chan request
	inbound  chan Reply

	metrics ConnectionMetrics
}

// NewConn creates a closed connection. Call Open to start the I/O goroutine.
func NewConn(ctx context.Context, cfg *ConnectionConfig) (*Conn, error) {
	if cfg == nil {
		return nil, errors.New("transport: connection config is nil")
	}

	c := &Conn{
		pctx:     ctx,
		cfg:      cfg,
		logger:   cfg.logger.With("port", cfg.portName),
		taskMgr:  task.NewManager(ctx, cfg.logger),
		outbound: make(chan request, cfg.queueSize),
		inbound:  make(chan Reply, cfg.queueSize),
	}
	c.closed = make(chan struct{})
	close(c.closed)
	c.opState.Set(ClosedState)

	return c, nil
}

// Config returns the connection configuration.
func (c *Conn) Config() *ConnectionConfig { return c.cfg }

// Metrics returns the connection counters.
func (c *Conn) Metrics() *ConnectionMetrics { return &c.metrics }

// State returns the lifecycle state.
func (c *Conn) State() OpState { return c.opState.Get() }

// IsOpen reports whether the connection is open.
func (c *Conn) IsOpen() bool { return c.opState.IsOpened() }

// Open opens the port and starts the I/O goroutine. Opening an open
// connection is a no-op.
func (c *Conn) Open() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.opState.IsOpened() {
		c.logger.Debug("serial port already open")
		return nil
	}
	if !c.opState.ToOpening() {
		return fmt.Errorf("%w: connection is %s", ErrOpenFailed, c.opState.Get())
	}

	c.logger.Info("opening serial port", "baud", c.cfg.baudRate)
	port, err := c.cfg.opener(c.cfg.portName, c.cfg.baudRate, c.cfg.readTimeout)
	if err != nil {
		c.opState.Set(ClosedState)
		return fmt.Errorf("%w: %s: %w", ErrOpenFailed, c.cfg.portName, err)
	}
	if port == nil {
		c.opState.Set(ClosedState)
		return fmt.Errorf("%w: %s: opener returned nil port", ErrOpenFailed, c.cfg.portName)
	}
	c.port = port

	c.closedMu.Lock()
	c.closed = make(chan struct{})
	c.closedMu.Unlock()

	buf := make([]byte, c.cfg.readBufferSize)
	err = c.taskMgr.Start("serial-io", func(ctx context.Context) bool {
		return c.ioStep(ctx, port, buf)
	}, nil)
	if err != nil {
		c.signalClosed()
		_ = port.Close()
		c.port = nil
		c.opState.Set(ClosedState)
		return fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}

	c.opState.Set(OpenedState)
	c.logger.Info("serial port open")

	return nil
}

// Close stops the I/O goroutine and closes the port. Pending commands and
// unread replies are discarded. Closing a closed connection is a no-op.
//
// Close does not turn emission off; callers must do that first.
func (c *Conn) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.opState.IsClosed() {
		c.logger.Debug("serial port already closed")
		return nil
	}
	c.opState.ToClosing()
	c.logger.Info("closing serial port")

	c.signalClosed()
	c.taskMgr.Stop()

	waitDone := make(chan struct{})
	go func() {
		c.taskMgr.Wait()
		close(waitDone)
	}()

	t := pool.GetTimer(c.cfg.closeTimeout)
	select {
	case <-waitDone:
	case <-t.C:
		c.logger.Warn("i/o goroutine did not exit before close timeout", "timeout", c.cfg.closeTimeout)
	}
	pool.PutTimer(t)

	var closeErr error
	if c.port != nil {
		closeErr = c.port.Close()
		c.port = nil
	}
	c.drain()
	c.opState.Set(ClosedState)

	if closeErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrCloseFailed, c.cfg.portName, closeErr)
	}
	c.logger.Info("serial port closed")

	return nil
}

// Enqueue places cmd on the outbound channel without blocking. It returns
// ErrQueueFull when the channel is at capacity.
func (c *Conn) Enqueue(cmd string) error {
	_, err := c.Submit(cmd)
	return err
}

// Submit is Enqueue that also returns the command's sequence ticket, which is
// echoed in Reply.Seq so callers can skip replies to abandoned commands.
func (c *Conn) Submit(cmd string) (uint64, error) {
	if !c.opState.IsOpened() {
		return 0, ErrNotConnected
	}
	if cmd == "" || strings.ContainsAny(cmd, "\r\n") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCmd, cmd)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.seq++
	req := request{seq: c.seq, cmd: cmd}
	select {
	case c.outbound <- req:
		return req.seq, nil
	default:
		c.seq--
		c.metrics.incQueueFullCount()
		return 0, ErrQueueFull
	}
}

// Dequeue blocks until a reply is available and returns its text. It returns
// ErrQueueEmpty once the connection is closed and ErrNoResponse when the
// device did not answer.
func (c *Conn) Dequeue(ctx context.Context) (string, error) {
	r, err := c.DequeueReply(ctx)
	return r.Text, err
}

// DequeueReply is Dequeue returning the full Reply. On ErrNoResponse or an
// I/O error the Reply still identifies the command.
func (c *Conn) DequeueReply(ctx context.Context) (Reply, error) {
	select {
	case r := <-c.inbound:
		return r, r.Err
	default:
	}

	select {
	case r := <-c.inbound:
		return r, r.Err
	case <-c.closedChan():
		return Reply{}, ErrQueueEmpty
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (c *Conn) closedChan() <-chan struct{} {
	c.closedMu.RLock()
	defer c.closedMu.RUnlock()

	return c.closed
}

func (c *Conn) signalClosed() {
	c.closedMu.Lock()
	defer c.closedMu.Unlock()

	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

func (c *Conn) drain() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	for {
		select {
		case req := <-c.outbound:
			c.logger.Debug("discarding unsent command", "cmd", req.cmd)
		case r := <-c.inbound:
			c.logger.Debug("discarding unread reply", "cmd", r.Command, "reply", r.Text)
		default:
			return
		}
	}
}

// ioStep is one iteration of the I/O goroutine.
func (c *Conn) ioStep(ctx context.Context, port Port, buf []byte) bool {
	if !pool.Sleep(ctx, c.cfg.pollInterval) {
		return false
	}

	var req request
	select {
	case req = <-c.outbound:
	default:
		return true
	}

	reply := c.transact(ctx, port, req, buf)

	select {
	case c.inbound <- reply:
		return true
	case <-ctx.Done():
		return false
	}
}

// transact writes one command and reads its reply.
func (c *Conn) transact(ctx context.Context, port Port, req request, buf []byte) Reply {
	reply := Reply{Seq: req.seq, Command: req.cmd}

	writes := 1
	if isOffCommand(req.cmd) {
		writes = 2
	}

	for i := 0; i < writes; i++ {
		if i > 0 {
			// the second XOF goes out even if we are shutting down
			pool.Sleep(ctx, c.cfg.offRepeatDelay)
			c.metrics.incOffRepeatCount()
		}
		if err := port.ResetInputBuffer(); err != nil {
			return c.ioFailure(reply, "flush input", err)
		}
		if err := writeFrame(port, req.cmd); err != nil {
			return c.ioFailure(reply, "write", err)
		}
	}
	c.metrics.incCommandSendCount()
	c.logger.Debug("command sent", "cmd", req.cmd, "seq", req.seq)

	start := time.Now()
	for attempt := 0; attempt < 2; attempt++ {
		text, err := readFrame(port, buf)
		if err != nil {
			return c.ioFailure(reply, "read", err)
		}
		if text != "" {
			c.metrics.incReplyRecvCount()
			c.logger.Debug("reply received", "cmd", req.cmd, "reply", text, "elapsed", time.Since(start))
			reply.Text = text

			return reply
		}
		c.metrics.incEmptyReadCount()
	}

	c.metrics.incNoResponseCount()
	c.logger.Warn("no response from device", "cmd", req.cmd, "elapsed", time.Since(start))
	reply.Err = ErrNoResponse

	return reply
}

func (c *Conn) ioFailure(reply Reply, op string, err error) Reply {
	c.metrics.incIOErrorCount()
	c.logger.Error("serial i/o failed", "cmd", reply.Command, "op", op, "error", err)
	reply.Err = fmt.Errorf("%w: %s: %w", ErrIO, op, err)

	return reply
}
