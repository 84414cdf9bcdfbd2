package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gantrylab/xtube/logger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakePort echoes every command unless a reply is scripted for it.
type fakePort struct {
	mu          sync.Mutex
	ops         []string
	frames      []string
	replies     map[string][]string // per command; "" means stay silent
	reads       []string            // consumed before pending bytes; "" is a timed-out read
	pending     []byte
	readTimeout time.Duration
	gate        chan struct{} // when set, Write blocks until it is closed
	closeErr    error
	closed      bool
}

var _ Port = (*fakePort)(nil)

func newFakePort() *fakePort {
	return &fakePort{
		replies:     make(map[string][]string),
		readTimeout: 2 * time.Millisecond,
	}
}

func (p *fakePort) script(cmd string, replies ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[cmd] = append(p.replies[cmd], replies...)
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.gate != nil {
		<-p.gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.New("port closed")
	}
	frame := string(b)
	p.ops = append(p.ops, "write:"+frame)
	p.frames = append(p.frames, frame)

	cmd := strings.TrimSuffix(frame, "\r")
	reply := cmd
	if q := p.replies[cmd]; len(q) > 0 {
		reply = q[0]
		p.replies[cmd] = q[1:]
	}
	if reply != "" {
		p.pending = append(p.pending, reply+"\r"...)
	}

	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("port closed")
	}
	if len(p.reads) > 0 {
		r := p.reads[0]
		p.reads = p.reads[1:]
		p.mu.Unlock()
		if r == "" {
			time.Sleep(p.readTimeout)
			return 0, nil
		}
		return copy(b, r), nil
	}
	if len(p.pending) == 0 {
		p.mu.Unlock()
		time.Sleep(p.readTimeout)
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	p.mu.Unlock()

	return n, nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "flush")
	p.pending = nil

	return nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = d

	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "close")
	p.closed = true

	return p.closeErr
}

func (p *fakePort) getOps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.ops...)
}

func (p *fakePort) getFrames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.frames...)
}

func newMockLogger() *logger.MockLogger {
	l := logger.NewMockLogger()
	l.On("Debug", mock.Anything, mock.Anything).Return()
	l.On("Info", mock.Anything, mock.Anything).Return()
	l.On("Warn", mock.Anything, mock.Anything).Return()
	l.On("Error", mock.Anything, mock.Anything).Return()

	return l
}

// newTestConn returns an open Conn on port with a fast poll interval.
func newTestConn(t *testing.T, port *fakePort, opts ...ConnOption) *Conn {
	t.Helper()

	base := []ConnOption{
		WithPort(port),
		WithPollInterval(time.Millisecond),
		WithOffRepeatDelay(5 * time.Millisecond),
		WithReadTimeout(MinReadTimeout),
		WithLogger(newMockLogger()),
	}
	cfg, err := NewConnectionConfig("/dev/ttyTEST", append(base, opts...)...)
	require.NoError(t, err)

	conn, err := NewConn(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, conn.Open())
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func exchange(t *testing.T, conn *Conn, cmd string) (Reply, error) {
	t.Helper()

	require.NoError(t, conn.Enqueue(cmd))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	return conn.DequeueReply(ctx)
}
