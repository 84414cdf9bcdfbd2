// Package task runs named, restartable goroutine loops bound to a cancellable context.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gantrylab/xtube/logger"
)

// ErrStopped is returned by Start when the manager has been stopped and not yet waited on.
var ErrStopped = errors.New("task: manager already stopped")

// Func is one iteration of a task loop. It returns true to run again, false to exit.
// The ctx is cancelled when the manager is stopped.
type Func func(ctx context.Context) bool

// CancelFunc is called once when a task goroutine exits, whatever the reason.
type CancelFunc func()

// Manager manages the lifecycle of task goroutines.
//
// Stop cancels every running task and Wait blocks until they have all returned.
// After Wait the manager can start tasks again with a fresh context, which lets
// owners such as a serial connection be closed and reopened.
//
//	mgr := task.NewManager(ctx, log)
//	_ = mgr.Start("poll", func(ctx context.Context) bool {
//	    // ... one iteration ...
//	    return true
//	}, nil)
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	pctx   context.Context
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.RWMutex // protect ctx and cancel
	taskMu sync.RWMutex // protect task creation during Wait()
}

// NewManager creates a Manager whose task contexts derive from ctx.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	if l == nil {
		l = logger.GetLogger()
	}
	mgr := &Manager{pctx: ctx, logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

func (mgr *Manager) getContext() context.Context {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	return mgr.ctx
}

// Start launches a goroutine that calls fn until it returns false or the
// manager is stopped. onExit, if not nil, runs when the goroutine exits.
func (mgr *Manager) Start(name string, fn Func, onExit CancelFunc) error {
	mgr.taskMu.RLock()
	defer mgr.taskMu.RUnlock()

	ctx := mgr.getContext()
	select {
	case <-ctx.Done():
		return fmt.Errorf("start %s: %w", name, ErrStopped)
	default:
	}

	mgr.logger.Debug("start task", "name", name)
	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer func() {
			if onExit != nil {
				onExit()
			}
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.TaskCount())
		}()

		mgr.runLoop(ctx, name, fn)
	}()

	return nil
}

func (mgr *Manager) runLoop(ctx context.Context, name string, fn Func) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task loop", "name", name, "panic", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if !fn(ctx) {
				return
			}
		}
	}
}

// Stop signals all running tasks to exit.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	if mgr.cancel != nil {
		mgr.cancel()
	}
	mgr.mu.Unlock()
}

// Wait blocks until every task has exited, then re-arms the manager.
func (mgr *Manager) Wait() {
	mgr.taskMu.Lock()
	defer mgr.taskMu.Unlock()

	mgr.wg.Wait()

	mgr.mu.Lock()
	mgr.ctx, mgr.cancel = context.WithCancel(mgr.pctx)
	mgr.mu.Unlock()
}

// TaskCount returns the number of running task goroutines.
func (mgr *Manager) TaskCount() int {
	return int(mgr.count.Load())
}
