// Package mainthread runs script callbacks on one distinguished goroutine,
// pinned to its OS thread, the way browser hosts confine script execution
// to their main thread.
package mainthread

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/1ureka/douyutap/internal/util"
)

var (
	ErrQueueFull = errors.New("mainthread: task queue full")
	ErrStopped   = errors.New("mainthread: loop stopped")
)

// DefaultQueueSize is the task channel capacity used by the host programs.
const DefaultQueueSize = 256

const drainRetry = 10 * time.Millisecond

// Task is one self-contained callback invocation. It owns all of its data;
// nothing in it refers to the buffer the record was scanned from.
type Task struct {
	Instance string // plugin instance the callback belongs to
	Callback string // script function name
	Arg      string // single string argument (the record text)

	fence chan struct{} // set only by Drain
}

// Invoker executes a task on the main loop.
type Invoker interface {
	Invoke(ctx context.Context, t Task) error
}

// InvokerFunc adapts a plain function to Invoker.
type InvokerFunc func(ctx context.Context, t Task) error

func (f InvokerFunc) Invoke(ctx context.Context, t Task) error { return f(ctx, t) }

// Loop is a FIFO task queue drained by a single goroutine.
type Loop struct {
	tasks chan Task

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

// New creates a loop with the given queue capacity.
func New(size int) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Loop{
		tasks: make(chan Task, size),
		done:  make(chan struct{}),
	}
}

// Post enqueues a task without blocking. Ownership of t passes to the loop.
func (l *Loop) Post(t Task) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.stopped {
		return ErrStopped
	}

	select {
	case l.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Drain blocks until every task posted before the call has been handled, the
// loop stops, or ctx ends.
func (l *Loop) Drain(ctx context.Context) error {
	fence := make(chan struct{})
	for {
		err := l.Post(Task{fence: fence})
		if err == nil {
			break
		}
		if !errors.Is(err, ErrQueueFull) {
			return err
		}
		select {
		case <-time.After(drainRetry):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-fence:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run drains the queue until ctx is cancelled. It must be called exactly once,
// from the goroutine that is to act as the main thread. Tasks still queued at
// cancellation are discarded.
func (l *Loop) Run(ctx context.Context, inv Invoker) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)
	defer l.stop()

	for {
		select {
		case t := <-l.tasks:
			if t.fence != nil {
				close(t.fence)
				continue
			}
			l.execute(ctx, inv, t)
		case <-ctx.Done():
			return
		}
	}
}

// stop refuses further posts and drops whatever is left in the queue.
func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	for {
		select {
		case t := <-l.tasks:
			if t.fence != nil {
				close(t.fence)
				continue
			}
			util.LogDebug("[%08x] discarding queued callback %s", util.InstanceTag(t.Instance), t.Callback)
			util.Stats.AddDroppedCall()
		default:
			return
		}
	}
}

// execute runs one task. Failures and panics are logged and counted; the
// task is released on every path.
func (l *Loop) execute(ctx context.Context, inv Invoker, t Task) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
		if err != nil {
			util.LogWarning("[%08x] %s failed: %v", util.InstanceTag(t.Instance), t.Callback, err)
			util.Stats.AddDroppedCall()
			return
		}
		util.Stats.AddCall()
	}()

	err = inv.Invoke(ctx, t)
}
