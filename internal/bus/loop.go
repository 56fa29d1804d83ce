package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/logs"
)

var (
	ErrLoopClosed  = errors.New("execution loop closed")
	ErrLoopRunning = errors.New("execution loop already running")
)

const (
	loopIdle int32 = iota
	loopRunning
	loopStopped
)

// Loop is the single execution context. All work handed to it runs on one
// goroutine in submission order, so state owned by that work needs no locks.
//
// Work scheduled before Run starts executes synchronously on the caller's
// goroutine (serialized by a mutex) so early callbacks are not lost.
type Loop struct {
	ch     chan func()
	state  atomic.Int32
	done   chan struct{}
	inline sync.Mutex
	warned atomic.Bool
}

// NewLoop allocates a loop whose submission buffer holds capacity items.
func NewLoop(capacity int) *Loop {
	if capacity <= 0 {
		capacity = 1
	}
	return &Loop{
		ch:   make(chan func(), capacity),
		done: make(chan struct{}),
	}
}

// Running reports whether Run is consuming work.
func (l *Loop) Running() bool {
	return l.state.Load() == loopRunning
}

// Done is closed once Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Schedule hands fn to the loop without waiting for it to run. Unlike
// Queue.TryPublish it never drops: a full buffer blocks the caller.
func (l *Loop) Schedule(fn func()) error {
	if l.state.Load() == loopIdle && l.runInline(fn) {
		return nil
	}
	if l.state.Load() == loopStopped {
		return ErrLoopClosed
	}

	select {
	case l.ch <- fn:
		return nil
	case <-l.done:
		return ErrLoopClosed
	}
}

// Do schedules fn and waits until it has run. It must not be called from work
// already running on the loop.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Schedule(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopClosed
		}
	}
}

// Call runs fn on the loop and returns its result.
func Call[T any](ctx context.Context, l *Loop, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	if doErr := l.Do(ctx, func() { out, err = fn() }); doErr != nil {
		var zero T
		return zero, doErr
	}
	return out, err
}

// Run consumes scheduled work until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.inline.Lock()
	ok := l.state.CompareAndSwap(loopIdle, loopRunning)
	l.inline.Unlock()
	if !ok {
		return ErrLoopRunning
	}
	defer func() {
		l.state.Store(loopStopped)
		close(l.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.ch:
			l.exec(fn)
		}
	}
}

// runInline executes fn on the caller's goroutine if Run has not started.
// Run takes the same mutex before switching state, so the state is checked
// again under it.
func (l *Loop) runInline(fn func()) bool {
	l.inline.Lock()
	defer l.inline.Unlock()
	if l.state.Load() != loopIdle {
		return false
	}
	if l.warned.CompareAndSwap(false, true) {
		logs.Warnf("execution loop not started, running work synchronously")
	}
	l.exec(fn)
	return true
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("execution loop work panicked, recovered: %+v", r)
		}
	}()
	fn()
}
