package crash

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
)

const DefaultQueueSize = 64

// MainLoop is the host's primary executor: tasks posted to it run one at a
// time on the goroutine that called Run. A task that panics stops the loop
// unless the panic handler calls Resume.
type MainLoop struct {
	tasks chan func()

	mutex     sync.Mutex
	running   bool
	goroutine int64
	resumed   bool
	onPanic   func(*Fault)
}

func NewMainLoop(queueSize int) *MainLoop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &MainLoop{tasks: make(chan func(), queueSize)}
}

// SetPanicHandler installs the function called on the loop goroutine when a task panics
func (l *MainLoop) SetPanicHandler(fn func(*Fault)) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.onPanic = fn
}

// Post queues a task without blocking
func (l *MainLoop) Post(task func()) error {
	if task == nil {
		return errors.NewValidationError("task cannot be nil", nil)
	}
	select {
	case l.tasks <- task:
		return nil
	default:
		return errors.NewConflictError("main loop queue is full", nil).WithContext("capacity", cap(l.tasks))
	}
}

// Run processes tasks until ctx is done or a task panics without being resumed
func (l *MainLoop) Run(ctx context.Context) error {
	l.mutex.Lock()
	if l.running {
		l.mutex.Unlock()
		return errors.NewConflictError("main loop is already running", nil)
	}
	l.running = true
	l.goroutine = goroutineID()
	l.mutex.Unlock()

	defer func() {
		l.mutex.Lock()
		l.running = false
		l.goroutine = 0
		l.mutex.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-l.tasks:
			if fault := l.runTask(task); fault != nil {
				return errors.NewInternalError("main loop task panicked", fault).
					WithContext("goroutine", fault.Goroutine)
			}
		}
	}
}

func (l *MainLoop) runTask(task func()) (crashed *Fault) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		fault := CaptureFault(r, 0)

		l.mutex.Lock()
		l.resumed = false
		handler := l.onPanic
		l.mutex.Unlock()

		if handler != nil {
			handler(fault)
		}

		l.mutex.Lock()
		resumed := l.resumed
		l.mutex.Unlock()
		if !resumed {
			crashed = fault
		}
	}()

	task()
	return nil
}

// Resume keeps the loop running after the task being handled panicked
func (l *MainLoop) Resume() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.resumed = true
}

// IsRunning reports whether Run is active
func (l *MainLoop) IsRunning() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.running
}

// IsCurrent reports whether the caller runs on the loop goroutine
func (l *MainLoop) IsCurrent() bool {
	l.mutex.Lock()
	running, id := l.running, l.goroutine
	l.mutex.Unlock()
	return running && goroutineID() == id
}
