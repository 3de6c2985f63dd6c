package task

import "sync"

// MutationLock serializes task-list mutations through a single dispatcher
// goroutine. Calls are queued in arrival order and each runs to completion
// (including synchronous persistence) before the next begins. A panicking
// call still releases the queue; the panic is re-raised in the caller.
type MutationLock struct {
	queue     chan queuedCall
	closeOnce sync.Once
	closed    chan struct{}
}

type queuedCall struct {
	fn   func()
	done chan any // receives recovered panic value or nil
}

func NewMutationLock() *MutationLock {
	l := &MutationLock{
		queue:  make(chan queuedCall),
		closed: make(chan struct{}),
	}
	go l.dispatch()
	return l
}

func (l *MutationLock) dispatch() {
	for {
		select {
		case <-l.closed:
			return
		case c := <-l.queue:
			c.done <- runCall(c.fn)
		}
	}
}

func runCall(fn func()) (recovered any) {
	defer func() { recovered = recover() }()
	fn()
	return nil
}

// Do runs fn holding the lock and blocks until it finished.
// After Close, Do runs fn inline; by then the owner is single-threaded.
func (l *MutationLock) Do(fn func()) {
	done := make(chan any, 1)
	select {
	case l.queue <- queuedCall{fn: fn, done: done}:
		if p := <-done; p != nil {
			panic(p)
		}
	case <-l.closed:
		fn()
	}
}

// Close stops the dispatcher. Pending callers racing Close fall back to
// inline execution.
func (l *MutationLock) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
}
