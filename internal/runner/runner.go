// Package runner provides the serial command executor all coordination
// components share. Dialog replies and alarm callbacks arriving from
// arbitrary goroutines are posted here so that manager state is only ever
// mutated from one goroutine.
package runner

import (
	"sync"
)

// Poster accepts work to run on the command goroutine. Post reports false
// when the executor has been closed and the task was dropped.
type Poster interface {
	Post(f func()) bool
}

// SerialExecutor runs posted tasks one at a time on a dedicated goroutine,
// in posting order.
type SerialExecutor struct {
	mu     sync.Mutex
	tasks  chan func()
	closed bool
	done   chan struct{}
}

const defaultQueueDepth = 128

// NewSerialExecutor starts the command goroutine and returns the executor.
func NewSerialExecutor() *SerialExecutor {
	e := &SerialExecutor{
		tasks: make(chan func(), defaultQueueDepth),
		done:  make(chan struct{}),
	}
	go e.loop()
	return e
}

func (e *SerialExecutor) loop() {
	defer close(e.done)
	for f := range e.tasks {
		f()
	}
}

// Post enqueues f for execution. Blocks if the queue is full rather than
// dropping work; ordering is FIFO.
func (e *SerialExecutor) Post(f func()) bool {
	if f == nil {
		return false
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	// Holding the lock while sending keeps Close from racing the channel
	// close; the queue is large relative to posting bursts.
	e.tasks <- f
	e.mu.Unlock()
	return true
}

// Close stops accepting tasks, drains those already queued, and waits for
// the command goroutine to exit. Safe to call more than once.
func (e *SerialExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()
	<-e.done
}

// Inline is a Poster that runs tasks synchronously on the calling goroutine.
// Unit tests use it to keep scenarios deterministic and single-threaded.
type Inline struct{}

func (Inline) Post(f func()) bool {
	if f == nil {
		return false
	}
	f()
	return true
}
