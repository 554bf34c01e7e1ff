// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package fg serializes model mutations onto a single "foreground"
// goroutine. Background goroutines hand closures to the executor instead of
// touching shared state directly.
package fg

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"k8s.io/klog/v2"
)

const callQueueSize = 128

// ErrClosed is returned by CallAndWait after the executor stopped accepting work.
var ErrClosed = errors.New("fg: executor closed")

// Executor runs submitted closures one at a time, in submission order,
// on a dedicated goroutine.
type Executor struct {
	calls chan call

	closeMux sync.Once
	closed   chan struct{}
	drained  chan struct{}
}

type call struct {
	fn func() (interface{}, error)
	// nil for fire-and-forget calls
	result chan callResult
}

type callResult struct {
	value interface{}
	err   error
}

// NewExecutor starts the foreground goroutine.
func NewExecutor() *Executor {
	e := &Executor{
		calls:   make(chan call, callQueueSize),
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.drained)
	for c := range e.calls {
		e.invoke(c)
	}
}

func (e *Executor) invoke(c call) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in foreground call: %v", r)
			klog.Errorf("main thread: %v\n%s", err, string(debug.Stack()))
			if c.result != nil {
				c.result <- callResult{err: err}
			}
		}
	}()
	value, err := c.fn()
	if c.result != nil {
		c.result <- callResult{value: value, err: err}
	}
}

// CallLater submits fn for execution and returns immediately.
// Submissions after Close are dropped.
func (e *Executor) CallLater(fn func()) {
	defer func() {
		if recover() != nil {
			// submission raced with Close; the call is dropped
			klog.V(6).Info("fg: dropping call submitted after close")
		}
	}()
	c := call{fn: func() (interface{}, error) {
		fn()
		return nil, nil
	}}
	select {
	case <-e.closed:
		klog.V(6).Info("fg: dropping call submitted after close")
	case e.calls <- c:
	}
}

// CallAndWait runs fn on the foreground goroutine and blocks until it
// returns. Safe to call from the foreground goroutine itself is NOT
// supported; callers on the foreground goroutine must invoke fn directly.
func (e *Executor) CallAndWait(fn func() (interface{}, error)) (value interface{}, err error) {
	defer func() {
		if recover() != nil {
			value, err = nil, ErrClosed
		}
	}()
	c := call{fn: fn, result: make(chan callResult, 1)}
	select {
	case <-e.closed:
		return nil, ErrClosed
	case e.calls <- c:
	}
	r := <-c.result
	return r.value, r.err
}

// Close stops accepting new calls, runs the ones already queued, and waits
// for the foreground goroutine to exit.
func (e *Executor) Close() {
	e.closeMux.Do(func() {
		close(e.closed)
		close(e.calls)
	})
	<-e.drained
}
