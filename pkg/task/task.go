// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package task implements the tree of long-running operations that drives
// downloading, and the single-cursor scheduler that walks it.
package task

import (
	"fmt"
	"runtime/debug"
	"sync"

	"k8s.io/klog/v2"
)

// Unit is the smallest chunk of scheduler work, extracted from a leaf task.
// It may run on any goroutine and is expected to block only for one short
// step (one HTTP request, one parse, one DB insert).
type Unit func()

// Task is a node in the task tree.
type Task interface {
	// Title is immutable for the task's lifetime.
	Title() string
	Subtitle() string
	SetSubtitle(s string)

	// Complete is monotonic: once true it never reverts.
	Complete() bool

	Parent() Task
	Children() []Task

	// TryGetNextTaskUnit extracts one unit of work, or nil when the task
	// has nothing runnable right now.
	TryGetNextTaskUnit() Unit

	AddListener(l Listener)
	RemoveListener(l Listener)

	// CrashReason is non-nil after an uncaught failure inside the task's
	// unit, a listener callback, or a scheduling step. A crashed task
	// stops producing work.
	CrashReason() error
	markCrashed(reason error)

	setParent(p Task)
}

// Base carries the state common to every task variant.
type Base struct {
	// self is the Task this Base belongs to; events are emitted with this
	// identity.
	self  Task
	title string

	mu          sync.Mutex
	subtitle    string
	complete    bool
	parent      Task
	listeners   []Listener
	crashReason error
}

func newBase(title string) Base {
	return Base{title: title}
}

func (b *Base) Title() string { return b.title }

func (b *Base) Subtitle() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subtitle
}

func (b *Base) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete
}

func (b *Base) Parent() Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parent
}

// setParent records the most recent parent only.
func (b *Base) setParent(p Task) {
	b.mu.Lock()
	b.parent = p
	b.mu.Unlock()
}

func (b *Base) Children() []Task { return nil }

// AddListener registers l for this task's events. A listener registers at
// most once; re-adding is a no-op.
func (b *Base) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.listeners {
		if existing == l {
			return
		}
	}
	b.listeners = append(b.listeners, l)
}

func (b *Base) RemoveListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// snapshotListeners copies the listener list so that removal during fan-out
// cannot corrupt the iteration.
func (b *Base) snapshotListeners() []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Listener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

func (b *Base) CrashReason() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.crashReason
}

func (b *Base) markCrashed(reason error) {
	b.mu.Lock()
	if b.crashReason == nil {
		b.crashReason = reason
	}
	b.mu.Unlock()
}

// notify runs fn for every registered listener, capturing listener panics
// as the task's crash reason.
func (b *Base) notify(fn func(l Listener)) {
	for _, l := range b.snapshotListeners() {
		runWithBulkhead(b.self, "listener", func() { fn(l) })
	}
}

// SetSubtitle updates the advertised subtitle and notifies listeners.
func (b *Base) SetSubtitle(s string) {
	b.mu.Lock()
	changed := b.subtitle != s
	b.subtitle = s
	b.mu.Unlock()
	if !changed {
		return
	}
	b.notify(func(l Listener) {
		if sl, ok := l.(SubtitleListener); ok {
			sl.TaskSubtitleDidChange(b.self)
		}
	})
}

// markComplete flips the complete flag and notifies listeners. Idempotent.
func (b *Base) markComplete() {
	b.mu.Lock()
	if b.complete {
		b.mu.Unlock()
		return
	}
	b.complete = true
	b.mu.Unlock()
	b.notify(func(l Listener) {
		if cl, ok := l.(CompleteListener); ok {
			cl.TaskDidComplete(b.self)
		}
	})
}

// runWithBulkhead invokes fn, converting a panic into the task's crash
// reason instead of letting it escape. The scheduler must keep operating
// after any individual task crashes.
func runWithBulkhead(t Task, subsystem string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Errorf("panic in %s: %v", subsystem, r)
			if t != nil {
				t.markCrashed(reason)
				klog.Errorf("%s: task %q crashed: %v\n%s", subsystem, t.Title(), reason, string(debug.Stack()))
			} else {
				klog.Errorf("%s: %v\n%s", subsystem, reason, string(debug.Stack()))
			}
		}
	}()
	fn()
}
