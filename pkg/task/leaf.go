// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package task

// Leaf is a task that performs one unit of work and resolves a future with
// the result.
type Leaf struct {
	Base

	run    func() (interface{}, error)
	future *Future

	// handedOut is guarded by Base.mu; a leaf yields its unit exactly once.
	handedOut bool
}

var _ Task = (*Leaf)(nil)

// NewLeaf creates a leaf task around run. The unit executes run on the
// scheduler goroutine, resolves the future, and marks the task complete.
func NewLeaf(title string, run func() (interface{}, error)) *Leaf {
	l := &Leaf{
		Base:   newBase(title),
		run:    run,
		future: NewFuture(),
	}
	l.self = l
	return l
}

// Future returns the leaf's single-shot result future.
func (l *Leaf) Future() *Future {
	return l.future
}

// TryGetNextTaskUnit returns the leaf's unit the first time it is asked and
// nil thereafter.
func (l *Leaf) TryGetNextTaskUnit() Unit {
	l.mu.Lock()
	if l.handedOut || l.complete || l.crashReason != nil {
		l.mu.Unlock()
		return nil
	}
	l.handedOut = true
	l.mu.Unlock()

	return func() {
		var (
			value interface{}
			err   error
		)
		runWithBulkhead(l, "background thread", func() {
			value, err = l.run()
		})
		if reason := l.CrashReason(); reason != nil {
			err = reason
		}
		l.future.Resolve(value, err)
		l.markComplete()
	}
}
