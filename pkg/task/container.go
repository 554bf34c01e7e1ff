// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package task

import "k8s.io/klog/v2"

// Style is a container task's policy for interleaving its children.
type Style int

const (
	// Sequential processes child 0 to completion, then child 1, and so on.
	Sequential Style = iota
	// RoundRobin hands out one unit per child per pass.
	RoundRobin
)

// Delegate receives the container's structural events. Concrete pipeline
// tasks implement it to drive their state machines.
type Delegate interface {
	// ChildDidComplete runs after numComplete is updated and before the
	// event is re-emitted upward.
	ChildDidComplete(child Task)
}

// SchedulingDelegate is an optional extension invoked when a round-robin
// pass wraps without extracting a unit. The container may cull or reorder
// children here, invalidating indices.
type SchedulingDelegate interface {
	DidScheduleAllChildren()
}

// Container is a task whose work is delegated to child tasks.
type Container struct {
	Base

	style       Style
	delegate    Delegate
	children    []Task
	numComplete int
	cursor      int
}

var _ Task = (*Container)(nil)

// NewContainer creates a container task. delegate may be nil.
func NewContainer(title string, style Style, delegate Delegate) *Container {
	c := &Container{
		Base:     newBase(title),
		style:    style,
		delegate: delegate,
	}
	c.self = c
	return c
}

// SetDelegate attaches the delegate after construction. Needed by concrete
// tasks that embed a Container and cannot reference themselves before it
// exists.
func (c *Container) SetDelegate(delegate Delegate) {
	c.mu.Lock()
	c.delegate = delegate
	c.mu.Unlock()
}

// Children returns a snapshot of the child list.
func (c *Container) Children() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, len(c.children))
	copy(out, c.children)
	return out
}

// NumChildrenComplete returns the count of complete children.
func (c *Container) NumChildrenComplete() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numComplete
}

// Append adds child at the end of the child list, adopts it, and subscribes
// the container to its events. Appending to a complete container is a
// programming error and panics.
func (c *Container) Append(child Task) {
	if c.Complete() {
		panic("task: append to a complete container")
	}
	c.mu.Lock()
	c.children = append(c.children, child)
	if child.Complete() {
		c.numComplete++
	}
	c.mu.Unlock()

	child.setParent(c.self)
	child.AddListener(c)
	c.notify(func(l Listener) {
		if al, ok := l.(AppendChildListener); ok {
			al.TaskDidAppendChild(c.self, child)
		}
	})
	// A pre-completed child (placeholder) never fires TaskDidComplete, so
	// the delegate hears about it here.
	if child.Complete() {
		c.childDidComplete(child)
	}
}

// TaskDidComplete implements CompleteListener for the container's children.
func (c *Container) TaskDidComplete(child Task) {
	c.mu.Lock()
	found := false
	for _, existing := range c.children {
		if existing == child {
			found = true
			break
		}
	}
	if found {
		c.numComplete++
	}
	c.mu.Unlock()
	if !found {
		// completion of an already-culled child; nothing to track
		return
	}
	c.childDidComplete(child)
}

func (c *Container) childDidComplete(child Task) {
	c.mu.Lock()
	delegate := c.delegate
	c.mu.Unlock()
	if delegate != nil {
		runWithBulkhead(c.self, "bulkhead", func() {
			delegate.ChildDidComplete(child)
		})
	}
	c.notify(func(l Listener) {
		if cl, ok := l.(ChildCompleteListener); ok {
			cl.TaskChildDidComplete(c.self, child)
		}
	})
}

// Finish marks the container complete. Called by delegates when their state
// machine is done.
func (c *Container) Finish() {
	c.markComplete()
}

// CullCompletedChildren removes complete children, optionally replacing
// them with summary, and notifies TaskDidClearChildren. Indices held by
// callers are invalidated.
func (c *Container) CullCompletedChildren(summary Task) {
	c.mu.Lock()
	kept := c.children[:0]
	removed := 0
	for _, child := range c.children {
		if child.Complete() {
			removed++
		} else {
			kept = append(kept, child)
		}
	}
	if removed == 0 {
		c.mu.Unlock()
		return
	}
	c.children = kept
	c.numComplete -= removed
	if summary != nil {
		c.children = append([]Task{summary}, c.children...)
		c.numComplete++
		summary.setParent(c.self)
	}
	if c.cursor > len(c.children) {
		c.cursor = 0
	}
	c.mu.Unlock()

	klog.V(6).Infof("task: %q culled %d completed children", c.title, removed)
	c.notify(func(l Listener) {
		if cl, ok := l.(ClearChildrenListener); ok {
			cl.TaskDidClearChildren(c.self)
		}
	})
}

// ResetCursor rewinds the round-robin cursor. The scheduler uses this when
// recovering from a scheduling failure.
func (c *Container) ResetCursor() {
	c.mu.Lock()
	c.cursor = 0
	c.mu.Unlock()
}

// TryGetNextTaskUnit extracts the next unit of work from the children,
// honoring the container's scheduling style.
func (c *Container) TryGetNextTaskUnit() Unit {
	if c.Complete() || c.CrashReason() != nil {
		return nil
	}
	switch c.style {
	case Sequential:
		return c.nextSequentialUnit()
	default:
		return c.nextRoundRobinUnit()
	}
}

func (c *Container) nextSequentialUnit() Unit {
	for _, child := range c.Children() {
		if child.Complete() {
			continue
		}
		// first non-complete child gets the turn, unit or not
		return child.TryGetNextTaskUnit()
	}
	return nil
}

func (c *Container) nextRoundRobinUnit() Unit {
	unit, wrapped := c.roundRobinPass()
	if unit != nil {
		return unit
	}
	if wrapped {
		c.mu.Lock()
		delegate := c.delegate
		c.mu.Unlock()
		if sd, ok := delegate.(SchedulingDelegate); ok {
			runWithBulkhead(c.self, "bulkhead", func() {
				sd.DidScheduleAllChildren()
			})
		}
		// one retry after the cull hook; children may have changed
		unit, _ = c.roundRobinPass()
	}
	return unit
}

// roundRobinPass offers one slot to each child starting at the cursor.
// wrapped is true when a full pass found nothing.
func (c *Container) roundRobinPass() (Unit, bool) {
	children, start := c.childrenAndCursor()
	n := len(children)
	if n == 0 {
		return nil, true
	}
	for i := 0; i < n; i++ {
		pos := (start + i) % n
		child := children[pos]
		if child.Complete() {
			continue
		}
		if unit := child.TryGetNextTaskUnit(); unit != nil {
			c.setCursor((pos + 1) % n)
			return unit, false
		}
	}
	return nil, true
}

func (c *Container) childrenAndCursor() ([]Task, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Task, len(c.children))
	copy(out, c.children)
	start := c.cursor
	if start >= len(out) {
		start = 0
	}
	return out, start
}

func (c *Container) setCursor(pos int) {
	c.mu.Lock()
	c.cursor = pos
	c.mu.Unlock()
}
