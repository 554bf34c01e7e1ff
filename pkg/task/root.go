// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package task

// RootTask is the container at the top of a project's task tree. It
// round-robins over the top-level tasks and never completes on its own;
// only Close finishes it, which in turn stops the scheduler.
type RootTask struct {
	*Container
}

// NewRootTask creates an empty root task.
func NewRootTask() *RootTask {
	r := &RootTask{}
	r.Container = NewContainer("Root", RoundRobin, rootDelegate{root: r})
	return r
}

// Close finishes the root task. The scheduler observes completion on its
// next pass and exits.
func (r *RootTask) Close() {
	r.Finish()
}

// rootDelegate culls completed top-level tasks so the tree does not grow
// without bound across a long session.
type rootDelegate struct {
	root *RootTask
}

func (d rootDelegate) ChildDidComplete(Task) {}

func (d rootDelegate) DidScheduleAllChildren() {
	d.root.CullCompletedChildren(nil)
}
