// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// klog's flush daemon runs for the process lifetime
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("k8s.io/klog/v2.(*flushDaemon).run.func1"))
}

// drain runs units from t until none is available.
func drain(t Task) {
	for {
		unit := t.TryGetNextTaskUnit()
		if unit == nil {
			return
		}
		unit()
	}
}

func TestLeafYieldsUnitOnce(t *testing.T) {
	leaf := NewLeaf("leaf", func() (interface{}, error) { return 42, nil })

	unit := leaf.TryGetNextTaskUnit()
	require.NotNil(t, unit)
	assert.Nil(t, leaf.TryGetNextTaskUnit(), "second extraction before running must be nil")

	unit()
	assert.True(t, leaf.Complete())
	assert.Nil(t, leaf.TryGetNextTaskUnit())

	value, err, resolved := leaf.Future().Peek()
	require.True(t, resolved)
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestLeafError(t *testing.T) {
	boom := errors.New("boom")
	leaf := NewLeaf("leaf", func() (interface{}, error) { return nil, boom })
	drain(leaf)

	_, err, resolved := leaf.Future().Peek()
	require.True(t, resolved)
	assert.ErrorIs(t, err, boom)
	assert.True(t, leaf.Complete(), "a failed leaf still completes")
	assert.Nil(t, leaf.CrashReason(), "an error return is not a crash")
}

func TestLeafPanicBecomesCrashReason(t *testing.T) {
	leaf := NewLeaf("leaf", func() (interface{}, error) { panic("kaboom") })
	drain(leaf)

	assert.True(t, leaf.Complete())
	require.Error(t, leaf.CrashReason())
	_, err, resolved := leaf.Future().Peek()
	require.True(t, resolved)
	assert.Error(t, err)
}

func TestSequentialOrdering(t *testing.T) {
	var order []string
	mk := func(name string) *Leaf {
		return NewLeaf(name, func() (interface{}, error) {
			order = append(order, name)
			return nil, nil
		})
	}
	c := NewContainer("seq", Sequential, nil)
	c.Append(mk("a"))
	c.Append(mk("b"))
	c.Append(mk("c"))

	drain(c)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 3, c.NumChildrenComplete())
}

func TestSequentialWaitsForIncompleteChild(t *testing.T) {
	// A child container with no runnable unit blocks the turn without
	// letting later siblings run.
	pending := NewContainer("pending", Sequential, nil)
	ran := false
	c := NewContainer("seq", Sequential, nil)
	c.Append(pending)
	c.Append(NewLeaf("later", func() (interface{}, error) {
		ran = true
		return nil, nil
	}))

	assert.Nil(t, c.TryGetNextTaskUnit())
	assert.False(t, ran)
}

func TestRoundRobinFairness(t *testing.T) {
	// Two children, each a sequential container of two leaves. A fair
	// round-robin interleaves them a-b-a-b rather than a-a-b-b.
	var order []string
	mkChain := func(name string) *Container {
		cc := NewContainer(name, Sequential, nil)
		for _, step := range []string{"1", "2"} {
			step := name + step
			cc.Append(NewLeaf(step, func() (interface{}, error) {
				order = append(order, step)
				return nil, nil
			}))
		}
		return cc
	}
	c := NewContainer("rr", RoundRobin, nil)
	c.Append(mkChain("a"))
	c.Append(mkChain("b"))

	drain(c)
	assert.Equal(t, []string{"a1", "b1", "a2", "b2"}, order)
}

type cullDelegate struct {
	c     *Container
	calls int
}

func (d *cullDelegate) ChildDidComplete(Task) {}
func (d *cullDelegate) DidScheduleAllChildren() {
	d.calls++
	d.c.CullCompletedChildren(NewPlaceholder("Done items", nil))
}

func TestRoundRobinCullsOnWrap(t *testing.T) {
	c := NewContainer("rr", RoundRobin, nil)
	d := &cullDelegate{c: c}
	c.SetDelegate(d)
	c.Append(NewLeaf("x", func() (interface{}, error) { return nil, nil }))
	c.Append(NewLeaf("y", func() (interface{}, error) { return nil, nil }))

	drain(c)
	// the wrap after both leaves completed must have culled them
	require.NotZero(t, d.calls)
	children := c.Children()
	require.Len(t, children, 1)
	assert.Equal(t, "Done items", children[0].Title())
	assert.Equal(t, 1, c.NumChildrenComplete())
}

func TestCompletionIsMonotonic(t *testing.T) {
	leaf := NewLeaf("leaf", func() (interface{}, error) { return nil, nil })
	drain(leaf)
	require.True(t, leaf.Complete())
	for i := 0; i < 3; i++ {
		assert.True(t, leaf.Complete())
		assert.Nil(t, leaf.TryGetNextTaskUnit())
	}
}

type recordingListener struct {
	completed []Task
	appended  []Task
	subtitles []string
	childDone []Task
}

func (r *recordingListener) TaskDidComplete(t Task)           { r.completed = append(r.completed, t) }
func (r *recordingListener) TaskDidAppendChild(_, child Task) { r.appended = append(r.appended, child) }
func (r *recordingListener) TaskSubtitleDidChange(t Task) {
	r.subtitles = append(r.subtitles, t.Subtitle())
}
func (r *recordingListener) TaskChildDidComplete(_, child Task) {
	r.childDone = append(r.childDone, child)
}

func TestListenerEvents(t *testing.T) {
	c := NewContainer("c", Sequential, nil)
	rec := &recordingListener{}
	c.AddListener(rec)

	leaf := NewLeaf("leaf", func() (interface{}, error) { return nil, nil })
	c.Append(leaf)
	c.SetSubtitle("working")
	drain(c)

	assert.Equal(t, []Task{leaf}, rec.appended)
	assert.Equal(t, []string{"working"}, rec.subtitles)
	assert.Equal(t, []Task{leaf}, rec.childDone, "container re-emits child completion upward")
}

func TestListenerRegisteredAtMostOnce(t *testing.T) {
	c := NewContainer("c", Sequential, nil)
	rec := &recordingListener{}
	c.AddListener(rec)
	c.AddListener(rec)

	c.SetSubtitle("once")
	assert.Len(t, rec.subtitles, 1)
}

func TestListenerPanicDoesNotPropagate(t *testing.T) {
	leaf := NewLeaf("leaf", func() (interface{}, error) { return nil, nil })
	leaf.AddListener(panickyListener{})
	rec := &recordingListener{}
	leaf.AddListener(rec)

	drain(leaf)
	assert.True(t, leaf.Complete())
	assert.Error(t, leaf.CrashReason())
	assert.Len(t, rec.completed, 1, "later listeners still notified")
}

type panickyListener struct{}

func (panickyListener) TaskDidComplete(Task) { panic("listener bug") }

func TestCrashedContainerStopsProducingWork(t *testing.T) {
	c := NewContainer("c", Sequential, nil)
	c.Append(NewLeaf("leaf", func() (interface{}, error) { return nil, nil }))
	c.markCrashed(errors.New("wedged"))
	assert.Nil(t, c.TryGetNextTaskUnit())
}

func TestPlaceholder(t *testing.T) {
	p := NewPlaceholder("Already downloaded", "value")
	assert.True(t, p.Complete())
	assert.Nil(t, p.TryGetNextTaskUnit())

	// parent assignment is a no-op flyweight behavior
	c := NewContainer("c", Sequential, nil)
	c.Append(p)
	assert.Nil(t, p.Parent())
	assert.Equal(t, 1, c.NumChildrenComplete())

	value, err, resolved := p.Future().Peek()
	require.True(t, resolved)
	require.NoError(t, err)
	assert.Equal(t, "value", value)
}

func TestFutureWaitContext(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.Resolve("done", nil)
	value, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestSchedulerRunsTreeAndExitsOnClose(t *testing.T) {
	root := NewRootTask()
	done := make(chan struct{})
	root.Append(NewLeaf("work", func() (interface{}, error) {
		close(done)
		return nil, nil
	}))
	s := StartScheduler(root)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never ran the leaf unit")
	}

	root.Close()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not exit after root close")
	}
}

func TestSchedulerSurvivesPanickingUnit(t *testing.T) {
	root := NewRootTask()
	bad := NewLeaf("bad", func() (interface{}, error) { panic("unit bug") })
	okDone := make(chan struct{})
	good := NewLeaf("good", func() (interface{}, error) {
		close(okDone)
		return nil, nil
	})
	root.Append(bad)
	root.Append(good)

	s := StartScheduler(root)
	select {
	case <-okDone:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler died on the panicking unit")
	}
	root.Close()
	s.Wait()

	assert.Error(t, bad.CrashReason())
}
