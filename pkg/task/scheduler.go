// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"time"

	"k8s.io/klog/v2"
)

const (
	// idleSleep is how long the scheduler rests when the tree has no
	// runnable unit but is not complete.
	idleSleep = 100 * time.Millisecond
	// faultSleep is the back-off after a failure inside unit extraction,
	// so a broken container cannot hot-spin the scheduler.
	faultSleep = 1 * time.Second
)

// Scheduler is the single background driver of a project's task tree.
// Exactly one scheduler goroutine exists per project; leaf units run on it
// one at a time, so ordering follows the tree's scheduling styles.
type Scheduler struct {
	root *RootTask
	done chan struct{}

	// sleep is replaceable in tests
	sleep func(time.Duration)
}

// StartScheduler launches the scheduler goroutine for root.
func StartScheduler(root *RootTask) *Scheduler {
	s := &Scheduler{
		root:  root,
		done:  make(chan struct{}),
		sleep: time.Sleep,
	}
	go s.run()
	return s
}

// Wait blocks until the scheduler goroutine has exited. The root task must
// be closed first or Wait blocks indefinitely.
func (s *Scheduler) Wait() {
	<-s.done
}

// Done returns a channel closed when the scheduler exits.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) run() {
	defer close(s.done)
	klog.V(6).Info("scheduler: started")
	for {
		unit, ok := s.tryGetUnit()
		if !ok {
			// extraction failed; rest and rewind the cursor
			s.root.ResetCursor()
			s.sleep(faultSleep)
			continue
		}
		if unit == nil {
			if s.root.Complete() {
				klog.V(6).Info("scheduler: root task complete, exiting")
				return
			}
			s.sleep(idleSleep)
			continue
		}
		// Units block the scheduler until they finish. Intentional: a unit
		// yields only after a complete short step. Leaf units capture their
		// own panics; this recover is the outer belt and does not attribute
		// the failure to the root task.
		runWithBulkhead(nil, "background thread", unit)
	}
}

// tryGetUnit extracts the next unit, reporting ok=false when the
// extraction step itself failed.
func (s *Scheduler) tryGetUnit() (unit Unit, ok bool) {
	ok = true
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("bulkhead: scheduling step failed: %v", r)
			unit, ok = nil, false
		}
	}()
	unit = s.root.TryGetNextTaskUnit()
	return unit, ok
}
