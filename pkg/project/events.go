// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package project

import (
	"fmt"
	"runtime/debug"
	"sync"

	"k8s.io/klog/v2"
)

// ModelListener is a marker for model event subscribers. A subscriber
// implements whichever of the optional event interfaces below it cares
// about.
type ModelListener interface{}

// ResourceDidInstantiateListener observes new resources.
type ResourceDidInstantiateListener interface {
	ResourceDidInstantiate(r *Resource)
}

// ResourceDidForgetListener observes resource deletion.
type ResourceDidForgetListener interface {
	ResourceDidForget(r *Resource)
}

// RootResourceDidInstantiateListener observes new root resources.
type RootResourceDidInstantiateListener interface {
	RootResourceDidInstantiate(rr *RootResource)
}

// RootResourceDidForgetListener observes root resource deletion.
type RootResourceDidForgetListener interface {
	RootResourceDidForget(rr *RootResource)
}

// ResourceGroupDidInstantiateListener observes new groups.
type ResourceGroupDidInstantiateListener interface {
	ResourceGroupDidInstantiate(g *ResourceGroup)
}

// ResourceGroupDidForgetListener observes group deletion.
type ResourceGroupDidForgetListener interface {
	ResourceGroupDidForget(g *ResourceGroup)
}

// GroupDidAddMemberListener observes a group's cached member list growing.
type GroupDidAddMemberListener interface {
	GroupDidAddMember(g *ResourceGroup, r *Resource)
}

// listenerList is a snapshot-on-fanout subscriber registry. A listener
// removed during fan-out still receives the event in flight but none after.
type listenerList struct {
	mu        sync.Mutex
	listeners []ModelListener
}

func (ll *listenerList) add(l ModelListener) {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	for _, existing := range ll.listeners {
		if existing == l {
			return
		}
	}
	ll.listeners = append(ll.listeners, l)
}

func (ll *listenerList) remove(l ModelListener) {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	for i, existing := range ll.listeners {
		if existing == l {
			ll.listeners = append(ll.listeners[:i], ll.listeners[i+1:]...)
			return
		}
	}
}

func (ll *listenerList) snapshot() []ModelListener {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	out := make([]ModelListener, len(ll.listeners))
	copy(out, ll.listeners)
	return out
}

// notify fans an event out over a snapshot of the subscriber list.
// Listener panics are contained and logged; a broken subscriber must not
// break the model mutation that triggered the event.
func (ll *listenerList) notify(event string, fn func(l ModelListener)) {
	for _, l := range ll.snapshot() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("panic in %s listener: %v", event, r)
					klog.Errorf("main thread: %v\n%s", err, string(debug.Stack()))
				}
			}()
			fn(l)
		}()
	}
}
