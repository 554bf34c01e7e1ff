// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package download

import (
	"sync"

	"k8s.io/klog/v2"
)

// Caffeination prevents the machine from idling to sleep while long group
// downloads run. Claims are reference-counted so nested groups compose;
// the platform hook is a no-op where no inhibitor is available.
var caffeine caffeineState

type caffeineState struct {
	mu    sync.Mutex
	count int
}

func (c *caffeineState) acquire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if c.count == 1 {
		klog.V(6).Info("download: asserting idle-sleep inhibitor")
		platformInhibitSleep(true)
	}
}

func (c *caffeineState) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return
	}
	c.count--
	if c.count == 0 {
		klog.V(6).Info("download: releasing idle-sleep inhibitor")
		platformInhibitSleep(false)
	}
}

// platformInhibitSleep is the per-OS hook. The portable build has nothing
// to call; desktop builds wire systemd-inhibit / IOPMAssertion here.
func platformInhibitSleep(bool) {}
