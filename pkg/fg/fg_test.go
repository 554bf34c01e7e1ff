// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

package fg

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// klog's flush daemon runs for the process lifetime
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("k8s.io/klog/v2.(*flushDaemon).run.func1"))
}

func TestCallAndWaitReturnsValue(t *testing.T) {
	e := NewExecutor()
	defer e.Close()

	v, err := e.CallAndWait(func() (interface{}, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestCallAndWaitReturnsError(t *testing.T) {
	e := NewExecutor()
	defer e.Close()

	boom := errors.New("boom")
	_, err := e.CallAndWait(func() (interface{}, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestCallsRunInSubmissionOrder(t *testing.T) {
	e := NewExecutor()

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 50; i++ {
		i := i
		e.CallLater(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	e.Close()

	require.Len(t, order, 50)
	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

func TestPanicInCallAndWaitBecomesError(t *testing.T) {
	e := NewExecutor()
	defer e.Close()

	_, err := e.CallAndWait(func() (interface{}, error) { panic("bug") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	// the executor survives
	v, err := e.CallAndWait(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestPanicInCallLaterDoesNotKillExecutor(t *testing.T) {
	e := NewExecutor()
	defer e.Close()

	e.CallLater(func() { panic("bug") })
	v, err := e.CallAndWait(func() (interface{}, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCallAfterCloseFails(t *testing.T) {
	e := NewExecutor()
	e.Close()

	_, err := e.CallAndWait(func() (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)

	// fire-and-forget after close is dropped, not a panic
	e.CallLater(func() {})
}

func TestCloseIsIdempotent(t *testing.T) {
	e := NewExecutor()
	e.Close()
	e.Close()
}

func TestCloseDrainsQueuedCalls(t *testing.T) {
	e := NewExecutor()
	ran := false
	e.CallLater(func() { ran = true })
	e.Close()
	assert.True(t, ran)
}
