//go:build linux

package iomgr

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastZeroThreadsReturnsZero(t *testing.T) {
	m := New()
	m.Start(0, 0, nil)
	defer m.Stop()

	assert.Equal(t, 0, m.SendMsg(-1, NewMsg(MsgWakeup)))
}

func TestSendMsgTargetedAndBroadcast(t *testing.T) {
	m := New()
	m.Start(0, 2, nil)
	defer m.Stop()
	waitForIOThreads(t, m, 2)

	assert.Equal(t, 2, m.SendMsg(-1, NewMsg(MsgWakeup)))

	var nums []int
	m.threadMu.RLock()
	for num := range m.threads {
		nums = append(nums, num)
	}
	m.threadMu.RUnlock()
	require.Len(t, nums, 2)

	assert.Equal(t, 1, m.SendMsg(nums[0], NewMsg(MsgWakeup)))
	assert.Equal(t, 0, m.SendMsg(nums[0]+nums[1]+1, NewMsg(MsgWakeup)))
}

func TestRunInIOThreadExecutesOnIOThread(t *testing.T) {
	m := New()
	m.Start(0, 1, nil)
	defer m.Stop()
	waitForIOThreads(t, m, 1)

	ch := make(chan bool, 1)
	m.RunInIOThread(func() {
		ch <- m.CurrentThreadContext() != nil
	})

	select {
	case onIOThread := <-ch:
		assert.True(t, onIOThread)
	case <-time.After(5 * time.Second):
		t.Fatal("RunInIOThread callback never ran")
	}
}

func TestLeastBusyRouting(t *testing.T) {
	m := New()
	m.Start(0, 2, nil)
	defer m.Stop()
	waitForIOThreads(t, m, 2)

	// Skew the load: one thread looks busy, the other nearly idle.
	var busy, idle *ThreadContext
	m.threadMu.RLock()
	for _, tc := range m.threads {
		if busy == nil {
			busy = tc
		} else {
			idle = tc
		}
	}
	m.threadMu.RUnlock()
	require.NotNil(t, idle)

	busy.metrics.IOCount.Store(100)
	idle.metrics.IOCount.Store(10)

	done := make(chan int, 1)
	m.RunInIOThread(func() {
		done <- m.CurrentThreadContext().ThreadNum()
	})

	select {
	case num := <-done:
		assert.Equal(t, idle.ThreadNum(), num)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never ran")
	}

	// Processing the message bumped the idle thread's counter.
	assert.Greater(t, idle.metrics.IOCount.Load(), uint64(10))
}

func TestEachMessageHandledExactlyOnce(t *testing.T) {
	m := New()
	m.Start(0, 1, nil)
	defer m.Stop()
	waitForIOThreads(t, m, 1)

	const n = 50
	var ran atomic.Int64
	for i := 0; i < n; i++ {
		m.RunInIOThread(func() { ran.Add(1) })
	}

	require.Eventually(t, func() bool { return ran.Load() == n },
		5*time.Second, time.Millisecond)
	// No duplicate deliveries show up afterwards.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(n), ran.Load())
}

func TestWakeupGoesToCommonHandler(t *testing.T) {
	var got atomic.Int64
	handler := func(msg *Msg) {
		if msg.Type == MsgWakeup {
			got.Add(1)
		}
	}

	m := New()
	m.Start(0, 1, handler)
	defer m.Stop()
	waitForIOThreads(t, m, 1)

	require.Equal(t, 1, m.SendMsg(-1, NewMsg(MsgWakeup)))
	require.Eventually(t, func() bool { return got.Load() == 1 },
		5*time.Second, time.Millisecond)
}

func TestPerThreadHandlerOverridesCommon(t *testing.T) {
	var common, override atomic.Int64

	m := New()
	m.Start(0, 0, func(*Msg) { common.Add(1) })
	defer m.Stop()

	loopDone := make(chan struct{})
	go func() {
		m.RunIOLoop(false, nil, func(*Msg) { override.Add(1) })
		close(loopDone)
	}()
	waitForIOThreads(t, m, 1)

	m.SendMsg(-1, NewMsg(MsgWakeup))
	require.Eventually(t, func() bool { return override.Load() == 1 },
		5*time.Second, time.Millisecond)
	assert.Equal(t, int64(0), common.Load())

	m.SendMsg(-1, NewMsg(MsgRelinquishIOThread))
	<-loopDone
}
