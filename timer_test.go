//go:build linux

package iomgr

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalTimerRunsOnIOThread(t *testing.T) {
	m := New()
	m.Start(0, 1, nil)
	defer m.Stop()
	waitForIOThreads(t, m, 1)

	fired := make(chan bool, 1)
	tm := m.GlobalTimer()
	require.NotNil(t, tm)
	tm.Schedule(5*time.Millisecond, func() {
		fired <- m.CurrentThreadContext() != nil
	})

	select {
	case onIOThread := <-fired:
		assert.True(t, onIOThread)
	case <-time.After(5 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerCancel(t *testing.T) {
	m := New()
	m.Start(0, 1, nil)
	defer m.Stop()
	waitForIOThreads(t, m, 1)

	var fired atomic.Int64
	tm := m.GlobalTimer()
	id := tm.Schedule(50*time.Millisecond, func() { fired.Add(1) })
	tm.Cancel(id)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), fired.Load())
}

func TestGlobalTimerNulledOnStop(t *testing.T) {
	m := New()
	m.Start(0, 0, nil)
	require.NotNil(t, m.GlobalTimer())
	m.Stop()
	assert.Nil(t, m.GlobalTimer())
}

func TestStoppedTimerRejectsSchedules(t *testing.T) {
	m := New()
	m.Start(0, 1, nil)
	waitForIOThreads(t, m, 1)
	tm := m.GlobalTimer()
	m.Stop()

	assert.Equal(t, uint64(0), tm.Schedule(time.Millisecond, func() {}))
}
