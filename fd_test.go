//go:build linux

package iomgr

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newEventFD(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func threadHasFD(m *IOManager, fd int) int {
	n := 0
	m.threadMu.RLock()
	defer m.threadMu.RUnlock()
	for _, tc := range m.threads {
		tc.fdsMu.Lock()
		if _, ok := tc.fds[fd]; ok {
			n++
		}
		tc.fdsMu.Unlock()
	}
	return n
}

func TestGlobalFDAttachesToEveryThread(t *testing.T) {
	m := New()
	m.Start(0, 2, nil)
	defer m.Stop()
	waitForIOThreads(t, m, 2)

	fd := newEventFD(t)
	info := m.AddFD(m.defaultGeneralIface, fd, func(int, any, uint32) {}, EventRead, DefaultFDPri, nil)
	require.NotNil(t, info)
	assert.True(t, info.IsGlobal())

	assert.Equal(t, 2, threadHasFD(m, fd))
	assert.Same(t, info, m.FDToInfo(fd))

	// Removal restores the prior multiplexer sets and the global map.
	m.RemoveFD(m.defaultGeneralIface, info)
	assert.Equal(t, 0, threadHasFD(m, fd))
	assert.Nil(t, m.FDToInfo(fd))
}

func TestGlobalFDCallbackFiresOnReadiness(t *testing.T) {
	m := New()
	m.Start(0, 1, nil)
	defer m.Stop()
	waitForIOThreads(t, m, 1)

	fired := make(chan uint32, 1)
	fd := newEventFD(t)
	info := m.AddFD(m.defaultGeneralIface, fd, func(gotFD int, cookie any, events uint32) {
		// Drain so level-triggered readiness does not loop.
		var token [8]byte
		unix.Read(gotFD, token[:])
		select {
		case fired <- events:
		default:
		}
	}, EventRead, DefaultFDPri, nil)
	defer m.RemoveFD(m.defaultGeneralIface, info)

	var token [8]byte
	token[0] = 1
	_, err := unix.Write(fd, token[:])
	require.NoError(t, err)

	select {
	case events := <-fired:
		assert.NotZero(t, events&EventRead)
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}
}

func TestFDSelectorFiltersGlobalFDs(t *testing.T) {
	m := New()
	m.Start(0, 1, nil)
	defer m.Stop()
	waitForIOThreads(t, m, 1)

	// A borrowed thread that refuses every global descriptor.
	loopDone := make(chan struct{})
	go func() {
		m.RunIOLoop(false, func(*FDInfo) bool { return false }, nil)
		close(loopDone)
	}()
	waitForIOThreads(t, m, 2)

	fd := newEventFD(t)
	info := m.AddFD(m.defaultGeneralIface, fd, func(int, any, uint32) {}, EventRead, DefaultFDPri, nil)

	assert.Equal(t, 1, threadHasFD(m, fd))

	m.RemoveFD(m.defaultGeneralIface, info)
	m.SendMsg(-1, NewMsg(MsgRelinquishIOThread))
	<-loopDone
}

func TestAddPerThreadFDOutsideIOThreadFails(t *testing.T) {
	m := New()
	m.Start(0, 1, nil)
	defer m.Stop()
	waitForIOThreads(t, m, 1)

	fd := newEventFD(t)
	_, err := m.AddPerThreadFD(m.defaultGeneralIface, fd, nil, EventRead, DefaultFDPri, nil)
	require.Error(t, err)
	e, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeNotIOThread, e.Code)
}

func TestPerThreadFDAttachesToCallingThreadOnly(t *testing.T) {
	m := New()
	m.Start(0, 2, nil)
	defer m.Stop()
	waitForIOThreads(t, m, 2)

	fd := newEventFD(t)
	done := make(chan *FDInfo, 1)
	m.RunInIOThread(func() {
		info, err := m.AddPerThreadFD(m.defaultGeneralIface, fd, func(int, any, uint32) {}, EventRead, DefaultFDPri, nil)
		if err != nil {
			t.Error(err)
		}
		done <- info
	})

	var info *FDInfo
	select {
	case info = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("registration never ran")
	}

	require.NotNil(t, info)
	assert.False(t, info.IsGlobal())
	assert.Equal(t, 1, threadHasFD(m, fd))
	assert.Nil(t, m.FDToInfo(fd), "per-thread descriptors stay out of the global map")
}

func TestRemoveFDOutsideRunningIsNoOp(t *testing.T) {
	m := New()
	m.Start(0, 1, nil)
	waitForIOThreads(t, m, 1)

	fd := newEventFD(t)
	info := m.AddFD(m.defaultGeneralIface, fd, func(int, any, uint32) {}, EventRead, DefaultFDPri, nil)

	m.Stop()
	require.Equal(t, StateStopped, m.State())

	// Protocol violation: logged, nothing happens, no panic.
	m.RemoveFD(m.defaultGeneralIface, info)
	assert.Same(t, info, m.FDToInfo(fd))
}

func TestFDReschedule(t *testing.T) {
	m := New()
	m.Start(0, 2, nil)
	defer m.Stop()
	waitForIOThreads(t, m, 2)

	var calls atomic.Int64
	var gotEvents atomic.Uint32
	fd := newEventFD(t)
	info := m.AddFD(m.defaultGeneralIface, fd, func(_ int, _ any, events uint32) {
		calls.Add(1)
		gotEvents.Store(events)
	}, EventRead, DefaultFDPri, nil)
	defer m.RemoveFD(m.defaultGeneralIface, info)

	m.FDReschedule(info, EventWrite)
	require.Eventually(t, func() bool { return calls.Load() == 1 },
		5*time.Second, time.Millisecond)
	assert.Equal(t, EventWrite, gotEvents.Load())
}
