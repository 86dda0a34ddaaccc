//go:build linux

package iomgr

import (
	"sync"
	"time"
)

// Timer schedules callbacks onto io threads. The manager owns a global
// instance routed to the least busy thread; each reactor owns one routed
// to itself. Callbacks run inline on the target reactor thread and must
// follow the cooperative rules of any reactor callback.
type Timer struct {
	mu       sync.Mutex
	stopped  bool
	nextID   uint64
	pending  map[uint64]*time.Timer
	dispatch func(fn RunMethod)
}

func newGlobalTimer(m *IOManager) *Timer {
	return &Timer{
		pending:  make(map[uint64]*time.Timer),
		dispatch: func(fn RunMethod) { m.RunInIOThread(fn) },
	}
}

func newThreadTimer(t *ThreadContext) *Timer {
	return &Timer{
		pending: make(map[uint64]*time.Timer),
		dispatch: func(fn RunMethod) {
			t.mgr.SendMsg(t.threadNum, runMethodMsg(fn))
		},
	}
}

// Schedule arranges for fn to run on an io thread after d. The returned id
// can cancel the timer before it fires.
func (tm *Timer) Schedule(d time.Duration, fn RunMethod) uint64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.stopped {
		return 0
	}
	tm.nextID++
	id := tm.nextID
	tm.pending[id] = time.AfterFunc(d, func() {
		tm.mu.Lock()
		_, live := tm.pending[id]
		delete(tm.pending, id)
		stopped := tm.stopped
		tm.mu.Unlock()
		if live && !stopped {
			tm.dispatch(fn)
		}
	})
	return id
}

// Cancel drops a scheduled callback if it has not fired yet.
func (tm *Timer) Cancel(id uint64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if t, ok := tm.pending[id]; ok {
		t.Stop()
		delete(tm.pending, id)
	}
}

// Stop cancels everything still pending; the timer accepts no further
// schedules.
func (tm *Timer) Stop() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.stopped = true
	for id, t := range tm.pending {
		t.Stop()
		delete(tm.pending, id)
	}
}
