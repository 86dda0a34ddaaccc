//go:build linux

package iomgr

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/iomgr-dev/iomgr/internal/logging"
	"github.com/iomgr-dev/iomgr/internal/msgqueue"
)

// ThreadContext is the per-thread reactor: a single-threaded cooperative
// event loop multiplexing user descriptors and the thread's message
// eventfd. All callbacks run inline on the owning thread.
//
// Fields are mutated only by the owning thread, with two exceptions: other
// threads enqueue messages and write wakeup tokens, and the manager reads
// the io count for load balancing.
type ThreadContext struct {
	mgr *IOManager
	log *logging.Logger

	epfd      int
	tid       int
	threadNum int
	msgFDInfo *FDInfo
	msgQ      *msgqueue.Queue
	metrics   *ThreadMetrics
	timer     *Timer

	isIOThread    atomic.Bool
	keepRunning   atomic.Bool
	isIOMgrThread bool

	fdSelector FDSelector
	msgHandler MsgHandler // overrides the manager's common handler

	fdsMu sync.Mutex
	fds   map[int]*FDInfo // descriptors currently attached to this reactor
}

func newThreadContext(m *IOManager) *ThreadContext {
	num := int(m.nextThreadNum.Add(1) - 1)
	return &ThreadContext{
		mgr:       m,
		log:       logging.Default().WithThread(num),
		epfd:      -1,
		threadNum: num,
		msgQ:      msgqueue.New(MsgQueueDepth),
		metrics:   &ThreadMetrics{},
		fds:       make(map[int]*FDInfo),
	}
}

// ThreadNum returns the stable, unique reactor number.
func (t *ThreadContext) ThreadNum() int { return t.threadNum }

// Manager returns the owning I/O manager.
func (t *ThreadContext) Manager() *IOManager { return t.mgr }

// Metrics returns the per-thread counters.
func (t *ThreadContext) Metrics() *ThreadMetrics { return t.metrics }

// Timer returns the thread-local timer, nil before the loop starts.
func (t *ThreadContext) Timer() *Timer { return t.timer }

// IsIOThread reports whether the thread is currently inside the event
// loop protocol.
func (t *ThreadContext) IsIOThread() bool { return t.isIOThread.Load() }

// run pins the goroutine to an OS thread, initializes the reactor,
// reports to the manager, and enters the event loop. It returns after the
// loop has exited and every interface observed the stop.
func (t *ThreadContext) run(isIOMgrThread bool, selector FDSelector, handler MsgHandler) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	t.isIOMgrThread = isIOMgrThread
	t.fdSelector = selector
	t.msgHandler = handler
	t.tid = unix.Gettid()

	t.mgr.registerThread(t)
	defer t.mgr.unregisterThread(t)

	if err := t.iothreadInit(); err != nil {
		t.log.Critical("io thread initialization failed", "error", err)
		return
	}
	t.mgr.ioThreadStarted(t)

	t.listen()

	t.iothreadTeardown()
	t.mgr.ioThreadStopped()
}

func (t *ThreadContext) iothreadInit() error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return newError("epoll_create1", ErrCodeKernel, err)
	}
	t.epfd = epfd

	msgfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		t.epfd = -1
		return newError("eventfd", ErrCodeKernel, err)
	}

	// Level-triggered read interest: a partial drain re-arms it.
	t.msgFDInfo = newFDInfo(nil, msgfd, nil, EventRead, 1, nil)
	if err := t.addFDToThread(t.msgFDInfo); err != nil {
		unix.Close(msgfd)
		unix.Close(epfd)
		t.epfd = -1
		t.msgFDInfo = nil
		return err
	}

	t.keepRunning.Store(true)
	t.isIOThread.Store(true)
	t.timer = newThreadTimer(t)

	t.log.Info("io thread starting", "msg_fd", msgfd, "iomgr_thread", t.isIOMgrThread)

	t.mgr.ForEachInterface(func(iface IOInterface) {
		iface.OnIOThreadStart(t)
	})

	// Pick up every global descriptor this thread's selector accepts.
	t.mgr.ForEachFDInfo(func(info *FDInfo) {
		if t.isFDAddable(info) {
			if err := t.addFDToThread(info); err != nil {
				t.log.WithError(err).Error("could not attach global descriptor", "fd", info.FD)
			}
		}
	})
	return nil
}

// listen is the event loop. One iteration blocks on the multiplexer, then
// dispatches every ready descriptor; the message descriptor is drained
// fully before user descriptors are considered ready again.
func (t *ThreadContext) listen() {
	events := make([]unix.EpollEvent, EpollMaxEvents)
	for t.keepRunning.Load() {
		n, err := unix.EpollWait(t.epfd, events, EpollTimeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			t.log.WithError(err).Error("epoll_wait failed, leaving io loop")
			t.keepRunning.Store(false)
			break
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if t.msgFDInfo != nil && fd == t.msgFDInfo.FD {
				t.onMsgFDNotification()
				continue
			}

			t.fdsMu.Lock()
			info := t.fds[fd]
			t.fdsMu.Unlock()
			if info == nil {
				// Removed between readiness and dispatch.
				continue
			}
			t.metrics.IOCount.Add(1)
			t.onUserFDNotification(info, events[i].Events&(EventRead|EventWrite|EventError|EventHangup))
		}
	}
}

// onMsgFDNotification drains the wakeup token and then the message queue.
func (t *ThreadContext) onMsgFDNotification() {
	var token [8]byte
	if _, err := unix.Read(t.msgFDInfo.FD, token[:]); err != nil && err != unix.EAGAIN {
		t.log.WithError(err).Error("message eventfd read failed")
	}

	for {
		v, ok := t.msgQ.TryGet()
		if !ok {
			return
		}
		msg := v.(Msg)
		t.metrics.MsgRecvdCount.Add(1)
		t.metrics.IOCount.Add(1)
		t.handleMsg(&msg)
	}
}

func (t *ThreadContext) handleMsg(msg *Msg) {
	switch msg.Type {
	case MsgRelinquishIOThread:
		t.iothreadStop()
	case MsgReschedule:
		t.metrics.RescheduledIn.Add(1)
		if msg.FDInfo != nil {
			t.onUserFDNotification(msg.FDInfo, msg.Event)
		}
	case MsgRunMethod:
		if msg.Fn != nil {
			fn := msg.Fn
			msg.Fn = nil
			fn()
		}
	case MsgWakeup:
		if h := t.handler(); h != nil {
			h(msg)
		}
	default:
		if h := t.handler(); h != nil {
			h(msg)
			return
		}
		panic(fmt.Sprintf("iomgr: thread %d received unhandled message type %d", t.threadNum, msg.Type))
	}
}

func (t *ThreadContext) handler() MsgHandler {
	if t.msgHandler != nil {
		return t.msgHandler
	}
	return t.mgr.commonMsgHandler
}

// onUserFDNotification dispatches one readiness event to the descriptor's
// callback, serializing per direction.
func (t *ThreadContext) onUserFDNotification(info *FDInfo, events uint32) {
	if !info.beginProcessing(events) {
		return
	}
	defer info.endProcessing(events)
	if info.cb != nil {
		info.cb(info.FD, info.cookie, events)
	}
}

// addFDToThread attaches the descriptor to this reactor's multiplexer.
// Safe to call from other threads; epoll_ctl serializes in the kernel.
func (t *ThreadContext) addFDToThread(info *FDInfo) error {
	ev := unix.EpollEvent{Events: info.Events, Fd: int32(info.FD)}
	if err := unix.EpollCtl(t.epfd, unix.EPOLL_CTL_ADD, info.FD, &ev); err != nil {
		e := newError("epoll_ctl_add", ErrCodeKernel, err)
		e.Thread = t.threadNum
		e.FD = info.FD
		return e
	}
	t.fdsMu.Lock()
	t.fds[info.FD] = info
	t.fdsMu.Unlock()
	return nil
}

// removeFDFromThread detaches the descriptor from this reactor.
func (t *ThreadContext) removeFDFromThread(info *FDInfo) error {
	t.fdsMu.Lock()
	delete(t.fds, info.FD)
	t.fdsMu.Unlock()
	if err := unix.EpollCtl(t.epfd, unix.EPOLL_CTL_DEL, info.FD, nil); err != nil {
		e := newError("epoll_ctl_del", ErrCodeKernel, err)
		e.Thread = t.threadNum
		e.FD = info.FD
		return e
	}
	return nil
}

// attachedFDs returns the descriptors currently in this reactor's set.
func (t *ThreadContext) attachedFDs() []*FDInfo {
	t.fdsMu.Lock()
	defer t.fdsMu.Unlock()
	out := make([]*FDInfo, 0, len(t.fds))
	for _, info := range t.fds {
		out = append(out, info)
	}
	return out
}

func (t *ThreadContext) isFDAddable(info *FDInfo) bool {
	return t.fdSelector == nil || t.fdSelector(info)
}

// putMsg enqueues into the bounded queue. The sender must follow up with a
// token write to the message eventfd.
func (t *ThreadContext) putMsg(msg Msg) bool {
	return t.msgQ.Put(msg)
}

// iothreadStop asks the loop to exit at the top of its next iteration.
func (t *ThreadContext) iothreadStop() {
	t.metrics.RescheduledOut.Add(1)
	t.keepRunning.Store(false)
}

func (t *ThreadContext) iothreadTeardown() {
	t.log.Info("io thread stopping")

	t.mgr.ForEachInterface(func(iface IOInterface) {
		iface.OnIOThreadStopped(t)
	})

	t.isIOThread.Store(false)
	if t.timer != nil {
		t.timer.Stop()
	}
	t.msgQ.Close()

	for _, info := range t.attachedFDs() {
		unix.EpollCtl(t.epfd, unix.EPOLL_CTL_DEL, info.FD, nil)
	}
	if t.msgFDInfo != nil {
		unix.Close(t.msgFDInfo.FD)
		t.msgFDInfo = nil
	}
	if t.epfd >= 0 {
		unix.Close(t.epfd)
		t.epfd = -1
	}
}
