//go:build linux

package iomgr

import (
	"encoding/binary"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/iomgr-dev/iomgr/internal/logging"
)

// IOManager is the process-wide coordinator: it owns the reactor threads,
// the interface registry, and the global descriptor map, and routes
// cross-thread messages.
type IOManager struct {
	log *logging.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	expectedIfaces     atomic.Int64
	yetToStartNThreads atomic.Int64
	yetToStopNThreads  atomic.Int64
	commonMsgHandler   MsgHandler

	defaultGeneralIface *DefaultIOInterface

	ifaceMu           sync.RWMutex
	ifaces            []IOInterface
	driveIfaces       []DriveInterface
	defaultDriveIface DriveInterface

	fdMu      sync.RWMutex
	fdInfoMap map[int]*FDInfo // global descriptors only

	threadMu   sync.RWMutex
	threads    map[int]*ThreadContext // keyed by thread number
	tidThreads map[int]*ThreadContext // keyed by kernel tid

	nextThreadNum atomic.Int64
	wg            sync.WaitGroup // manager-spawned reactor threads

	timerMu     sync.Mutex
	globalTimer *Timer
}

var (
	instance *IOManager
	once     sync.Once
)

// Instance returns the process-wide manager.
func Instance() *IOManager {
	once.Do(func() { instance = New() })
	return instance
}

// New creates a manager in the stopped state. Most programs use Instance;
// tests create their own.
func New() *IOManager {
	m := &IOManager{
		log:        logging.Default(),
		state:      StateStopped,
		fdInfoMap:  make(map[int]*FDInfo),
		threads:    make(map[int]*ThreadContext),
		tidThreads: make(map[int]*ThreadContext),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start records the expected interface count (built-in plus custom), the
// number of reactor threads to spawn once every interface has registered,
// and the default cross-thread message handler. It registers the built-in
// default interface; when no custom interfaces are expected, that
// registration completes the set and AddInterface moves the state on.
func (m *IOManager) Start(expectedCustomIfaces int, numThreads int, handler MsgHandler) {
	m.log.Info("starting io manager", "custom_ifaces", expectedCustomIfaces, "threads", numThreads)

	m.expectedIfaces.Store(int64(inbuiltInterfaceCount + expectedCustomIfaces))
	m.yetToStartNThreads.Store(int64(numThreads))
	m.commonMsgHandler = handler

	m.timerMu.Lock()
	m.globalTimer = newGlobalTimer(m)
	m.timerMu.Unlock()

	m.setState(StateWaitingForInterfaces)

	m.defaultGeneralIface = NewDefaultIOInterface()
	m.AddInterface(m.defaultGeneralIface)
}

// Stop quiesces every io thread, joins the manager-spawned ones, and
// clears the registries. On return the state is stopped.
func (m *IOManager) Stop() {
	m.log.Info("stopping io manager")
	m.setState(StateStopping)

	// Pre-increment so a manager with zero live io threads still reaches
	// stopped after the decrement below.
	m.yetToStopNThreads.Add(1)

	m.SendMsg(-1, NewMsg(MsgRelinquishIOThread))

	m.timerMu.Lock()
	if m.globalTimer != nil {
		m.globalTimer.Stop()
		m.globalTimer = nil
	}
	m.timerMu.Unlock()

	if m.yetToStopNThreads.Add(-1) == 0 {
		m.setStateAndNotify(StateStopped)
	} else {
		m.waitToBeStopped()
	}

	m.log.Info("all io threads stopped, joining manager threads")
	m.wg.Wait()

	m.yetToStartNThreads.Store(0)
	m.expectedIfaces.Store(inbuiltInterfaceCount)
	m.ifaceMu.Lock()
	m.ifaces = nil
	m.driveIfaces = nil
	m.defaultDriveIface = nil
	m.ifaceMu.Unlock()
}

// AddInterface appends to the interface registry. Once the registry
// reaches the expected count the manager either spawns its reactor threads
// or, with none requested, goes straight to running. Registrations beyond
// the expected count succeed silently.
func (m *IOManager) AddInterface(iface IOInterface) {
	m.ifaceMu.Lock()
	m.ifaces = append(m.ifaces, iface)
	count := int64(len(m.ifaces))
	m.ifaceMu.Unlock()

	expected := m.expectedIfaces.Load()
	if count < expected {
		m.log.Info("interface registered, waiting for more", "count", count, "expected", expected)
		return
	}
	if count > expected {
		return
	}

	nthreads := m.yetToStartNThreads.Load()
	if nthreads > 0 {
		m.log.Info("all interfaces registered, spawning io threads", "count", nthreads)
		m.setStateAndNotify(StateWaitingForThreads)
		for i := int64(0); i < nthreads; i++ {
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.RunIOLoop(true, nil, nil)
			}()
		}
	} else {
		m.setStateAndNotify(StateRunning)
	}
}

// AddDriveInterface registers a drive interface, optionally as the default
// drive.
func (m *IOManager) AddDriveInterface(iface DriveInterface, defaultIface bool) {
	m.AddInterface(iface)
	m.ifaceMu.Lock()
	m.driveIfaces = append(m.driveIfaces, iface)
	if defaultIface {
		m.defaultDriveIface = iface
	}
	m.ifaceMu.Unlock()
}

// DefaultDriveInterface returns the drive interface marked default, nil if
// none.
func (m *IOManager) DefaultDriveInterface() DriveInterface {
	m.ifaceMu.RLock()
	defer m.ifaceMu.RUnlock()
	return m.defaultDriveIface
}

// RunIOLoop turns the calling goroutine into a reactor thread until it is
// relinquished. Borrowed threads pass isIOMgrThread false; selector and
// handler may be nil.
func (m *IOManager) RunIOLoop(isIOMgrThread bool, selector FDSelector, handler MsgHandler) {
	t := newThreadContext(m)
	t.run(isIOMgrThread, selector, handler)
}

// StopIOLoop asks the calling reactor thread to leave its loop. Must run
// on an io thread.
func (m *IOManager) StopIOLoop() {
	if t := m.CurrentThreadContext(); t != nil {
		t.iothreadStop()
	}
}

func (m *IOManager) ioThreadStarted(t *ThreadContext) {
	m.yetToStopNThreads.Add(1)
	if t.isIOMgrThread && m.yetToStartNThreads.Add(-1) == 0 {
		m.setStateAndNotify(StateRunning)
	}
}

func (m *IOManager) ioThreadStopped() {
	if m.yetToStopNThreads.Add(-1) == 0 {
		m.setStateAndNotify(StateStopped)
	}
}

func (m *IOManager) registerThread(t *ThreadContext) {
	m.threadMu.Lock()
	m.threads[t.threadNum] = t
	m.tidThreads[t.tid] = t
	m.threadMu.Unlock()
}

func (m *IOManager) unregisterThread(t *ThreadContext) {
	m.threadMu.Lock()
	delete(m.threads, t.threadNum)
	delete(m.tidThreads, t.tid)
	m.threadMu.Unlock()
}

// CurrentThreadContext returns the reactor context bound to the calling
// thread, nil when the caller is not inside RunIOLoop.
func (m *IOManager) CurrentThreadContext() *ThreadContext {
	tid := unix.Gettid()
	m.threadMu.RLock()
	defer m.threadMu.RUnlock()
	return m.tidThreads[tid]
}

// AddFD registers a global descriptor: it waits for the manager to reach
// running, attaches the descriptor to every io thread whose selector
// accepts it, and records it in the global map.
func (m *IOManager) AddFD(iface IOInterface, fd int, cb EvCallback, events uint32, pri int, cookie any) *FDInfo {
	if m.State() != StateRunning {
		m.log.Info("io manager not ready to add global fd, waiting", "fd", fd)
		m.waitToBeReady()
	}

	info := newFDInfo(iface, fd, cb, events, pri, cookie)
	info.isGlobal = true

	m.threadMu.RLock()
	for _, t := range m.threads {
		if t.IsIOThread() && t.isFDAddable(info) {
			if err := t.addFDToThread(info); err != nil {
				m.log.WithError(err).Error("global fd attach failed", "fd", fd, "thread", t.threadNum)
			}
		}
	}
	m.threadMu.RUnlock()

	m.fdMu.Lock()
	m.fdInfoMap[fd] = info
	m.fdMu.Unlock()
	return info
}

// AddPerThreadFD registers a descriptor on the calling reactor thread
// only. Unlike global registration it may proceed in any manager state.
func (m *IOManager) AddPerThreadFD(iface IOInterface, fd int, cb EvCallback, events uint32, pri int, cookie any) (*FDInfo, error) {
	t := m.CurrentThreadContext()
	if t == nil {
		return nil, newError("add_per_thread_fd", ErrCodeNotIOThread, nil)
	}
	info := newFDInfo(iface, fd, cb, events, pri, cookie)
	if t.isFDAddable(info) {
		if err := t.addFDToThread(info); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// RemoveFD detaches the descriptor. Allowed only in running or stopping;
// anywhere else it logs at fatal severity and does nothing.
func (m *IOManager) RemoveFD(iface IOInterface, info *FDInfo) {
	state := m.State()
	if state != StateRunning && state != StateStopping {
		m.log.Critical("remove_fd outside running/stopping is a no-op", "fd", info.FD, "state", state.String())
		return
	}

	if info.IsGlobal() {
		m.threadMu.RLock()
		for _, t := range m.threads {
			if t.IsIOThread() {
				t.removeFDFromThread(info)
			}
		}
		m.threadMu.RUnlock()

		m.fdMu.Lock()
		delete(m.fdInfoMap, info.FD)
		m.fdMu.Unlock()
		return
	}

	if t := m.CurrentThreadContext(); t != nil {
		t.removeFDFromThread(info)
	}
}

// FDToInfo returns the global descriptor record for fd, nil if unknown.
func (m *IOManager) FDToInfo(fd int) *FDInfo {
	m.fdMu.RLock()
	defer m.fdMu.RUnlock()
	return m.fdInfoMap[fd]
}

// FDReschedule hands the descriptor's event to the least busy io thread.
func (m *IOManager) FDReschedule(info *FDInfo, event uint32) {
	m.SendToLeastBusyThread(rescheduleMsg(info, event))
}

// RunInIOThread ships the function to the least busy io thread.
func (m *IOManager) RunInIOThread(fn RunMethod) {
	m.SendToLeastBusyThread(runMethodMsg(fn))
}

// SendMsg delivers msg to one thread, or to every io thread when
// threadNum is -1. It returns the number of threads delivered to. Delivery
// enqueues the message and writes one wakeup token, retrying the token
// write on EAGAIN.
func (m *IOManager) SendMsg(threadNum int, msg Msg) int {
	sent := 0
	m.threadMu.RLock()
	defer m.threadMu.RUnlock()

	if threadNum == -1 {
		for _, t := range m.threads {
			if m.deliverMsg(t, msg) {
				sent++
			}
		}
		return sent
	}

	if t := m.threads[threadNum]; t != nil && m.deliverMsg(t, msg) {
		sent++
	}
	return sent
}

func (m *IOManager) deliverMsg(t *ThreadContext, msg Msg) bool {
	if t.msgFDInfo == nil || !t.IsIOThread() {
		return false
	}
	if !t.putMsg(msg) {
		return false
	}
	writeWakeupToken(t.msgFDInfo.FD)
	return true
}

func writeWakeupToken(fd int) {
	var token [8]byte
	binary.LittleEndian.PutUint64(token[:], 1)
	for {
		_, err := unix.Write(fd, token[:])
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		return
	}
}

// SendToLeastBusyThread delivers msg to the io thread with the smallest
// dispatched-operation count, retrying selection until exactly one thread
// accepts. This covers the race where the chosen thread exits between
// selection and delivery.
func (m *IOManager) SendToLeastBusyThread(msg Msg) {
	for {
		id := m.findLeastBusyThreadID()
		if id >= 0 && m.SendMsg(id, msg) == 1 {
			return
		}
		runtime.Gosched()
	}
}

func (m *IOManager) findLeastBusyThreadID() int {
	minID := -1
	minCount := uint64(math.MaxUint64)
	m.threadMu.RLock()
	defer m.threadMu.RUnlock()
	for _, t := range m.threads {
		if !t.IsIOThread() {
			continue
		}
		if c := t.metrics.IOCount.Load(); c < minCount {
			minID = t.threadNum
			minCount = c
		}
	}
	return minID
}

// ForEachInterface calls fn for every registered interface.
func (m *IOManager) ForEachInterface(fn func(iface IOInterface)) {
	m.ifaceMu.RLock()
	ifaces := make([]IOInterface, len(m.ifaces))
	copy(ifaces, m.ifaces)
	m.ifaceMu.RUnlock()
	for _, iface := range ifaces {
		fn(iface)
	}
}

// ForEachFDInfo calls fn for every global descriptor record.
func (m *IOManager) ForEachFDInfo(fn func(info *FDInfo)) {
	m.fdMu.RLock()
	infos := make([]*FDInfo, 0, len(m.fdInfoMap))
	for _, info := range m.fdInfoMap {
		infos = append(infos, info)
	}
	m.fdMu.RUnlock()
	for _, info := range infos {
		fn(info)
	}
}

// GlobalTimer returns the manager-owned timer, nil after Stop.
func (m *IOManager) GlobalTimer() *Timer {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	return m.globalTimer
}

// NumIOThreads returns how many threads are currently inside the loop.
func (m *IOManager) NumIOThreads() int {
	n := 0
	m.threadMu.RLock()
	defer m.threadMu.RUnlock()
	for _, t := range m.threads {
		if t.IsIOThread() {
			n++
		}
	}
	return n
}
