//go:build linux

package iomgr

import (
	"encoding/binary"
	"sync"
	"time"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"

	"github.com/iomgr-dev/iomgr/internal/logging"
)

// uringOp is one pre-allocated submission record for the uring drive. The
// SQE user data holds the pool index, mirroring the control-block
// discipline of the AIO drive.
type uringOp struct {
	index     uint64
	isRead    bool
	size      uint32
	offset    uint64
	startTime time.Time
	fd        int
	cookie    any

	buf  []byte
	iovs []unix.Iovec
	bufs [][]byte
}

func (o *uringOp) reset() {
	o.cookie = nil
	o.buf = nil
	o.iovs = nil
	o.bufs = nil
}

// uringThreadContext is the per-thread ring plus its completion eventfd
// and op pool. Mutated only by its owning reactor thread.
type uringThreadContext struct {
	ring     *giouring.Ring
	evFD     int
	evFDInfo *FDInfo
	cqes     []*giouring.CompletionQueueEvent
	pool     []uringOp
	free     []*uringOp
	inflight int
}

// UringDriveInterface drives block devices through io_uring. The
// semantics match AioDriveInterface: per-thread submission contexts, a
// bounded free stack as backpressure, synchronous fallback when a
// submission slot is unavailable, completions harvested on the reactor via
// a registered eventfd.
type UringDriveInterface struct {
	log     *logging.Logger
	metrics *DriveMetrics
	compCB  CompletionCallback

	recordFallbackLatency bool

	mu         sync.Mutex
	mgr        *IOManager
	threadCtxs map[int]*uringThreadContext
	devFDs     map[int]int
}

var _ DriveInterface = (*UringDriveInterface)(nil)

// UringOption configures a UringDriveInterface.
type UringOption func(*UringDriveInterface)

// WithUringFallbackLatencyRecording mirrors the AIO drive's histogram
// switch for the sync-fallback path.
func WithUringFallbackLatencyRecording(on bool) UringOption {
	return func(d *UringDriveInterface) { d.recordFallbackLatency = on }
}

// NewUringDriveInterface returns an io_uring-backed drive interface.
func NewUringDriveInterface(cb CompletionCallback, opts ...UringOption) *UringDriveInterface {
	d := &UringDriveInterface{
		log:        logging.Default().WithDrive(DriveTypeUring.String()),
		metrics:    &DriveMetrics{},
		compCB:     cb,
		threadCtxs: make(map[int]*uringThreadContext),
		devFDs:     make(map[int]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InterfaceType implements DriveInterface.
func (d *UringDriveInterface) InterfaceType() DriveInterfaceType { return DriveTypeUring }

// AttachCompletionCB implements DriveInterface.
func (d *UringDriveInterface) AttachCompletionCB(cb CompletionCallback) { d.compCB = cb }

// Metrics returns the drive counters.
func (d *UringDriveInterface) Metrics() *DriveMetrics { return d.metrics }

// OpenDev opens the device with the caller's flags plus O_DIRECT.
func (d *UringDriveInterface) OpenDev(name string, flags int) (int, error) {
	fd, err := unix.Open(name, flags|unix.O_DIRECT, 0)
	if err != nil {
		return -1, newError("open_dev", ErrCodeDeviceOpen, err)
	}
	d.log.Info("opened device", "name", name, "fd", fd)
	return fd, nil
}

// AddFD records an open device descriptor with its priority hint.
func (d *UringDriveInterface) AddFD(fd, pri int) {
	d.mu.Lock()
	d.devFDs[fd] = pri
	d.mu.Unlock()
}

// OnIOThreadStart creates the thread's ring, registers its completion
// eventfd with the kernel and the reactor, and seeds the op pool.
func (d *UringDriveInterface) OnIOThreadStart(t *ThreadContext) {
	ring, err := giouring.CreateRing(MaxOutstandingIO)
	if err != nil {
		d.log.WithError(err).Critical("io_uring setup failed, thread will not submit async io", "thread", t.ThreadNum())
		return
	}

	evfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		ring.QueueExit()
		d.log.WithError(err).Critical("completion eventfd failed", "thread", t.ThreadNum())
		return
	}
	if _, err := ring.RegisterEventFd(evfd); err != nil {
		unix.Close(evfd)
		ring.QueueExit()
		d.log.WithError(err).Critical("eventfd registration with ring failed", "thread", t.ThreadNum())
		return
	}

	uctx := &uringThreadContext{
		ring: ring,
		evFD: evfd,
		cqes: make([]*giouring.CompletionQueueEvent, MaxCompletions),
		pool: make([]uringOp, MaxOutstandingIO),
		free: make([]*uringOp, 0, MaxOutstandingIO),
	}
	for i := range uctx.pool {
		uctx.pool[i].index = uint64(i)
		uctx.free = append(uctx.free, &uctx.pool[i])
	}

	info, err := t.Manager().AddPerThreadFD(d, evfd, d.processCompletions, EventRead, DefaultFDPri, uctx)
	if err != nil {
		unix.Close(evfd)
		ring.QueueExit()
		d.log.WithError(err).Critical("completion fd registration failed", "thread", t.ThreadNum())
		return
	}
	uctx.evFDInfo = info

	d.mu.Lock()
	d.mgr = t.Manager()
	d.threadCtxs[t.ThreadNum()] = uctx
	d.mu.Unlock()

	d.log.Info("uring thread context ready", "thread", t.ThreadNum(), "ev_fd", evfd)
}

// OnIOThreadStopped tears the thread's ring down.
func (d *UringDriveInterface) OnIOThreadStopped(t *ThreadContext) {
	d.mu.Lock()
	uctx := d.threadCtxs[t.ThreadNum()]
	delete(d.threadCtxs, t.ThreadNum())
	d.mu.Unlock()
	if uctx == nil {
		return
	}

	if uctx.evFDInfo != nil {
		t.Manager().RemoveFD(d, uctx.evFDInfo)
	}
	if uctx.ring != nil {
		uctx.ring.UnregisterEventFd(uctx.evFD)
		uctx.ring.QueueExit()
	}
	if uctx.evFD >= 0 {
		unix.Close(uctx.evFD)
	}
	uctx.free = uctx.free[:0]
}

func (d *UringDriveInterface) threadCtx() *uringThreadContext {
	d.mu.Lock()
	mgr := d.mgr
	d.mu.Unlock()
	if mgr == nil {
		return nil
	}
	t := mgr.CurrentThreadContext()
	if t == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threadCtxs[t.ThreadNum()]
}

// AsyncWrite submits one write through the ring, falling back to
// synchronous I/O when no SQE slot or op record is available.
func (d *UringDriveInterface) AsyncWrite(fd int, data []byte, offset uint64, cookie any) {
	d.submit(false, fd, data, nil, uint32(len(data)), offset, cookie)
}

// AsyncWritev is the vectored form of AsyncWrite.
func (d *UringDriveInterface) AsyncWritev(fd int, iovs [][]byte, offset uint64, cookie any) {
	d.submit(false, fd, nil, iovs, iovsLen(iovs), offset, cookie)
}

// AsyncRead submits one read; fallback semantics match AsyncWrite.
func (d *UringDriveInterface) AsyncRead(fd int, data []byte, offset uint64, cookie any) {
	d.submit(true, fd, data, nil, uint32(len(data)), offset, cookie)
}

// AsyncReadv is the vectored form of AsyncRead.
func (d *UringDriveInterface) AsyncReadv(fd int, iovs [][]byte, offset uint64, cookie any) {
	d.submit(true, fd, nil, iovs, iovsLen(iovs), offset, cookie)
}

func (d *UringDriveInterface) submit(isRead bool, fd int, data []byte, iovs [][]byte, size uint32, offset uint64, cookie any) {
	uctx := d.threadCtx()
	if uctx == nil {
		d.metrics.ForceSyncIONoThreadCtx.Add(1)
		d.log.Critical("async submission outside an io thread, forcing sync io", "fd", fd)
		d.forceSync(isRead, fd, data, iovs, size, offset, cookie)
		return
	}
	if len(uctx.free) == 0 {
		d.metrics.ForceSyncIOEmptyIOCB.Add(1)
		d.forceSync(isRead, fd, data, iovs, size, offset, cookie)
		return
	}

	sqe := uctx.ring.GetSQE()
	if sqe == nil {
		// Submission queue full; same safety valve as EAGAIN on AIO.
		d.metrics.ForceSyncIOEAGAINError.Add(1)
		d.forceSync(isRead, fd, data, iovs, size, offset, cookie)
		return
	}

	op := uctx.free[len(uctx.free)-1]
	uctx.free = uctx.free[:len(uctx.free)-1]

	op.isRead = isRead
	op.size = size
	op.offset = offset
	op.startTime = time.Now()
	op.fd = fd
	op.cookie = cookie
	op.buf = data
	op.bufs = iovs

	if iovs == nil {
		var bufPtr uintptr
		if len(data) > 0 {
			bufPtr = uintptr(unsafe.Pointer(&data[0]))
		}
		if isRead {
			sqe.PrepareRead(fd, bufPtr, size, offset)
		} else {
			sqe.PrepareWrite(fd, bufPtr, size, offset)
		}
		op.iovs = nil
	} else {
		op.iovs = make([]unix.Iovec, len(iovs))
		for n, b := range iovs {
			if len(b) > 0 {
				op.iovs[n].Base = &b[0]
			}
			op.iovs[n].SetLen(len(b))
		}
		vecPtr := uintptr(unsafe.Pointer(&op.iovs[0]))
		if isRead {
			sqe.PrepareReadv(fd, vecPtr, uint32(len(op.iovs)), offset)
		} else {
			sqe.PrepareWritev(fd, vecPtr, uint32(len(op.iovs)), offset)
		}
	}
	sqe.SetData64(op.index)

	if _, err := uctx.ring.Submit(); err != nil {
		op.reset()
		uctx.free = append(uctx.free, op)
		if err == unix.EAGAIN || err == unix.EBUSY {
			d.metrics.ForceSyncIOEAGAINError.Add(1)
			d.forceSync(isRead, fd, data, iovs, size, offset, cookie)
			return
		}
		if isRead {
			d.metrics.ReadSubmissionErrors.Add(1)
		} else {
			d.metrics.WriteSubmissionErrors.Add(1)
		}
		d.log.WithError(err).Error("ring submission failed", "fd", fd, "read", isRead)
		d.complete(-resultErrno(err), cookie)
		return
	}

	uctx.inflight++
	if isRead {
		d.metrics.AsyncReadCount.Add(1)
	} else {
		d.metrics.AsyncWriteCount.Add(1)
	}
}

func (d *UringDriveInterface) forceSync(isRead bool, fd int, data []byte, iovs [][]byte, size uint32, offset uint64, cookie any) {
	start := time.Now()
	var res int64
	var err error
	switch {
	case isRead && iovs == nil:
		res, err = d.SyncRead(fd, data, offset)
	case isRead:
		res, err = d.SyncReadv(fd, iovs, offset)
	case iovs == nil:
		res, err = d.SyncWrite(fd, data, offset)
	default:
		res, err = d.SyncWritev(fd, iovs, offset)
	}
	if err != nil {
		res = -resultErrno(err)
	}
	if d.recordFallbackLatency {
		d.metrics.RecordCompletion(isRead, uint64(size), uint64(time.Since(start).Nanoseconds()), res)
	}
	d.complete(res, cookie)
}

func (d *UringDriveInterface) complete(result int64, cookie any) {
	if d.compCB != nil {
		d.compCB(result, cookie)
	}
}

// processCompletions drains the registered eventfd, then reaps the CQ ring
// and recycles op records.
func (d *UringDriveInterface) processCompletions(fd int, cookie any, events uint32) {
	uctx, ok := cookie.(*uringThreadContext)
	if !ok {
		return
	}

	var token [8]byte
	n, err := unix.Read(fd, token[:])
	if err != nil || n != 8 || binary.LittleEndian.Uint64(token[:]) == 0 {
		d.metrics.SpuriousEvents.Add(1)
		return
	}

	completed := uctx.ring.PeekBatchCQE(uctx.cqes)
	for i := uint32(0); i < completed; i++ {
		cqe := uctx.cqes[i]
		op := &uctx.pool[cqe.UserData]
		res := int64(cqe.Res)
		latency := uint64(time.Since(op.startTime).Nanoseconds())

		resCookie := op.cookie
		isRead := op.isRead
		size := op.size

		op.reset()
		uctx.free = append(uctx.free, op)
		uctx.inflight--

		d.metrics.RecordCompletion(isRead, uint64(size), latency, res)
		d.complete(res, resCookie)
	}
	uctx.ring.CQAdvance(completed)
}

// SyncWrite performs a positional write on the calling thread.
func (d *UringDriveInterface) SyncWrite(fd int, data []byte, offset uint64) (int64, error) {
	n, err := unix.Pwrite(fd, data, int64(offset))
	if err != nil {
		return 0, newError("pwrite", ErrCodeSubmission, err)
	}
	d.metrics.SyncWriteCount.Add(1)
	d.metrics.WriteIOSizes.Record(uint64(len(data)))
	return int64(n), nil
}

// SyncWritev is the vectored form of SyncWrite.
func (d *UringDriveInterface) SyncWritev(fd int, iovs [][]byte, offset uint64) (int64, error) {
	n, err := unix.Pwritev(fd, iovs, int64(offset))
	if err != nil {
		return 0, newError("pwritev", ErrCodeSubmission, err)
	}
	d.metrics.SyncWriteCount.Add(1)
	d.metrics.WriteIOSizes.Record(uint64(iovsLen(iovs)))
	return int64(n), nil
}

// SyncRead performs a positional read on the calling thread.
func (d *UringDriveInterface) SyncRead(fd int, data []byte, offset uint64) (int64, error) {
	n, err := unix.Pread(fd, data, int64(offset))
	if err != nil {
		return 0, newError("pread", ErrCodeSubmission, err)
	}
	d.metrics.SyncReadCount.Add(1)
	d.metrics.ReadIOSizes.Record(uint64(len(data)))
	return int64(n), nil
}

// SyncReadv is the vectored form of SyncRead.
func (d *UringDriveInterface) SyncReadv(fd int, iovs [][]byte, offset uint64) (int64, error) {
	n, err := unix.Preadv(fd, iovs, int64(offset))
	if err != nil {
		return 0, newError("preadv", ErrCodeSubmission, err)
	}
	d.metrics.SyncReadCount.Add(1)
	d.metrics.ReadIOSizes.Record(uint64(iovsLen(iovs)))
	return int64(n), nil
}
