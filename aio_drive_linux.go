//go:build linux

package iomgr

import (
	"encoding/binary"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/iomgr-dev/iomgr/internal/aio"
	"github.com/iomgr-dev/iomgr/internal/logging"
)

// iocbInfo is one pre-allocated control block. It lives in a per-thread
// pool; IOCB.Data holds its pool index so completions map back without a
// lookup table. A block is on the free stack or in flight with the kernel,
// never both.
type iocbInfo struct {
	aio.IOCB

	isRead    bool
	size      uint32
	offset    uint64
	startTime time.Time
	fd        int
	cookie    any

	// Submission buffers, referenced here so they survive until the
	// kernel completes the operation.
	buf  []byte
	iovs []unix.Iovec
	bufs [][]byte
}

func (i *iocbInfo) reset() {
	i.cookie = nil
	i.buf = nil
	i.iovs = nil
	i.bufs = nil
}

// aioThreadContext is the per-thread submission context: the free stack of
// control blocks, the kernel AIO context, and the completion eventfd.
// Mutated only by its owning reactor thread.
type aioThreadContext struct {
	ioctx    aio.Context
	evFD     int
	evFDInfo *FDInfo
	events   []aio.IOEvent
	pool     []iocbInfo
	free     []*iocbInfo
	inflight int
}

// AioDriveInterface drives block devices through the kernel AIO facility.
// Submissions run on io threads; completions are harvested on the thread
// that submitted them, signalled through a per-thread eventfd registered
// with the reactor.
type AioDriveInterface struct {
	log     *logging.Logger
	metrics *DriveMetrics
	compCB  CompletionCallback

	ctxFactory            aio.Factory
	recordFallbackLatency bool

	mu         sync.Mutex
	mgr        *IOManager
	threadCtxs map[int]*aioThreadContext // keyed by thread number
	devFDs     map[int]int               // open device fd -> priority hint
}

var _ DriveInterface = (*AioDriveInterface)(nil)

// AioOption configures an AioDriveInterface.
type AioOption func(*AioDriveInterface)

// WithContextFactory substitutes the kernel AIO context constructor; tests
// install aio.NewFakeShared here.
func WithContextFactory(f aio.Factory) AioOption {
	return func(d *AioDriveInterface) { d.ctxFactory = f }
}

// WithFallbackLatencyRecording controls whether operations that fell back
// to synchronous I/O record their size and latency into the histograms.
func WithFallbackLatencyRecording(on bool) AioOption {
	return func(d *AioDriveInterface) { d.recordFallbackLatency = on }
}

// NewAioDriveInterface returns a drive interface reporting completions to
// cb.
func NewAioDriveInterface(cb CompletionCallback, opts ...AioOption) *AioDriveInterface {
	d := &AioDriveInterface{
		log:        logging.Default().WithDrive(DriveTypeAio.String()),
		metrics:    &DriveMetrics{},
		compCB:     cb,
		ctxFactory: aio.NewContext,
		threadCtxs: make(map[int]*aioThreadContext),
		devFDs:     make(map[int]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// InterfaceType implements DriveInterface.
func (d *AioDriveInterface) InterfaceType() DriveInterfaceType { return DriveTypeAio }

// AttachCompletionCB implements DriveInterface.
func (d *AioDriveInterface) AttachCompletionCB(cb CompletionCallback) { d.compCB = cb }

// Metrics returns the drive counters.
func (d *AioDriveInterface) Metrics() *DriveMetrics { return d.metrics }

// OpenDev opens the device with the caller's flags plus O_DIRECT, which
// the kernel requires for genuinely asynchronous submission.
func (d *AioDriveInterface) OpenDev(name string, flags int) (int, error) {
	fd, err := unix.Open(name, flags|unix.O_DIRECT, 0)
	if err != nil {
		return -1, newError("open_dev", ErrCodeDeviceOpen, err)
	}
	d.log.Info("opened device", "name", name, "fd", fd)
	return fd, nil
}

// AddFD records an open device descriptor with its priority hint. Device
// descriptors never join a multiplexer; completions arrive on the
// per-thread completion eventfd.
func (d *AioDriveInterface) AddFD(fd, pri int) {
	d.mu.Lock()
	d.devFDs[fd] = pri
	d.mu.Unlock()
}

// OnIOThreadStart builds the thread's submission context: the control
// block pool, the kernel AIO context, and the completion eventfd wired
// into the reactor.
func (d *AioDriveInterface) OnIOThreadStart(t *ThreadContext) {
	actx := &aioThreadContext{
		evFD:   -1,
		events: make([]aio.IOEvent, MaxCompletions),
		pool:   make([]iocbInfo, MaxOutstandingIO),
		free:   make([]*iocbInfo, 0, MaxOutstandingIO),
	}
	for i := range actx.pool {
		actx.pool[i].Data = uint64(i)
		actx.free = append(actx.free, &actx.pool[i])
	}

	ioctx, err := d.ctxFactory(MaxOutstandingIO)
	if err != nil {
		d.log.WithError(err).Critical("io_setup failed, thread will not submit async io", "thread", t.ThreadNum())
		return
	}

	evfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		ioctx.Destroy()
		d.log.WithError(err).Critical("completion eventfd failed", "thread", t.ThreadNum())
		return
	}

	actx.ioctx = ioctx
	actx.evFD = evfd

	info, err := t.Manager().AddPerThreadFD(d, evfd, d.processCompletions, EventRead, DefaultFDPri, actx)
	if err != nil {
		unix.Close(evfd)
		ioctx.Destroy()
		d.log.WithError(err).Critical("completion fd registration failed", "thread", t.ThreadNum())
		return
	}
	actx.evFDInfo = info

	d.mu.Lock()
	d.mgr = t.Manager()
	d.threadCtxs[t.ThreadNum()] = actx
	d.mu.Unlock()

	d.log.Info("aio thread context ready", "thread", t.ThreadNum(), "ev_fd", evfd)
}

// OnIOThreadStopped tears the submission context down.
func (d *AioDriveInterface) OnIOThreadStopped(t *ThreadContext) {
	d.mu.Lock()
	actx := d.threadCtxs[t.ThreadNum()]
	delete(d.threadCtxs, t.ThreadNum())
	d.mu.Unlock()
	if actx == nil {
		return
	}

	if actx.evFDInfo != nil {
		t.Manager().RemoveFD(d, actx.evFDInfo)
	}
	if actx.evFD >= 0 {
		unix.Close(actx.evFD)
	}
	if actx.ioctx != nil {
		actx.ioctx.Destroy()
	}
	actx.free = actx.free[:0]
}

// threadCtx returns the submission context of the calling io thread, nil
// when the caller is not one.
func (d *AioDriveInterface) threadCtx() *aioThreadContext {
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

// AsyncWrite submits one write. When the caller has no submission context,
// the free stack is empty, or the kernel returns EAGAIN, it falls back to
// synchronous I/O on the calling thread and still reports through the
// completion callback; any other submission error is reported through the
// callback as a negative errno.
func (d *AioDriveInterface) AsyncWrite(fd int, data []byte, offset uint64, cookie any) {
	d.submit(false, fd, data, nil, uint32(len(data)), offset, cookie)
}

// AsyncWritev is the vectored form of AsyncWrite.
func (d *AioDriveInterface) AsyncWritev(fd int, iovs [][]byte, offset uint64, cookie any) {
	d.submit(false, fd, nil, iovs, iovsLen(iovs), offset, cookie)
}

// AsyncRead submits one read; fallback semantics match AsyncWrite.
func (d *AioDriveInterface) AsyncRead(fd int, data []byte, offset uint64, cookie any) {
	d.submit(true, fd, data, nil, uint32(len(data)), offset, cookie)
}

// AsyncReadv is the vectored form of AsyncRead.
func (d *AioDriveInterface) AsyncReadv(fd int, iovs [][]byte, offset uint64, cookie any) {
	d.submit(true, fd, nil, iovs, iovsLen(iovs), offset, cookie)
}

func (d *AioDriveInterface) submit(isRead bool, fd int, data []byte, iovs [][]byte, size uint32, offset uint64, cookie any) {
	actx := d.threadCtx()
	if actx == nil {
		d.metrics.ForceSyncIONoThreadCtx.Add(1)
		d.log.Critical("async submission outside an io thread, forcing sync io", "fd", fd)
		d.forceSync(isRead, fd, data, iovs, size, offset, cookie)
		return
	}
	if len(actx.free) == 0 {
		d.metrics.ForceSyncIOEmptyIOCB.Add(1)
		d.forceSync(isRead, fd, data, iovs, size, offset, cookie)
		return
	}

	info := actx.free[len(actx.free)-1]
	actx.free = actx.free[:len(actx.free)-1]
	info.prep(isRead, fd, data, iovs, size, offset, cookie, actx.evFD)

	if _, err := actx.ioctx.Submit([]*aio.IOCB{&info.IOCB}); err != nil {
		info.reset()
		actx.free = append(actx.free, info)
		if err == unix.EAGAIN {
			d.metrics.ForceSyncIOEAGAINError.Add(1)
			d.forceSync(isRead, fd, data, iovs, size, offset, cookie)
			return
		}
		if isRead {
			d.metrics.ReadSubmissionErrors.Add(1)
		} else {
			d.metrics.WriteSubmissionErrors.Add(1)
		}
		d.log.WithError(err).Error("async submission failed", "fd", fd, "read", isRead)
		d.complete(-resultErrno(err), cookie)
		return
	}

	actx.inflight++
	if isRead {
		d.metrics.AsyncReadCount.Add(1)
	} else {
		d.metrics.AsyncWriteCount.Add(1)
	}
}

// prep populates the control block for submission, attaching the
// completion eventfd as the notification target.
func (i *iocbInfo) prep(isRead bool, fd int, data []byte, iovs [][]byte, size uint32, offset uint64, cookie any, evfd int) {
	i.isRead = isRead
	i.size = size
	i.offset = offset
	i.startTime = time.Now()
	i.fd = fd
	i.cookie = cookie
	i.buf = data
	i.bufs = iovs

	i.FD = uint32(fd)
	i.Offset = int64(offset)
	i.Flags = aio.FlagResFD
	i.ResFD = uint32(evfd)

	if iovs == nil {
		if isRead {
			i.LioOpcode = aio.OpPread
		} else {
			i.LioOpcode = aio.OpPwrite
		}
		if len(data) > 0 {
			i.Buf = uint64(uintptr(unsafe.Pointer(&data[0])))
		} else {
			i.Buf = 0
		}
		i.Nbytes = uint64(size)
		i.iovs = nil
		return
	}

	if isRead {
		i.LioOpcode = aio.OpPreadv
	} else {
		i.LioOpcode = aio.OpPwritev
	}
	i.iovs = make([]unix.Iovec, len(iovs))
	for n, b := range iovs {
		if len(b) > 0 {
			i.iovs[n].Base = &b[0]
		}
		i.iovs[n].SetLen(len(b))
	}
	i.Buf = uint64(uintptr(unsafe.Pointer(&i.iovs[0])))
	i.Nbytes = uint64(len(i.iovs))
}

// forceSync performs the operation synchronously on the calling thread and
// synthesizes a completion with the real result.
func (d *AioDriveInterface) forceSync(isRead bool, fd int, data []byte, iovs [][]byte, size uint32, offset uint64, cookie any) {
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

func (d *AioDriveInterface) complete(result int64, cookie any) {
	if d.compCB != nil {
		d.compCB(result, cookie)
	}
}

// processCompletions runs on the reactor when the completion eventfd is
// ready: drain the token, harvest completed events with a zero timeout,
// recycle control blocks, and fan results out to the completion callback.
func (d *AioDriveInterface) processCompletions(fd int, cookie any, events uint32) {
	actx, ok := cookie.(*aioThreadContext)
	if !ok {
		return
	}

	var token [8]byte
	n, err := unix.Read(fd, token[:])
	if err != nil || n != 8 || binary.LittleEndian.Uint64(token[:]) == 0 {
		d.metrics.SpuriousEvents.Add(1)
		return
	}

	var zero unix.Timespec
	harvested, err := actx.ioctx.GetEvents(0, actx.events, &zero)
	if err != nil {
		d.log.WithError(err).Error("completion harvest failed")
		return
	}

	for i := 0; i < harvested; i++ {
		ev := actx.events[i]
		info := &actx.pool[ev.Data]
		res := ev.Res
		latency := uint64(time.Since(info.startTime).Nanoseconds())

		resCookie := info.cookie
		isRead := info.isRead
		size := info.size

		info.reset()
		actx.free = append(actx.free, info)
		actx.inflight--

		d.metrics.RecordCompletion(isRead, uint64(size), latency, res)
		d.complete(res, resCookie)
	}
}

// SyncWrite performs a positional write on the calling thread.
func (d *AioDriveInterface) SyncWrite(fd int, data []byte, offset uint64) (int64, error) {
	n, err := unix.Pwrite(fd, data, int64(offset))
	if err != nil {
		return 0, newError("pwrite", ErrCodeSubmission, err)
	}
	d.metrics.SyncWriteCount.Add(1)
	d.metrics.WriteIOSizes.Record(uint64(len(data)))
	return int64(n), nil
}

// SyncWritev is the vectored form of SyncWrite.
func (d *AioDriveInterface) SyncWritev(fd int, iovs [][]byte, offset uint64) (int64, error) {
	n, err := unix.Pwritev(fd, iovs, int64(offset))
	if err != nil {
		return 0, newError("pwritev", ErrCodeSubmission, err)
	}
	d.metrics.SyncWriteCount.Add(1)
	d.metrics.WriteIOSizes.Record(uint64(iovsLen(iovs)))
	return int64(n), nil
}

// SyncRead performs a positional read on the calling thread.
func (d *AioDriveInterface) SyncRead(fd int, data []byte, offset uint64) (int64, error) {
	n, err := unix.Pread(fd, data, int64(offset))
	if err != nil {
		return 0, newError("pread", ErrCodeSubmission, err)
	}
	d.metrics.SyncReadCount.Add(1)
	d.metrics.ReadIOSizes.Record(uint64(len(data)))
	return int64(n), nil
}

// SyncReadv is the vectored form of SyncRead.
func (d *AioDriveInterface) SyncReadv(fd int, iovs [][]byte, offset uint64) (int64, error) {
	n, err := unix.Preadv(fd, iovs, int64(offset))
	if err != nil {
		return 0, newError("preadv", ErrCodeSubmission, err)
	}
	d.metrics.SyncReadCount.Add(1)
	d.metrics.ReadIOSizes.Record(uint64(iovsLen(iovs)))
	return int64(n), nil
}

func iovsLen(iovs [][]byte) uint32 {
	total := 0
	for _, b := range iovs {
		total += len(b)
	}
	return uint32(total)
}

func resultErrno(err error) int64 {
	if e, ok := AsError(err); ok && e.Errno != 0 {
		return int64(e.Errno)
	}
	if errno, ok := err.(unix.Errno); ok {
		return int64(errno)
	}
	return int64(unix.EIO)
}
