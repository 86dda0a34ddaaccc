// Package aio wraps the Linux kernel asynchronous I/O facility (io_setup,
// io_submit, io_getevents). Callers pre-allocate IOCB control blocks,
// submit them against a Context, and harvest IOEvent completions.
package aio

import "golang.org/x/sys/unix"

// Opcodes for IOCB.LioOpcode.
const (
	OpPread   = 0
	OpPwrite  = 1
	OpPreadv  = 7
	OpPwritev = 8
)

// FlagResFD in IOCB.Flags requests completion notification on IOCB.ResFD.
const FlagResFD = 1 << 0

// IOCB mirrors struct iocb from the Linux uapi (64-bit, little-endian).
// Data is free for caller use and is echoed back in the completion.
type IOCB struct {
	Data      uint64
	Key       uint32
	RWFlags   uint32
	LioOpcode uint16
	ReqPrio   int16
	FD        uint32
	Buf       uint64
	Nbytes    uint64
	Offset    int64
	Reserved2 uint64
	Flags     uint32
	ResFD     uint32
}

// IOEvent mirrors struct io_event. Res is bytes transferred on success or a
// negative errno.
type IOEvent struct {
	Data uint64
	Obj  uint64
	Res  int64
	Res2 int64
}

// Context is one kernel AIO submission context. Implementations are not
// safe for concurrent use; each reactor thread owns its own.
type Context interface {
	// Submit enqueues the control blocks. It returns the number accepted;
	// unix.EAGAIN means the kernel queue is full.
	Submit(iocbs []*IOCB) (int, error)

	// GetEvents harvests up to len(events) completions, blocking at most
	// until the timeout (nil blocks indefinitely, zero returns
	// immediately).
	GetEvents(minNr int, events []IOEvent, ts *unix.Timespec) (int, error)

	// Destroy tears down the kernel context.
	Destroy() error
}

// Factory creates a Context with the given in-flight capacity. Tests swap
// in NewFake.
type Factory func(capacity int) (Context, error)
