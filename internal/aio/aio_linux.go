//go:build linux

package aio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// kernelContext is the real io_setup-backed Context.
type kernelContext struct {
	id uintptr
}

// NewContext creates a kernel AIO context with the given capacity.
func NewContext(capacity int) (Context, error) {
	var id uintptr
	if _, _, e := unix.Syscall(unix.SYS_IO_SETUP, uintptr(capacity), uintptr(unsafe.Pointer(&id)), 0); e != 0 {
		return nil, e
	}
	return &kernelContext{id: id}, nil
}

func (c *kernelContext) Submit(iocbs []*IOCB) (int, error) {
	if len(iocbs) == 0 {
		return 0, nil
	}
	n, _, e := unix.Syscall(unix.SYS_IO_SUBMIT, c.id, uintptr(len(iocbs)), uintptr(unsafe.Pointer(&iocbs[0])))
	if e != 0 {
		return 0, e
	}
	return int(n), nil
}

func (c *kernelContext) GetEvents(minNr int, events []IOEvent, ts *unix.Timespec) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	n, _, e := unix.Syscall6(unix.SYS_IO_GETEVENTS, c.id,
		uintptr(minNr), uintptr(len(events)),
		uintptr(unsafe.Pointer(&events[0])), uintptr(unsafe.Pointer(ts)), 0)
	if e != 0 {
		return 0, e
	}
	return int(n), nil
}

func (c *kernelContext) Destroy() error {
	if c.id == 0 {
		return nil
	}
	_, _, e := unix.Syscall(unix.SYS_IO_DESTROY, c.id, 0, 0)
	c.id = 0
	if e != 0 {
		return e
	}
	return nil
}
