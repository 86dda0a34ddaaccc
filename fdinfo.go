//go:build linux

package iomgr

import "sync/atomic"

// Dispatch directions for the per-descriptor in-processing flags.
const (
	dirRead = iota
	dirWrite
	numDirs
)

// FDInfo describes one descriptor registered with the manager. It is shared
// between the owning interface and every reactor thread that attached it;
// the interface back-reference is a relation, not ownership.
type FDInfo struct {
	FD     int
	Pri    int
	Events uint32

	cb     EvCallback
	cookie any
	iface  IOInterface

	isGlobal   bool // immutable after creation
	processing [numDirs]atomic.Bool
}

func newFDInfo(iface IOInterface, fd int, cb EvCallback, events uint32, pri int, cookie any) *FDInfo {
	return &FDInfo{
		FD:     fd,
		Pri:    pri,
		Events: events,
		cb:     cb,
		cookie: cookie,
		iface:  iface,
	}
}

// IsGlobal reports whether the descriptor is attached to every eligible
// reactor rather than a single thread.
func (i *FDInfo) IsGlobal() bool { return i.isGlobal }

// Interface returns the owning interface.
func (i *FDInfo) Interface() IOInterface { return i.iface }

// Cookie returns the opaque value supplied at registration.
func (i *FDInfo) Cookie() any { return i.cookie }

// beginProcessing claims the dispatch directions named by the event mask.
// It returns false when any of them is already being dispatched, which
// serializes READ with READ and WRITE with WRITE on a single thread.
func (i *FDInfo) beginProcessing(events uint32) bool {
	read := events&EventRead != 0
	write := events&EventWrite != 0
	if read && !i.processing[dirRead].CompareAndSwap(false, true) {
		return false
	}
	if write && !i.processing[dirWrite].CompareAndSwap(false, true) {
		if read {
			i.processing[dirRead].Store(false)
		}
		return false
	}
	return true
}

func (i *FDInfo) endProcessing(events uint32) {
	if events&EventRead != 0 {
		i.processing[dirRead].Store(false)
	}
	if events&EventWrite != 0 {
		i.processing[dirWrite].Store(false)
	}
}
