//go:build linux

package iomgr

// Default configuration constants
const (
	// MaxOutstandingIO is the number of pre-allocated control blocks per
	// thread; the kernel submission queue is created with the same
	// capacity. Submissions beyond it find the free stack empty and fall
	// back to synchronous I/O.
	MaxOutstandingIO = 200

	// MaxCompletions is how many completion events are harvested in one
	// shot from the kernel.
	MaxCompletions = MaxOutstandingIO

	// MaxPri is the exclusive upper bound of the descriptor priority hint.
	MaxPri = 10

	// DefaultFDPri is the priority assigned to descriptors registered
	// without an explicit hint.
	DefaultFDPri = 9

	// MsgQueueDepth is the capacity of each reactor thread's message queue.
	MsgQueueDepth = 1024

	// EpollMaxEvents is the batch size for one multiplexer wait.
	EpollMaxEvents = 256

	// EpollTimeoutMS bounds one multiplexer wait so the loop re-checks its
	// keep-running flag even if a wakeup token is lost.
	EpollTimeoutMS = 100
)

// inbuiltInterfaceCount is the number of interfaces the manager registers
// on its own during Start (the default general interface).
const inbuiltInterfaceCount = 1
