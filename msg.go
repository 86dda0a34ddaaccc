//go:build linux

package iomgr

import "fmt"

// MsgType tags a cross-thread message.
type MsgType uint8

const (
	// MsgWakeup forces the target thread out of its multiplexer wait; the
	// receiver then passes it to its per-thread or common handler, if any.
	MsgWakeup MsgType = iota

	// MsgReschedule re-dispatches the carried descriptor and event mask on
	// the receiving thread as if the multiplexer had delivered them.
	MsgReschedule

	// MsgRunMethod carries a thunk; the receiver invokes and discards it.
	MsgRunMethod

	// MsgRelinquishIOThread tells the receiver to leave the event loop.
	MsgRelinquishIOThread
)

func (t MsgType) String() string {
	switch t {
	case MsgWakeup:
		return "WAKEUP"
	case MsgReschedule:
		return "RESCHEDULE"
	case MsgRunMethod:
		return "RUN_METHOD"
	case MsgRelinquishIOThread:
		return "RELINQUISH_IO_THREAD"
	}
	return fmt.Sprintf("MsgType(%d)", uint8(t))
}

// Msg is the value passed between reactor threads. It is immutable after
// construction and copied by value into the target thread's queue. The
// RunMethod thunk is owned by the receiver once consumed.
type Msg struct {
	Type   MsgType
	FDInfo *FDInfo // target descriptor, Reschedule only
	Event  uint32  // event mask, Reschedule only
	Fn     RunMethod
	Data   []byte // opaque payload for handler-dispatched messages
}

// NewMsg returns a bare message of the given type.
func NewMsg(t MsgType) Msg { return Msg{Type: t} }

func rescheduleMsg(info *FDInfo, event uint32) Msg {
	return Msg{Type: MsgReschedule, FDInfo: info, Event: event}
}

func runMethodMsg(fn RunMethod) Msg {
	return Msg{Type: MsgRunMethod, Fn: fn}
}
