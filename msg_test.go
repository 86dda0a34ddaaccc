//go:build linux

package iomgr

import "testing"

func TestMsgTypeString(t *testing.T) {
	cases := map[MsgType]string{
		MsgWakeup:             "WAKEUP",
		MsgReschedule:         "RESCHEDULE",
		MsgRunMethod:          "RUN_METHOD",
		MsgRelinquishIOThread: "RELINQUISH_IO_THREAD",
		MsgType(99):           "MsgType(99)",
	}
	for mt, want := range cases {
		if got := mt.String(); got != want {
			t.Errorf("MsgType(%d).String() = %q, want %q", mt, got, want)
		}
	}
}

func TestMsgConstructors(t *testing.T) {
	info := newFDInfo(nil, 3, nil, EventRead, DefaultFDPri, nil)

	m := rescheduleMsg(info, EventWrite)
	if m.Type != MsgReschedule || m.FDInfo != info || m.Event != EventWrite {
		t.Errorf("reschedule message malformed: %+v", m)
	}

	ran := false
	rm := runMethodMsg(func() { ran = true })
	if rm.Type != MsgRunMethod {
		t.Errorf("run-method message malformed: %+v", rm)
	}
	rm.Fn()
	if !ran {
		t.Error("thunk not preserved")
	}

	if NewMsg(MsgWakeup).Type != MsgWakeup {
		t.Error("NewMsg lost the tag")
	}
}
