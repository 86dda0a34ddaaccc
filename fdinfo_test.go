//go:build linux

package iomgr

import "testing"

func TestBeginProcessingSerializesPerDirection(t *testing.T) {
	info := newFDInfo(nil, 5, nil, EventRead|EventWrite, DefaultFDPri, nil)

	if !info.beginProcessing(EventRead) {
		t.Fatal("first read claim failed")
	}
	if info.beginProcessing(EventRead) {
		t.Error("second read claim should fail while the first is live")
	}
	// The write direction is independent of the read direction.
	if !info.beginProcessing(EventWrite) {
		t.Error("write claim should succeed while a read is live")
	}
	info.endProcessing(EventRead)
	info.endProcessing(EventWrite)

	if !info.beginProcessing(EventRead | EventWrite) {
		t.Error("combined claim should succeed after release")
	}
	info.endProcessing(EventRead | EventWrite)
}

func TestBeginProcessingRollsBackOnPartialClaim(t *testing.T) {
	info := newFDInfo(nil, 5, nil, EventRead|EventWrite, DefaultFDPri, nil)

	if !info.beginProcessing(EventWrite) {
		t.Fatal("write claim failed")
	}
	// Read+write claim must fail and release the read flag it took.
	if info.beginProcessing(EventRead | EventWrite) {
		t.Fatal("combined claim should fail while write is live")
	}
	if !info.beginProcessing(EventRead) {
		t.Error("read flag was leaked by the failed combined claim")
	}
	info.endProcessing(EventRead)
	info.endProcessing(EventWrite)
}

func TestFDInfoAccessors(t *testing.T) {
	iface := NewDefaultIOInterface()
	info := newFDInfo(iface, 9, nil, EventRead, 3, "cookie")

	if info.FD != 9 || info.Pri != 3 {
		t.Errorf("unexpected fields: %+v", info)
	}
	if info.Interface() != iface {
		t.Error("interface back-reference lost")
	}
	if info.Cookie() != "cookie" {
		t.Error("cookie lost")
	}
	if info.IsGlobal() {
		t.Error("descriptors default to per-thread")
	}
}
