//go:build linux

package aio

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"
)

// Fake is an in-memory Context for tests. Submissions are recorded instead
// of reaching the kernel; the test completes them explicitly, which also
// fires the control block's notification eventfd.
type Fake struct {
	mu sync.Mutex

	// SubmitErr, when set, is returned by every Submit call.
	SubmitErr error

	submitted []*IOCB
	completed []IOEvent
	destroyed bool
}

// NewFake is a Factory returning a fresh Fake. Capture the instance with
// NewFakeShared when the test needs to drive completions.
func NewFake(capacity int) (Context, error) {
	return &Fake{}, nil
}

// NewFakeShared returns a Factory that hands out the given Fake to every
// thread context.
func NewFakeShared(f *Fake) Factory {
	return func(capacity int) (Context, error) { return f, nil }
}

func (f *Fake) Submit(iocbs []*IOCB) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return 0, f.SubmitErr
	}
	f.submitted = append(f.submitted, iocbs...)
	return len(iocbs), nil
}

func (f *Fake) GetEvents(minNr int, events []IOEvent, ts *unix.Timespec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(events, f.completed)
	f.completed = f.completed[n:]
	return n, nil
}

func (f *Fake) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

// Submitted returns the control blocks submitted so far.
func (f *Fake) Submitted() []*IOCB {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*IOCB, len(f.submitted))
	copy(out, f.submitted)
	return out
}

// Destroyed reports whether Destroy was called.
func (f *Fake) Destroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// Complete marks a previously submitted control block as finished with the
// given result and, when the block requested eventfd notification, writes a
// token so the reactor wakes up.
func (f *Fake) Complete(iocb *IOCB, res int64) error {
	f.mu.Lock()
	f.completed = append(f.completed, IOEvent{
		Data: iocb.Data,
		Res:  res,
	})
	resfd := -1
	if iocb.Flags&FlagResFD != 0 {
		resfd = int(iocb.ResFD)
	}
	f.mu.Unlock()

	if resfd >= 0 {
		var token [8]byte
		binary.LittleEndian.PutUint64(token[:], 1)
		if _, err := unix.Write(resfd, token[:]); err != nil {
			return err
		}
	}
	return nil
}
