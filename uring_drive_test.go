//go:build linux

package iomgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The ring-backed submission paths need a kernel with io_uring; these
// tests cover everything on the near side of that boundary. The fallback
// and completion semantics shared with the AIO drive are exercised through
// the fake kernel context in aio_drive_test.go.

func TestUringInterfaceType(t *testing.T) {
	d := NewUringDriveInterface(nil)
	assert.Equal(t, DriveTypeUring, d.InterfaceType())
	assert.Equal(t, "uring", d.InterfaceType().String())
}

func TestUringAddFDTracksPriority(t *testing.T) {
	d := NewUringDriveInterface(nil)
	d.AddFD(12, 3)
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 3, d.devFDs[12])
}

func TestUringSubmitOutsideIOThreadFallsBackToSync(t *testing.T) {
	rec := newCompletionRecorder()
	d := NewUringDriveInterface(rec.cb)

	fd := tempDataFile(t, 1<<20)
	data := []byte("fallback payload")

	// No manager, no io thread: the submission degrades to sync I/O and
	// the completion callback still fires with the real byte count.
	d.AsyncWrite(fd, data, 0, "sync")

	res, cookie := rec.wait(t)
	assert.Equal(t, int64(len(data)), res)
	assert.Equal(t, "sync", cookie)
	assert.Equal(t, uint64(1), d.Metrics().ForceSyncIONoThreadCtx.Load())
	assert.Equal(t, uint64(1), d.Metrics().SyncWriteCount.Load())
}

func TestUringSyncRoundTrip(t *testing.T) {
	d := NewUringDriveInterface(nil)
	fd := tempDataFile(t, 1<<20)

	data := []byte("ring sync path")
	n, err := d.SyncWrite(fd, data, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	got := make([]byte, len(data))
	n, err = d.SyncRead(fd, got, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)
	assert.Equal(t, data, got)
}

func TestUringAttachCompletionCB(t *testing.T) {
	d := NewUringDriveInterface(nil)
	called := false
	d.AttachCompletionCB(func(int64, any) { called = true })
	d.complete(0, nil)
	assert.True(t, called)
}
