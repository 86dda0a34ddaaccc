//go:build linux

package iomgr

import "sync/atomic"

// IOSizeBuckets defines the io-size histogram buckets in bytes, exponential
// powers of two from 512B to 16MB. Bucket i counts operations with
// size <= IOSizeBuckets[i]; the last bucket also absorbs anything larger.
var IOSizeBuckets = []uint64{
	512,
	1 << 10,
	2 << 10,
	4 << 10,
	8 << 10,
	16 << 10,
	32 << 10,
	64 << 10,
	128 << 10,
	256 << 10,
	512 << 10,
	1 << 20,
	4 << 20,
	16 << 20,
}

const numIOSizeBuckets = 14

// SizeHistogram is a fixed-bucket histogram of I/O sizes.
type SizeHistogram struct {
	buckets [numIOSizeBuckets]atomic.Uint64
}

// Record adds one observation.
func (h *SizeHistogram) Record(size uint64) {
	for i, bound := range IOSizeBuckets {
		if size <= bound || i == numIOSizeBuckets-1 {
			h.buckets[i].Add(1)
			return
		}
	}
}

// Snapshot returns the bucket counts.
func (h *SizeHistogram) Snapshot() [numIOSizeBuckets]uint64 {
	var out [numIOSizeBuckets]uint64
	for i := range h.buckets {
		out[i] = h.buckets[i].Load()
	}
	return out
}

// ThreadMetrics tracks per-reactor-thread activity. Counters are written by
// the owning thread and read by anyone; readers tolerate staleness.
type ThreadMetrics struct {
	IOCount        atomic.Uint64 // events dispatched
	MsgRecvdCount  atomic.Uint64 // messages drained from the queue
	RescheduledIn  atomic.Uint64 // descriptors rescheduled into this thread
	RescheduledOut atomic.Uint64 // times this thread was asked to relinquish
}

// Snapshot returns the counters as a map for reporting.
func (m *ThreadMetrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"io_count":        m.IOCount.Load(),
		"msg_recvd_count": m.MsgRecvdCount.Load(),
		"rescheduled_in":  m.RescheduledIn.Load(),
		"rescheduled_out": m.RescheduledOut.Load(),
	}
}

// DriveMetrics tracks submission, fallback, and completion statistics for
// one drive interface across all threads.
type DriveMetrics struct {
	SpuriousEvents   atomic.Uint64 // completion eventfd fired with no tokens
	CompletionErrors atomic.Uint64 // completions carrying a negative result

	WriteSubmissionErrors atomic.Uint64
	ReadSubmissionErrors  atomic.Uint64

	ForceSyncIOEmptyIOCB    atomic.Uint64 // fallback: free stack empty
	ForceSyncIOEAGAINError  atomic.Uint64 // fallback: kernel queue full
	ForceSyncIONoThreadCtx  atomic.Uint64 // fallback: caller not an io thread

	AsyncWriteCount atomic.Uint64
	AsyncReadCount  atomic.Uint64
	SyncWriteCount  atomic.Uint64
	SyncReadCount   atomic.Uint64

	WriteIOSizes SizeHistogram
	ReadIOSizes  SizeHistogram

	TotalLatencyNs atomic.Uint64 // cumulative completion latency
	OpCount        atomic.Uint64
}

// RecordCompletion records one completed operation.
func (m *DriveMetrics) RecordCompletion(isRead bool, size uint64, latencyNs uint64, result int64) {
	if result < 0 {
		m.CompletionErrors.Add(1)
	}
	if isRead {
		m.ReadIOSizes.Record(size)
	} else {
		m.WriteIOSizes.Record(size)
	}
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
}

// AvgLatencyNs returns the mean completion latency, 0 when nothing
// completed yet.
func (m *DriveMetrics) AvgLatencyNs() uint64 {
	n := m.OpCount.Load()
	if n == 0 {
		return 0
	}
	return m.TotalLatencyNs.Load() / n
}

// Snapshot returns the counters as a map for reporting.
func (m *DriveMetrics) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"spurious_events":             m.SpuriousEvents.Load(),
		"completion_errors":           m.CompletionErrors.Load(),
		"write_io_submission_errors":  m.WriteSubmissionErrors.Load(),
		"read_io_submission_errors":   m.ReadSubmissionErrors.Load(),
		"force_sync_io_empty_iocb":    m.ForceSyncIOEmptyIOCB.Load(),
		"force_sync_io_eagain_error":  m.ForceSyncIOEAGAINError.Load(),
		"force_sync_io_no_thread_ctx": m.ForceSyncIONoThreadCtx.Load(),
		"async_write_count":           m.AsyncWriteCount.Load(),
		"async_read_count":            m.AsyncReadCount.Load(),
		"sync_write_count":            m.SyncWriteCount.Load(),
		"sync_read_count":             m.SyncReadCount.Load(),
		"avg_latency_ns":              m.AvgLatencyNs(),
	}
}
