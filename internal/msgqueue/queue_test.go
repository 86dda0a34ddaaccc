package msgqueue

import (
	"sync"
	"testing"
)

func TestFIFO(t *testing.T) {
	q := New(8)
	for i := 0; i < 5; i++ {
		if !q.Put(i) {
			t.Fatalf("Put(%d) failed", i)
		}
	}
	for i := 0; i < 5; i++ {
		v, ok := q.TryGet()
		if !ok {
			t.Fatalf("TryGet %d: queue empty", i)
		}
		if v.(int) != i {
			t.Errorf("got %v, want %d", v, i)
		}
	}
	if _, ok := q.TryGet(); ok {
		t.Error("expected empty queue")
	}
}

func TestBoundedBlocksUntilConsumed(t *testing.T) {
	q := New(2)
	q.Put(1)
	q.Put(2)

	done := make(chan struct{})
	go func() {
		q.Put(3) // blocks until a slot frees up
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Put should have blocked on a full queue")
	default:
	}

	if v, ok := q.TryGet(); !ok || v.(int) != 1 {
		t.Fatalf("TryGet = %v, %v", v, ok)
	}
	<-done

	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}
}

func TestConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 100

	q := New(64)
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Put(p)
			}
		}(p)
	}

	got := 0
	for got < producers*perProducer {
		if _, ok := q.TryGet(); ok {
			got++
		}
	}
	wg.Wait()
	if q.Len() != 0 {
		t.Errorf("Len = %d after draining", q.Len())
	}
}

func TestCloseUnblocksProducers(t *testing.T) {
	q := New(1)
	q.Put(1)

	done := make(chan bool)
	go func() {
		done <- q.Put(2)
	}()
	q.Close()
	if ok := <-done; ok {
		t.Error("Put after Close should report false")
	}

	// Queued items remain readable.
	if v, ok := q.TryGet(); !ok || v.(int) != 1 {
		t.Errorf("TryGet = %v, %v", v, ok)
	}
}
