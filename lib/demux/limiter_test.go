package demux

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestPendingLimitAdmit(t *testing.T) {
	before := DemuxPending.Value()
	l := newPendingLimit(2)
	a := l.admit()
	b := l.admit()
	if a == nil || b == nil {
		t.Fatal("admit within the bound should succeed")
	}
	if l.admit() != nil {
		t.Error("admit at the bound should refuse")
	}
	if got := DemuxPending.Value() - before; got != 2 {
		t.Errorf("DemuxPending rose by %d, want 2", got)
	}

	a.release()
	if l.count() != 1 {
		t.Errorf("count = %d, want 1", l.count())
	}
	c := l.admit()
	if c == nil {
		t.Fatal("released slot should admit another connection")
	}
	b.release()
	c.release()
	if l.count() != 0 || DemuxPending.Value() != before {
		t.Errorf("count = %d, DemuxPending = %d after all releases, want 0 and %d", l.count(), DemuxPending.Value(), before)
	}
}

func TestSlotReleasesOnce(t *testing.T) {
	l := newPendingLimit(2)
	first := l.admit()
	defer first.release()
	s := l.admit()
	s.release()
	s.release()
	if l.count() != 1 {
		t.Errorf("count = %d, want 1", l.count())
	}

	var reused *slot
	reused.release()
}

func TestPendingLimitSetMax(t *testing.T) {
	if newPendingLimit(0).limit() != DefaultMaxPendingConnections {
		t.Error("zero max should use the default")
	}
	if newPendingLimit(-5).limit() != DefaultMaxPendingConnections {
		t.Error("negative max should use the default")
	}

	l := newPendingLimit(2)
	held := []*slot{l.admit(), l.admit()}

	// Lowering the bound keeps held slots but refuses new ones.
	l.setMax(1)
	if l.admit() != nil {
		t.Error("admit above a lowered bound should refuse")
	}
	held[0].release()
	if l.admit() != nil {
		t.Error("still at the lowered bound")
	}
	held[1].release()
	s := l.admit()
	if s == nil {
		t.Fatal("admit below the lowered bound should succeed")
	}
	s.release()
}

func TestPendingLimitConcurrent(t *testing.T) {
	l := newPendingLimit(10)
	var wg sync.WaitGroup
	var inUse, peak int32

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := l.admit()
			if s == nil {
				return
			}
			n := atomic.AddInt32(&inUse, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			atomic.AddInt32(&inUse, -1)
			s.release()
		}()
	}
	wg.Wait()

	if peak > 10 {
		t.Errorf("peak concurrent slots = %d, exceeds limit", peak)
	}
	if l.count() != 0 {
		t.Errorf("count = %d after all releases", l.count())
	}
}
