package demux

import (
	"sync"
	"sync/atomic"
)

// pendingLimit bounds connections that have been accepted but not yet
// dispatched. Each admitted connection holds a slot until its preamble is
// resolved or it is closed; DemuxPending tracks the slots held.
type pendingLimit struct {
	max    atomic.Int32
	active atomic.Int32
}

func newPendingLimit(max int) *pendingLimit {
	l := &pendingLimit{}
	l.setMax(max)
	return l
}

// admit reserves a slot, or returns nil when max slots are held.
func (l *pendingLimit) admit() *slot {
	for {
		n := l.active.Load()
		if n >= l.max.Load() {
			return nil
		}
		if l.active.CompareAndSwap(n, n+1) {
			DemuxPending.Inc()
			return &slot{limit: l}
		}
	}
}

// setMax changes the bound. Slots already held are kept even when they
// exceed the new bound; admit refuses until enough are released.
func (l *pendingLimit) setMax(max int) {
	if max <= 0 {
		max = DefaultMaxPendingConnections
	}
	l.max.Store(int32(max))
}

func (l *pendingLimit) count() int { return int(l.active.Load()) }

func (l *pendingLimit) limit() int { return int(l.max.Load()) }

// slot is one admitted connection's claim on the pending bound. Reused
// connections are served without one, so a nil slot is valid.
type slot struct {
	limit *pendingLimit
	once  sync.Once
}

// release gives the slot back. Only the first call has an effect.
func (s *slot) release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.limit.active.Add(-1)
		DemuxPending.Dec()
	})
}
