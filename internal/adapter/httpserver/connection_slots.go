package httpserver

import "sync/atomic"

// connectionSlots bounds the number of WebSocket connections this instance
// holds at once.
type connectionSlots struct {
	inUse    atomic.Int64
	capacity int64
}

func newConnectionSlots(capacity int) *connectionSlots {
	return &connectionSlots{capacity: int64(capacity)}
}

// take claims a slot. It reports false when every slot is held.
func (s *connectionSlots) take() bool {
	for n := s.inUse.Load(); n < s.capacity; n = s.inUse.Load() {
		if s.inUse.CompareAndSwap(n, n+1) {
			return true
		}
	}
	return false
}

func (s *connectionSlots) give() { s.inUse.Add(-1) }

func (s *connectionSlots) held() int64 { return s.inUse.Load() }
