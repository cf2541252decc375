package gateway

import "sync"

type replayEntry struct {
	Seq  int64
	Data []byte // envelope JSON
}

// ReplayBuffer keeps the most recent frame envelopes so a reconnecting
// client can resume from the last sequence number it saw.
type ReplayBuffer struct {
	mu   sync.RWMutex
	buf  []replayEntry
	cap  int
	pos  int
	full bool
}

func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 512
	}
	return &ReplayBuffer{buf: make([]replayEntry, capacity), cap: capacity}
}

// Push appends an envelope, overwriting the oldest when full. Seq must
// increase by one per push.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.buf[rb.pos] = replayEntry{Seq: seq, Data: data}
	rb.pos = (rb.pos + 1) % rb.cap
	if rb.pos == 0 {
		rb.full = true
	}
}

// Since returns the envelopes after seq in order. ok is false when the
// buffer no longer holds seq+1, i.e. the caller missed data it cannot
// get back from here.
func (rb *ReplayBuffer) Since(seq int64) (out [][]byte, ok bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	n := rb.len()
	if n == 0 {
		return nil, false
	}
	oldest := rb.buf[rb.index(0)].Seq
	newest := rb.buf[rb.index(n-1)].Seq
	if seq >= newest {
		return nil, seq == newest
	}
	if seq+1 < oldest {
		return nil, false
	}
	for i := int(seq + 1 - oldest); i < n; i++ {
		out = append(out, rb.buf[rb.index(i)].Data)
	}
	return out, true
}

func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.len()
}

func (rb *ReplayBuffer) len() int {
	if rb.full {
		return rb.cap
	}
	return rb.pos
}

// index converts a logical index (0 = oldest) to a physical one.
func (rb *ReplayBuffer) index(logical int) int {
	if rb.full {
		return (rb.pos + logical) % rb.cap
	}
	return logical
}
