package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/muxtun/muxtun/internal/relay/protocol"
)

// ErrReorderOverflow indicates the reorder buffer capacity would be exceeded.
var ErrReorderOverflow = errors.New("relay: reorder buffer overflow")

// ReorderedChunk is data that has become contiguous and ready for delivery.
type ReorderedChunk struct {
	Data []byte
	End  bool
}

type reorderEntry struct {
	payload []byte
	end     bool
}

// ReorderBuffer holds out-of-order data frames until they can be delivered in
// sequence. Capacity is bounded so a sender overrunning its credit cannot
// force unbounded buffering on the receiver.
type ReorderBuffer struct {
	mu       sync.Mutex
	next     uint64
	buffer   map[uint64]reorderEntry
	buffered uint32
	capacity uint32
	terminal bool
	endSeq   uint64
}

func NewReorderBuffer(capacity uint32) *ReorderBuffer {
	return &ReorderBuffer{
		buffer:   make(map[uint64]reorderEntry),
		capacity: capacity,
	}
}

// Push inserts a frame at the given sequence offset and returns any chunks
// that became contiguous. Payloads are copied to isolate from caller
// mutation. Duplicates and already-delivered offsets are dropped silently.
func (r *ReorderBuffer) Push(seq uint64, payload []byte, end bool) ([]ReorderedChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq < r.next {
		if end && !r.terminal {
			r.terminal = true
			r.endSeq = seq + uint64(len(payload))
		}
		return nil, nil
	}
	if existing, ok := r.buffer[seq]; ok {
		if end && !existing.end {
			r.buffer[seq] = reorderEntry{payload: existing.payload, end: true}
		}
		return nil, nil
	}
	length := uint32(len(payload))
	if length > 0 {
		if r.buffered+length > r.capacity {
			return nil, ErrReorderOverflow
		}
		r.buffered += length
	}
	r.buffer[seq] = reorderEntry{payload: append([]byte(nil), payload...), end: end}
	if end {
		r.terminal = true
		r.endSeq = seq + uint64(len(payload))
	}
	return r.popReadyLocked(), nil
}

// popReadyLocked drains newly contiguous chunks. Caller must hold r.mu.
func (r *ReorderBuffer) popReadyLocked() []ReorderedChunk {
	var ready []ReorderedChunk
	for {
		entry, ok := r.buffer[r.next]
		if !ok {
			return ready
		}
		delete(r.buffer, r.next)
		r.buffered -= uint32(len(entry.payload))
		ready = append(ready, ReorderedChunk{Data: entry.payload, End: entry.end})
		r.next += uint64(len(entry.payload))
		if entry.end && r.endSeq > r.next {
			r.next = r.endSeq
		}
	}
}

// BufferedBytes reports the bytes currently parked out of order.
func (r *ReorderBuffer) BufferedBytes() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffered
}

// NextSeq is the next expected in-order sequence offset.
func (r *ReorderBuffer) NextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// HasTerminal reports whether an END_OF_STREAM flag has been observed.
func (r *ReorderBuffer) HasTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

// SACKRanges returns sorted, coalesced ranges of buffered data beyond the
// cumulative ack point, capped for inclusion in ACK frames.
func (r *ReorderBuffer) SACKRanges() []protocol.SACKRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]uint64, 0, len(r.buffer))
	for seq, entry := range r.buffer {
		if len(entry.payload) == 0 {
			continue
		}
		keys = append(keys, seq)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	ranges := make([]protocol.SACKRange, 0, len(keys))
	for _, seq := range keys {
		entry := r.buffer[seq]
		start, end := seq, seq+uint64(len(entry.payload))
		if n := len(ranges); n > 0 && start <= ranges[n-1].End {
			if end > ranges[n-1].End {
				ranges[n-1].End = end
			}
			continue
		}
		ranges = append(ranges, protocol.SACKRange{Start: start, End: end})
	}
	if len(ranges) > protocol.MaxSACKRanges {
		ranges = ranges[:protocol.MaxSACKRanges]
	}
	return ranges
}
