// Package buffer implements a bounded, lock-free multi-producer
// multi-consumer ring buffer used to absorb ingest bursts before the flush
// and broadcast workers drain it.
//
// The algorithm is the classic Vyukov bounded MPMC queue: a fixed array of
// slots, each carrying its own sequence counter, with atomic head/tail
// cursors. A push/pop never blocks on a mutex; a full/empty queue is
// reported via ErrWouldBlock so callers decide how to back off.
package buffer

import (
	"errors"
	"sync/atomic"
)

// ErrWouldBlock is returned by TryPush when the ring is full and by TryPop
// when it is empty. It is a sentinel, not a transient-error type — callers
// should treat it as "try again later", never retry in a tight loop without
// backoff.
var ErrWouldBlock = errors.New("buffer: would block")

// IsWouldBlock reports whether err is ErrWouldBlock.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

type slot[T any] struct {
	seq   atomic.Uint64
	value T
}

// Ring is a bounded lock-free MPMC ring buffer of capacity values, where
// capacity is rounded up to the next power of two internally. Zero
// value is not usable; construct with New.
type Ring[T any] struct {
	mask     uint64
	slots    []slot[T]
	enqueuePos atomic.Uint64
	dequeuePos atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a Ring with room for at least capacity elements. capacity must
// be positive; it is rounded up to the next power of two.
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	size := nextPowerOfTwo(uint64(capacity))
	r := &Ring[T]{
		mask:  size - 1,
		slots: make([]slot[T], size),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// Capacity returns the number of slots in the ring.
func (r *Ring[T]) Capacity() int {
	return len(r.slots)
}

// TryPush attempts to enqueue v without blocking. Returns ErrWouldBlock if
// the ring is at capacity; the caller (ingest handler) is expected to count
// this as a dropped event rather than retry indefinitely.
func (r *Ring[T]) TryPush(v T) error {
	for {
		pos := r.enqueuePos.Load()
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()

		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if r.enqueuePos.CompareAndSwap(pos, pos+1) {
				s.value = v
				s.seq.Store(pos + 1)
				return nil
			}
		case diff < 0:
			r.dropped.Add(1)
			return ErrWouldBlock
		default:
			// Another producer is mid-write to this slot; retry.
		}
	}
}

// TryPop attempts to dequeue a value without blocking. Returns ErrWouldBlock
// if the ring is empty.
func (r *Ring[T]) TryPop() (T, error) {
	for {
		pos := r.dequeuePos.Load()
		s := &r.slots[pos&r.mask]
		seq := s.seq.Load()

		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if r.dequeuePos.CompareAndSwap(pos, pos+1) {
				v := s.value
				var zero T
				s.value = zero
				s.seq.Store(pos + r.mask + 1)
				return v, nil
			}
		case diff < 0:
			var zero T
			return zero, ErrWouldBlock
		default:
			// Another consumer is mid-read of this slot; retry.
		}
	}
}

// PopBatch drains up to len(dst) values into dst and returns the number
// popped. It stops at the first empty slot rather than blocking.
func (r *Ring[T]) PopBatch(dst []T) int {
	n := 0
	for n < len(dst) {
		v, err := r.TryPop()
		if err != nil {
			break
		}
		dst[n] = v
		n++
	}
	return n
}

// Len estimates the number of queued elements. Because enqueue/dequeue
// cursors move independently under concurrent access, this is a snapshot
// that may be stale by the time the caller observes it — suitable for
// metrics and backpressure heuristics, not exact accounting.
func (r *Ring[T]) Len() int {
	enq := r.enqueuePos.Load()
	deq := r.dequeuePos.Load()
	if enq < deq {
		return 0
	}
	return int(enq - deq)
}

// IsEmpty reports whether the ring currently holds no elements.
func (r *Ring[T]) IsEmpty() bool {
	return r.Len() == 0
}

// Dropped returns the cumulative count of TryPush calls that failed because
// the ring was full.
func (r *Ring[T]) Dropped() uint64 {
	return r.dropped.Load()
}
