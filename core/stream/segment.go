package stream

import "github.com/searchktools/bodystream/core/pools"

// nilSegment terminates a segment list.
const nilSegment = -1

type segmentKind uint8

const (
	// borrowed segments alias a slice passed to Write and are only valid
	// until that call returns.
	borrowed segmentKind = iota
	// owned segments live in storage the channel took from its pool.
	owned
)

// segment is one contiguous byte range of the channel's list.
// Invariant: start <= end <= len(data).
type segment struct {
	data  []byte
	start int
	end   int
	kind  segmentKind
	next  int
}

func (s *segment) len() int {
	return s.end - s.start
}

func (s *segment) bytes() []byte {
	return s.data[s.start:s.end]
}

// arena stores segments by integer handle so views can refer to them
// without owning them.
type arena struct {
	segs []segment
	free []int
	pool *pools.BytePool
}

func newArena(pool *pools.BytePool) *arena {
	return &arena{
		segs: make([]segment, 0, 4),
		pool: pool,
	}
}

func (a *arena) at(i int) *segment {
	return &a.segs[i]
}

func (a *arena) alloc(data []byte, kind segmentKind) int {
	s := segment{
		data: data,
		end:  len(data),
		kind: kind,
		next: nilSegment,
	}

	if n := len(a.free); n > 0 {
		i := a.free[n-1]
		a.free = a.free[:n-1]
		a.segs[i] = s
		return i
	}

	a.segs = append(a.segs, s)
	return len(a.segs) - 1
}

// ownedCopy allocates an owned segment of size bytes from the pool.
func (a *arena) ownedCopy(size int) int {
	return a.alloc(a.pool.Get(size), owned)
}

// release returns segment i to the free list. Owned storage goes back
// to the pool; borrowed storage is forgotten.
func (a *arena) release(i int) {
	s := &a.segs[i]
	if s.kind == owned {
		a.pool.Put(s.data)
	}
	*s = segment{next: nilSegment}
	a.free = append(a.free, i)
}
