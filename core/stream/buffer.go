package stream

import (
	"fmt"
	"iter"
	"strings"

	"github.com/searchktools/bodystream/core/optimize"
)

// Buffer is a read-only view over one or more segments of a Channel.
//
// A Buffer returned by Channel.Read is borrowed: it must not be used after
// the matching Channel.Consumed call, because consumption may release or
// replace the storage it points at. The zero Buffer is empty.
type Buffer struct {
	a     *arena
	head  int
	tail  int
	start int // offset into the head segment's data
	end   int // offset into the tail segment's data
	n     int
}

// newBuffer spans the live bytes of the list head..tail.
func newBuffer(a *arena, head, tail int) Buffer {
	if head == nilSegment {
		return Buffer{}
	}

	b := Buffer{
		a:     a,
		head:  head,
		tail:  tail,
		start: a.at(head).start,
		end:   a.at(tail).end,
	}
	for i := head; ; i = a.at(i).next {
		lo, hi := b.bounds(i)
		b.n += hi - lo
		if i == tail {
			break
		}
	}
	if b.n == 0 {
		return Buffer{}
	}
	return b
}

// bounds returns the data offsets of segment i clipped to this view.
func (b Buffer) bounds(i int) (lo, hi int) {
	s := b.a.at(i)
	lo, hi = s.start, s.end
	if i == b.head {
		lo = b.start
	}
	if i == b.tail {
		hi = b.end
	}
	return lo, hi
}

// Len returns the number of bytes in the view.
func (b Buffer) Len() int {
	return b.n
}

// IsEmpty reports whether the view spans zero bytes.
func (b Buffer) IsEmpty() bool {
	return b.n == 0
}

// All yields the view's bytes as contiguous spans, one per segment, in
// order. Each call starts a fresh walk.
func (b Buffer) All() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		if b.n == 0 {
			return
		}
		for i := b.head; ; i = b.a.at(i).next {
			lo, hi := b.bounds(i)
			if hi > lo && !yield(b.a.at(i).data[lo:hi]) {
				return
			}
			if i == b.tail {
				return
			}
		}
	}
}

// IndexByte returns the index of the first c in the view, or -1.
func (b Buffer) IndexByte(c byte) int {
	return b.IndexByteFrom(c, 0)
}

// IndexByteFrom returns the index of the first c at or after from, or -1.
// The index is relative to the start of the view, not to a segment.
func (b Buffer) IndexByteFrom(c byte, from int) int {
	if from < 0 {
		from = 0
	}
	if from >= b.n {
		return -1
	}

	base := 0
	for p := range b.All() {
		if base+len(p) > from {
			off := 0
			if from > base {
				off = from - base
			}
			if j := optimize.IndexByte(p[off:], c); j >= 0 {
				return base + off + j
			}
		}
		base += len(p)
	}
	return -1
}

// Slice returns the sub-view [offset, offset+length). It may cross segment
// boundaries and never copies. Out-of-range arguments panic.
func (b Buffer) Slice(offset, length int) Buffer {
	if offset < 0 || length < 0 || offset+length > b.n {
		panic(fmt.Sprintf("stream: slice [%d:%d] out of range with length %d", offset, offset+length, b.n))
	}
	if length == 0 {
		return Buffer{}
	}

	out := Buffer{a: b.a, n: length}
	last := offset + length
	base := 0
	found := false
	for i := b.head; ; i = b.a.at(i).next {
		lo, hi := b.bounds(i)
		size := hi - lo
		if !found && base+size > offset {
			out.head = i
			out.start = lo + offset - base
			found = true
		}
		if found && base+size >= last {
			out.tail = i
			out.end = lo + last - base
			return out
		}
		base += size
		if i == b.tail {
			break
		}
	}
	panic("stream: corrupt segment list")
}

// Bytes returns the view as one contiguous slice. A single-segment view is
// returned without copying and shares the view's lifetime; otherwise the
// bytes are copied into a new slice owned by the caller.
func (b Buffer) Bytes() []byte {
	if b.n == 0 {
		return nil
	}
	if b.head == b.tail {
		return b.a.at(b.head).data[b.start:b.end]
	}

	out := make([]byte, b.n)
	b.CopyTo(out)
	return out
}

// CopyTo copies the view into dst and returns the number of bytes copied.
func (b Buffer) CopyTo(dst []byte) int {
	n := 0
	for p := range b.All() {
		if n == len(dst) {
			break
		}
		n += copy(dst[n:], p)
	}
	return n
}

// String returns a copy of the view's bytes as a string.
func (b Buffer) String() string {
	var sb strings.Builder
	sb.Grow(b.n)
	for p := range b.All() {
		sb.Write(p)
	}
	return sb.String()
}
