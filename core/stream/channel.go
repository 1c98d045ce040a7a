// Package stream implements a bufferless single-producer/single-consumer
// byte channel for draining request bodies.
//
// A producer hands its own slice to Write and the call returns only after
// the consumer has processed it. Whatever the consumer leaves unconsumed
// is copied into channel-owned storage before Write returns, so the
// producer may reuse its slice immediately. Bytes the consumer processes
// in the same cycle they arrive are never copied.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/searchktools/bodystream/core/pools"
)

// DefaultCopyBufferSize is the chunk size CopyFrom reads with.
const DefaultCopyBufferSize = 2048

// Error definitions
var (
	ErrCancelled       = errors.New("stream: cancelled")
	ErrClosed          = errors.New("stream: write on closed channel")
	ErrConcurrentWrite = errors.New("stream: concurrent write")
	ErrConcurrentRead  = errors.New("stream: concurrent read")
)

// Channel hands body bytes from one producer goroutine to one consumer
// goroutine without copying on the common path.
//
// The consumer loop is:
//
//	for {
//		buf, err := ch.Read(ctx)
//		n := process(buf)
//		ch.Consumed(n)
//		if err != nil {
//			break
//		}
//	}
type Channel struct {
	a    *arena
	head int
	tail int

	firstRead *event
	done      *event
	cancelled *event

	// ready carries "data appended" from Write to Read; released carries
	// "write may return" from Consumed back to Write.
	ready    baton
	released baton

	closeOnce  sync.Once
	err        error
	cancelOnce sync.Once
	cause      error

	mu           sync.Mutex
	registerOnce sync.Once
	stopCancel   func() bool

	writing atomic.Bool
	reading atomic.Bool

	// sides counts the producer's close and the consumer's Release; the
	// second one returns the channel's remaining storage to the pool.
	sides       atomic.Int32
	releaseOnce sync.Once
	scratch     []byte

	// Consumer-side state, touched only by Read and Consumed.
	outstanding bool
	viewLen     int

	stats struct {
		writes         atomic.Uint64
		bytesWritten   atomic.Uint64
		compactions    atomic.Uint64
		compactedBytes atomic.Uint64
		autoConsumed   atomic.Uint64
	}
}

// NewChannel creates a channel whose owned storage comes from the default pool.
func NewChannel() *Channel {
	return NewChannelWithPool(pools.Default())
}

// NewChannelWithPool creates a channel using pool for owned storage.
func NewChannelWithPool(pool *pools.BytePool) *Channel {
	return &Channel{
		a:         newArena(pool),
		head:      nilSegment,
		tail:      nilSegment,
		firstRead: newEvent(),
		done:      newEvent(),
		cancelled: newEvent(),
		ready:     newBaton(),
		released:  newBaton(),
	}
}

// Write implements io.Writer. See WriteContext.
func (c *Channel) Write(p []byte) (int, error) {
	return c.WriteContext(context.Background(), p)
}

// WriteContext hands p to the consumer and blocks until the consumer has
// reported how much of it was consumed. The first call waits for the
// consumer's first Read and ties ctx to the channel: cancelling ctx later
// cancels the channel.
//
// Only one write may be in flight; an overlapping call fails with
// ErrConcurrentWrite. p is not retained after the call returns unless the
// channel was cancelled while the consumer still held it.
func (c *Channel) WriteContext(ctx context.Context, p []byte) (int, error) {
	if c.cancelled.fired() {
		return 0, c.cancelErr()
	}
	if ctx.Err() != nil {
		c.cancelWith(context.Cause(ctx))
		return 0, c.cancelErr()
	}
	if c.done.fired() {
		return 0, ErrClosed
	}

	if !c.writing.CompareAndSwap(false, true) {
		return 0, ErrConcurrentWrite
	}
	defer c.writing.Store(false)

	c.registerOnce.Do(func() {
		c.mu.Lock()
		c.stopCancel = context.AfterFunc(ctx, func() {
			c.cancelWith(context.Cause(ctx))
		})
		c.mu.Unlock()
	})

	if len(p) == 0 {
		return 0, nil
	}

	select {
	case <-c.firstRead.wait():
	case <-c.cancelled.wait():
		return 0, c.cancelErr()
	case <-c.done.wait():
		return 0, ErrClosed
	case <-ctx.Done():
		c.cancelWith(context.Cause(ctx))
		return 0, c.cancelErr()
	}

	// Cancellation may have raced the first read.
	if c.cancelled.fired() {
		return 0, c.cancelErr()
	}

	c.append(c.a.alloc(p, borrowed))
	c.stats.writes.Add(1)
	c.stats.bytesWritten.Add(uint64(len(p)))
	c.ready.post()

	select {
	case <-c.released.c:
		return len(p), nil
	case <-c.cancelled.wait():
		return 0, c.cancelErr()
	case <-ctx.Done():
		c.cancelWith(context.Cause(ctx))
		return 0, c.cancelErr()
	}
}

func (c *Channel) append(i int) {
	if c.head == nilSegment {
		c.head = i
	} else {
		c.a.at(c.tail).next = i
	}
	c.tail = i
}

// CopyFrom drains r into the channel in chunks of size bytes (the default
// when size <= 0), then closes the channel. A read error other than io.EOF
// closes the channel with that error and is returned. A failed write ends
// the copy and still closes the channel.
func (c *Channel) CopyFrom(ctx context.Context, r io.Reader, size int) (int64, error) {
	if size <= 0 {
		size = DefaultCopyBufferSize
	}

	pool := c.a.pool
	buf := pool.Get(size)

	var (
		total    int64
		err      error
		closeErr error
	)
	for {
		nr, rerr := r.Read(buf)
		if nr > 0 {
			nw, werr := c.WriteContext(ctx, buf[:nr])
			total += int64(nw)
			if werr != nil {
				err = werr
				break
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			closeErr = rerr
			err = fmt.Errorf("stream: read body: %w", rerr)
			break
		}
	}

	if c.cancelled.fired() {
		// The consumer may still be looking at buf; it goes back to the
		// pool with the rest of the channel once both sides are done.
		c.scratch = buf
	} else {
		pool.Put(buf)
	}
	c.CloseWithError(closeErr)
	return total, err
}

// ReadFrom implements io.ReaderFrom. See CopyFrom.
func (c *Channel) ReadFrom(r io.Reader) (int64, error) {
	return c.CopyFrom(context.Background(), r, DefaultCopyBufferSize)
}

// Read blocks until data arrives, the producer finishes or the channel is
// cancelled, and returns the unconsumed bytes.
//
// Once the producer has finished, Read returns the remaining bytes (possibly
// none) together with io.EOF, or with the error given to CloseWithError.
// A cancelled channel returns an error wrapping ErrCancelled. Cancelling
// ctx cancels the channel.
//
// Calling Read while the previous Buffer has not been reported through
// Consumed treats that whole Buffer as consumed.
func (c *Channel) Read(ctx context.Context) (Buffer, error) {
	if !c.reading.CompareAndSwap(false, true) {
		return Buffer{}, ErrConcurrentRead
	}
	defer c.reading.Store(false)

	if c.outstanding {
		c.stats.autoConsumed.Add(1)
		c.Consumed(c.viewLen)
	}

	c.firstRead.fire()

	if c.cancelled.fired() {
		return Buffer{}, c.cancelErr()
	}

	if !c.ready.take() {
		select {
		case <-c.ready.c:
		case <-c.done.wait():
		case <-c.cancelled.wait():
		case <-ctx.Done():
			c.cancelWith(context.Cause(ctx))
		}
	}

	if c.cancelled.fired() {
		return Buffer{}, c.cancelErr()
	}

	buf := newBuffer(c.a, c.head, c.tail)
	c.outstanding = true
	c.viewLen = buf.Len()

	if c.done.fired() && !c.ready.pending() {
		if c.err != nil {
			return buf, c.err
		}
		return buf, io.EOF
	}
	return buf, nil
}

// Consumed reports that the first n bytes of the Buffer returned by the
// last Read were processed. Unconsumed bytes remain visible to the next
// Read. It panics if n exceeds that Buffer's length or no Read is
// outstanding.
func (c *Channel) Consumed(n int) {
	if !c.outstanding {
		panic("stream: Consumed called without an outstanding Read")
	}
	if n < 0 || n > c.viewLen {
		panic(fmt.Sprintf("stream: consumed %d bytes of %d", n, c.viewLen))
	}
	c.outstanding = false
	c.viewLen = 0

	c.advance(n)
	c.compact()

	// Last touch of the list on this side: the writer may run from here on.
	c.released.post()
}

// advance drops n bytes from the front of the list, releasing segments
// that become empty.
func (c *Channel) advance(n int) {
	for n > 0 {
		s := c.a.at(c.head)
		if n < s.len() {
			s.start += n
			return
		}

		n -= s.len()
		next := s.next
		c.a.release(c.head)
		c.head = next
	}
	if c.head == nilSegment {
		c.tail = nilSegment
	}
}

// compact copies every remaining borrowed byte into one owned segment
// linked after the owned prefix of the list. Borrowed segments only ever
// trail owned ones.
func (c *Channel) compact() {
	size := 0
	lastOwned := nilSegment
	for i := c.head; i != nilSegment; i = c.a.at(i).next {
		s := c.a.at(i)
		if s.kind == borrowed {
			size += s.len()
		} else {
			lastOwned = i
		}
	}
	if size == 0 {
		return
	}

	dst := c.a.ownedCopy(size)
	data := c.a.at(dst).data

	i := c.head
	if lastOwned != nilSegment {
		i = c.a.at(lastOwned).next
	}
	off := 0
	for i != nilSegment {
		s := c.a.at(i)
		off += copy(data[off:], s.bytes())
		next := s.next
		c.a.release(i)
		i = next
	}

	if lastOwned == nilSegment {
		c.head = dst
	} else {
		c.a.at(lastOwned).next = dst
	}
	c.tail = dst

	c.stats.compactions.Add(1)
	c.stats.compactedBytes.Add(uint64(size))
}

// Close marks the producer as finished. Later calls are no-ops. Only the
// producer may close, after its last Write has returned; other parties
// stop a stream with Cancel.
func (c *Channel) Close() error {
	c.CloseWithError(nil)
	return nil
}

// CloseWithError marks the producer as finished; the consumer's final Read
// returns err instead of io.EOF. Only the first close takes effect.
func (c *Channel) CloseWithError(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		c.mu.Lock()
		if c.stopCancel != nil {
			c.stopCancel()
		}
		c.mu.Unlock()
		c.done.fire()
		c.leave()
	})
}

// Release reports that the consumer is finished with the channel. Buffers
// returned by Read must not be used afterwards. Once the producer has
// closed as well, any storage the channel still holds (unconsumed owned
// segments, the CopyFrom read buffer) goes back to the pool, which matters
// after a cancellation. Later calls are no-ops.
func (c *Channel) Release() {
	c.releaseOnce.Do(c.leave)
}

func (c *Channel) leave() {
	if c.sides.Add(1) < 2 {
		return
	}
	for i := c.head; i != nilSegment; {
		next := c.a.at(i).next
		c.a.release(i)
		i = next
	}
	c.head, c.tail = nilSegment, nilSegment
	if c.scratch != nil {
		c.a.pool.Put(c.scratch)
		c.scratch = nil
	}
}

// Cancel moves the channel to its terminal cancelled state and wakes both
// sides. Later calls are no-ops.
func (c *Channel) Cancel() {
	c.cancelWith(nil)
}

func (c *Channel) cancelWith(cause error) {
	c.cancelOnce.Do(func() {
		c.cause = cause
		c.cancelled.fire()
	})
}

func (c *Channel) cancelErr() error {
	if c.cause != nil && !errors.Is(c.cause, ErrCancelled) {
		return fmt.Errorf("%w: %w", ErrCancelled, c.cause)
	}
	return ErrCancelled
}

// HasData reports whether Read would return without blocking.
func (c *Channel) HasData() bool {
	return c.ready.pending() || c.done.fired() || c.cancelled.fired()
}

// Completed is closed once the producer has finished.
func (c *Channel) Completed() <-chan struct{} {
	return c.done.wait()
}

// Cancelled is closed once the channel has been cancelled.
func (c *Channel) Cancelled() <-chan struct{} {
	return c.cancelled.wait()
}

// Stats returns channel statistics
func (c *Channel) Stats() ChannelStats {
	return ChannelStats{
		Writes:         c.stats.writes.Load(),
		BytesWritten:   c.stats.bytesWritten.Load(),
		Compactions:    c.stats.compactions.Load(),
		CompactedBytes: c.stats.compactedBytes.Load(),
		AutoConsumed:   c.stats.autoConsumed.Load(),
		Completed:      c.done.fired(),
		Cancelled:      c.cancelled.fired(),
	}
}

// ChannelStats contains channel statistics
type ChannelStats struct {
	Writes         uint64
	BytesWritten   uint64
	Compactions    uint64
	CompactedBytes uint64
	AutoConsumed   uint64
	Completed      bool
	Cancelled      bool
}
