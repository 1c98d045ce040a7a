package pools

import (
	"testing"
)

func TestBytePool_GetReturnsRequestedLength(t *testing.T) {
	pool := NewBytePool()

	for _, size := range []int{0, 1, 512, 513, 2048, 9000, 32768} {
		buf := pool.Get(size)
		if len(buf) != size {
			t.Errorf("Get(%d): expected len %d, got %d", size, size, len(buf))
		}
		pool.Put(buf)
	}
}

func TestBytePool_TierCapacity(t *testing.T) {
	pool := NewBytePoolWithSizes([]int{16, 64})

	if c := cap(pool.Get(10)); c != 16 {
		t.Errorf("Expected capacity 16, got %d", c)
	}
	if c := cap(pool.Get(17)); c != 64 {
		t.Errorf("Expected capacity 64, got %d", c)
	}
	if c := cap(pool.Get(65)); c != 65 {
		t.Errorf("Expected direct allocation of 65, got %d", c)
	}
}

func TestBytePool_Stats(t *testing.T) {
	pool := NewBytePoolWithSizes([]int{16})

	a := pool.Get(8)
	b := pool.Get(100)
	pool.Put(a)
	pool.Put(b) // not pooled

	stats := pool.Stats()
	if stats.TotalGets != 2 {
		t.Errorf("Expected 2 gets, got %d", stats.TotalGets)
	}
	if stats.TotalPuts != 1 {
		t.Errorf("Expected 1 put, got %d", stats.TotalPuts)
	}
	if stats.Oversized != 1 {
		t.Errorf("Expected 1 oversized, got %d", stats.Oversized)
	}
	if stats.ActiveBufs != 0 {
		t.Errorf("Expected 0 active buffers, got %d", stats.ActiveBufs)
	}
}

func BenchmarkBytePool_GetPut(b *testing.B) {
	pool := NewBytePool()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := pool.Get(2048)
		pool.Put(buf)
	}
}
