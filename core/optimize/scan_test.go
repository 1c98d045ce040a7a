package optimize

import (
	"bytes"
	"strings"
	"testing"
)

func TestIndexByte(t *testing.T) {
	long := []byte(strings.Repeat("a", 100) + "&" + strings.Repeat("b", 10))

	tests := []struct {
		name string
		in   []byte
		c    byte
		want int
	}{
		{"empty", nil, '&', -1},
		{"short hit", []byte("ab&c"), '&', 2},
		{"short miss", []byte("abc"), '&', -1},
		{"first byte", []byte("&"), '&', 0},
		{"long hit", long, '&', 100},
		{"long miss", long, '=', -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IndexByte(tt.in, tt.c); got != tt.want {
				t.Errorf("IndexByte(%q, %q) = %d, want %d", tt.in, tt.c, got, tt.want)
			}
			if got := indexByteShort(tt.in, tt.c); got != bytes.IndexByte(tt.in, tt.c) {
				t.Errorf("short path disagrees with bytes.IndexByte: %d", got)
			}
		})
	}
}

func TestIndexByte_LongInputWithoutVectorUnits(t *testing.T) {
	avx2, neon := useAVX2, useNEON
	useAVX2, useNEON = false, false
	defer func() { useAVX2, useNEON = avx2, neon }()

	data := []byte(strings.Repeat("x", 4096) + "&")
	if got := IndexByte(data, '&'); got != 4096 {
		t.Errorf("IndexByte = %d, want 4096", got)
	}
	if Vectorized() {
		t.Error("Vectorized should report false")
	}
}

func BenchmarkIndexByte(b *testing.B) {
	data := []byte(strings.Repeat("k=v", 600) + "&")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = IndexByte(data, '&')
	}
}
