// Package optimize holds CPU-aware helpers for scanning body segments.
package optimize

import (
	"bytes"

	"golang.org/x/sys/cpu"
)

// Vector capabilities detection
var (
	useAVX2 bool // x86_64 AVX2
	useNEON bool // ARM64 NEON
)

// Below this length a plain loop beats the call into the runtime routine.
const shortThreshold = 16

func init() {
	if cpu.ARM64.HasASIMD {
		useNEON = true
	}
	if cpu.X86.HasAVX2 {
		useAVX2 = true
	}
}

// Vectorized reports whether the host has the wide vector units the
// runtime's IndexByte uses for long inputs.
func Vectorized() bool {
	return useAVX2 || useNEON
}

// IndexByte returns the index of the first c in b, or -1. Long inputs
// always go to bytes.IndexByte, which is vectorised on every GOARCH the
// server targets even without AVX2 or ASIMD.
func IndexByte(b []byte, c byte) int {
	if len(b) >= shortThreshold {
		return bytes.IndexByte(b, c)
	}
	return indexByteShort(b, c)
}

func indexByteShort(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}
