package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/bodystream/core/pools"
)

// testBuffer links parts into an arena the way a channel would and
// returns a view over all of them.
func testBuffer(parts ...string) Buffer {
	a := newArena(pools.NewBytePool())
	head, tail := nilSegment, nilSegment
	for _, p := range parts {
		i := a.alloc([]byte(p), borrowed)
		if head == nilSegment {
			head = i
		} else {
			a.at(tail).next = i
		}
		tail = i
	}
	return newBuffer(a, head, tail)
}

func spans(b Buffer) []string {
	var out []string
	for p := range b.All() {
		out = append(out, string(p))
	}
	return out
}

func TestBuffer_IndexByte(t *testing.T) {
	buf := testBuffer("ab", "c&de")

	assert.Equal(t, 5, buf.Len())
	assert.Equal(t, 3, buf.IndexByte('&'))
	assert.Equal(t, 0, buf.IndexByte('a'))
	assert.Equal(t, 4, buf.IndexByte('e'))
	assert.Equal(t, -1, buf.IndexByte('='))
}

func TestBuffer_IndexByteFrom(t *testing.T) {
	buf := testBuffer("a&b", "&c", "&")

	tests := []struct {
		from int
		want int
	}{
		{-3, 1},
		{0, 1},
		{1, 1},
		{2, 3},
		{4, 5},
		{5, 5},
		{6, -1},
		{100, -1},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, buf.IndexByteFrom('&', tt.from), "from %d", tt.from)
	}
}

func TestBuffer_Slice(t *testing.T) {
	buf := testBuffer("foo=", "bar&", "baz")

	tests := []struct {
		name   string
		offset int
		length int
		want   string
		spans  []string
	}{
		{"whole", 0, 11, "foo=bar&baz", []string{"foo=", "bar&", "baz"}},
		{"inside first", 1, 2, "oo", []string{"oo"}},
		{"across two", 2, 4, "o=ba", []string{"o=", "ba"}},
		{"across three", 3, 6, "=bar&b", []string{"=", "bar&", "b"}},
		{"segment boundary start", 4, 4, "bar&", []string{"bar&"}},
		{"ends on boundary", 0, 8, "foo=bar&", []string{"foo=", "bar&"}},
		{"tail", 8, 3, "baz", []string{"baz"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := buf.Slice(tt.offset, tt.length)
			assert.Equal(t, tt.length, s.Len())
			assert.Equal(t, tt.want, s.String())
			assert.Equal(t, tt.spans, spans(s))
		})
	}
}

func TestBuffer_SliceOfSlice(t *testing.T) {
	buf := testBuffer("foo=bar", "&baz=2")

	rest := buf.Slice(8, buf.Len()-8)
	require.Equal(t, "baz=2", rest.String())

	eq := rest.IndexByte('=')
	require.Equal(t, 3, eq)
	assert.Equal(t, "baz", rest.Slice(0, eq).String())
	assert.Equal(t, "2", rest.Slice(eq+1, rest.Len()-eq-1).String())
}

func TestBuffer_SliceEmptyAndOutOfRange(t *testing.T) {
	buf := testBuffer("abc")

	assert.True(t, buf.Slice(1, 0).IsEmpty())
	assert.True(t, buf.Slice(3, 0).IsEmpty())

	assert.Panics(t, func() { buf.Slice(-1, 1) })
	assert.Panics(t, func() { buf.Slice(0, 4) })
	assert.Panics(t, func() { buf.Slice(2, -1) })
}

func TestBuffer_BytesSingleSegmentIsView(t *testing.T) {
	buf := testBuffer("hello")
	head := buf.a.at(buf.head).data

	b := buf.Bytes()
	require.Equal(t, "hello", string(b))
	assert.Same(t, &head[0], &b[0])
}

func TestBuffer_BytesMultiSegmentCopies(t *testing.T) {
	buf := testBuffer("hel", "lo")

	b := buf.Bytes()
	require.Equal(t, "hello", string(b))

	b[0] = 'j'
	assert.Equal(t, "hello", buf.String())
}

func TestBuffer_AllIsRestartable(t *testing.T) {
	buf := testBuffer("a", "bc", "def")

	first := spans(buf)
	second := spans(buf)
	assert.Equal(t, []string{"a", "bc", "def"}, first)
	assert.Equal(t, first, second)

	// Early stop
	n := 0
	for range buf.All() {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestBuffer_CopyTo(t *testing.T) {
	buf := testBuffer("ab", "cd", "ef")

	dst := make([]byte, 3)
	assert.Equal(t, 3, buf.CopyTo(dst))
	assert.Equal(t, "abc", string(dst))

	dst = make([]byte, 10)
	assert.Equal(t, 6, buf.CopyTo(dst))
	assert.Equal(t, "abcdef", string(dst[:6]))
}

func TestBuffer_Empty(t *testing.T) {
	var zero Buffer
	assert.True(t, zero.IsEmpty())
	assert.Equal(t, 0, zero.Len())
	assert.Nil(t, zero.Bytes())
	assert.Equal(t, "", zero.String())
	assert.Equal(t, -1, zero.IndexByte('a'))
	assert.Empty(t, spans(zero))

	assert.True(t, testBuffer().IsEmpty())
	assert.True(t, testBuffer("").IsEmpty())
}

func BenchmarkBuffer_IndexByte(b *testing.B) {
	buf := testBuffer("key1=value1&key2=", "value2&key3=value3", "&key4=value4")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buf.IndexByteFrom('&', 20)
	}
}
