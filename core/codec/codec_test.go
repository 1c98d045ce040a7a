package codec

import (
	"bytes"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var sample = url.Values{"foo": {"bar"}, "baz": {"1", "2"}, "empty": {""}}

func TestJSONCodec_Values(t *testing.T) {
	c := &JSONCodec{}

	data, err := c.Encode(sample)
	require.NoError(t, err)
	assert.JSONEq(t, `{"foo":["bar"],"baz":["1","2"],"empty":[""]}`, string(data))

	var decoded url.Values
	require.NoError(t, c.Decode(data, &decoded))
	assert.Equal(t, sample, decoded)
}

func TestProtobufCodec_Values(t *testing.T) {
	c := &ProtobufCodec{}

	data, err := c.Encode(sample)
	require.NoError(t, err)

	var s structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &s))
	assert.Equal(t, []any{"1", "2"}, s.Fields["baz"].GetListValue().AsSlice())

	var decoded url.Values
	require.NoError(t, c.Decode(data, &decoded))
	assert.Equal(t, sample, decoded)
}

func TestProtobufCodec_Message(t *testing.T) {
	c := &ProtobufCodec{}

	data, err := c.Encode(wrapperspb.Int32(42))
	require.NoError(t, err)

	decoded := &wrapperspb.Int32Value{}
	require.NoError(t, c.Decode(data, decoded))
	assert.Equal(t, int32(42), decoded.Value)
}

func TestProtobufCodec_InvalidType(t *testing.T) {
	c := &ProtobufCodec{}

	_, err := c.Encode("not a proto message")
	assert.Error(t, err)

	var s string
	assert.Error(t, c.Decode(nil, &s))
}

func TestProtobufCodec_EncodeToAppends(t *testing.T) {
	c := &ProtobufCodec{}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString("prefix")
	require.NoError(t, c.EncodeTo(buf, sample))

	want, err := c.Encode(sample)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("prefix"), want...), buf.B)
}

func TestStructToValues(t *testing.T) {
	s, err := structpb.NewStruct(map[string]any{
		"one":  "x",
		"list": []any{"a", "b"},
	})
	require.NoError(t, err)

	values, err := StructToValues(s)
	require.NoError(t, err)
	assert.Equal(t, url.Values{"one": {"x"}, "list": {"a", "b"}}, values)

	bad, err := structpb.NewStruct(map[string]any{"n": 1.5})
	require.NoError(t, err)
	_, err = StructToValues(bad)
	assert.Error(t, err)

	bad, err = structpb.NewStruct(map[string]any{"l": []any{true}})
	require.NoError(t, err)
	_, err = StructToValues(bad)
	assert.Error(t, err)
}

func TestByName(t *testing.T) {
	c, err := ByName("JSON")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = ByName("protobuf")
	require.NoError(t, err)
	assert.Equal(t, "application/x-protobuf", c.ContentType())

	_, err = ByName("msgpack")
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestForAccept(t *testing.T) {
	fallback := jsonCodec

	tests := []struct {
		accept string
		want   string
	}{
		{"", "json"},
		{"*/*", "json"},
		{"text/html", "json"},
		{"application/json", "json"},
		{"application/x-protobuf", "protobuf"},
		{"application/protobuf;q=0.9, application/json;q=0.5", "protobuf"},
		{"application/json;q=0.2, application/x-protobuf", "protobuf"},
		{"application/x-protobuf, application/json", "protobuf"},
		{"application/x-protobuf;q=0, application/json;q=0.1", "json"},
		{"application/x-protobuf;q=abc", "json"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ForAccept(tt.accept, fallback).Name(), "accept %q", tt.accept)
	}
}

func TestWrite(t *testing.T) {
	var out bytes.Buffer
	n, err := Write(&out, jsonCodec, url.Values{"a": {"1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(out.Len()), n)
	assert.Equal(t, "{\"a\":[\"1\"]}\n", out.String())

	_, err = Write(&out, protobufCodec, 42)
	assert.Error(t, err)
}

func BenchmarkJSONWrite(b *testing.B) {
	var out bytes.Buffer

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out.Reset()
		_, _ = Write(&out, jsonCodec, sample)
	}
}

func BenchmarkProtobufWrite(b *testing.B) {
	var out bytes.Buffer

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		out.Reset()
		_, _ = Write(&out, protobufCodec, sample)
	}
}
