// Package codec encodes parsed form values for HTTP responses.
package codec

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Codec defines the interface for encoding/decoding response bodies
type Codec interface {
	// Encode encodes a value to bytes
	Encode(v any) ([]byte, error)

	// EncodeTo appends the encoding of v to buf
	EncodeTo(buf *bytebufferpool.ByteBuffer, v any) error

	// Decode decodes bytes to a value
	Decode(data []byte, v any) error

	// Name returns the codec name
	Name() string

	// ContentType returns the media type written in responses
	ContentType() string
}

var (
	jsonCodec     = &JSONCodec{}
	protobufCodec = &ProtobufCodec{}
)

// ByName returns a codec by name ("json" or "protobuf").
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "json", "":
		return jsonCodec, nil
	case "protobuf", "proto":
		return protobufCodec, nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// ForAccept picks a codec for an Accept header value. Entries with a higher
// q-value win; ties keep header order. fallback is returned when nothing
// matches or the header is empty.
func ForAccept(accept string, fallback Codec) Codec {
	var (
		best  Codec
		bestQ float64
	)
	for _, part := range strings.Split(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		q := 1.0
		if s, ok := params["q"]; ok {
			if q, err = strconv.ParseFloat(s, 64); err != nil {
				continue
			}
		}
		if q <= bestQ {
			continue
		}

		var c Codec
		switch mediaType {
		case "application/json", "application/*":
			c = jsonCodec
		case "application/x-protobuf", "application/protobuf", "application/vnd.google.protobuf":
			c = protobufCodec
		case "*/*":
			c = fallback
		}
		if c != nil {
			best, bestQ = c, q
		}
	}
	if best == nil {
		return fallback
	}
	return best
}

// Write encodes v through a pooled buffer and writes it to w.
func Write(w io.Writer, c Codec, v any) (int64, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := c.EncodeTo(buf, v); err != nil {
		return 0, err
	}
	return buf.WriteTo(w)
}

// JSONCodec implements JSON encoding/decoding
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) EncodeTo(buf *bytebufferpool.ByteBuffer, v any) error {
	return json.NewEncoder(buf).Encode(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string {
	return "json"
}

func (c *JSONCodec) ContentType() string {
	return "application/json"
}
