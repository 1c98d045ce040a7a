package codec

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/valyala/bytebufferpool"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtobufCodec implements Protocol Buffers encoding/decoding.
//
// Besides proto.Message values it accepts url.Values, carried as a
// google.protobuf.Struct whose fields are lists of strings.
type ProtobufCodec struct{}

var deterministic = proto.MarshalOptions{Deterministic: true}

func (c *ProtobufCodec) Encode(v any) ([]byte, error) {
	msg, err := toMessage(v)
	if err != nil {
		return nil, err
	}
	return deterministic.Marshal(msg)
}

func (c *ProtobufCodec) EncodeTo(buf *bytebufferpool.ByteBuffer, v any) error {
	msg, err := toMessage(v)
	if err != nil {
		return err
	}
	buf.B, err = deterministic.MarshalAppend(buf.B, msg)
	return err
}

func (c *ProtobufCodec) Decode(data []byte, v any) error {
	if values, ok := v.(*url.Values); ok {
		var s structpb.Struct
		if err := proto.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := StructToValues(&s)
		if err != nil {
			return err
		}
		*values = decoded
		return nil
	}

	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("value must implement proto.Message interface, got %T", v)
	}
	return proto.Unmarshal(data, msg)
}

func (c *ProtobufCodec) Name() string {
	return "protobuf"
}

func (c *ProtobufCodec) ContentType() string {
	return "application/x-protobuf"
}

func toMessage(v any) (proto.Message, error) {
	switch v := v.(type) {
	case proto.Message:
		return v, nil
	case url.Values:
		return ValuesToStruct(v), nil
	default:
		return nil, fmt.Errorf("value must implement proto.Message interface, got %T", v)
	}
}

// ValuesToStruct converts form values to a Struct of string lists.
func ValuesToStruct(values url.Values) *structpb.Struct {
	s := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(values))}
	for k, vs := range values {
		list := make([]*structpb.Value, len(vs))
		for i, v := range vs {
			list[i] = structpb.NewStringValue(v)
		}
		s.Fields[k] = structpb.NewListValue(&structpb.ListValue{Values: list})
	}
	return s
}

// StructToValues reverses ValuesToStruct. A plain string field becomes a
// single value; any other kind is an error.
func StructToValues(s *structpb.Struct) (url.Values, error) {
	keys := make([]string, 0, len(s.GetFields()))
	for k := range s.GetFields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := make(url.Values, len(keys))
	for _, k := range keys {
		field := s.Fields[k]
		switch kind := field.GetKind().(type) {
		case *structpb.Value_StringValue:
			values[k] = []string{kind.StringValue}
		case *structpb.Value_ListValue:
			list := kind.ListValue.GetValues()
			vs := make([]string, len(list))
			for i, item := range list {
				str, ok := item.GetKind().(*structpb.Value_StringValue)
				if !ok {
					return nil, fmt.Errorf("field %q item %d: expected string, got %T", k, i, item.GetKind())
				}
				vs[i] = str.StringValue
			}
			values[k] = vs
		default:
			return nil, fmt.Errorf("field %q: expected string or list, got %T", k, field.GetKind())
		}
	}
	return values, nil
}
