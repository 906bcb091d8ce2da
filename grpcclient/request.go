package grpcclient

import (
	"encoding/json"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"caikitnlp/nlp"
)

// buildRequest constructs a dynamic message of type md from a flat set of
// keyword parameters. Every key must name a field of the discovered request
// type; the error names the offending key so the caller can self-correct.
func buildRequest(md protoreflect.MessageDescriptor, params map[string]any) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(md)
	for name, value := range params {
		fd := md.Fields().ByName(protoreflect.Name(name))
		if fd == nil {
			return nil, nlp.Errf(nlp.KindInvalidArgument, "Unsupported kwarg: %s=%v", name, value)
		}
		if err := setField(msg, fd, value); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func setField(msg *dynamicpb.Message, fd protoreflect.FieldDescriptor, value any) error {
	switch {
	case fd.IsMap():
		return setMapField(msg, fd, value)
	case fd.IsList():
		return setListField(msg, fd, value)
	case fd.Kind() == protoreflect.MessageKind || fd.Kind() == protoreflect.GroupKind:
		// nested messages (including well-known types like Struct) go
		// through protojson, which knows their JSON mapping
		raw, err := json.Marshal(value)
		if err != nil {
			return nlp.Errf(nlp.KindInvalidArgument, "parameter %s does not encode as JSON: %v", fd.Name(), err)
		}
		sub := msg.Mutable(fd).Message().Interface()
		if err := protojson.Unmarshal(raw, sub); err != nil {
			return nlp.Errf(nlp.KindInvalidArgument, "parameter %s does not fit %s: %v", fd.Name(), fd.Message().FullName(), err)
		}
		return nil
	default:
		v, err := scalarValue(fd, value)
		if err != nil {
			return err
		}
		msg.Set(fd, v)
		return nil
	}
}

func setListField(msg *dynamicpb.Message, fd protoreflect.FieldDescriptor, value any) error {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nlp.Errf(nlp.KindInvalidArgument, "parameter %s expects a list, got %T", fd.Name(), value)
	}
	list := msg.Mutable(fd).List()
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i).Interface()
		if fd.Kind() == protoreflect.MessageKind {
			raw, err := json.Marshal(elem)
			if err != nil {
				return nlp.Errf(nlp.KindInvalidArgument, "parameter %s[%d] does not encode as JSON: %v", fd.Name(), i, err)
			}
			v := list.NewElement()
			if err := protojson.Unmarshal(raw, v.Message().Interface()); err != nil {
				return nlp.Errf(nlp.KindInvalidArgument, "parameter %s[%d] does not fit %s: %v", fd.Name(), i, fd.Message().FullName(), err)
			}
			list.Append(v)
			continue
		}
		v, err := scalarValue(fd, elem)
		if err != nil {
			return err
		}
		list.Append(v)
	}
	return nil
}

func setMapField(msg *dynamicpb.Message, fd protoreflect.FieldDescriptor, value any) error {
	m, ok := value.(map[string]any)
	if !ok || fd.MapKey().Kind() != protoreflect.StringKind {
		return nlp.Errf(nlp.KindInvalidArgument, "parameter %s expects a string-keyed map, got %T", fd.Name(), value)
	}
	mp := msg.Mutable(fd).Map()
	for k, mv := range m {
		v, err := scalarValue(fd.MapValue(), mv)
		if err != nil {
			return err
		}
		mp.Set(protoreflect.ValueOfString(k).MapKey(), v)
	}
	return nil
}

func scalarValue(fd protoreflect.FieldDescriptor, value any) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.BoolKind:
		if b, ok := value.(bool); ok {
			return protoreflect.ValueOfBool(b), nil
		}
	case protoreflect.StringKind:
		if s, ok := value.(string); ok {
			return protoreflect.ValueOfString(s), nil
		}
	case protoreflect.BytesKind:
		switch b := value.(type) {
		case []byte:
			return protoreflect.ValueOfBytes(b), nil
		case string:
			return protoreflect.ValueOfBytes([]byte(b)), nil
		}
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		if n, ok := toInt64(value); ok {
			return protoreflect.ValueOfInt32(int32(n)), nil
		}
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		if n, ok := toInt64(value); ok {
			return protoreflect.ValueOfInt64(n), nil
		}
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		if n, ok := toInt64(value); ok && n >= 0 {
			return protoreflect.ValueOfUint32(uint32(n)), nil
		}
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		if n, ok := toInt64(value); ok && n >= 0 {
			return protoreflect.ValueOfUint64(uint64(n)), nil
		}
	case protoreflect.FloatKind:
		if f, ok := toFloat64(value); ok {
			return protoreflect.ValueOfFloat32(float32(f)), nil
		}
	case protoreflect.DoubleKind:
		if f, ok := toFloat64(value); ok {
			return protoreflect.ValueOfFloat64(f), nil
		}
	case protoreflect.EnumKind:
		switch e := value.(type) {
		case string:
			if ev := fd.Enum().Values().ByName(protoreflect.Name(e)); ev != nil {
				return protoreflect.ValueOfEnum(ev.Number()), nil
			}
		default:
			if n, ok := toInt64(value); ok {
				return protoreflect.ValueOfEnum(protoreflect.EnumNumber(n)), nil
			}
		}
	}
	return protoreflect.Value{}, nlp.Errf(nlp.KindInvalidArgument,
		"parameter %s expects %s, got %T (%v)", fd.Name(), fd.Kind(), value, value)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case float32:
		if float64(n) == float64(int64(n)) {
			return int64(n), true
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	default:
		if i, ok := toInt64(v); ok {
			return float64(i), true
		}
	}
	return 0, false
}
