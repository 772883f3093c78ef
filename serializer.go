package pregel

import (
	"encoding/json"

	"github.com/kgraph/pregel/message"
	"golang.org/x/xerrors"
)

// Serializer is implemented by types that can serialize vertex messages and
// aggregator values to and from byte payloads carried by the transport and
// the coordination tree. Algorithms supply a serializer that understands
// their message and aggregator types; Unserialize must return values of the
// same dynamic types that were passed to Serialize.
type Serializer interface {
	// Serialize encodes the given value into a byte payload.
	Serialize(interface{}) ([]byte, error)

	// Unserialize decodes a payload produced by Serialize.
	Unserialize([]byte) (interface{}, error)
}

// ErrUnsupportedType is returned by JSONSerializer for values it has no
// encoding for.
var ErrUnsupportedType = xerrors.New("unsupported value type")

const messageTagPrefix = "msg:"

// envelope is the wire format of JSONSerializer: a type tag plus the raw
// JSON encoding of the value. The tag preserves the dynamic type across the
// round-trip, which plain JSON cannot do (it would widen every int to
// float64).
type envelope struct {
	Tag   string          `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

// MessageDecoder decodes the JSON payload of a single message type.
type MessageDecoder func(data []byte) (message.Message, error)

// JSONSerializer implements Serializer using tagged JSON envelopes. Out of
// the box it covers the scalar and map values produced by aggregators;
// algorithms register a decoder per message type so their messages survive
// the trip through the transport with their concrete type intact.
type JSONSerializer struct {
	decoders map[string]MessageDecoder
}

// NewJSONSerializer creates a JSONSerializer with no registered message
// types.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{decoders: make(map[string]MessageDecoder)}
}

// RegisterMessage associates a decoder with a message type name (the value
// returned by the message's Type method).
func (s *JSONSerializer) RegisterMessage(typeName string, decode MessageDecoder) {
	s.decoders[typeName] = decode
}

// Serialize implements Serializer.
func (s *JSONSerializer) Serialize(v interface{}) ([]byte, error) {
	env, err := s.encode(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (s *JSONSerializer) encode(v interface{}) (*envelope, error) {
	switch val := v.(type) {
	case message.Message:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, xerrors.Errorf("serialize message of type %q: %w", val.Type(), err)
		}
		return &envelope{Tag: messageTagPrefix + val.Type(), Value: raw}, nil
	case nil:
		return &envelope{Tag: "nil"}, nil
	case int:
		raw, _ := json.Marshal(val)
		return &envelope{Tag: "int", Value: raw}, nil
	case int64:
		raw, _ := json.Marshal(val)
		return &envelope{Tag: "int64", Value: raw}, nil
	case float64:
		raw, _ := json.Marshal(val)
		return &envelope{Tag: "float64", Value: raw}, nil
	case bool:
		raw, _ := json.Marshal(val)
		return &envelope{Tag: "bool", Value: raw}, nil
	case string:
		raw, _ := json.Marshal(val)
		return &envelope{Tag: "string", Value: raw}, nil
	case map[string]interface{}:
		fields := make(map[string]*envelope, len(val))
		for name, item := range val {
			env, err := s.encode(item)
			if err != nil {
				return nil, xerrors.Errorf("serialize map entry %q: %w", name, err)
			}
			fields[name] = env
		}
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		return &envelope{Tag: "map", Value: raw}, nil
	default:
		return nil, xerrors.Errorf("serialize %T: %w", v, ErrUnsupportedType)
	}
}

// Unserialize implements Serializer.
func (s *JSONSerializer) Unserialize(data []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, xerrors.Errorf("unserialize envelope: %w", err)
	}
	return s.decode(&env)
}

func (s *JSONSerializer) decode(env *envelope) (interface{}, error) {
	switch env.Tag {
	case "nil":
		return nil, nil
	case "int":
		var val int
		err := json.Unmarshal(env.Value, &val)
		return val, err
	case "int64":
		var val int64
		err := json.Unmarshal(env.Value, &val)
		return val, err
	case "float64":
		var val float64
		err := json.Unmarshal(env.Value, &val)
		return val, err
	case "bool":
		var val bool
		err := json.Unmarshal(env.Value, &val)
		return val, err
	case "string":
		var val string
		err := json.Unmarshal(env.Value, &val)
		return val, err
	case "map":
		var fields map[string]*envelope
		if err := json.Unmarshal(env.Value, &fields); err != nil {
			return nil, err
		}
		values := make(map[string]interface{}, len(fields))
		for name, item := range fields {
			val, err := s.decode(item)
			if err != nil {
				return nil, xerrors.Errorf("unserialize map entry %q: %w", name, err)
			}
			values[name] = val
		}
		return values, nil
	}

	if len(env.Tag) > len(messageTagPrefix) && env.Tag[:len(messageTagPrefix)] == messageTagPrefix {
		typeName := env.Tag[len(messageTagPrefix):]
		decode, exists := s.decoders[typeName]
		if !exists {
			return nil, xerrors.Errorf("unserialize message of type %q: %w", typeName, ErrUnsupportedType)
		}
		return decode(env.Value)
	}
	return nil, xerrors.Errorf("unserialize tag %q: %w", env.Tag, ErrUnsupportedType)
}
