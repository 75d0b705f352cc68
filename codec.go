package capnweb

import (
	"encoding/json"
	"math"
	"reflect"
)

// The codec maps between application values and their wire form. A JSON
// array in the encoded form is always a typed node, never a raw list: lists
// are escaped by wrapping once, so [1,2,3] travels as [[1,2,3]]. Typed nodes
// carry a string tag in element 0:
//
//	["export", id]              capability exported by the encoding side
//	["import", id]              capability handed back to its exporter
//	["error", kind, message]    error marker, optionally with a stack element
//
// Capability substitution goes through the session tables, so encoding has
// export side effects and decoding has import side effects.

// encodeValue converts an application value into its wire form. Targets
// embedded in the value are exported; stubs are re-sent under the peer's id.
func (s *Session) encodeValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return val, nil
	case int:
		return val, nil
	case int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return val, nil
	case float32:
		return s.encodeValue(float64(val))
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, Errorf(ErrInvalidValue, "NaN and Infinity are not representable")
		}
		return val, nil
	case json.Number:
		return val, nil
	case []interface{}:
		inner := make([]interface{}, len(val))
		for i, elem := range val {
			enc, err := s.encodeValue(elem)
			if err != nil {
				return nil, err
			}
			inner[i] = enc
		}
		return []interface{}{inner}, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			enc, err := s.encodeValue(elem)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	case *Stub:
		id, err := val.importID()
		if err != nil {
			return nil, err
		}
		return []interface{}{"import", id}, nil
	case *RpcError:
		return encodeError(val), nil
	case Target:
		id := s.exports.export(val)
		return []interface{}{"export", id}, nil
	case error:
		return encodeError(asRpcError(val)), nil
	default:
		norm, err := normalize(val)
		if err != nil {
			return nil, err
		}
		return s.encodeValue(norm)
	}
}

// encodeError builds the wire node for an error marker.
func encodeError(e *RpcError) []interface{} {
	if e.Stack != "" {
		return []interface{}{"error", string(e.Kind), e.Message, e.Stack}
	}
	return []interface{}{"error", string(e.Kind), e.Message}
}

// normalize converts an arbitrary marshalable value (structs, typed slices,
// typed maps) into the plain tree the encoder walks. Values the host JSON
// encoder cannot represent fail with ErrInvalidValue.
func normalize(v interface{}) (interface{}, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Map && rv.Type().Key().Kind() != reflect.String {
		return nil, Errorf(ErrInvalidValue, "map keys must be strings, got %s", rv.Type().Key())
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, Errorf(ErrInvalidValue, "value is not representable: %v", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, Errorf(ErrInvalidValue, "value is not representable: %v", err)
	}
	return out, nil
}

// decodeValue converts a wire value back into an application value. Typed
// nodes referencing peer exports produce stubs (registering imports); nodes
// handing back our own exports resolve to the local target directly.
func (s *Session) decodeValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case nil, bool, float64, string:
		return val, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			dec, err := s.decodeValue(elem)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []interface{}:
		return s.decodeNode(val)
	default:
		return nil, Errorf(ErrProtocol, "unexpected wire value of type %T", v)
	}
}

func (s *Session) decodeNode(node []interface{}) (interface{}, error) {
	if len(node) == 0 {
		return nil, Errorf(ErrProtocol, "empty array on the wire")
	}

	// A single-element array whose element is itself an array is an
	// escaped list; everything else must carry a tag.
	if len(node) == 1 {
		if inner, ok := node[0].([]interface{}); ok {
			out := make([]interface{}, len(inner))
			for i, elem := range inner {
				dec, err := s.decodeValue(elem)
				if err != nil {
					return nil, err
				}
				out[i] = dec
			}
			return out, nil
		}
	}

	tag, ok := node[0].(string)
	if !ok {
		return nil, Errorf(ErrProtocol, "typed node tag is not a string")
	}

	switch tag {
	case "export":
		id, err := nodeID(node)
		if err != nil {
			return nil, err
		}
		// Some peers re-send references to our own exports under "export";
		// id polarity makes that detectable without ambiguity.
		if target, ok := s.exports.lookup(id); ok && s.ownsID(id) {
			return target, nil
		}
		return newStub(s, s.imports.register(id)), nil

	case "import":
		id, err := nodeID(node)
		if err != nil {
			return nil, err
		}
		target, ok := s.exports.lookup(id)
		if !ok {
			return nil, Errorf(ErrProtocol, "import refers to unknown export %d", id)
		}
		return target, nil

	case "error":
		return decodeErrorNode(node)

	default:
		return nil, Errorf(ErrProtocol, "unknown tag %q", tag)
	}
}

func nodeID(node []interface{}) (int64, error) {
	if len(node) != 2 {
		return 0, Errorf(ErrProtocol, "capability node has %d elements, want 2", len(node))
	}
	id, ok := wireInt(node[1])
	if !ok {
		return 0, Errorf(ErrProtocol, "capability node has invalid id")
	}
	return id, nil
}

// decodeErrorNode parses ["error", kind, message] with an optional trailing
// stack element.
func decodeErrorNode(node []interface{}) (*RpcError, error) {
	if len(node) != 3 && len(node) != 4 {
		return nil, Errorf(ErrProtocol, "error node has %d elements, want 3 or 4", len(node))
	}
	kind, ok := node[1].(string)
	if !ok {
		return nil, Errorf(ErrProtocol, "error node kind is not a string")
	}
	message, ok := node[2].(string)
	if !ok {
		return nil, Errorf(ErrProtocol, "error node message is not a string")
	}
	e := &RpcError{Kind: ErrorKind(kind), Message: message}
	if len(node) == 4 {
		stack, ok := node[3].(string)
		if !ok {
			return nil, Errorf(ErrProtocol, "error node stack is not a string")
		}
		e.Stack = stack
	}
	return e, nil
}

// ownsID reports whether id is in this side's allocation space.
func (s *Session) ownsID(id int64) bool {
	if id == MainID {
		return false
	}
	if s.side == SideServer {
		return id > 0
	}
	return id < 0
}
