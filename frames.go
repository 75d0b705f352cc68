package capnweb

import (
	"encoding/json"
	"math"
)

// The wire speaks four frame kinds, each one JSON array per line:
//
//	["push", call_id, target_id, method, encoded_args]
//	["pull", call_id, encoded_result]
//	["release", id, count]
//	["abort", encoded_error]
//
// Frames are modeled as one struct per kind; parseFrame returns the matching
// variant or a protocol error.

type pushFrame struct {
	CallID   int64
	TargetID int64
	// Method is nil for "apply the target directly".
	Method *string
	// Args holds the still-encoded argument value: an escaped list for a
	// method call, or nil for a property get.
	Args interface{}
}

type pullFrame struct {
	CallID int64
	// Result holds the still-encoded return value or error node.
	Result interface{}
}

type releaseFrame struct {
	ID    int64
	Count int64
}

type abortFrame struct {
	// Reason holds the still-encoded error node.
	Reason interface{}
}

func (f pushFrame) encode() ([]byte, error) {
	var method interface{}
	if f.Method != nil {
		method = *f.Method
	}
	return json.Marshal([]interface{}{"push", f.CallID, f.TargetID, method, f.Args})
}

func (f pullFrame) encode() ([]byte, error) {
	return json.Marshal([]interface{}{"pull", f.CallID, f.Result})
}

func (f releaseFrame) encode() ([]byte, error) {
	return json.Marshal([]interface{}{"release", f.ID, f.Count})
}

func (f abortFrame) encode() ([]byte, error) {
	return json.Marshal([]interface{}{"abort", f.Reason})
}

// wireInt converts a decoded JSON number to an id or count. Ids are integers
// by contract; fractional or out-of-range numbers are malformed.
func wireInt(v interface{}) (int64, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	if f != math.Trunc(f) || math.Abs(f) > float64(int64(1)<<53) {
		return 0, false
	}
	return int64(f), true
}

// parseFrame decodes one wire frame into its variant struct.
func parseFrame(data []byte) (interface{}, error) {
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Errorf(ErrProtocol, "malformed frame: %v", err)
	}
	if len(raw) == 0 {
		return nil, Errorf(ErrProtocol, "empty frame")
	}
	kind, ok := raw[0].(string)
	if !ok {
		return nil, Errorf(ErrProtocol, "frame kind is not a string")
	}

	switch kind {
	case "push":
		if len(raw) != 5 {
			return nil, Errorf(ErrProtocol, "push frame has %d elements, want 5", len(raw))
		}
		callID, ok := wireInt(raw[1])
		if !ok {
			return nil, Errorf(ErrProtocol, "push frame has invalid call id")
		}
		targetID, ok := wireInt(raw[2])
		if !ok {
			return nil, Errorf(ErrProtocol, "push frame has invalid target id")
		}
		var method *string
		switch m := raw[3].(type) {
		case nil:
		case string:
			method = &m
		default:
			return nil, Errorf(ErrProtocol, "push frame method is neither string nor null")
		}
		return pushFrame{CallID: callID, TargetID: targetID, Method: method, Args: raw[4]}, nil

	case "pull":
		if len(raw) != 3 {
			return nil, Errorf(ErrProtocol, "pull frame has %d elements, want 3", len(raw))
		}
		callID, ok := wireInt(raw[1])
		if !ok {
			return nil, Errorf(ErrProtocol, "pull frame has invalid call id")
		}
		return pullFrame{CallID: callID, Result: raw[2]}, nil

	case "release":
		if len(raw) != 3 {
			return nil, Errorf(ErrProtocol, "release frame has %d elements, want 3", len(raw))
		}
		id, ok := wireInt(raw[1])
		if !ok {
			return nil, Errorf(ErrProtocol, "release frame has invalid id")
		}
		count, ok := wireInt(raw[2])
		if !ok {
			return nil, Errorf(ErrProtocol, "release frame has invalid count")
		}
		return releaseFrame{ID: id, Count: count}, nil

	case "abort":
		if len(raw) != 2 {
			return nil, Errorf(ErrProtocol, "abort frame has %d elements, want 2", len(raw))
		}
		return abortFrame{Reason: raw[1]}, nil

	default:
		return nil, Errorf(ErrProtocol, "unknown frame kind %q", kind)
	}
}
