package capnweb

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// codecSession builds a session usable as a pure codec context.
func codecSession(side Side, main Target) *Session {
	return newDetachedSession(nil, side, Options{LocalMain: main})
}

// wireTrip pushes a value through json to mimic a real frame crossing the
// channel, so decoded shapes match what a peer would actually see.
func wireTrip(t *testing.T, v interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var out interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func roundTrip(t *testing.T, v interface{}) interface{} {
	t.Helper()
	s := codecSession(SideServer, nil)
	enc, err := s.encodeValue(v)
	require.NoError(t, err)
	dec, err := s.decodeValue(wireTrip(t, enc))
	require.NoError(t, err)
	return dec
}

func TestRoundTripPrimitives(t *testing.T) {
	cases := []interface{}{
		nil,
		true,
		false,
		"",
		"hello",
		float64(42),
		float64(0),
		float64(-1),
		float64(math.MaxInt32),
		float64(1<<53 - 1),
		-float64(1<<53 - 1),
		3.14,
		math.SmallestNonzeroFloat64,
	}
	for _, v := range cases {
		assert.Equal(t, v, roundTrip(t, v), "round trip of %#v", v)
	}
}

func TestRoundTripNegativeZero(t *testing.T) {
	dec := roundTrip(t, math.Copysign(0, -1))
	f, ok := dec.(float64)
	require.True(t, ok)
	assert.True(t, math.Signbit(f), "-0.0 must keep its sign")
}

func TestRoundTripUnicode(t *testing.T) {
	cases := []string{
		"日本語 🎉 \x00 end",
		"\x00",
		"café",
		"surrogate pair \U0001F600",
	}
	for _, v := range cases {
		assert.Equal(t, v, roundTrip(t, v))
	}
}

func TestBooleanIntegerDistinction(t *testing.T) {
	decTrue := roundTrip(t, true)
	_, isBool := decTrue.(bool)
	require.True(t, isBool)
	assert.Equal(t, true, decTrue)

	decOne := roundTrip(t, float64(1))
	_, isFloat := decOne.(float64)
	require.True(t, isFloat)
	assert.Equal(t, float64(1), decOne)
}

func TestRoundTripLists(t *testing.T) {
	cases := []interface{}{
		[]interface{}{},
		[]interface{}{float64(1), float64(2), float64(3)},
		[]interface{}{[]interface{}{float64(1), float64(2)}, []interface{}{float64(3), float64(4)}},
		[]interface{}{float64(1), "two", 3.0, nil},
		map[string]interface{}{"a": []interface{}{float64(1), float64(2)}},
		map[string]interface{}{},
	}
	for _, v := range cases {
		if diff := cmp.Diff(v, roundTrip(t, v)); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestRoundTripDeepNesting(t *testing.T) {
	v := interface{}("leaf")
	for i := 0; i < 10; i++ {
		v = []interface{}{v, map[string]interface{}{"depth": float64(i)}}
	}
	if diff := cmp.Diff(v, roundTrip(t, v)); diff != "" {
		t.Errorf("deep nesting mismatch (-want +got):\n%s", diff)
	}
}

func TestArrayEscaping(t *testing.T) {
	s := codecSession(SideServer, nil)

	enc, err := s.encodeValue([]interface{}{float64(1), float64(2), float64(3)})
	require.NoError(t, err)
	outer, ok := enc.([]interface{})
	require.True(t, ok)
	require.Len(t, outer, 1, "encoded list must be a length-1 array")
	inner, ok := outer[0].([]interface{})
	require.True(t, ok, "the single element must itself be an array")
	assert.Len(t, inner, 3)

	// An empty list still escapes.
	enc, err = s.encodeValue([]interface{}{})
	require.NoError(t, err)
	outer = enc.([]interface{})
	require.Len(t, outer, 1)
	assert.Len(t, outer[0].([]interface{}), 0)

	// Objects never get an array at their top level.
	enc, err = s.encodeValue(map[string]interface{}{"a": float64(1)})
	require.NoError(t, err)
	_, isMap := enc.(map[string]interface{})
	assert.True(t, isMap)
}

func TestEncodeRejectsNonRepresentable(t *testing.T) {
	s := codecSession(SideServer, nil)
	cases := []interface{}{
		math.NaN(),
		math.Inf(1),
		math.Inf(-1),
		map[int]string{1: "x"},
	}
	for _, v := range cases {
		_, err := s.encodeValue(v)
		var rpcErr *RpcError
		require.ErrorAs(t, err, &rpcErr, "encoding %#v", v)
		assert.Equal(t, ErrInvalidValue, rpcErr.Kind)
	}
}

func TestEncodeNormalizesStructs(t *testing.T) {
	type point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	dec := roundTrip(t, point{X: 1, Y: 2})
	assert.Equal(t, map[string]interface{}{"x": float64(1), "y": float64(2)}, dec)

	dec = roundTrip(t, []string{"a", "b"})
	assert.Equal(t, []interface{}{"a", "b"}, dec)
}

func TestDecodeRejectsMalformedNodes(t *testing.T) {
	s := codecSession(SideServer, nil)
	cases := []interface{}{
		[]interface{}{},                              // empty array
		[]interface{}{"frobnicate", float64(1)},      // unknown tag
		[]interface{}{float64(7), float64(1)},        // non-string tag
		[]interface{}{"export", "abc"},               // non-numeric id
		[]interface{}{"error", float64(1), "boom"},   // non-string kind
		[]interface{}{"pipeline", float64(1), "abc"}, // reserved extension tag
	}
	for _, v := range cases {
		_, err := s.decodeValue(v)
		var rpcErr *RpcError
		require.ErrorAs(t, err, &rpcErr, "decoding %#v", v)
		assert.Equal(t, ErrProtocol, rpcErr.Kind)
	}
}

func TestErrorNodeRoundTrip(t *testing.T) {
	s := codecSession(SideServer, nil)

	enc, err := s.encodeValue(&RpcError{Kind: ErrApplication, Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"error", "application", "boom"}, enc)

	dec, err := s.decodeValue(wireTrip(t, enc))
	require.NoError(t, err)
	rpcErr, ok := dec.(*RpcError)
	require.True(t, ok)
	assert.Equal(t, ErrApplication, rpcErr.Kind)
	assert.Equal(t, "boom", rpcErr.Message)

	// Optional stack element survives both directions.
	withStack := &RpcError{Kind: ErrApplication, Message: "boom", Stack: "line1\nline2"}
	enc, err = s.encodeValue(withStack)
	require.NoError(t, err)
	dec, err = s.decodeValue(wireTrip(t, enc))
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", dec.(*RpcError).Stack)
}

func TestEncodeExportsTargets(t *testing.T) {
	s := codecSession(SideServer, nil)
	target := NewBaseTarget()

	enc, err := s.encodeValue(target)
	require.NoError(t, err)
	node := enc.([]interface{})
	require.Equal(t, "export", node[0])
	id := node[1].(int64)
	assert.Greater(t, id, int64(0), "server side allocates positive ids")

	// The same target exported twice shares the id and the refcount.
	enc, err = s.encodeValue(target)
	require.NoError(t, err)
	assert.Equal(t, id, enc.([]interface{})[1].(int64))
	assert.Equal(t, int64(2), s.exports.refcount(id))

	// A fresh target gets a fresh id.
	enc, err = s.encodeValue(NewBaseTarget())
	require.NoError(t, err)
	assert.NotEqual(t, id, enc.([]interface{})[1].(int64))
}

func TestEncodeLocalMainIsIdZero(t *testing.T) {
	main := NewBaseTarget()
	s := codecSession(SideClient, main)

	enc, err := s.encodeValue(main)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"export", MainID}, enc)
}

func TestClientSideAllocatesNegativeIds(t *testing.T) {
	s := codecSession(SideClient, nil)
	enc, err := s.encodeValue(NewBaseTarget())
	require.NoError(t, err)
	assert.Less(t, enc.([]interface{})[1].(int64), int64(0))
}

func TestDecodePeerExportYieldsStub(t *testing.T) {
	s := codecSession(SideServer, nil)

	// Peer (client side) ids are negative from the server's point of view.
	dec, err := s.decodeValue(wireTrip(t, []interface{}{"export", -4}))
	require.NoError(t, err)
	stub, ok := dec.(*Stub)
	require.True(t, ok)
	assert.Equal(t, int64(-4), stub.ImportID())
	assert.Equal(t, int64(1), s.imports.refs(-4))

	// The same peer id decoded again resolves to the same entry.
	dec, err = s.decodeValue(wireTrip(t, []interface{}{"export", -4}))
	require.NoError(t, err)
	assert.Equal(t, int64(-4), dec.(*Stub).ImportID())
	assert.Equal(t, int64(2), s.imports.refs(-4))
}

func TestDecodeImportReturnsOwnTarget(t *testing.T) {
	s := codecSession(SideServer, nil)
	target := NewBaseTarget()
	id := s.exports.export(target)

	dec, err := s.decodeValue(wireTrip(t, []interface{}{"import", id}))
	require.NoError(t, err)
	assert.Same(t, target, dec.(*BaseTarget))

	// A reference to an export we never made is a protocol error.
	_, err = s.decodeValue(wireTrip(t, []interface{}{"import", id + 17}))
	var rpcErr *RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrProtocol, rpcErr.Kind)
}

func TestDecodeOwnIdUnderExportTag(t *testing.T) {
	// Some peers hand back our reference under "export"; polarity
	// disambiguates it from a genuine peer export.
	s := codecSession(SideServer, nil)
	target := NewBaseTarget()
	id := s.exports.export(target)
	require.Greater(t, id, int64(0))

	dec, err := s.decodeValue(wireTrip(t, []interface{}{"export", id}))
	require.NoError(t, err)
	assert.Same(t, target, dec.(*BaseTarget))
}

func TestStubReEncodesUnderImportTag(t *testing.T) {
	s := codecSession(SideServer, nil)
	dec, err := s.decodeValue(wireTrip(t, []interface{}{"export", -9}))
	require.NoError(t, err)
	stub := dec.(*Stub)

	enc, err := s.encodeValue(stub)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"import", int64(-9)}, enc)

	stub.Dispose()
	_, err = s.encodeValue(stub)
	var rpcErr *RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrInvalidValue, rpcErr.Kind)
}

func TestEncodePlainErrorBecomesApplication(t *testing.T) {
	s := codecSession(SideServer, nil)
	enc, err := s.encodeValue(context.DeadlineExceeded)
	require.NoError(t, err)
	node := enc.([]interface{})
	assert.Equal(t, "error", node[0])
	assert.Equal(t, "application", node[1])
}
