package capnweb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePushFrame(t *testing.T) {
	f, err := parseFrame([]byte(`["push", 1, 0, "echo", [[42]]]`))
	require.NoError(t, err)
	push, ok := f.(pushFrame)
	require.True(t, ok)
	assert.Equal(t, int64(1), push.CallID)
	assert.Equal(t, int64(0), push.TargetID)
	require.NotNil(t, push.Method)
	assert.Equal(t, "echo", *push.Method)
	assert.NotNil(t, push.Args)
}

func TestParsePushNullMethod(t *testing.T) {
	f, err := parseFrame([]byte(`["push", 2, 5, null, [[]]]`))
	require.NoError(t, err)
	push := f.(pushFrame)
	assert.Nil(t, push.Method, "null method means apply directly")
}

func TestParsePushNullArgsIsPropertyGet(t *testing.T) {
	f, err := parseFrame([]byte(`["push", 3, 5, "value", null]`))
	require.NoError(t, err)
	push := f.(pushFrame)
	assert.Nil(t, push.Args)
	assert.Equal(t, "value", *push.Method)
}

func TestParsePullReleaseAbort(t *testing.T) {
	f, err := parseFrame([]byte(`["pull", 9, true]`))
	require.NoError(t, err)
	assert.Equal(t, pullFrame{CallID: 9, Result: true}, f)

	f, err = parseFrame([]byte(`["release", -3, 2]`))
	require.NoError(t, err)
	assert.Equal(t, releaseFrame{ID: -3, Count: 2}, f)

	f, err = parseFrame([]byte(`["abort", ["error", "protocol_error", "bad"]]`))
	require.NoError(t, err)
	_, ok := f.(abortFrame)
	assert.True(t, ok)
}

func TestParseFrameErrors(t *testing.T) {
	cases := []string{
		`not json`,
		`{}`,
		`[]`,
		`[42]`,
		`["nonsense", 1]`,
		`["push", 1, 0, "m"]`,
		`["push", 1.5, 0, "m", null]`,
		`["push", 1, 0, 7, null]`,
		`["pull", 1]`,
		`["pull", "x", null]`,
		`["release", 1]`,
		`["release", 1, "two"]`,
		`["abort"]`,
	}
	for _, raw := range cases {
		_, err := parseFrame([]byte(raw))
		var rpcErr *RpcError
		require.ErrorAs(t, err, &rpcErr, "parsing %s", raw)
		assert.Equal(t, ErrProtocol, rpcErr.Kind, "parsing %s", raw)
	}
}

func TestFrameEncodeParseRoundTrip(t *testing.T) {
	method := "square"
	frames := []interface{}{
		pushFrame{CallID: 4, TargetID: 0, Method: &method, Args: []interface{}{[]interface{}{float64(5)}}},
		pushFrame{CallID: 5, TargetID: -2, Method: nil, Args: []interface{}{[]interface{}{}}},
		pullFrame{CallID: 4, Result: float64(25)},
		releaseFrame{ID: 3, Count: 1},
		abortFrame{Reason: []interface{}{"error", "disconnected", "going away"}},
	}
	for _, f := range frames {
		var data []byte
		var err error
		switch fr := f.(type) {
		case pushFrame:
			data, err = fr.encode()
		case pullFrame:
			data, err = fr.encode()
		case releaseFrame:
			data, err = fr.encode()
		case abortFrame:
			data, err = fr.encode()
		}
		require.NoError(t, err)
		parsed, err := parseFrame(data)
		require.NoError(t, err)
		switch fr := parsed.(type) {
		case pushFrame:
			orig := f.(pushFrame)
			assert.Equal(t, orig.CallID, fr.CallID)
			assert.Equal(t, orig.TargetID, fr.TargetID)
			if orig.Method == nil {
				assert.Nil(t, fr.Method)
			} else {
				assert.Equal(t, *orig.Method, *fr.Method)
			}
		case pullFrame:
			assert.Equal(t, f.(pullFrame).CallID, fr.CallID)
		case releaseFrame:
			assert.Equal(t, f.(releaseFrame), fr)
		case abortFrame:
			assert.NotNil(t, fr.Reason)
		}
	}
}

func TestWireInt(t *testing.T) {
	_, ok := wireInt(float64(1.5))
	assert.False(t, ok)
	_, ok = wireInt("3")
	assert.False(t, ok)
	v, ok := wireInt(float64(-12))
	assert.True(t, ok)
	assert.Equal(t, int64(-12), v)
}
