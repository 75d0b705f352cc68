package capnweb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestTargetDirectDispatch(t *testing.T) {
	target := NewTestTarget()
	ctx := context.Background()

	got, err := target.Call(ctx, "echo", []interface{}{"x"})
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	got, err = target.Call(ctx, "echo", nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = target.Call(ctx, "square", []interface{}{float64(-3)})
	require.NoError(t, err)
	assert.Equal(t, float64(9), got)

	got, err = target.Call(ctx, "add", []interface{}{float64(-5), float64(5)})
	require.NoError(t, err)
	assert.Equal(t, float64(0), got)

	got, err = target.Call(ctx, "greet", []interface{}{""})
	require.NoError(t, err)
	assert.Equal(t, "Hello, !", got)

	got, err = target.Call(ctx, "returnNull", nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = target.Call(ctx, "throwError", nil)
	require.Error(t, err)

	_, err = target.Call(ctx, "triggerCallback", nil)
	require.Error(t, err, "no callback registered yet")

	_, err = target.Call(ctx, "doesNotExist", nil)
	var rpcErr *RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrNotFound, rpcErr.Kind)
}

func TestTestTargetFibonacci(t *testing.T) {
	target := NewTestTarget()
	ctx := context.Background()

	got, err := target.Call(ctx, "generateFibonacci", []interface{}{float64(8)})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{0.0, 1.0, 1.0, 2.0, 3.0, 5.0, 8.0, 13.0}, got)

	got, err = target.Call(ctx, "generateFibonacci", []interface{}{float64(0)})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{}, got)

	got, err = target.Call(ctx, "generateFibonacci", []interface{}{float64(1)})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{0.0}, got)
}

func TestCounterDirect(t *testing.T) {
	c := NewCounter(10)
	ctx := context.Background()

	got, err := c.Call(ctx, "increment", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(11), got)

	got, err = c.Call(ctx, "increment", []interface{}{float64(4)})
	require.NoError(t, err)
	assert.Equal(t, float64(15), got)

	v, err := c.GetProperty("value")
	require.NoError(t, err)
	assert.Equal(t, float64(15), v)
	assert.Equal(t, float64(15), c.Value())

	_, err = c.GetProperty("missing")
	var rpcErr *RpcError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrNotFound, rpcErr.Kind)

	c.Dispose()
	c.Dispose()
	// Disposer accounting is the caller's concern; the type just counts.
	assert.Equal(t, 2, c.DisposeCount())
}

func TestBaseTargetApplyDirectly(t *testing.T) {
	target := NewBaseTarget()
	target.Method("", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return "applied", nil
	})

	got, err := target.Call(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, "applied", got)
}
