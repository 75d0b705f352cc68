package capnweb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// TestTarget is the canonical main capability used by the interop suites.
// Applications provide their own Target; this one exists so every client
// implementation can be driven against the same surface.
type TestTarget struct {
	*BaseTarget

	mu       sync.Mutex
	callback *Stub
}

// NewTestTarget creates the canonical target.
func NewTestTarget() *TestTarget {
	t := &TestTarget{BaseTarget: NewBaseTarget()}

	t.Method("echo", func(ctx context.Context, args []interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	})

	t.Method("square", func(ctx context.Context, args []interface{}) (interface{}, error) {
		n, err := numberArg(args, 0)
		if err != nil {
			return nil, err
		}
		return n * n, nil
	})

	t.Method("add", func(ctx context.Context, args []interface{}) (interface{}, error) {
		a, err := numberArg(args, 0)
		if err != nil {
			return nil, err
		}
		b, err := numberArg(args, 1)
		if err != nil {
			return nil, err
		}
		return a + b, nil
	})

	t.Method("greet", func(ctx context.Context, args []interface{}) (interface{}, error) {
		name, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		return "Hello, " + name + "!", nil
	})

	t.Method("generateFibonacci", func(ctx context.Context, args []interface{}) (interface{}, error) {
		n, err := numberArg(args, 0)
		if err != nil {
			return nil, err
		}
		count := int(n)
		if count < 0 {
			count = 0
		}
		fibs := make([]interface{}, count)
		a, b := 0.0, 1.0
		for i := 0; i < count; i++ {
			fibs[i] = a
			a, b = b, a+b
		}
		return fibs, nil
	})

	t.Method("makeCounter", func(ctx context.Context, args []interface{}) (interface{}, error) {
		start, err := numberArg(args, 0)
		if err != nil {
			return nil, err
		}
		return NewCounter(start), nil
	})

	t.Method("registerCallback", func(ctx context.Context, args []interface{}) (interface{}, error) {
		if len(args) == 0 {
			return nil, errors.New("registerCallback requires a capability argument")
		}
		stub, ok := args[0].(*Stub)
		if !ok {
			return nil, fmt.Errorf("registerCallback argument is %T, not a capability", args[0])
		}
		// Argument stubs are owned by the callee once the call is dispatched.
		t.mu.Lock()
		previous := t.callback
		t.callback = stub
		t.mu.Unlock()
		if previous != nil {
			previous.Dispose()
		}
		return nil, nil
	})

	t.Method("triggerCallback", func(ctx context.Context, args []interface{}) (interface{}, error) {
		t.mu.Lock()
		cb := t.callback
		t.mu.Unlock()
		if cb == nil {
			return nil, errors.New("no callback registered")
		}
		reply, err := cb.Call(ctx, "notify", []interface{}{"ping"})
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("Got: %v", reply), nil
	})

	t.Method("throwError", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return nil, errors.New("intentional test error")
	})

	t.Method("returnNull", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return nil, nil
	})

	return t
}

// Dispose releases the registered callback, if any.
func (t *TestTarget) Dispose() {
	t.mu.Lock()
	cb := t.callback
	t.callback = nil
	t.mu.Unlock()
	if cb != nil {
		cb.Dispose()
	}
}

// Counter is the capability returned by makeCounter: an exported object with
// an increment method and a value property.
type Counter struct {
	*BaseTarget

	mu       sync.Mutex
	value    float64
	disposed atomic.Int32
}

// NewCounter creates a counter starting at start.
func NewCounter(start float64) *Counter {
	c := &Counter{BaseTarget: NewBaseTarget(), value: start}

	c.Method("increment", func(ctx context.Context, args []interface{}) (interface{}, error) {
		by := 1.0
		if len(args) > 0 {
			n, err := numberArg(args, 0)
			if err != nil {
				return nil, err
			}
			by = n
		}
		c.mu.Lock()
		c.value += by
		v := c.value
		c.mu.Unlock()
		return v, nil
	})

	c.Property("value", func() (interface{}, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.value, nil
	})

	return c
}

// Value returns the current count.
func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Dispose implements Disposer.
func (c *Counter) Dispose() {
	c.disposed.Add(1)
}

// DisposeCount reports how many times Dispose ran.
func (c *Counter) DisposeCount() int {
	return int(c.disposed.Load())
}

func numberArg(args []interface{}, i int) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	switch n := args[i].(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("argument %d is %T, not a number", i, args[i])
	}
}

func stringArg(args []interface{}, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d is %T, not a string", i, args[i])
	}
	return s, nil
}
