// Package capnweb implements the Cap'n Web RPC protocol: a newline-delimited
// JSON wire format spoken over WebSocket (full-duplex, stateful) and over
// HTTP POST (stateless batch), with capability references that can be passed
// in either direction and released independently.
package capnweb

import (
	"context"
	"sync"
)

// Target defines the interface that server implementations must satisfy.
// It provides method dispatch and property access for incoming RPC calls.
// Implementations are expected to be safe for concurrent invocations.
type Target interface {
	// Call handles a method call and returns the result. The method name ""
	// means "apply the target directly". It should return an error if the
	// method is not found or execution fails.
	Call(ctx context.Context, method string, args []interface{}) (interface{}, error)

	// GetProperty returns the named property of the target.
	GetProperty(name string) (interface{}, error)
}

// Disposer is optionally implemented by targets that hold resources. The
// session invokes Dispose at most once, when the peer releases its last
// reference or the session tears down.
type Disposer interface {
	Dispose()
}

// MethodFunc is a registered method handler.
type MethodFunc func(ctx context.Context, args []interface{}) (interface{}, error)

// PropertyFunc is a registered property accessor.
type PropertyFunc func() (interface{}, error)

// BaseTarget provides a convenient base implementation of Target
// with method and property registration capabilities.
type BaseTarget struct {
	mu         sync.RWMutex
	methods    map[string]MethodFunc
	properties map[string]PropertyFunc
}

// NewBaseTarget creates a new BaseTarget instance.
func NewBaseTarget() *BaseTarget {
	return &BaseTarget{
		methods:    make(map[string]MethodFunc),
		properties: make(map[string]PropertyFunc),
	}
}

// Method registers a method handler with the given name. Registering under
// the empty name handles direct application of the target.
func (t *BaseTarget) Method(name string, handler MethodFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.methods[name] = handler
}

// Property registers a property accessor with the given name.
func (t *BaseTarget) Property(name string, accessor PropertyFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.properties[name] = accessor
}

// Call implements the Target interface.
func (t *BaseTarget) Call(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	t.mu.RLock()
	handler, exists := t.methods[method]
	t.mu.RUnlock()

	if !exists {
		return nil, Errorf(ErrNotFound, "method not found: %s", method)
	}
	return handler(ctx, args)
}

// GetProperty implements the Target interface.
func (t *BaseTarget) GetProperty(name string) (interface{}, error) {
	t.mu.RLock()
	accessor, exists := t.properties[name]
	t.mu.RUnlock()

	if !exists {
		return nil, Errorf(ErrNotFound, "property not found: %s", name)
	}
	return accessor()
}
