package capnweb

import (
	"context"
	"sync"
)

// Stub is a user-visible handle for a capability exported by the peer. Stubs
// are freely shareable and re-encodable; each stub carries one refcount
// contribution for its import entry, and dropping the last stub for an entry
// sends the peer a release frame.
type Stub struct {
	session *Session
	entry   *importEntry

	mu       sync.Mutex
	disposed bool
}

func newStub(s *Session, e *importEntry) *Stub {
	return &Stub{session: s, entry: e}
}

// ImportID returns the peer-allocated id this stub refers to.
func (st *Stub) ImportID() int64 {
	return st.entry.id
}

// importID is the codec-facing accessor; a disposed stub is not encodable.
func (st *Stub) importID() (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.disposed {
		return 0, Errorf(ErrInvalidValue, "stub for import %d is disposed", st.entry.id)
	}
	return st.entry.id, nil
}

// Call invokes method on the remote capability and waits for the result.
// The empty method name applies the target directly.
func (st *Stub) Call(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	st.mu.Lock()
	if st.disposed {
		st.mu.Unlock()
		return nil, Errorf(ErrDisconnected, "stub for import %d is disposed", st.entry.id)
	}
	st.mu.Unlock()
	return st.session.Call(ctx, st.entry.id, method, args)
}

// Get reads the named property of the remote capability.
func (st *Stub) Get(ctx context.Context, name string) (interface{}, error) {
	st.mu.Lock()
	if st.disposed {
		st.mu.Unlock()
		return nil, Errorf(ErrDisconnected, "stub for import %d is disposed", st.entry.id)
	}
	st.mu.Unlock()
	return st.session.GetProperty(ctx, st.entry.id, name)
}

// Dup clones the handle, bumping the import's local refcount.
func (st *Stub) Dup() *Stub {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.disposed {
		// A disposed stub no longer owns a reference to share; the clone
		// starts out dead as well.
		dead := newStub(st.session, st.entry)
		dead.disposed = true
		return dead
	}
	st.session.imports.dup(st.entry)
	return newStub(st.session, st.entry)
}

// Dispose drops this handle's reference. The second and later calls are
// no-ops. When the last stub for the import is dropped, a release frame is
// sent to the peer.
func (st *Stub) Dispose() {
	st.mu.Lock()
	if st.disposed {
		st.mu.Unlock()
		return
	}
	st.disposed = true
	st.mu.Unlock()

	if st.session.imports.drop(st.entry) {
		st.session.sendRelease(st.entry.id, 1)
	}
}
