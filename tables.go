package capnweb

import "sync"

// Side identifies which end of a connection a session is. The server side
// allocates strictly positive export ids, the client side strictly negative
// ids, so the two allocation spaces never collide without a handshake.
// Id 0 is reserved for the main capability on both sides.
type Side int

const (
	// SideServer allocates positive export ids.
	SideServer Side = iota
	// SideClient allocates negative export ids.
	SideClient
)

// MainID addresses the session's pre-agreed main capability on each side.
const MainID int64 = 0

// exportEntry tracks a local target the peer may reference.
type exportEntry struct {
	id       int64
	target   Target
	refcount int64
	disposed bool
}

func (e *exportEntry) dispose() {
	if e.disposed {
		return
	}
	e.disposed = true
	if d, ok := e.target.(Disposer); ok {
		d.Dispose()
	}
}

// exportTable holds every local target currently addressable by the peer.
// The same target exported twice shares one entry and one refcount.
type exportTable struct {
	mu       sync.Mutex
	side     Side
	next     int64
	entries  map[int64]*exportEntry
	byTarget map[Target]int64
}

func newExportTable(side Side, main Target) *exportTable {
	t := &exportTable{
		side:     side,
		entries:  make(map[int64]*exportEntry),
		byTarget: make(map[Target]int64),
	}
	if main != nil {
		t.entries[MainID] = &exportEntry{id: MainID, target: main, refcount: 1}
		t.byTarget[main] = MainID
	}
	return t
}

// export registers target and returns its id. A target already exported
// gets its existing id back with the shared refcount incremented.
func (t *exportTable) export(target Target) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byTarget[target]; ok {
		t.entries[id].refcount++
		return id
	}

	t.next++
	id := t.next
	if t.side == SideClient {
		id = -id
	}
	t.entries[id] = &exportEntry{id: id, target: target, refcount: 1}
	t.byTarget[target] = id
	return id
}

// lookup returns the target for id, if exported.
func (t *exportTable) lookup(id int64) (Target, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.target, true
}

// release decrements the refcount for id by count. When it reaches zero the
// entry is removed and its disposer runs. Releases to the main capability
// are ignored; releasing an unknown id or below zero is a protocol error.
func (t *exportTable) release(id, count int64) error {
	if id == MainID {
		return nil
	}
	if count <= 0 {
		return Errorf(ErrProtocol, "release with non-positive count %d for export %d", count, id)
	}

	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return Errorf(ErrProtocol, "release for unknown export %d", id)
	}
	if e.refcount < count {
		t.mu.Unlock()
		return Errorf(ErrProtocol, "release underflow for export %d: %d below %d", id, count, e.refcount)
	}
	e.refcount -= count
	done := e.refcount == 0
	if done {
		delete(t.entries, id)
		delete(t.byTarget, e.target)
	}
	t.mu.Unlock()

	if done {
		e.dispose()
	}
	return nil
}

// refcount reports the current refcount for id, or 0 if not exported.
func (t *exportTable) refcount(id int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.refcount
	}
	return 0
}

// disposeAll runs every remaining disposer. Called on session teardown; the
// peer's references are gone with the channel.
func (t *exportTable) disposeAll() {
	t.mu.Lock()
	entries := make([]*exportEntry, 0, len(t.entries))
	for id, e := range t.entries {
		if id != MainID {
			entries = append(entries, e)
		}
	}
	t.entries = make(map[int64]*exportEntry)
	t.byTarget = make(map[Target]int64)
	t.mu.Unlock()

	for _, e := range entries {
		e.dispose()
	}
}

type importState int

const (
	importPending importState = iota
	importResolved
	importBroken
)

// importEntry tracks a peer target addressable through a peer-allocated id.
// refs counts the live stubs on this side.
type importEntry struct {
	id    int64
	refs  int64
	state importState
	err   *RpcError
}

// importTable holds every peer reference this side has acknowledged and not
// yet released. The same peer id received twice resolves to a single entry.
type importTable struct {
	mu      sync.Mutex
	entries map[int64]*importEntry
}

func newImportTable() *importTable {
	return &importTable{entries: make(map[int64]*importEntry)}
}

// register creates or finds the entry for a peer id and bumps its refcount.
func (t *importTable) register(id int64) *importEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.refs++
		return e
	}
	e := &importEntry{id: id, refs: 1}
	t.entries[id] = e
	return e
}

// dup bumps the refcount of an existing entry.
func (t *importTable) dup(e *importEntry) {
	t.mu.Lock()
	e.refs++
	t.mu.Unlock()
}

// drop decrements the refcount and reports whether the entry was removed,
// in which case the caller owes the peer a release frame.
func (t *importTable) drop(e *importEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs > 0 {
		return false
	}
	delete(t.entries, e.id)
	return true
}

// refs reports the live stub count for a peer id.
func (t *importTable) refs(id int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.refs
	}
	return 0
}

// breakAll marks every entry broken with err. Called on session teardown.
func (t *importTable) breakAll(err *RpcError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		e.state = importBroken
		e.err = err
	}
}
