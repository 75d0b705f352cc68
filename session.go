package capnweb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Transport is the bidirectional frame channel a session is driven by. One
// frame is one JSON document. ReadFrame returns io.EOF when the peer has
// cleanly finished sending; any other error tears the session down.
// WriteFrame is called from a single goroutine.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Options configures a session at construction.
type Options struct {
	// LocalMain is the target bound to id 0 on this side, addressable by
	// the peer without any prior export. May be nil.
	LocalMain Target

	// OnDisconnect is invoked once when the session terminates, with the
	// termination reason.
	OnDisconnect func(err error)

	// MaxInflightCalls bounds the number of concurrently running inbound
	// handlers. Zero means unbounded.
	MaxInflightCalls int

	// Logger receives session diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

type callResult struct {
	value interface{}
	err   *RpcError
}

// callRecord tracks one outstanding outbound call. The done channel is
// buffered so a late pull never blocks the reader, even when the caller has
// abandoned its waiter.
type callRecord struct {
	done chan callResult
}

// Session is the stateful machine for one connection: it owns the import and
// export tables, the call-record map, and the frame channel. A single reader
// goroutine consumes inbound frames, each inbound push runs on its own
// goroutine, and a single writer goroutine serializes outbound frames.
type Session struct {
	id        string
	side      Side
	transport Transport
	logger    *slog.Logger

	exports *exportTable
	imports *importTable

	mu         sync.Mutex
	nextCall   int64
	calls      map[int64]*callRecord
	closed     bool
	halfClosed bool
	closeErr   *RpcError
	outbound   chan []byte

	handlers     sync.WaitGroup
	inflight     chan struct{}
	writerDone   chan struct{}
	done         chan struct{}
	onDisconnect func(error)

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewSession creates a session over transport and starts serving it. The
// returned session is live immediately: the peer may call the local main
// before the first outbound call is made.
func NewSession(transport Transport, side Side, opts Options) *Session {
	s := newDetachedSession(transport, side, opts)
	go s.writeLoop()
	go s.readLoop()
	return s
}

// newDetachedSession builds the session state without starting the serve
// goroutines. The batch client uses a detached session as a pure codec
// context for a simplex exchange.
func newDetachedSession(transport Transport, side Side, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		id:           id,
		side:         side,
		transport:    transport,
		logger:       logger.With("session", id, "side", sideName(side)),
		exports:      newExportTable(side, opts.LocalMain),
		imports:      newImportTable(),
		calls:        make(map[int64]*callRecord),
		outbound:     make(chan []byte, 256),
		writerDone:   make(chan struct{}),
		done:         make(chan struct{}),
		onDisconnect: opts.OnDisconnect,
		ctx:          ctx,
		cancel:       cancel,
	}
	if opts.MaxInflightCalls > 0 {
		s.inflight = make(chan struct{}, opts.MaxInflightCalls)
	}
	return s
}

func sideName(side Side) string {
	if side == SideClient {
		return "client"
	}
	return "server"
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// Done is closed when the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the termination reason, or nil while the session is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed || s.closeErr == nil {
		return nil
	}
	return s.closeErr
}

// Main returns a stub for the peer's main capability.
func (s *Session) Main() *Stub {
	return newStub(s, s.imports.register(MainID))
}

// Call invokes method on the peer target identified by targetID and waits
// for the result. The empty method name applies the target directly.
// Abandoning ctx leaves the eventual pull to be absorbed and discarded.
func (s *Session) Call(ctx context.Context, targetID int64, method string, args []interface{}) (interface{}, error) {
	if args == nil {
		args = []interface{}{}
	}
	encArgs, err := s.encodeValue(args)
	if err != nil {
		return nil, err
	}
	var m *string
	if method != "" {
		m = &method
	}
	return s.doCall(ctx, pushFrame{TargetID: targetID, Method: m, Args: encArgs})
}

// GetProperty reads the named property of the peer target identified by
// targetID. On the wire a property read is a push whose args slot is null.
func (s *Session) GetProperty(ctx context.Context, targetID int64, name string) (interface{}, error) {
	return s.doCall(ctx, pushFrame{TargetID: targetID, Method: &name, Args: nil})
}

func (s *Session) doCall(ctx context.Context, f pushFrame) (interface{}, error) {
	s.mu.Lock()
	if s.closed || s.halfClosed {
		err := s.closeErr
		s.mu.Unlock()
		if err == nil {
			err = Errorf(ErrDisconnected, "session closed")
		}
		return nil, err
	}
	s.nextCall++
	f.CallID = s.nextCall
	data, err := f.encode()
	if err != nil {
		s.mu.Unlock()
		return nil, Errorf(ErrInvalidValue, "encoding push: %v", err)
	}
	rec := &callRecord{done: make(chan callResult, 1)}
	s.calls[f.CallID] = rec
	s.outbound <- data
	s.mu.Unlock()

	select {
	case res := <-rec.done:
		if res.err != nil {
			return nil, res.err
		}
		return res.value, nil
	case <-ctx.Done():
		return nil, Errorf(ErrTimeout, "call %d abandoned: %v", f.CallID, ctx.Err())
	}
}

// Close terminates the session without sending an abort frame. Pending
// waiters fail with ErrDisconnected.
func (s *Session) Close() error {
	s.teardown(Errorf(ErrDisconnected, "session closed"), false)
	return nil
}

// Abort terminates the session, sending the peer an abort frame carrying
// the reason.
func (s *Session) Abort(err error) {
	s.teardown(asRpcError(err), true)
}

// enqueue appends a frame to the outbound queue unless the session has
// closed. The queue has a single consumer, the writer goroutine.
func (s *Session) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.outbound <- data
	return true
}

func (s *Session) sendRelease(id, count int64) {
	if id == MainID {
		return
	}
	data, err := releaseFrame{ID: id, Count: count}.encode()
	if err != nil {
		return
	}
	s.enqueue(data)
}

func (s *Session) sendPull(callID int64, result interface{}) {
	data, err := pullFrame{CallID: callID, Result: result}.encode()
	if err != nil {
		s.logger.Error("encoding pull failed", "call", callID, "err", err)
		return
	}
	s.enqueue(data)
}

// writeLoop drains the outbound queue onto the transport, then closes the
// transport once the session has torn down. After a write failure it keeps
// draining so enqueuers never block on a dead channel.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	var failed bool
	for data := range s.outbound {
		if failed {
			continue
		}
		if err := s.transport.WriteFrame(data); err != nil {
			failed = true
			go s.teardown(Errorf(ErrDisconnected, "write failed: %v", err), false)
		}
	}
	_ = s.transport.Close()
}

// readLoop is the single consumer of the transport. A clean EOF lets the
// in-flight handlers finish and flush their replies before teardown.
func (s *Session) readLoop() {
	for {
		data, err := s.transport.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Half-close: no pull can ever arrive, so pending outbound
				// calls fail now, then in-flight handlers finish and flush
				// their replies before teardown.
				reason := Errorf(ErrDisconnected, "channel closed")
				s.mu.Lock()
				s.halfClosed = true
				s.mu.Unlock()
				s.failPendingCalls(reason)
				s.handlers.Wait()
				s.teardown(reason, false)
			} else {
				s.teardown(Errorf(ErrDisconnected, "read failed: %v", err), false)
			}
			return
		}
		if err := s.handleFrame(data); err != nil {
			s.logger.Warn("fatal protocol error", "err", err)
			s.teardown(asRpcError(err), true)
			return
		}
	}
}

func (s *Session) handleFrame(data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		// Terminated sessions refuse frames.
		return nil
	}

	f, err := parseFrame(data)
	if err != nil {
		return err
	}

	switch fr := f.(type) {
	case pushFrame:
		if s.inflight != nil {
			s.inflight <- struct{}{}
		}
		s.handlers.Add(1)
		go s.handlePush(fr)
		return nil

	case pullFrame:
		return s.handlePull(fr)

	case releaseFrame:
		return s.exports.release(fr.ID, fr.Count)

	case abortFrame:
		reason := Errorf(ErrDisconnected, "session aborted by peer")
		if v, derr := s.decodeValue(fr.Reason); derr == nil {
			if e, ok := v.(*RpcError); ok {
				reason = e
			}
		}
		s.teardown(reason, false)
		return nil

	default:
		return Errorf(ErrProtocol, "unhandled frame %T", f)
	}
}

// handlePush runs one inbound call to completion on its own goroutine.
// Per-call errors go back as error pulls; the session continues.
func (s *Session) handlePush(f pushFrame) {
	defer s.handlers.Done()
	if s.inflight != nil {
		defer func() { <-s.inflight }()
	}

	result, rerr := s.invoke(f)
	if rerr != nil {
		if rerr.IsFatal() {
			// Malformed incoming data is not a per-call condition.
			s.teardown(rerr, true)
			return
		}
		s.sendPull(f.CallID, encodeError(rerr))
		return
	}

	enc, err := s.encodeValue(result)
	if err != nil {
		s.sendPull(f.CallID, encodeError(asRpcError(err)))
		return
	}
	s.sendPull(f.CallID, enc)
}

// invoke decodes the arguments and runs the target. Argument decoding
// completes before the target is invoked. A panicking target is caught and
// normalized; it never brings the session down.
func (s *Session) invoke(f pushFrame) (result interface{}, rerr *RpcError) {
	defer func() {
		if r := recover(); r != nil {
			rerr = Errorf(ErrApplication, "target panicked: %v", r)
		}
	}()

	target, ok := s.exports.lookup(f.TargetID)
	if !ok {
		return nil, Errorf(ErrNotFound, "unknown target %d", f.TargetID)
	}

	// Null args mark a property read.
	if f.Args == nil {
		if f.Method == nil {
			return nil, Errorf(ErrProtocol, "push carries neither method nor args")
		}
		v, err := target.GetProperty(*f.Method)
		if err != nil {
			return nil, asRpcError(err)
		}
		return v, nil
	}

	decoded, err := s.decodeValue(f.Args)
	if err != nil {
		return nil, asRpcError(err)
	}
	args, ok := decoded.([]interface{})
	if !ok {
		return nil, Errorf(ErrProtocol, "push args are not a list")
	}

	method := ""
	if f.Method != nil {
		method = *f.Method
	}
	v, err := target.Call(s.ctx, method, args)
	if err != nil {
		return nil, asRpcError(err)
	}
	return v, nil
}

func (s *Session) failPendingCalls(reason *RpcError) {
	s.mu.Lock()
	calls := s.calls
	s.calls = make(map[int64]*callRecord)
	s.mu.Unlock()
	for _, rec := range calls {
		rec.done <- callResult{err: reason}
	}
}

func (s *Session) handlePull(f pullFrame) error {
	s.mu.Lock()
	rec, ok := s.calls[f.CallID]
	delete(s.calls, f.CallID)
	s.mu.Unlock()
	if !ok {
		return Errorf(ErrProtocol, "pull for unknown call %d", f.CallID)
	}

	value, err := s.decodeValue(f.Result)
	if err != nil {
		return err
	}
	if e, ok := value.(*RpcError); ok {
		rec.done <- callResult{err: e}
	} else {
		rec.done <- callResult{value: value}
	}
	return nil
}

// teardown terminates the session exactly once: fails every outstanding
// waiter with reason, breaks imports, disposes exports, and lets the writer
// drain and close the transport. With sendAbort set, an abort frame carrying
// the reason is flushed first.
func (s *Session) teardown(reason *RpcError, sendAbort bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = reason
	if sendAbort {
		if data, err := (abortFrame{Reason: encodeError(reason)}).encode(); err == nil {
			s.outbound <- data
		}
	}
	calls := s.calls
	s.calls = make(map[int64]*callRecord)
	close(s.outbound)
	s.mu.Unlock()

	for _, rec := range calls {
		rec.done <- callResult{err: reason}
	}
	s.imports.breakAll(reason)
	s.exports.disposeAll()
	s.cancel(reason)
	close(s.done)

	s.logger.Debug("session terminated", "reason", reason.Message, "kind", string(reason.Kind))
	if s.onDisconnect != nil {
		go s.onDisconnect(reason)
	}
}
