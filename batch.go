package capnweb

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// A batch session is a session driven by one HTTP request/response: the
// request body carries push frames as newline-delimited JSON, the session
// runs against them as the incoming half of a duplex channel, and every
// outgoing frame is buffered until the input is exhausted and the handlers
// have settled. Capabilities returned in a batch response cannot be called
// again; their ids are dead as soon as the response is consumed.

// batchTransport feeds pre-split request frames to the session and buffers
// everything the session writes.
type batchTransport struct {
	mu  sync.Mutex
	in  [][]byte
	out [][]byte
}

func (t *batchTransport) ReadFrame() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.in) == 0 {
		return nil, io.EOF
	}
	frame := t.in[0]
	t.in = t.in[1:]
	return frame, nil
}

func (t *batchTransport) WriteFrame(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	t.out = append(t.out, buf)
	return nil
}

func (t *batchTransport) Close() error { return nil }

func (t *batchTransport) response() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Join(t.out, []byte("\n"))
}

// splitFrames splits a newline-delimited body into frames, skipping blank
// lines. The final frame needs no trailing newline.
func splitFrames(body []byte) [][]byte {
	var frames [][]byte
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			frames = append(frames, line)
		}
	}
	return frames
}

// RunBatch runs one batch session for target over the given request body and
// returns the buffered reply frames, newline-delimited.
func RunBatch(target Target, body []byte, logger *slog.Logger) []byte {
	bt := &batchTransport{in: splitFrames(body)}
	s := NewSession(bt, SideServer, Options{LocalMain: target, Logger: logger})
	<-s.Done()
	<-s.writerDone
	return bt.response()
}

// BatchCall is one invocation in a batch request.
type BatchCall struct {
	Method string
	Args   []interface{}
}

// BatchResult is the outcome of one BatchCall, in request order.
type BatchResult struct {
	Value interface{}
	Err   error
}

// BatchClient issues single-shot batch requests over HTTP POST.
type BatchClient struct {
	URL string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Call issues a single method call on the server's main capability.
func (c *BatchClient) Call(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	results, err := c.Do(ctx, []BatchCall{{Method: method, Args: args}})
	if err != nil {
		return nil, err
	}
	return results[0].Value, results[0].Err
}

// Do issues every call against the server's main capability in one request
// and returns results in call order.
func (c *BatchClient) Do(ctx context.Context, calls []BatchCall) ([]BatchResult, error) {
	s := newDetachedSession(nil, SideClient, Options{Logger: c.Logger})

	var body bytes.Buffer
	for i, call := range calls {
		args := call.Args
		if args == nil {
			args = []interface{}{}
		}
		encArgs, err := s.encodeValue(args)
		if err != nil {
			return nil, err
		}
		method := call.Method
		var m *string
		if method != "" {
			m = &method
		}
		data, err := pushFrame{CallID: int64(i + 1), TargetID: MainID, Method: m, Args: encArgs}.encode()
		if err != nil {
			return nil, Errorf(ErrInvalidValue, "encoding push: %v", err)
		}
		body.Write(data)
		body.WriteByte('\n')
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, Errorf(ErrDisconnected, "batch request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, Errorf(ErrDisconnected, "batch request returned %s", resp.Status)
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Errorf(ErrDisconnected, "reading batch response: %v", err)
	}

	results := make([]BatchResult, len(calls))
	for i := range results {
		results[i].Err = Errorf(ErrDisconnected, "no reply in batch response")
	}

	for _, raw := range splitFrames(respBody) {
		f, err := parseFrame(raw)
		if err != nil {
			return nil, err
		}
		switch fr := f.(type) {
		case pullFrame:
			idx := int(fr.CallID) - 1
			if idx < 0 || idx >= len(results) {
				return nil, Errorf(ErrProtocol, "pull for unknown call %d", fr.CallID)
			}
			value, err := s.decodeValue(fr.Result)
			if err != nil {
				return nil, err
			}
			if e, ok := value.(*RpcError); ok {
				results[idx] = BatchResult{Err: e}
			} else {
				results[idx] = BatchResult{Value: value}
			}
		case releaseFrame:
			// The channel is gone; nothing left to release on this side.
		case abortFrame:
			reason := Errorf(ErrDisconnected, "session aborted by peer")
			if v, derr := s.decodeValue(fr.Reason); derr == nil {
				if e, ok := v.(*RpcError); ok {
					reason = e
				}
			}
			return nil, reason
		case pushFrame:
			return nil, Errorf(ErrProtocol, "unexpected push in batch response")
		default:
			return nil, Errorf(ErrProtocol, "unexpected frame %T in batch response", f)
		}
	}

	// Import ids received in a batch response are implicitly dead once the
	// response is consumed; stubs decoded above cannot be called again.
	s.mu.Lock()
	s.closed = true
	s.closeErr = Errorf(ErrDisconnected, "batch response consumed")
	s.mu.Unlock()

	return results, nil
}
