package capnweb

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// ClientOptions configures a WebSocket client connection.
type ClientOptions struct {
	// LocalMain is exported as id 0 on the client side, letting the server
	// call back into the client (see TestTarget's registerCallback).
	LocalMain Target

	// OnDisconnect is invoked once when the session terminates.
	OnDisconnect func(err error)

	// MaxInflightCalls bounds concurrently running inbound handlers.
	MaxInflightCalls int

	// Logger receives session diagnostics.
	Logger *slog.Logger

	// Header is sent with the upgrade request.
	Header http.Header

	// DialRetries is the number of additional dial attempts after the
	// first one fails, with exponential backoff. Zero retries by default.
	DialRetries uint64
}

// Client is a WebSocket RPC client: one session whose main stub addresses
// the server's main capability.
type Client struct {
	session *Session
	main    *Stub
}

// Dial connects to a WebSocket RPC endpoint (ws:// or wss://) and returns a
// connected client. The context bounds dialing, including retries.
func Dial(ctx context.Context, url string, opts ClientOptions) (*Client, error) {
	var conn *websocket.Conn
	operation := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), opts.DialRetries), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, Errorf(ErrDisconnected, "dial %s: %v", url, err)
	}

	session := NewSession(&wsTransport{conn: conn}, SideClient, Options{
		LocalMain:        opts.LocalMain,
		OnDisconnect:     opts.OnDisconnect,
		MaxInflightCalls: opts.MaxInflightCalls,
		Logger:           opts.Logger,
	})
	return &Client{session: session, main: session.Main()}, nil
}

// Session returns the underlying session.
func (c *Client) Session() *Session { return c.session }

// Main returns the stub for the server's main capability. The client owns
// the returned stub; use Dup to share it.
func (c *Client) Main() *Stub { return c.main }

// Call invokes a method on the server's main capability.
func (c *Client) Call(ctx context.Context, method string, args []interface{}) (interface{}, error) {
	return c.main.Call(ctx, method, args)
}

// Get reads a property of the server's main capability.
func (c *Client) Get(ctx context.Context, name string) (interface{}, error) {
	return c.main.Get(ctx, name)
}

// Done is closed when the underlying session has terminated.
func (c *Client) Done() <-chan struct{} { return c.session.Done() }

// Close disposes the main stub and terminates the session.
func (c *Client) Close() error {
	c.main.Dispose()
	return c.session.Close()
}
