package capnweb

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for simplicity
	},
}

// wsTransport adapts a gorilla WebSocket connection to the frame channel:
// one text message per frame. Binary messages are not accepted.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	mt, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, Errorf(ErrProtocol, "binary messages are not accepted")
	}
	return data, nil
}

func (t *wsTransport) WriteFrame(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// SetupRpcEndpoint mounts the RPC endpoint on path using Echo. The same
// path multiplexes both modes: an Upgrade header selects WebSocket, POST
// selects HTTP batch, and anything else gets a 400. newTarget is invoked
// once per connection (and once per batch request) so connection-scoped
// state such as registered callbacks stays isolated.
func SetupRpcEndpoint(e *echo.Echo, path string, newTarget func() Target) {
	SetupRpcEndpointWithLogger(e, path, newTarget, nil)
}

// SetupRpcEndpointWithLogger is SetupRpcEndpoint with an explicit session
// logger.
func SetupRpcEndpointWithLogger(e *echo.Echo, path string, newTarget func() Target, logger *slog.Logger) {
	e.Any(path, func(c echo.Context) error {
		r := c.Request()
		switch {
		case strings.EqualFold(r.Header.Get("Upgrade"), "websocket"):
			return serveWebSocket(c, newTarget(), logger)
		case r.Method == http.MethodPost:
			return serveBatch(c, newTarget(), logger)
		default:
			return c.String(http.StatusBadRequest, "This endpoint only accepts POST or WebSocket requests.")
		}
	})
}

func serveWebSocket(c echo.Context, target Target, logger *slog.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		if logger != nil {
			logger.Warn("websocket upgrade failed", "err", err)
		}
		return err
	}

	session := NewSession(&wsTransport{conn: conn}, SideServer, Options{
		LocalMain: target,
		Logger:    logger,
	})
	<-session.Done()
	return nil
}

func serveBatch(c echo.Context, target Target, logger *slog.Logger) error {
	defer c.Request().Body.Close()
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Error reading request body")
	}

	response := RunBatch(target, body, logger)

	c.Response().Header().Set("Content-Type", "text/plain")
	return c.String(http.StatusOK, string(response))
}

// SetupEchoServer creates and configures an Echo server with common middleware.
func SetupEchoServer() *echo.Echo {
	e := echo.New()

	// Add middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Hide Echo banner for cleaner output
	e.HideBanner = true

	return e
}
