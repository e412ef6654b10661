// ABOUTME: Upstream connection abstraction and its gorilla/websocket implementation.
// ABOUTME: Failed handshakes surface as routes.DialError carrying the HTTP status.

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/live-gateway/internal/routes"
)

// Target is everything needed to open one upstream connection.
type Target struct {
	URL    string
	Route  routes.Route
	APIKey string
}

// Dialer opens upstream connections.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// Conn is a duplex upstream connection. Send and Ping may be called concurrently
// with Recv; Recv is called from a single goroutine.
type Conn interface {
	Send(ctx context.Context, frame any) error
	Recv() ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// DefaultWriteTimeout bounds each frame write when the dialer sets no timeout.
const DefaultWriteTimeout = 10 * time.Second

// WebsocketDialer dials the upstream over websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
	// WriteTimeout caps every frame write, so a stalled upstream cannot hold the
	// writer forever. Zero means DefaultWriteTimeout.
	WriteTimeout time.Duration
}

// Dial opens a websocket to the target, passing the API key as the key query parameter.
func (d *WebsocketDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	u, err := url.Parse(target.URL)
	if err != nil {
		return nil, &routes.DialError{Err: fmt.Errorf("parse upstream url: %w", err)}
	}
	if target.APIKey != "" {
		q := u.Query()
		q.Set("key", target.APIKey)
		u.RawQuery = q.Encode()
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		de := &routes.DialError{Err: err}
		if resp != nil {
			de.StatusCode = resp.StatusCode
		}
		return nil, de
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	c := &wsConn{ws: ws, pongs: make(chan struct{}, 1), writeTimeout: writeTimeout}
	ws.SetPongHandler(func(string) error {
		select {
		case c.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	return c, nil
}

// wsConn serializes data frames through writeMu. Control frames and Close go
// straight to the websocket, which allows them concurrently with a writer, so a
// stalled write never blocks Close.
type wsConn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	pongs        chan struct{}
	writeTimeout time.Duration
}

func (c *wsConn) Send(ctx context.Context, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Recv() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Ping sends a ping control frame and waits for the pong. The pong is delivered by
// the pong handler, which runs inside the reader goroutine.
func (c *wsConn) Ping(ctx context.Context) error {
	select {
	case <-c.pongs:
	default:
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}

	select {
	case <-c.pongs:
		return nil
	case <-ctx.Done():
		return errors.New("ping: no pong before deadline")
	}
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
