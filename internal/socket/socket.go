// Package socket maintains the persistent command connection.
//
// A reader goroutine delivers inbound frames on a per-connection channel;
// it never touches session state. The owner drains the channel from its own
// loop and learns about closure from the final frame.
package socket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned when sending on a closed connection
var ErrClosed = errors.New("socket closed")

const (
	frameBuffer  = 16
	writeTimeout = 5 * time.Second
)

// Frame is one inbound message, or the terminal error when Err is set
type Frame struct {
	Data []byte
	Err  error
}

// Conn is an open command connection
type Conn interface {
	Frames() <-chan Frame
	Send(data []byte) error
	Close() error
}

// Dialer opens command connections
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials WebSocket endpoints
type WSDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

// Dial performs the WebSocket handshake and starts the reader
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWSConn(ws), nil
}

type wsConn struct {
	ws        *websocket.Conn
	frames    chan Frame
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		ws:     ws,
		frames: make(chan Frame, frameBuffer),
		done:   make(chan struct{}),
	}
	ws.SetPingHandler(func(appData string) error {
		log.Debug().Msg("socket got ping")
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	ws.SetPongHandler(func(string) error {
		log.Debug().Msg("socket got pong")
		return nil
	})
	go c.readLoop()
	return c
}

func (c *wsConn) readLoop() {
	defer close(c.frames)
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.deliver(Frame{Err: fmt.Errorf("read: %w", err)})
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if !c.deliver(Frame{Data: data}) {
			return
		}
	}
}

// deliver blocks until the owner takes the frame or the connection is closed
func (c *wsConn) deliver(f Frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *wsConn) Frames() <-chan Frame {
	return c.frames
}

func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (c *wsConn) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
