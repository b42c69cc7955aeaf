package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// client serializes writes to one websocket connection.
type client struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	cancel      func()

	mu        sync.Mutex
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, readTimeout time.Duration, cancel func()) *client {
	c := &client{conn: conn, readTimeout: readTimeout, cancel: cancel}
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return c
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ping sends a protocol ping and a JSON ping for clients that cannot see
// control frames.
func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, pingFrame)
}

// readLoop consumes client frames until the read deadline lapses or the
// connection closes, then cancels the serve loop.
func (c *client) readLoop() {
	defer c.cancel()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
		var f frame
		if json.Unmarshal(data, &f) == nil && f.Type == "ping" {
			pong, _ := json.Marshal(frame{Type: "pong"})
			if c.write(pong) != nil {
				return
			}
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.mu.Unlock()
		c.conn.Close()
	})
}
