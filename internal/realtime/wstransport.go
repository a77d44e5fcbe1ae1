package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/heartline/internal/event"
	"github.com/heartline/internal/logger"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsRecvBuf    = 256
	wsMaxMessage = 4096
)

// WSDialer dials the sync server's /ws endpoint over gorilla/websocket.
type WSDialer struct {
	// URL of the websocket endpoint, e.g. "ws://localhost:8080/ws".
	URL string
}

func (d *WSDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("ws dial parse url: %w", err)
	}
	// Токен в query: заголовки из браузерного WebSocket не задать.
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &wsConn{
		conn:   conn,
		events: make(chan event.ServerEvent, wsRecvBuf),
		done:   make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

// wsConn wraps a gorilla connection: one read pump feeding the events channel,
// writes serialized by a mutex.
type wsConn struct {
	conn    *websocket.Conn
	events  chan event.ServerEvent
	done    chan struct{}
	writeMu sync.Mutex
	once    sync.Once
}

func (c *wsConn) readPump() {
	defer close(c.events)
	defer c.conn.Close()

	c.conn.SetReadLimit(wsMaxMessage)
	if err := c.conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
		return
	}
	// Сервер шлёт ping; продлеваем дедлайн чтения (pong уходит автоматически).
	c.conn.SetPingHandler(func(data string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
			return err
		}
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("ws read: %v", err)
			}
			return
		}
		var ev event.ServerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			// Malformed frames are dropped, never break the stream.
			logger.Errorf("ws decode: %v", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, ev event.ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("ws encode: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("ws set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("ws write: %w", err)
	}
	return nil
}

func (c *wsConn) Events() <-chan event.ServerEvent { return c.events }

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		werr := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		if werr != nil {
			logger.Debugf("ws close message: %v", werr)
		}
		err = c.conn.Close()
	})
	return err
}
