package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/weiawesome/duo-chat/internal/config"
	"github.com/weiawesome/duo-chat/internal/domain"
	"github.com/weiawesome/duo-chat/pkg/log"
)

var ErrSendBufferFull = errors.New("client send buffer full")

// Client is one websocket connection. Its ID doubles as the session id.
type Client struct {
	ID      string
	Hub     *Hub
	Conn    *websocket.Conn
	Send    chan []byte
	Session *domain.Session
	config  config.WebSocketConfig

	// OnClose runs once when the read side ends, before the hub forgets the client.
	OnClose func(*Client)

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(id string, hub *Hub, conn *websocket.Conn, cfg config.WebSocketConfig) *Client {
	size := cfg.SendBuffer
	if size <= 0 {
		size = 256
	}
	return &Client{
		ID:      id,
		Hub:     hub,
		Conn:    conn,
		Send:    make(chan []byte, size),
		Session: domain.NewSession(id),
		config:  cfg,
		done:    make(chan struct{}),
	}
}

func (c *Client) ReadPump(handler func(*Client, []byte)) {
	l := log.L().With().Str(log.FieldSessionID, c.ID).Logger()
	defer func() {
		if c.OnClose != nil {
			c.OnClose(c)
		}
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				l.Warn().Err(err).Msg("websocket read error")
			}
			break
		}

		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		handler(c, message)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendMessage queues a frame without blocking.
func (c *Client) SendMessage(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}

	select {
	case c.Send <- data:
		return nil
	case <-c.done:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Attach forwards sub's events to the socket until the subscription closes.
// A slow socket backs up into the subscription queue, where the hub's
// overflow policy applies.
func (c *Client) Attach(sub *Subscription) {
	go func() {
		for ev := range sub.Events() {
			data, err := json.Marshal(domain.NewEventMessage(ev))
			if err != nil {
				continue
			}
			select {
			case c.Send <- data:
			case <-c.done:
				return
			}
		}
	}()
}

// Close stops the writer, which sends a close frame and closes the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}
