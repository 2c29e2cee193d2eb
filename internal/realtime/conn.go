package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/charlesng35/boardroom/internal/collab"
	apperrors "github.com/charlesng35/boardroom/pkg/errors"
)

// Conn is one websocket client. It implements collab.Channel.
type Conn struct {
	id       string
	userID   string
	username string

	socket  *websocket.Conn
	send    chan collab.Event
	quit    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	log     *zap.Logger
}

var _ collab.Channel = (*Conn)(nil)

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) UserID() string   { return c.userID }
func (c *Conn) Username() string { return c.username }

// Send queues evt for delivery without blocking. A client that cannot keep up
// is disconnected.
func (c *Conn) Send(evt collab.Event) error {
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}

	select {
	case c.send <- evt:
		return nil
	case <-c.quit:
		return ErrClosed
	default:
		c.log.Warn("dropping backpressure client")
		c.Close()
		return ErrBackpressure
	}
}

// SendError queues an error event built from err.
func (c *Conn) SendError(err error) {
	appErr := apperrors.FromError(err)
	_ = c.Send(collab.Event{Name: collab.EventError, Data: ErrorPayload{Code: appErr.Code, Message: appErr.Message}})
}

// Close stops the connection. Events queued before Close are still written.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.quit)
	})
}

func (c *Conn) readLoop(ctx context.Context, d Dispatcher) {
	defer c.Close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Info("unexpected websocket close", zap.Error(err))
			}
			return
		}

		if len(payload) == 0 {
			continue
		}

		if !c.limiter.Allow() {
			c.log.Debug("inbound event rate exceeded, dropping message")
			c.SendError(apperrors.ErrRateLimit)
			var env Envelope
			if err := json.Unmarshal(payload, &env); err == nil && env.Event != "" {
				d.Throttled(c, env)
			}
			continue
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Event == "" {
			c.log.Debug("invalid realtime envelope", zap.Error(err))
			c.SendError(apperrors.NewBadRequest("Invalid message envelope"))
			continue
		}

		d.Dispatch(ctx, c, env)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.socket.Close()
	}()

	for {
		select {
		case evt := <-c.send:
			if err := c.write(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			c.drain()
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain writes whatever is still buffered.
func (c *Conn) drain() {
	for {
		select {
		case evt := <-c.send:
			if err := c.write(evt); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(evt collab.Event) error {
	_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.socket.WriteJSON(evt); err != nil {
		c.log.Debug("websocket write failed", zap.String("event", evt.Name), zap.Error(err))
		return err
	}
	return nil
}
