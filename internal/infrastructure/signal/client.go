package signal

import (
	"encoding/json"
	"sync"
	"time"

	"callify/internal/core/domain"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// clientConn is the broker's end of one client connection. A single reader
// goroutine processes inbound messages sequentially (per-sender FIFO); all
// outbound traffic goes through the buffered send channel drained by
// writePump, so fan-out to this client never blocks the sender's task.
type clientConn struct {
	id          domain.ConnectionID
	userID      domain.UserID
	displayName string

	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	broker *Broker

	closeOnce sync.Once
	done      chan struct{}
}

func newClientConn(b *Broker, ws *websocket.Conn, id domain.ConnectionID, userID domain.UserID, displayName string) *clientConn {
	var limiter *rate.Limiter
	if b.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(b.opts.MessagesPerSecond), b.opts.MessageBurst)
	}
	return &clientConn{
		id:          id,
		userID:      userID,
		displayName: displayName,
		ws:          ws,
		send:        make(chan []byte, b.opts.SendBufferSize),
		limiter:     limiter,
		broker:      b,
		done:        make(chan struct{}),
	}
}

// enqueue hands an envelope to the write pump. A full buffer means the
// recipient is too slow; the message is dropped and counted rather than
// stalling the room.
func (c *clientConn) enqueue(env domain.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.broker.logger.Errorw("failed to marshal envelope", "kind", env.Kind, "error", err)
		return
	}

	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.broker.logger.Warnw("send buffer full, dropping message",
			"connection_id", c.id,
			"kind", env.Kind,
		)
		if c.broker.metrics != nil {
			c.broker.metrics.RecordMessageDropped(string(env.Kind))
		}
	}
}

func (c *clientConn) sendError(code, message string) {
	payload, _ := json.Marshal(domain.ErrorPayload{Code: code, Message: message})
	c.enqueue(domain.Envelope{Kind: domain.KindError, Payload: payload})
}

// readPump reads and dispatches inbound messages until the transport closes
// or a fatal protocol error occurs. It runs on the handler goroutine.
func (c *clientConn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(c.broker.opts.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(c.broker.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.broker.opts.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.broker.logger.Infow("read error", "connection_id", c.id, "error", err)
			}
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.sendError("RATE_LIMIT_EXCEEDED", "message rate limit exceeded")
			continue
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("INVALID_INPUT", "malformed message")
			continue
		}

		c.broker.handleMessage(c, env)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings. It owns all writes to the socket.
func (c *clientConn) writePump() {
	ticker := time.NewTicker(c.broker.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.broker.opts.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.broker.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// close converges every exit path (explicit leave handled separately, fatal
// protocol error, transport disconnect) on the same cleanup, exactly once.
func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.broker.handleDisconnect(c)
		c.ws.Close()
	})
}
