package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"callify/internal/core/domain"
	"callify/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventHandlers receive the broker's push events. All handlers are invoked
// sequentially from the transport's read loop, preserving the broker's
// per-sender ordering; a handler that blocks stalls the whole inbound path.
type EventHandlers struct {
	OnRoomJoined    func(domain.RoomJoinedPayload)
	OnPeerJoined    func(domain.PeerJoinedPayload)
	OnPeerLeft      func(domain.PeerLeftPayload)
	OnSignal        func(from domain.ConnectionID, payload domain.SignalPayload)
	OnChatDelivered func(domain.ChatDeliveredPayload)
	OnError         func(domain.ErrorPayload)
	OnDisconnect    func(error)
}

// Transport is the client end of the signaling connection. It serializes
// writes and dispatches inbound envelopes to the registered handlers.
type Transport struct {
	ws       *websocket.Conn
	handlers EventHandlers
	logger   *zap.SugaredLogger

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

var _ ports.SignalSender = (*Transport)(nil)

// Dial opens the signaling connection and starts the read loop.
func Dial(ctx context.Context, url string, handlers EventHandlers, logger *zap.SugaredLogger) (*Transport, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling server: %w", err)
	}

	t := &Transport{
		ws:           ws,
		handlers:     handlers,
		logger:       logger,
		writeTimeout: 10 * time.Second,
		done:         make(chan struct{}),
	}

	ws.SetPingHandler(func(appData string) error {
		return t.writeControl(websocket.PongMessage, []byte(appData))
	})

	go t.readLoop()
	return t, nil
}

// JoinRoom asks the broker to place this connection in a room.
func (t *Transport) JoinRoom(room domain.RoomCode) error {
	payload, _ := json.Marshal(domain.JoinRoomPayload{RoomCode: room})
	return t.write(domain.Envelope{Kind: domain.KindJoinRoom, Payload: payload})
}

// LeaveRoom leaves the current room but keeps the connection open, so the
// same connection can join another room afterwards.
func (t *Transport) LeaveRoom() error {
	return t.write(domain.Envelope{Kind: domain.KindLeaveRoom})
}

// SendChat submits a chat message for room-wide fan-out. The local copy
// arrives back through OnChatDelivered like everyone else's.
func (t *Transport) SendChat(body string) error {
	payload, _ := json.Marshal(domain.ChatPayload{Body: body})
	return t.write(domain.Envelope{Kind: domain.KindChat, Payload: payload})
}

// SendSignal relays a connection-setup payload to one remote member.
func (t *Transport) SendSignal(to domain.ConnectionID, payload domain.SignalPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal signal payload: %w", err)
	}
	return t.write(domain.Envelope{Kind: domain.KindSignal, To: to, Payload: raw})
}

// Close tears down the connection. Safe to call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = t.ws.Close()
	})
	return err
}

func (t *Transport) write(env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return domain.ErrSessionClosed
	default:
	}

	t.ws.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) writeControl(messageType int, data []byte) error {
	return t.ws.WriteControl(messageType, data, time.Now().Add(t.writeTimeout))
}

func (t *Transport) readLoop() {
	for {
		_, data, err := t.ws.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				err = nil
			default:
			}
			if t.handlers.OnDisconnect != nil {
				t.handlers.OnDisconnect(err)
			}
			t.Close()
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warnw("dropping malformed envelope", "error", err)
			continue
		}

		t.dispatch(env)
	}
}

func (t *Transport) dispatch(env domain.Envelope) {
	switch env.Kind {
	case domain.KindRoomJoined:
		var p domain.RoomJoinedPayload
		if json.Unmarshal(env.Payload, &p) == nil && t.handlers.OnRoomJoined != nil {
			t.handlers.OnRoomJoined(p)
		}
	case domain.KindPeerJoined:
		var p domain.PeerJoinedPayload
		if json.Unmarshal(env.Payload, &p) == nil && t.handlers.OnPeerJoined != nil {
			t.handlers.OnPeerJoined(p)
		}
	case domain.KindPeerLeft:
		var p domain.PeerLeftPayload
		if json.Unmarshal(env.Payload, &p) == nil && t.handlers.OnPeerLeft != nil {
			t.handlers.OnPeerLeft(p)
		}
	case domain.KindSignal:
		var p domain.SignalPayload
		if json.Unmarshal(env.Payload, &p) == nil && t.handlers.OnSignal != nil {
			t.handlers.OnSignal(env.From, p)
		}
	case domain.KindChatDelivered:
		var p domain.ChatDeliveredPayload
		if json.Unmarshal(env.Payload, &p) == nil && t.handlers.OnChatDelivered != nil {
			t.handlers.OnChatDelivered(p)
		}
	case domain.KindError:
		var p domain.ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil && t.handlers.OnError != nil {
			t.handlers.OnError(p)
		}
	default:
		t.logger.Debugw("ignoring unknown envelope kind", "kind", env.Kind)
	}
}
