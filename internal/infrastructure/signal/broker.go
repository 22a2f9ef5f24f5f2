package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"callify/internal/core/domain"
	"callify/internal/core/ports"
	"callify/internal/core/services"
	"callify/pkg/config"
	"callify/pkg/utils"
	"callify/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Metrics is the subset of the monitoring collector the broker reports to.
type Metrics interface {
	RecordConnectionOpened()
	RecordConnectionClosed()
	RecordRoomCount(n int)
	RecordSignalRouted()
	RecordSignalDropped()
	RecordChatMessage()
	RecordMessageDropped(kind string)
}

// Options carry the broker's transport tuning knobs.
type Options struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	SendBufferSize    int
	MaxMessageBytes   int64
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string
}

// DefaultOptions mirror the config defaults.
func DefaultOptions() Options {
	return Options{
		PingInterval:    30 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		SendBufferSize:  256,
		MaxMessageBytes: 64 * 1024,
		AllowedOrigins:  []string{"*"},
	}
}

// OptionsFromConfig maps the transport sections of the runtime config onto
// broker options. The per-connection message limiter is armed only when rate
// limiting is enabled; a configured rate alone must not throttle anyone.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		PingInterval:    cfg.Signal.PingInterval,
		PongTimeout:     cfg.Signal.PongTimeout,
		WriteTimeout:    cfg.Signal.WriteTimeout,
		SendBufferSize:  cfg.Signal.SendBufferSize,
		MaxMessageBytes: cfg.Signal.MaxMessageBytes,
		AllowedOrigins:  cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		opts.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		opts.MessageBurst = cfg.RateLimiting.WebSocket.Burst
	}
	return opts
}

// Broker is the signaling relay. It owns one clientConn per connected client,
// routes signal envelopes point-to-point within a room, and fans out
// membership and chat events. Room membership itself lives in the registry;
// the broker only holds transport state.
type Broker struct {
	registry ports.RoomRegistry
	history  ports.HistoryRecorder
	auth     services.IdentityService // optional; nil allows anonymous clients
	metrics  Metrics
	opts     Options
	logger   *zap.SugaredLogger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[domain.ConnectionID]*clientConn
}

func NewBroker(
	registry ports.RoomRegistry,
	history ports.HistoryRecorder,
	auth services.IdentityService,
	metrics Metrics,
	opts Options,
	logger *zap.SugaredLogger,
) *Broker {
	b := &Broker{
		registry: registry,
		history:  history,
		auth:     auth,
		metrics:  metrics,
		opts:     opts,
		logger:   logger,
		conns:    make(map[domain.ConnectionID]*clientConn),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return b
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleWebSocket upgrades the HTTP request and runs the connection's read
// pump until it disconnects.
func (b *Broker) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	var (
		userID      domain.UserID
		displayName = r.URL.Query().Get("display_name")
	)
	if token := r.URL.Query().Get("token"); token != "" && b.auth != nil {
		claims, err := b.auth.ValidateToken(token)
		if err != nil {
			b.logger.Warnw("rejecting connection with invalid token", "error", err)
			ws.Close()
			return
		}
		userID = claims.UserID
		if claims.DisplayName != "" {
			displayName = claims.DisplayName
		}
	}
	displayName = validation.SanitizeDisplayName(displayName)

	id := domain.ConnectionID(utils.GenerateConnectionID())
	conn := newClientConn(b, ws, id, userID, displayName)

	b.mu.Lock()
	b.conns[id] = conn
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordConnectionOpened()
	}
	b.logger.Infow("client connected", "connection_id", id, "display_name", displayName)

	go conn.writePump()
	conn.readPump()
}

// ConnectionCount reports the number of live transport connections.
func (b *Broker) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// HealthCheck serves a plain health endpoint for the ws listener.
func (b *Broker) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": b.ConnectionCount(),
	})
}

func (b *Broker) handleMessage(c *clientConn, env domain.Envelope) {
	switch env.Kind {
	case domain.KindJoinRoom:
		b.handleJoinRoom(c, env)
	case domain.KindLeaveRoom:
		b.handleLeaveRoom(c)
	case domain.KindSignal:
		b.handleSignal(c, env)
	case domain.KindChat:
		b.handleChat(c, env)
	default:
		c.sendError("INVALID_INPUT", "unknown message kind")
	}
}

func (b *Broker) handleJoinRoom(c *clientConn, env domain.Envelope) {
	var payload domain.JoinRoomPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.sendError("INVALID_INPUT", "invalid join-room payload")
		return
	}
	if err := validation.ValidateRoomCode(string(payload.RoomCode)); err != nil {
		c.sendError("INVALID_INPUT", err.Error())
		return
	}

	ctx := context.Background()
	member := domain.Member{
		ConnectionID: c.id,
		DisplayName:  c.displayName,
		JoinedAt:     time.Now(),
	}
	members, err := b.registry.Join(ctx, member, payload.RoomCode)
	if err != nil {
		if err == domain.ErrAlreadyInOtherRoom {
			c.sendError("CONFLICT", "already in another room, leave it first")
		} else {
			b.logger.Errorw("registry join failed", "connection_id", c.id, "error", err)
			c.sendError("INTERNAL_ERROR", "join failed")
		}
		return
	}

	// Joiner gets the full list including itself, marked via Self.
	joined, _ := json.Marshal(domain.RoomJoinedPayload{
		RoomCode: payload.RoomCode,
		Self:     c.id,
		Members:  members,
	})
	c.enqueue(domain.Envelope{Kind: domain.KindRoomJoined, Payload: joined})

	// Existing members learn about the newcomer.
	peerJoined, _ := json.Marshal(domain.PeerJoinedPayload{
		ConnectionID: c.id,
		DisplayName:  c.displayName,
	})
	b.broadcast(members, domain.Envelope{Kind: domain.KindPeerJoined, Payload: peerJoined}, c.id)
	b.reportRoomCount()

	// Meeting history is fire-and-forget; the join never waits on it.
	if b.history != nil {
		go func(user domain.UserID, room domain.RoomCode) {
			if err := b.history.RecordJoin(context.Background(), user, room); err != nil {
				b.logger.Warnw("history record failed", "room", room, "error", err)
			}
		}(c.userID, payload.RoomCode)
	}

	b.logger.Infow("client joined room",
		"connection_id", c.id,
		"room", payload.RoomCode,
		"members", len(members),
	)
}

func (b *Broker) handleLeaveRoom(c *clientConn) {
	b.leaveAndNotify(c)
}

// handleSignal forwards a connection-setup envelope verbatim. The payload is
// opaque: the broker routes by destination id only. A destination that left
// or never shared a room with the sender is expected during the natural race
// between leave notification and in-flight traffic, so the message is
// silently dropped.
func (b *Broker) handleSignal(c *clientConn, env domain.Envelope) {
	ctx := context.Background()
	room, ok := b.registry.RoomOf(ctx, c.id)
	if !ok {
		c.sendError("INVALID_INPUT", domain.ErrNotInRoom.Error())
		return
	}
	if env.To == "" {
		c.sendError("INVALID_INPUT", "signal requires a destination")
		return
	}

	destRoom, ok := b.registry.RoomOf(ctx, env.To)
	if !ok || destRoom != room {
		if b.metrics != nil {
			b.metrics.RecordSignalDropped()
		}
		b.logger.Debugw("dropping stale signal",
			"from", c.id,
			"to", env.To,
		)
		return
	}

	b.mu.RLock()
	dest, exists := b.conns[env.To]
	b.mu.RUnlock()
	if !exists {
		if b.metrics != nil {
			b.metrics.RecordSignalDropped()
		}
		b.logger.Debugw("destination has no live connection",
			"to", env.To,
			"error", domain.ErrConnectionNotFound,
		)
		return
	}

	dest.enqueue(domain.Envelope{
		Kind:    domain.KindSignal,
		From:    c.id,
		To:      env.To,
		Payload: env.Payload,
	})
	if b.metrics != nil {
		b.metrics.RecordSignalRouted()
	}
}

func (b *Broker) handleChat(c *clientConn, env domain.Envelope) {
	ctx := context.Background()
	room, ok := b.registry.RoomOf(ctx, c.id)
	if !ok {
		c.sendError("INVALID_INPUT", domain.ErrNotInRoom.Error())
		return
	}

	var payload domain.ChatPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.sendError("INVALID_INPUT", "invalid chat payload")
		return
	}
	if err := validation.ValidateChatBody(payload.Body); err != nil {
		c.sendError("INVALID_INPUT", err.Error())
		return
	}

	displayName := c.displayName
	if displayName == "" {
		displayName = validation.SanitizeDisplayName(payload.DisplayName)
	}

	// The sender receives its own broadcast too: clients must not local-echo,
	// so every member observes the same room-wide chat order with a single
	// server timestamp.
	delivered, _ := json.Marshal(domain.ChatDeliveredPayload{
		SenderID:    c.id,
		DisplayName: displayName,
		Body:        payload.Body,
		Timestamp:   time.Now().UnixMilli(),
	})
	members := b.registry.Members(ctx, room)
	b.broadcast(members, domain.Envelope{Kind: domain.KindChatDelivered, Payload: delivered})

	if b.metrics != nil {
		b.metrics.RecordChatMessage()
	}
}

// handleDisconnect is the converged cleanup path, reached exactly once per
// connection via clientConn.close.
func (b *Broker) handleDisconnect(c *clientConn) {
	b.leaveAndNotify(c)

	b.mu.Lock()
	delete(b.conns, c.id)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.RecordConnectionClosed()
	}
	b.logger.Infow("client disconnected", "connection_id", c.id)
}

// leaveAndNotify removes the connection from its room, if any, and tells the
// remaining members. Registry.Leave is a no-op for a connection not in a
// room, which makes the whole path idempotent: racing an explicit leave-room
// with a transport disconnect produces exactly one peer-left broadcast.
func (b *Broker) leaveAndNotify(c *clientConn) {
	room, remaining, ok := b.registry.Leave(context.Background(), c.id)
	if !ok {
		return
	}

	left, _ := json.Marshal(domain.PeerLeftPayload{ConnectionID: c.id})
	b.broadcast(remaining, domain.Envelope{Kind: domain.KindPeerLeft, Payload: left})
	b.reportRoomCount()

	b.logger.Infow("client left room",
		"connection_id", c.id,
		"room", room,
		"remaining", len(remaining),
	)
}

// reportRoomCount refreshes the active-rooms gauge after a membership
// change, when the registry can count its rooms.
func (b *Broker) reportRoomCount() {
	if b.metrics == nil {
		return
	}
	if counter, ok := b.registry.(interface{ RoomCount() int }); ok {
		b.metrics.RecordRoomCount(counter.RoomCount())
	}
}

// broadcast enqueues an envelope for every listed member, skipping excluded
// ids. Delivery is concurrent across recipients by construction: enqueue
// only hands off to each recipient's write pump.
func (b *Broker) broadcast(members []domain.Member, env domain.Envelope, exclude ...domain.ConnectionID) {
	skip := make(map[domain.ConnectionID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range members {
		if _, excluded := skip[m.ConnectionID]; excluded {
			continue
		}
		if conn, ok := b.conns[m.ConnectionID]; ok {
			conn.enqueue(env)
		}
	}
}
