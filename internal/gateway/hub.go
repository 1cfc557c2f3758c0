package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// TokenVerifier validates a handshake credential and yields the user identity
// it belongs to.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (userID string, err error)
}

// RoomAuthorizer decides whether a user may subscribe to a room. Room
// identifiers are channel IDs, server IDs, or the user's own ID.
type RoomAuthorizer interface {
	CanJoinRoom(ctx context.Context, userID, roomID string) (bool, error)
}

// MessageService handles the message/create gateway command. The
// implementation persists the message and fans it out; the hub only relays
// failure back to the issuing connection.
type MessageService interface {
	CreateFromGateway(ctx context.Context, authorID, channelID, content, clientNonce, replyToID string) error
}

// Hub is the single-process room registry. It exclusively owns connection,
// room, presence, and liveness state; REST handlers reach it only through the
// broadcast methods.
type Hub struct {
	logger     *slog.Logger
	verifier   TokenVerifier
	authorizer RoomAuthorizer
	messages   MessageService

	presence *PresenceTracker
	services *ServiceRegistry

	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
	rooms   map[string]map[uuid.UUID]*Client
}

func NewHub(logger *slog.Logger, verifier TokenVerifier, authorizer RoomAuthorizer) *Hub {
	return &Hub{
		logger:     logger.With(slog.String("component", "gateway_hub")),
		verifier:   verifier,
		authorizer: authorizer,
		presence:   NewPresenceTracker(),
		services:   NewServiceRegistry(),
		clients:    make(map[uuid.UUID]*Client),
		rooms:      make(map[string]map[uuid.UUID]*Client),
	}
}

// SetMessageService wires the message handler after construction; the app
// service needs the hub for fan-out, so the dependency runs both ways.
func (h *Hub) SetMessageService(messages MessageService) {
	h.messages = messages
}

func (h *Hub) Presence() *PresenceTracker { return h.presence }

func (h *Hub) Services() *ServiceRegistry { return h.services }

// register admits an authenticated client: it enters the registry, joins its
// personal room, and bumps presence. Returns true when this connection took
// the user online.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	c.state = StateAuthenticated
	h.clients[c.id] = c
	h.joinRoomLocked(c, c.userID)
	h.mu.Unlock()

	return h.presence.ConnectionOnline(c.userID)
}

func (h *Hub) joinRoom(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	h.joinRoomLocked(c, roomID)
	c.state = StateJoined
}

func (h *Hub) joinRoomLocked(c *Client, roomID string) {
	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[uuid.UUID]*Client)
		h.rooms[roomID] = room
	}
	room[c.id] = c
	c.rooms[roomID] = struct{}{}
}

func (h *Hub) leaveRoom(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoomLocked(c, roomID)
}

func (h *Hub) leaveRoomLocked(c *Client, roomID string) {
	delete(c.rooms, roomID)
	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(room, c.id)
	if len(room) == 0 {
		delete(h.rooms, roomID)
	}
}

// disconnect tears a connection down: it leaves every room, exits the
// registry, and releases its presence or liveness slot. Safe to call more
// than once.
func (h *Hub) disconnect(c *Client) {
	h.mu.Lock()
	if c.state == StateDisconnected {
		h.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	for roomID := range c.rooms {
		h.leaveRoomLocked(c, roomID)
	}
	delete(h.clients, c.id)
	h.mu.Unlock()

	close(c.send)

	if c.serviceType != "" {
		h.services.RemoveConnection(c.serviceType, c.id)
		h.logger.Info("infra connection closed", slog.String("serviceType", c.serviceType))
		return
	}
	if c.userID != "" {
		if wentOffline := h.presence.ConnectionOffline(c.userID); wentOffline {
			h.BroadcastAll(EventPresenceUpdate, presenceUpdate{UserID: c.userID, Status: "offline"})
		}
		h.logger.Info("connection closed", slog.String("userID", c.userID))
	}
}

// RoomSize reports how many connections are currently subscribed to a room.
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// BroadcastToRoom delivers one event to every connection subscribed to the
// room, in emission order relative to other broadcasts to the same room.
func (h *Hub) BroadcastToRoom(roomID, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", slog.String("event", event), slog.Any("error", err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.rooms[roomID] {
		if !c.enqueue(frame) {
			h.logger.Warn("dropping frame for slow client",
				slog.String("event", event), slog.String("userID", c.userID))
		}
	}
}

// BroadcastToRooms delivers one event to the union of the given rooms,
// at most once per connection.
func (h *Hub) BroadcastToRooms(roomIDs []string, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", slog.String("event", event), slog.Any("error", err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[uuid.UUID]struct{})
	for _, roomID := range roomIDs {
		for id, c := range h.rooms[roomID] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if !c.enqueue(frame) {
				h.logger.Warn("dropping frame for slow client",
					slog.String("event", event), slog.String("userID", c.userID))
			}
		}
	}
}

// BroadcastAll delivers an event to every authenticated user connection,
// regardless of room membership. Used for global presence transitions.
func (h *Hub) BroadcastAll(event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", slog.String("event", event), slog.Any("error", err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.userID == "" {
			continue
		}
		if !c.enqueue(frame) {
			h.logger.Warn("dropping frame for slow client",
				slog.String("event", event), slog.String("userID", c.userID))
		}
	}
}
