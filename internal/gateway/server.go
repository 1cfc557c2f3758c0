package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Close reason sent verbatim on handshake auth failure. Clients match on
	// this string to distinguish a bad credential from a transport failure.
	authFailureReason = "Authentication error: Invalid token"

	commandTimeout = 10 * time.Second
)

// Server terminates websocket handshakes and turns accepted connections into
// hub clients.
type Server struct {
	hub         *Hub
	logger      *slog.Logger
	infraSecret string
	upgrader    websocket.Upgrader
}

func NewServer(hub *Hub, logger *slog.Logger, allowedOrigin, infraSecret string) *Server {
	return &Server{
		hub:         hub,
		logger:      logger.With(slog.String("component", "gateway_server")),
		infraSecret: infraSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
	}
}

// HandleWS upgrades a user connection. The credential travels as a query
// parameter because browser websocket clients cannot set headers.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	userID, err := s.hub.verifier.VerifyToken(ctx, r.URL.Query().Get("token"))
	cancel()
	if err != nil {
		s.logger.Info("handshake rejected", slog.Any("error", err))
		rejectConn(conn)
		return
	}

	c := newClient(conn, s.hub, s.logger)
	c.userID = userID
	wentOnline := s.hub.register(c)

	go c.writePump()

	if wentOnline {
		s.hub.BroadcastAll(EventPresenceUpdate, presenceUpdate{UserID: userID, Status: "online"})
	}
	c.emit(EventPresenceInitialState, s.hub.presence.OnlineUserIDs())
	c.emit(EventReady, nil)

	s.logger.Info("connection authenticated", slog.String("userID", userID))
	go c.readPump(s.dispatch)
}

// HandleInfraWS upgrades an internal service connection. Infra peers carry no
// user identity; they authenticate with the shared admin secret and announce
// a service type for the liveness registry.
func (s *Server) HandleInfraWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("infra upgrade failed", slog.Any("error", err))
		return
	}

	q := r.URL.Query()
	serviceType := q.Get("serviceType")
	secret := q.Get("adminSecret")
	if serviceType == "" || s.infraSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(s.infraSecret)) != 1 {
		s.logger.Info("infra handshake rejected", slog.String("serviceType", serviceType))
		rejectConn(conn)
		return
	}

	c := newClient(conn, s.hub, s.logger)
	c.serviceType = serviceType

	s.hub.mu.Lock()
	c.state = StateAuthenticated
	s.hub.clients[c.id] = c
	s.hub.mu.Unlock()
	s.hub.services.AddConnection(serviceType, c.id)

	go c.writePump()
	c.emit(EventReady, nil)

	s.logger.Info("infra connection authenticated", slog.String("serviceType", serviceType))
	go c.readPump(s.dispatch)
}

// rejectConn closes a freshly upgraded connection with the authentication
// close code before it ever reaches the hub.
func rejectConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(closeInvalidToken, authFailureReason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// dispatch routes one inbound frame from an authenticated connection.
func (s *Server) dispatch(c *Client, env Envelope) {
	switch env.Event {
	case CommandRoomJoin:
		s.handleRoomJoin(c, env.Data)
	case CommandRoomLeave:
		var cmd roomCommand
		if err := json.Unmarshal(env.Data, &cmd); err != nil || cmd.RoomID == "" {
			return
		}
		s.hub.leaveRoom(c, cmd.RoomID)
	case CommandMessageCreate:
		s.handleMessageCreate(c, env.Data)
	default:
		s.logger.Debug("unknown command", slog.String("event", env.Event))
	}
}

// handleRoomJoin joins the client to a room when the authorizer allows it. A
// denied or failed authorization is silently ignored: the client simply never
// receives events for that room.
func (s *Server) handleRoomJoin(c *Client, data json.RawMessage) {
	var cmd roomCommand
	if err := json.Unmarshal(data, &cmd); err != nil || cmd.RoomID == "" {
		return
	}
	if c.serviceType != "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	ok, err := s.hub.authorizer.CanJoinRoom(ctx, c.userID, cmd.RoomID)
	if err != nil {
		s.logger.Error("room authorization failed",
			slog.String("roomID", cmd.RoomID), slog.Any("error", err))
		return
	}
	if !ok {
		s.logger.Debug("room join denied",
			slog.String("userID", c.userID), slog.String("roomID", cmd.RoomID))
		return
	}
	s.hub.joinRoom(c, cmd.RoomID)
}

func (s *Server) handleMessageCreate(c *Client, data json.RawMessage) {
	var cmd messageCreateCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		c.emit(EventError, errorPayload{Message: "Failed to create message"})
		return
	}
	if c.serviceType != "" || s.hub.messages == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	err := s.hub.messages.CreateFromGateway(ctx, c.userID, cmd.ChannelID, cmd.Content, cmd.ClientNonce, cmd.ReplyToID)
	if err != nil {
		s.logger.Info("gateway message create failed",
			slog.String("userID", c.userID),
			slog.String("channelID", cmd.ChannelID),
			slog.Any("error", err))
		c.emit(EventError, errorPayload{Message: "Failed to create message"})
	}
}
