// Package gateway owns the real-time side of the platform: websocket session
// management, room membership gated by permissions, presence and service
// liveness bookkeeping, and event fan-out to rooms.
package gateway

import "encoding/json"

// Server-emitted event names. These are wire contract: unmodified clients
// match on them verbatim.
const (
	EventMessageCreate         = "MESSAGE_CREATE"
	EventMessageUpdate         = "MESSAGE_UPDATE"
	EventMessageDelete         = "MESSAGE_DELETE"
	EventMessageReactionAdd    = "MESSAGE_REACTION_ADD"
	EventMessageReactionRemove = "MESSAGE_REACTION_REMOVE"
	EventCategoryUpdate        = "CATEGORY_UPDATE"
	EventCategoryDelete        = "CATEGORY_DELETE"
	EventChannelUpdate         = "CHANNEL_UPDATE"
	EventChannelDelete         = "CHANNEL_DELETE"
	EventServerUpdate          = "SERVER_UPDATE"
	EventServerDelete          = "SERVER_DELETE"
	EventServerKick            = "SERVER_KICK"
	EventMemberJoin            = "MEMBER_JOIN"
	EventMemberLeave           = "MEMBER_LEAVE"
	EventPermissionsUpdate     = "PERMISSIONS_UPDATE"
	EventPresenceUpdate        = "PRESENCE_UPDATE"
	EventPresenceInitialState  = "PRESENCE_INITIAL_STATE"
	EventDMChannelCreate       = "DM_CHANNEL_CREATE"
	EventReady                 = "ready"
	EventError                 = "error"
)

// Client-issued command names.
const (
	CommandRoomJoin      = "room/join"
	CommandRoomLeave     = "room/leave"
	CommandMessageCreate = "message/create"
)

// Envelope is the frame format in both directions: an event name plus a JSON
// payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

type roomCommand struct {
	RoomID string `json:"roomId"`
}

type messageCreateCommand struct {
	ChannelID   string `json:"channelId"`
	Content     string `json:"content"`
	ClientNonce string `json:"clientNonce,omitempty"`
	ReplyToID   string `json:"replyTo,omitempty"`
}

type presenceUpdate struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

type errorPayload struct {
	Message string `json:"message"`
}
