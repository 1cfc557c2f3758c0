package gateway

import (
	"io"
	"log/slog"
	"testing"
)

func newBareHub() *Hub {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHub(logger, &fakeVerifier{}, &fakeAuthorizer{})
}

func addHubClient(hub *Hub, userID string) *Client {
	c := newClient(nil, hub, hub.logger)
	c.userID = userID
	hub.register(c)
	return c
}

func TestBroadcastToRoomsDeliversOncePerConnection(t *testing.T) {
	hub := newBareHub()
	c := addHubClient(hub, "user-a")
	hub.joinRoom(c, "s1")
	hub.joinRoom(c, "c1")

	hub.BroadcastToRooms([]string{"s1", "c1"}, EventServerKick, map[string]string{"serverId": "s1"})

	if got := len(c.send); got != 1 {
		t.Fatalf("expected exactly one frame for a client in both rooms, got %d", got)
	}
}

func TestBroadcastToRoomsReachesUnionOfRooms(t *testing.T) {
	hub := newBareHub()
	inServer := addHubClient(hub, "user-a")
	hub.joinRoom(inServer, "s1")
	kicked := addHubClient(hub, "user-b")
	outsider := addHubClient(hub, "user-c")

	// Personal rooms are joined on register; target the server room plus the
	// kicked user's personal room.
	hub.BroadcastToRooms([]string{"s1", "user-b"}, EventServerKick, map[string]string{"serverId": "s1"})

	if len(inServer.send) != 1 {
		t.Fatalf("server-room member should receive the event")
	}
	if len(kicked.send) != 1 {
		t.Fatalf("kicked user's personal room should receive the event")
	}
	if len(outsider.send) != 0 {
		t.Fatalf("uninvolved client must not receive the event")
	}
}

func TestEmptyRoomIsDeleted(t *testing.T) {
	hub := newBareHub()
	c := addHubClient(hub, "user-a")
	hub.joinRoom(c, "c1")

	hub.leaveRoom(c, "c1")

	hub.mu.RLock()
	_, exists := hub.rooms["c1"]
	hub.mu.RUnlock()
	if exists {
		t.Fatalf("room with zero members must be removed from the registry")
	}
}
