package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeVerifier struct {
	users map[string]string
}

func (v *fakeVerifier) VerifyToken(_ context.Context, token string) (string, error) {
	userID, ok := v.users[token]
	if !ok {
		return "", errors.New("invalid token")
	}
	return userID, nil
}

type fakeAuthorizer struct {
	allowed map[string]bool // key: userID + "/" + roomID
}

func (a *fakeAuthorizer) CanJoinRoom(_ context.Context, userID, roomID string) (bool, error) {
	return a.allowed[userID+"/"+roomID], nil
}

type fakeMessages struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *fakeMessages) CreateFromGateway(_ context.Context, authorID, channelID, content, clientNonce, replyToID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, authorID+"/"+channelID+"/"+content+"/"+clientNonce)
	return m.err
}

type testGateway struct {
	hub      *Hub
	messages *fakeMessages
	url      string
}

func newTestGateway(t *testing.T, allowed map[string]bool) *testGateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	verifier := &fakeVerifier{users: map[string]string{
		"token-a": "user-a",
		"token-b": "user-b",
	}}
	hub := NewHub(logger, verifier, &fakeAuthorizer{allowed: allowed})
	messages := &fakeMessages{}
	hub.SetMessageService(messages)
	srv := NewServer(hub, logger, "", "infra-secret")

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWS)
	mux.HandleFunc("/ws/infra", srv.HandleInfraWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testGateway{
		hub:      hub,
		messages: messages,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http"),
	}
}

func dialUser(t *testing.T, g *testGateway, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.url+"/ws?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitForEvent reads frames until one matches the wanted event name,
// discarding interleaved presence traffic from other test connections.
func waitForEvent(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", event, err)
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("malformed frame: %v", err)
		}
		if env.Event == event {
			return env.Data
		}
	}
}

// expectNoEvent asserts the named event does not arrive within the window.
// Other events (presence churn) are ignored.
func expectNoEvent(t *testing.T, conn *websocket.Conn, event string, window time.Duration) {
	t.Helper()
	deadline := time.Now().Add(window)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return // timeout is the success path
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if env.Event == event {
			t.Fatalf("received unexpected %q event: %s", event, env.Data)
		}
	}
}

func sendCommand(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	frame, err := encodeFrame(event, payload)
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func waitForRoomSize(t *testing.T, hub *Hub, roomID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.RoomSize(roomID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room %q never reached size %d (got %d)", roomID, want, hub.RoomSize(roomID))
}

func TestHandshakeInvalidTokenRejected(t *testing.T) {
	g := newTestGateway(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(g.url+"/ws?token=bogus", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr := &websocket.CloseError{}
	if !errors.As(err, &closeErr) {
		t.Fatalf("expected close error, got %v", err)
	}
	if closeErr.Code != closeInvalidToken {
		t.Fatalf("expected close code %d, got %d", closeInvalidToken, closeErr.Code)
	}
	if closeErr.Text != "Authentication error: Invalid token" {
		t.Fatalf("unexpected close reason %q", closeErr.Text)
	}
	if g.hub.presence.IsOnline("user-a") {
		t.Fatalf("rejected connection must not touch presence")
	}
}

func TestHandshakeWelcomeSequence(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := dialUser(t, g, "token-a")

	data := waitForEvent(t, conn, EventPresenceInitialState)
	var online []string
	if err := json.Unmarshal(data, &online); err != nil {
		t.Fatalf("decode initial state: %v", err)
	}
	found := false
	for _, id := range online {
		if id == "user-a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("initial state %v missing the connecting user", online)
	}

	waitForEvent(t, conn, EventReady)
	if !g.hub.presence.IsOnline("user-a") {
		t.Fatalf("expected user-a online after handshake")
	}
	// Personal room joined automatically.
	waitForRoomSize(t, g.hub, "user-a", 1)
}

func TestRoomIsolation(t *testing.T) {
	g := newTestGateway(t, map[string]bool{
		"user-a/c1": true,
		"user-b/c2": true,
	})

	connA := dialUser(t, g, "token-a")
	waitForEvent(t, connA, EventReady)
	connB := dialUser(t, g, "token-b")
	waitForEvent(t, connB, EventReady)

	sendCommand(t, connA, CommandRoomJoin, roomCommand{RoomID: "c1"})
	sendCommand(t, connB, CommandRoomJoin, roomCommand{RoomID: "c2"})
	waitForRoomSize(t, g.hub, "c1", 1)
	waitForRoomSize(t, g.hub, "c2", 1)

	g.hub.BroadcastToRoom("c1", EventMessageCreate, map[string]string{"channelId": "c1"})

	data := waitForEvent(t, connA, EventMessageCreate)
	var payload map[string]string
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["channelId"] != "c1" {
		t.Fatalf("expected channelId c1, got %q", payload["channelId"])
	}

	expectNoEvent(t, connB, EventMessageCreate, 300*time.Millisecond)
}

func TestRoomJoinDeniedSilently(t *testing.T) {
	g := newTestGateway(t, map[string]bool{})

	conn := dialUser(t, g, "token-b")
	waitForEvent(t, conn, EventReady)

	sendCommand(t, conn, CommandRoomJoin, roomCommand{RoomID: "c1"})

	// Join is refused with no room-membership side effect and no error frame.
	g.hub.BroadcastToRoom("c1", EventMessageCreate, map[string]string{"channelId": "c1"})
	expectNoEvent(t, conn, EventMessageCreate, 300*time.Millisecond)
	if size := g.hub.RoomSize("c1"); size != 0 {
		t.Fatalf("denied join must not create membership, room size %d", size)
	}
}

func TestRoomLeaveStopsDelivery(t *testing.T) {
	g := newTestGateway(t, map[string]bool{"user-a/c1": true})

	conn := dialUser(t, g, "token-a")
	waitForEvent(t, conn, EventReady)

	sendCommand(t, conn, CommandRoomJoin, roomCommand{RoomID: "c1"})
	waitForRoomSize(t, g.hub, "c1", 1)

	sendCommand(t, conn, CommandRoomLeave, roomCommand{RoomID: "c1"})
	waitForRoomSize(t, g.hub, "c1", 0)

	g.hub.BroadcastToRoom("c1", EventMessageCreate, map[string]string{"channelId": "c1"})
	expectNoEvent(t, conn, EventMessageCreate, 300*time.Millisecond)
}

func TestMessageCreateCommand(t *testing.T) {
	g := newTestGateway(t, nil)

	conn := dialUser(t, g, "token-a")
	waitForEvent(t, conn, EventReady)

	sendCommand(t, conn, CommandMessageCreate, messageCreateCommand{
		ChannelID:   "c1",
		Content:     "hello",
		ClientNonce: "nonce-1",
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		g.messages.mu.Lock()
		n := len(g.messages.calls)
		g.messages.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message service never invoked")
		}
		time.Sleep(10 * time.Millisecond)
	}
	g.messages.mu.Lock()
	got := g.messages.calls[0]
	g.messages.mu.Unlock()
	if got != "user-a/c1/hello/nonce-1" {
		t.Fatalf("unexpected call %q", got)
	}
}

func TestMessageCreateFailureEmitsError(t *testing.T) {
	g := newTestGateway(t, nil)
	g.messages.err = errors.New("store down")

	conn := dialUser(t, g, "token-a")
	waitForEvent(t, conn, EventReady)

	sendCommand(t, conn, CommandMessageCreate, messageCreateCommand{ChannelID: "c1", Content: "hi"})

	data := waitForEvent(t, conn, EventError)
	var payload errorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Message != "Failed to create message" {
		t.Fatalf("unexpected error message %q", payload.Message)
	}
}

func TestDisconnectCleansUpRoomsAndPresence(t *testing.T) {
	g := newTestGateway(t, map[string]bool{"user-a/c1": true})

	conn := dialUser(t, g, "token-a")
	waitForEvent(t, conn, EventReady)
	sendCommand(t, conn, CommandRoomJoin, roomCommand{RoomID: "c1"})
	waitForRoomSize(t, g.hub, "c1", 1)

	_ = conn.Close()

	waitForRoomSize(t, g.hub, "c1", 0)
	waitForRoomSize(t, g.hub, "user-a", 0)
	deadline := time.Now().Add(2 * time.Second)
	for g.hub.presence.IsOnline("user-a") {
		if time.Now().After(deadline) {
			t.Fatalf("presence never released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSecondConnectionKeepsPresence(t *testing.T) {
	g := newTestGateway(t, nil)

	connA := dialUser(t, g, "token-a")
	waitForEvent(t, connA, EventReady)
	connB := dialUser(t, g, "token-a")
	waitForEvent(t, connB, EventReady)

	_ = connA.Close()
	// Allow the first disconnect to settle, then the user must still be online.
	time.Sleep(100 * time.Millisecond)
	if !g.hub.presence.IsOnline("user-a") {
		t.Fatalf("user with a second live connection must stay online")
	}
}

func TestInfraHandshake(t *testing.T) {
	g := newTestGateway(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(g.url+"/ws/infra?serviceType=mybot&adminSecret=infra-secret", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForEvent(t, conn, EventReady)

	if !g.hub.services.IsOnline("mybot") {
		t.Fatalf("expected mybot registered")
	}

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for g.hub.services.IsOnline("mybot") {
		if time.Now().After(deadline) {
			t.Fatalf("service liveness never released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInfraHandshakeBadSecretRejected(t *testing.T) {
	g := newTestGateway(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(g.url+"/ws/infra?serviceType=mybot&adminSecret=wrong", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	closeErr := &websocket.CloseError{}
	if !errors.As(err, &closeErr) || closeErr.Code != closeInvalidToken {
		t.Fatalf("expected close %d, got %v", closeInvalidToken, err)
	}
	if g.hub.services.IsOnline("mybot") {
		t.Fatalf("rejected infra connection must not register")
	}
}
