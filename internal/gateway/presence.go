package gateway

import "sync"

// PresenceTracker reference-counts live connections per user so that a second
// tab or device never flaps the user's presence. Status transitions happen
// only on the first connection up and the last connection down.
type PresenceTracker struct {
	mu          sync.RWMutex
	connections map[string]int
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{connections: make(map[string]int)}
}

// ConnectionOnline records one more live connection for the user and reports
// whether this was the user's first, i.e. whether they just came online.
func (t *PresenceTracker) ConnectionOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[userID]++
	return t.connections[userID] == 1
}

// ConnectionOffline records one connection gone and reports whether it was the
// user's last, i.e. whether they just went offline. Unknown users are a no-op.
func (t *PresenceTracker) ConnectionOffline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	count, ok := t.connections[userID]
	if !ok {
		return false
	}
	if count <= 1 {
		delete(t.connections, userID)
		return true
	}
	t.connections[userID] = count - 1
	return false
}

func (t *PresenceTracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connections[userID] > 0
}

// OnlineUserIDs returns the current online set, unordered.
func (t *PresenceTracker) OnlineUserIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.connections))
	for userID := range t.connections {
		out = append(out, userID)
	}
	return out
}
