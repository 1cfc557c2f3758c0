// Package reconcile merges authoritative gateway events into a locally cached
// message timeline. Clients insert an optimistic copy of a message the moment
// the user hits send; when the server's MESSAGE_CREATE for the same message
// arrives, the cache replaces the optimistic copy in place instead of
// appending a duplicate.
package reconcile

import (
	"sync"
	"time"
)

// Message is the wire shape of a message event payload.
type Message struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channelId"`
	AuthorID    string    `json:"authorId"`
	Content     string    `json:"content"`
	ClientNonce string    `json:"clientNonce,omitempty"`
	ReplyToID   string    `json:"replyTo,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}

// Tag says whether an entry is a client-side optimistic insert or a
// server-acknowledged record. The tag is carried explicitly; it is never
// inferred from the shape of an identifier.
type Tag int

const (
	TagSpeculative Tag = iota
	TagPersisted
)

// Entry is one timeline slot. Speculative entries carry a client-generated
// LocalID and the CorrelationToken sent with the create request; persisted
// entries are identified by Message.ID.
type Entry struct {
	Tag              Tag
	LocalID          string
	CorrelationToken string
	Message          Message
}

// Cache is an ordered message timeline for one channel. Order is insertion
// order, which tracks creation time except where an in-place reconciliation
// deliberately keeps the optimistic entry's position.
type Cache struct {
	mu      sync.Mutex
	entries []Entry
}

func NewCache() *Cache {
	return &Cache{}
}

// AddSpeculative appends an optimistic entry for a message the client just
// sent and is still waiting on the server to acknowledge.
func (c *Cache) AddSpeculative(localID, correlationToken string, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Entry{
		Tag:              TagSpeculative,
		LocalID:          localID,
		CorrelationToken: correlationToken,
		Message:          msg,
	})
}

// ApplyCreate merges an authoritative MESSAGE_CREATE into the timeline:
//
//  1. If the persisted ID is already present, the event is a duplicate; drop it.
//  2. If a speculative entry carries the event's correlation token, replace it
//     in place, keeping its position.
//  3. Failing that, replace the first speculative entry whose author and
//     content match (the client's own message echoed back without a token).
//  4. Otherwise it is someone else's message; append it.
func (c *Cache) ApplyCreate(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.Tag == TagPersisted && e.Message.ID == msg.ID {
			return
		}
	}

	persisted := Entry{Tag: TagPersisted, Message: msg}

	if msg.ClientNonce != "" {
		for i, e := range c.entries {
			if e.Tag == TagSpeculative && e.CorrelationToken == msg.ClientNonce {
				c.entries[i] = persisted
				return
			}
		}
	}

	for i, e := range c.entries {
		if e.Tag == TagSpeculative &&
			e.Message.AuthorID == msg.AuthorID &&
			e.Message.Content == msg.Content {
			c.entries[i] = persisted
			return
		}
	}

	c.entries = append(c.entries, persisted)
}

// ApplyUpdate rewrites a persisted entry in place. Events for messages not
// materialized locally are a no-op.
func (c *Cache) ApplyUpdate(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.Tag == TagPersisted && e.Message.ID == msg.ID {
			c.entries[i].Message = msg
			return
		}
	}
}

// ApplyDelete removes a persisted entry. Unknown IDs are a no-op.
func (c *Cache) ApplyDelete(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.entries {
		if e.Tag == TagPersisted && e.Message.ID == messageID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// Replace swaps the whole timeline for an authoritative fetch result, e.g.
// after a reconnect or a channel-level cascade delete.
func (c *Cache) Replace(msgs []Message) {
	entries := make([]Entry, len(msgs))
	for i, m := range msgs {
		entries[i] = Entry{Tag: TagPersisted, Message: m}
	}
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
}

// Snapshot returns a copy of the timeline in order.
func (c *Cache) Snapshot() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
