package store

import "time"

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	IsBot        bool
	CreatedAt    time.Time
}

type Server struct {
	ID             string
	Name           string
	OwnerID        string
	EveryoneRoleID string
	CreatedAt      time.Time
}

type Category struct {
	ID       string
	ServerID string
	Name     string
	Position int
}

const (
	ChannelTypeGuildText = "GUILD_TEXT"
	ChannelTypeDM        = "DM"
)

type Channel struct {
	ID         string
	ServerID   string // empty for DM channels
	CategoryID string
	Name       string
	Type       string
	Recipients []string // DM channels only
	CreatedAt  time.Time
}

type Role struct {
	ID          string
	ServerID    string
	Name        string
	Permissions []string
	Position    int
}

type Member struct {
	ServerID string
	UserID   string
	RoleIDs  []string
	IsOwner  bool
	JoinedAt time.Time
}

const (
	OverrideTargetRole   = "role"
	OverrideTargetMember = "member"
)

// ChannelOverride adjusts a role's or member's permissions inside one channel.
// Allow and Deny are disjoint; the write path enforces it.
type ChannelOverride struct {
	ChannelID  string
	TargetID   string
	TargetKind string
	Allow      []string
	Deny       []string
}

type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"userIds"`
}

type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	Content     string
	ClientNonce string // echoed back for optimistic reconcile, may be empty
	ReplyToID   string
	Reactions   []Reaction
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
