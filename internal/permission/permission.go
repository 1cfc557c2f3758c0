// Package permission computes effective permission sets for users in server
// channels. It is pure: callers fetch role, membership, and override data and
// hand it in; nothing here touches a data store.
package permission

import "sort"

type Permission string

const (
	ViewChannel     Permission = "VIEW_CHANNEL"
	SendMessages    Permission = "SEND_MESSAGES"
	ManageMessages  Permission = "MANAGE_MESSAGES"
	ManageChannels  Permission = "MANAGE_CHANNELS"
	ManageRoles     Permission = "MANAGE_ROLES"
	KickMembers     Permission = "KICK_MEMBERS"
	AddReactions    Permission = "ADD_REACTIONS"
	AttachFiles     Permission = "ATTACH_FILES"
	MentionEveryone Permission = "MENTION_EVERYONE"
	Administrator   Permission = "ADMINISTRATOR"
)

var All = []Permission{
	ViewChannel,
	SendMessages,
	ManageMessages,
	ManageChannels,
	ManageRoles,
	KickMembers,
	AddReactions,
	AttachFiles,
	MentionEveryone,
	Administrator,
}

// DMDefaults is the fixed permission set inside direct-message channels,
// which bypass the role system entirely.
var DMDefaults = []Permission{ViewChannel, SendMessages, AddReactions, AttachFiles}

var valid = func() map[Permission]struct{} {
	m := make(map[Permission]struct{}, len(All))
	for _, p := range All {
		m[p] = struct{}{}
	}
	return m
}()

func Valid(p Permission) bool {
	_, ok := valid[p]
	return ok
}

// Set is an unordered collection of permission identifiers.
type Set map[Permission]struct{}

func NewSet(perms ...Permission) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

func (s Set) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

func (s Set) Add(p Permission) {
	s[p] = struct{}{}
}

func (s Set) Remove(p Permission) {
	delete(s, p)
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for p := range s {
		out[p] = struct{}{}
	}
	return out
}

// Slice returns the members in lexical order, for stable JSON output.
func (s Set) Slice() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
