package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/U1805/mew-sub004/internal/auth"
	"github.com/U1805/mew-sub004/internal/authpw"
	"github.com/U1805/mew-sub004/internal/config"
	"github.com/U1805/mew-sub004/internal/gateway"
	"github.com/U1805/mew-sub004/internal/permission"
	"github.com/U1805/mew-sub004/internal/search"
	"github.com/U1805/mew-sub004/internal/session"
	"github.com/U1805/mew-sub004/internal/store"
	"github.com/U1805/mew-sub004/internal/upload"
	"github.com/U1805/mew-sub004/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	JTI          string
	ExpiresAt    time.Time
}

const defaultMessagePageSize = 50

type dataStore interface {
	CreateUser(context.Context, store.User) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateServer(context.Context, string, string) (store.Server, error)
	GetServer(context.Context, string) (store.Server, error)
	UpdateServerName(context.Context, string, string) (store.Server, error)
	DeleteServer(context.Context, string) error
	CreateChannel(context.Context, store.Channel) (store.Channel, error)
	GetChannel(context.Context, string) (store.Channel, error)
	ListChannelsByServer(context.Context, string) ([]store.Channel, error)
	UpdateChannel(context.Context, string, string, string) (store.Channel, error)
	DeleteChannel(context.Context, string) error
	GetCategory(context.Context, string) (store.Category, error)
	UpdateCategory(context.Context, string, string, int) (store.Category, error)
	DeleteCategory(context.Context, string) error
	CreateRole(context.Context, store.Role) (store.Role, error)
	ListRolesByServer(context.Context, string) ([]store.Role, error)
	FindMembership(context.Context, string, string) (*store.Member, error)
	ListMemberUserIDs(context.Context, string) ([]string, error)
	AddMember(context.Context, store.Member) error
	RemoveMember(context.Context, string, string) error
	ListChannelOverrides(context.Context, string) ([]store.ChannelOverride, error)
	UpsertChannelOverride(context.Context, store.ChannelOverride) error
	RemoveMemberOverrides(context.Context, string, string) error
	CreateMessage(context.Context, store.Message) (store.Message, error)
	GetMessage(context.Context, string) (store.Message, error)
	ListMessages(context.Context, string, int) ([]store.Message, error)
	ListMessageIDsByChannel(context.Context, string) ([]string, error)
	UpdateMessageContent(context.Context, string, string) (store.Message, error)
	DeleteMessage(context.Context, string) error
	DeleteMessagesByChannel(context.Context, string) error
	SetReactions(context.Context, string, []store.Reaction) (store.Message, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

// broadcaster is the slice of the gateway hub the service needs for fan-out.
type broadcaster interface {
	BroadcastToRoom(roomID, event string, payload any)
	BroadcastToRooms(roomIDs []string, event string, payload any)
	Services() *gateway.ServiceRegistry
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *authpw.Service
	search   *search.Service
	uploads  *upload.Service
	hub      broadcaster
}

// New wires the service. uploads may be nil when no object store is
// configured; the hub is attached afterwards via SetHub because it needs the
// service as its verifier.
func New(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, accounts *authpw.Service, searchSvc *search.Service, uploads *upload.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		accounts: accounts,
		search:   searchSvc,
		uploads:  uploads,
	}
}

func (s *Service) SetHub(hub *gateway.Hub) {
	s.hub = hub
}

// ---- sessions ----

func (s *Service) Register(ctx context.Context, username, email, password string) (Session, error) {
	user, err := s.accounts.Register(ctx, authpw.RegisterRequest{
		Username: username,
		Email:    email,
		Password: password,
	})
	if err != nil {
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.Login(ctx, authpw.LoginRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	kind := "user"
	if user.IsBot {
		kind = "bot"
	}
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		Kind:     kind,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Username:  claims.Username,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// VerifyToken implements the gateway handshake check. Stateless: the token
// signature and expiry are the whole decision, so a burst of reconnects never
// touches the database.
func (s *Service) VerifyToken(_ context.Context, token string) (string, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return "", err
	}
	return claims.Sub, nil
}

// ---- permissions ----

// effectivePermissions resolves what a user may do inside one channel. DM
// channels bypass the role system; everything else goes through the resolver
// with the server's roles and the channel's overrides.
func (s *Service) effectivePermissions(ctx context.Context, userID string, channel store.Channel) (permission.Set, error) {
	if channel.Type == store.ChannelTypeDM {
		for _, recipient := range channel.Recipients {
			if recipient == userID {
				return permission.NewSet(permission.DMDefaults...), nil
			}
		}
		return nil, errForbidden()
	}

	server, err := s.store.GetServer(ctx, channel.ServerID)
	if err != nil {
		return nil, err
	}
	member, err := s.store.FindMembership(ctx, channel.ServerID, userID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, errForbidden()
	}
	roles, err := s.store.ListRolesByServer(ctx, channel.ServerID)
	if err != nil {
		return nil, err
	}
	overrides, err := s.store.ListChannelOverrides(ctx, channel.ID)
	if err != nil {
		return nil, err
	}

	return permission.Effective(
		toPermissionMember(*member),
		toPermissionRoles(roles),
		server.EveryoneRoleID,
		permission.Channel{Overrides: toPermissionOverrides(overrides)},
	), nil
}

// serverPermissions resolves a user's server-scoped permission set, i.e. the
// role aggregate with no channel overrides applied.
func (s *Service) serverPermissions(ctx context.Context, userID, serverID string) (permission.Set, error) {
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	member, err := s.store.FindMembership(ctx, serverID, userID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, errForbidden()
	}
	roles, err := s.store.ListRolesByServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return permission.Effective(
		toPermissionMember(*member),
		toPermissionRoles(roles),
		server.EveryoneRoleID,
		permission.Channel{},
	), nil
}

func (s *Service) requireChannelPermission(ctx context.Context, userID, channelID string, p permission.Permission) (store.Channel, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return store.Channel{}, err
	}
	perms, err := s.effectivePermissions(ctx, userID, channel)
	if err != nil {
		return store.Channel{}, err
	}
	if !perms.Has(p) {
		return store.Channel{}, errForbidden()
	}
	return channel, nil
}

func (s *Service) requireServerPermission(ctx context.Context, userID, serverID string, p permission.Permission) error {
	perms, err := s.serverPermissions(ctx, userID, serverID)
	if err != nil {
		return err
	}
	if !perms.Has(p) {
		return errForbidden()
	}
	return nil
}

// ChannelPermissions returns the resolved permission list for the caller, so
// clients can render affordances without re-implementing the pipeline.
func (s *Service) ChannelPermissions(ctx context.Context, userID, channelID string) ([]string, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	perms, err := s.effectivePermissions(ctx, userID, channel)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(perms))
	for _, p := range perms.Slice() {
		out = append(out, string(p))
	}
	return out, nil
}

// CanJoinRoom implements gateway room authorization. A room identifier is the
// user's own ID (personal room), a channel ID, or a server ID; anything the
// user cannot view is refused rather than erred, so probing room IDs leaks
// nothing.
func (s *Service) CanJoinRoom(ctx context.Context, userID, roomID string) (bool, error) {
	if roomID == userID {
		return true, nil
	}

	channel, err := s.store.GetChannel(ctx, roomID)
	switch {
	case err == nil:
		perms, permErr := s.effectivePermissions(ctx, userID, channel)
		if permErr != nil {
			if isForbidden(permErr) {
				return false, nil
			}
			return false, permErr
		}
		return perms.Has(permission.ViewChannel), nil
	case errors.Is(err, sql.ErrNoRows):
		// Not a channel; fall through to the server check.
	default:
		return false, err
	}

	if _, err := s.store.GetServer(ctx, roomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	member, err := s.store.FindMembership(ctx, roomID, userID)
	if err != nil {
		return false, err
	}
	return member != nil, nil
}

// ---- messages ----

func (s *Service) CreateMessage(ctx context.Context, authorID, channelID, content, clientNonce, replyToID string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}

	channel, err := s.requireChannelPermission(ctx, authorID, channelID, permission.SendMessages)
	if err != nil {
		return nil, err
	}

	if replyToID != "" {
		parent, err := s.store.GetMessage(ctx, replyToID)
		if err != nil {
			return nil, err
		}
		if parent.ChannelID != channelID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reply target is in another channel", nil)
		}
	}

	message, err := s.store.CreateMessage(ctx, store.Message{
		ID:          util.NewID("msg"),
		ChannelID:   channelID,
		AuthorID:    authorID,
		Content:     content,
		ClientNonce: clientNonce,
		ReplyToID:   replyToID,
	})
	if err != nil {
		return nil, err
	}

	view := messageView(message)
	s.broadcastToRoom(channelID, gateway.EventMessageCreate, view)
	s.indexMessage(message, channel.ServerID)
	return view, nil
}

// CreateFromGateway is the socket-side message path. Same semantics as
// CreateMessage; the envelope-level error is shaped by the gateway.
func (s *Service) CreateFromGateway(ctx context.Context, authorID, channelID, content, clientNonce, replyToID string) error {
	_, err := s.CreateMessage(ctx, authorID, channelID, content, clientNonce, replyToID)
	return err
}

func (s *Service) ListChannelMessages(ctx context.Context, userID, channelID string, limit int) ([]map[string]any, error) {
	if _, err := s.requireChannelPermission(ctx, userID, channelID, permission.ViewChannel); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = defaultMessagePageSize
	}
	messages, err := s.store.ListMessages(ctx, channelID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		views = append(views, messageView(message))
	}
	return views, nil
}

func (s *Service) UpdateMessage(ctx context.Context, userID, messageID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}

	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAuthorOrManager(ctx, userID, message); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateMessageContent(ctx, messageID, content)
	if err != nil {
		return nil, err
	}

	view := messageView(updated)
	s.broadcastToRoom(updated.ChannelID, gateway.EventMessageUpdate, view)
	if channel, err := s.store.GetChannel(ctx, updated.ChannelID); err == nil {
		s.indexMessage(updated, channel.ServerID)
	}
	return view, nil
}

func (s *Service) DeleteMessage(ctx context.Context, userID, messageID string) error {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.requireAuthorOrManager(ctx, userID, message); err != nil {
		return err
	}

	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return err
	}

	s.broadcastToRoom(message.ChannelID, gateway.EventMessageDelete, map[string]any{
		"id":        message.ID,
		"channelId": message.ChannelID,
	})
	if s.search != nil {
		s.search.DeleteMessage(message.ID)
	}
	return nil
}

// requireAuthorOrManager allows the author to edit their own message and
// MANAGE_MESSAGES holders to moderate anyone's.
func (s *Service) requireAuthorOrManager(ctx context.Context, userID string, message store.Message) error {
	if message.AuthorID == userID {
		// Authors still need to be able to see the channel.
		_, err := s.requireChannelPermission(ctx, userID, message.ChannelID, permission.ViewChannel)
		return err
	}
	_, err := s.requireChannelPermission(ctx, userID, message.ChannelID, permission.ManageMessages)
	return err
}

func (s *Service) AddReaction(ctx context.Context, userID, messageID, emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "emoji is required", nil)
	}
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.requireChannelPermission(ctx, userID, message.ChannelID, permission.AddReactions); err != nil {
		return err
	}

	reactions, changed := addReaction(message.Reactions, emoji, userID)
	if !changed {
		return nil
	}
	if _, err := s.store.SetReactions(ctx, messageID, reactions); err != nil {
		return err
	}

	s.broadcastToRoom(message.ChannelID, gateway.EventMessageReactionAdd, map[string]any{
		"messageId": messageID,
		"channelId": message.ChannelID,
		"emoji":     emoji,
		"userId":    userID,
	})
	return nil
}

func (s *Service) RemoveReaction(ctx context.Context, userID, messageID, emoji string) error {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.requireChannelPermission(ctx, userID, message.ChannelID, permission.ViewChannel); err != nil {
		return err
	}

	reactions, changed := removeReaction(message.Reactions, emoji, userID)
	if !changed {
		return nil
	}
	if _, err := s.store.SetReactions(ctx, messageID, reactions); err != nil {
		return err
	}

	s.broadcastToRoom(message.ChannelID, gateway.EventMessageReactionRemove, map[string]any{
		"messageId": messageID,
		"channelId": message.ChannelID,
		"emoji":     emoji,
		"userId":    userID,
	})
	return nil
}

// ---- servers, channels, categories ----

func (s *Service) CreateServer(ctx context.Context, ownerID, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	server, err := s.store.CreateServer(ctx, name, ownerID)
	if err != nil {
		return nil, err
	}
	return serverView(server), nil
}

// UpdateServer renames a server. Owner and ADMINISTRATOR holders only; the
// rename fans out to the server room so sidebars refresh.
func (s *Service) UpdateServer(ctx context.Context, userID, serverID, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if err := s.requireServerPermission(ctx, userID, serverID, permission.Administrator); err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateServerName(ctx, serverID, name)
	if err != nil {
		return nil, err
	}
	view := serverView(updated)
	s.broadcastToRoom(serverID, gateway.EventServerUpdate, view)
	return view, nil
}

// DeleteServer tears down a server. Owner only. The search index is purged
// for every channel before the cascade, mirroring DeleteChannel.
func (s *Service) DeleteServer(ctx context.Context, userID, serverID string) error {
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if server.OwnerID != userID {
		return errForbidden()
	}

	channels, err := s.store.ListChannelsByServer(ctx, serverID)
	if err != nil {
		return err
	}
	var messageIDs []string
	for _, channel := range channels {
		ids, err := s.store.ListMessageIDsByChannel(ctx, channel.ID)
		if err != nil {
			return err
		}
		messageIDs = append(messageIDs, ids...)
	}

	if err := s.store.DeleteServer(ctx, serverID); err != nil {
		return err
	}

	if s.search != nil {
		s.search.DeleteMessages(messageIDs)
	}
	s.broadcastToRoom(serverID, gateway.EventServerDelete, map[string]any{"id": serverID})
	return nil
}

func (s *Service) JoinServer(ctx context.Context, userID, serverID string) error {
	if _, err := s.store.GetServer(ctx, serverID); err != nil {
		return err
	}
	existing, err := s.store.FindMembership(ctx, serverID, userID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	if err := s.store.AddMember(ctx, store.Member{ServerID: serverID, UserID: userID}); err != nil {
		return err
	}
	s.broadcastToRoom(serverID, gateway.EventMemberJoin, map[string]any{
		"serverId": serverID,
		"userId":   userID,
	})
	return nil
}

func (s *Service) LeaveServer(ctx context.Context, userID, serverID string) error {
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if server.OwnerID == userID {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "the owner cannot leave their own server", nil)
	}
	if err := s.store.RemoveMemberOverrides(ctx, serverID, userID); err != nil {
		return err
	}
	if err := s.store.RemoveMember(ctx, serverID, userID); err != nil {
		return err
	}
	s.broadcastToRoom(serverID, gateway.EventMemberLeave, map[string]any{
		"serverId": serverID,
		"userId":   userID,
	})
	return nil
}

// KickMember removes a member. The kicked user is notified on their personal
// room; the server room gets the membership change.
func (s *Service) KickMember(ctx context.Context, actorID, serverID, targetID string) error {
	server, err := s.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if targetID == server.OwnerID {
		return errForbidden()
	}
	if err := s.requireServerPermission(ctx, actorID, serverID, permission.KickMembers); err != nil {
		return err
	}

	target, err := s.store.FindMembership(ctx, serverID, targetID)
	if err != nil {
		return err
	}
	if target == nil {
		return sql.ErrNoRows
	}

	if actorID != server.OwnerID {
		actor, err := s.store.FindMembership(ctx, serverID, actorID)
		if err != nil {
			return err
		}
		if actor == nil {
			return errForbidden()
		}
		roles, err := s.store.ListRolesByServer(ctx, serverID)
		if err != nil {
			return err
		}
		if highestPosition(roles, actor.RoleIDs) <= highestPosition(roles, target.RoleIDs) {
			return errForbidden()
		}
	}

	if err := s.store.RemoveMemberOverrides(ctx, serverID, targetID); err != nil {
		return err
	}
	if err := s.store.RemoveMember(ctx, serverID, targetID); err != nil {
		return err
	}

	s.broadcastToRoom(targetID, gateway.EventServerKick, map[string]any{"serverId": serverID})
	s.broadcastToRoom(serverID, gateway.EventMemberLeave, map[string]any{
		"serverId": serverID,
		"userId":   targetID,
	})
	return nil
}

func (s *Service) CreateChannel(ctx context.Context, userID, serverID, categoryID, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if err := s.requireServerPermission(ctx, userID, serverID, permission.ManageChannels); err != nil {
		return nil, err
	}
	channel, err := s.store.CreateChannel(ctx, store.Channel{
		ID:         util.NewID("chn"),
		ServerID:   serverID,
		CategoryID: categoryID,
		Name:       name,
		Type:       store.ChannelTypeGuildText,
	})
	if err != nil {
		return nil, err
	}
	return channelView(channel), nil
}

func (s *Service) ListServerChannels(ctx context.Context, userID, serverID string) ([]map[string]any, error) {
	member, err := s.store.FindMembership(ctx, serverID, userID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, errForbidden()
	}
	channels, err := s.store.ListChannelsByServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(channels))
	for _, channel := range channels {
		perms, err := s.effectivePermissions(ctx, userID, channel)
		if err != nil {
			if isForbidden(err) {
				continue
			}
			return nil, err
		}
		if !perms.Has(permission.ViewChannel) {
			continue
		}
		views = append(views, channelView(channel))
	}
	return views, nil
}

// UpdateChannel applies a partial update. Nil fields keep their current
// value; an explicit empty categoryId detaches the channel from its category.
func (s *Service) UpdateChannel(ctx context.Context, userID, channelID string, name, categoryID *string) (map[string]any, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.Type == store.ChannelTypeDM {
		return nil, errForbidden()
	}
	if err := s.requireServerPermission(ctx, userID, channel.ServerID, permission.ManageChannels); err != nil {
		return nil, err
	}

	newName := channel.Name
	if name != nil {
		newName = strings.TrimSpace(*name)
		if newName == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
		}
	}
	newCategoryID := channel.CategoryID
	if categoryID != nil {
		newCategoryID = *categoryID
	}
	updated, err := s.store.UpdateChannel(ctx, channelID, newName, newCategoryID)
	if err != nil {
		return nil, err
	}

	view := channelView(updated)
	s.broadcastToRoom(channel.ServerID, gateway.EventChannelUpdate, view)
	return view, nil
}

// DeleteChannel removes the channel and everything in it. Message rows and
// index entries go first so a failed cascade never leaves a channel pointing
// at purged history.
func (s *Service) DeleteChannel(ctx context.Context, userID, channelID string) error {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if channel.Type == store.ChannelTypeDM {
		return errForbidden()
	}
	if err := s.requireServerPermission(ctx, userID, channel.ServerID, permission.ManageChannels); err != nil {
		return err
	}

	messageIDs, err := s.store.ListMessageIDsByChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMessagesByChannel(ctx, channelID); err != nil {
		return err
	}
	if err := s.store.DeleteChannel(ctx, channelID); err != nil {
		return err
	}

	if s.search != nil {
		s.search.DeleteMessages(messageIDs)
	}
	s.broadcastToRoom(channel.ServerID, gateway.EventChannelDelete, map[string]any{
		"id":       channelID,
		"serverId": channel.ServerID,
	})
	return nil
}

// UpdateCategory applies a partial update. Nil fields keep their current
// value; position zero is a valid target slot.
func (s *Service) UpdateCategory(ctx context.Context, userID, categoryID string, name *string, position *int) (map[string]any, error) {
	category, err := s.store.GetCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	if err := s.requireServerPermission(ctx, userID, category.ServerID, permission.ManageChannels); err != nil {
		return nil, err
	}

	newName := category.Name
	if name != nil {
		newName = strings.TrimSpace(*name)
		if newName == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
		}
	}
	newPosition := category.Position
	if position != nil {
		newPosition = *position
	}
	updated, err := s.store.UpdateCategory(ctx, categoryID, newName, newPosition)
	if err != nil {
		return nil, err
	}

	view := categoryView(updated)
	s.broadcastToRoom(category.ServerID, gateway.EventCategoryUpdate, view)
	return view, nil
}

func (s *Service) DeleteCategory(ctx context.Context, userID, categoryID string) error {
	category, err := s.store.GetCategory(ctx, categoryID)
	if err != nil {
		return err
	}
	if err := s.requireServerPermission(ctx, userID, category.ServerID, permission.ManageChannels); err != nil {
		return err
	}
	if err := s.store.DeleteCategory(ctx, categoryID); err != nil {
		return err
	}
	s.broadcastToRoom(category.ServerID, gateway.EventCategoryDelete, map[string]any{
		"id":       categoryID,
		"serverId": category.ServerID,
	})
	return nil
}

func (s *Service) CreateDM(ctx context.Context, userID, recipientID string) (map[string]any, error) {
	if recipientID == "" || recipientID == userID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "recipientId is required", nil)
	}
	if _, err := s.store.GetUserByID(ctx, recipientID); err != nil {
		return nil, err
	}

	channel, err := s.store.CreateChannel(ctx, store.Channel{
		ID:         util.NewID("chn"),
		Name:       "dm",
		Type:       store.ChannelTypeDM,
		Recipients: []string{userID, recipientID},
	})
	if err != nil {
		return nil, err
	}

	view := channelView(channel)
	if s.hub != nil {
		s.hub.BroadcastToRooms([]string{userID, recipientID}, gateway.EventDMChannelCreate, view)
	}
	return view, nil
}

// ---- roles and overrides ----

func (s *Service) CreateRole(ctx context.Context, userID, serverID, name string, perms []string, position int) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if err := s.requireServerPermission(ctx, userID, serverID, permission.ManageRoles); err != nil {
		return nil, err
	}

	role, err := s.store.CreateRole(ctx, store.Role{
		ID:          util.NewID("role"),
		ServerID:    serverID,
		Name:        name,
		Permissions: validPermissions(perms),
		Position:    position,
	})
	if err != nil {
		return nil, err
	}
	return roleView(role), nil
}

func (s *Service) ListServerRoles(ctx context.Context, userID, serverID string) ([]map[string]any, error) {
	member, err := s.store.FindMembership(ctx, serverID, userID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, errForbidden()
	}
	roles, err := s.store.ListRolesByServer(ctx, serverID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		views = append(views, roleView(role))
	}
	return views, nil
}

// SetChannelOverride writes one allow/deny override and tells the server's
// clients their permission affordances may have changed.
func (s *Service) SetChannelOverride(ctx context.Context, userID, channelID, targetID, targetKind string, allow, deny []string) error {
	if targetKind != store.OverrideTargetRole && targetKind != store.OverrideTargetMember {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "targetKind must be role or member", nil)
	}
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if channel.Type == store.ChannelTypeDM {
		return errForbidden()
	}
	if err := s.requireServerPermission(ctx, userID, channel.ServerID, permission.ManageRoles); err != nil {
		return err
	}

	// Normalize through the override type so allow and deny stay disjoint and
	// unknown permission names are dropped before they reach storage.
	normalized := permission.NewOverride(targetID, permission.TargetKind(targetKind), allow, deny)
	if err := s.store.UpsertChannelOverride(ctx, store.ChannelOverride{
		ChannelID:  channelID,
		TargetID:   targetID,
		TargetKind: targetKind,
		Allow:      normalized.AllowSlice(),
		Deny:       normalized.DenySlice(),
	}); err != nil {
		return err
	}

	s.broadcastToRoom(channel.ServerID, gateway.EventPermissionsUpdate, map[string]any{
		"channelId": channelID,
	})
	return nil
}

// ---- search, uploads, ops ----

func (s *Service) SearchMessages(ctx context.Context, userID string, q search.Query) (search.Response, error) {
	switch {
	case q.FilterChannelID != "":
		if _, err := s.requireChannelPermission(ctx, userID, q.FilterChannelID, permission.ViewChannel); err != nil {
			return search.Response{}, err
		}
	case q.FilterServerID != "":
		member, err := s.store.FindMembership(ctx, q.FilterServerID, userID)
		if err != nil {
			return search.Response{}, err
		}
		if member == nil {
			return search.Response{}, errForbidden()
		}
	default:
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "channelId or serverId filter is required", nil)
	}
	return s.search.Search(q), nil
}

func (s *Service) PresignUpload(ctx context.Context, userID, channelID, filename string) (upload.Presign, error) {
	if s.uploads == nil {
		return upload.Presign{}, domainError(http.StatusServiceUnavailable, "UPLOADS_UNAVAILABLE", "Attachment storage not configured", nil)
	}
	if _, err := s.requireChannelPermission(ctx, userID, channelID, permission.AttachFiles); err != nil {
		return upload.Presign{}, err
	}
	return s.uploads.PresignPut(ctx, channelID, filename)
}

// InfraOnlineCounts reports live connection counts per satellite service type.
func (s *Service) InfraOnlineCounts() map[string]int {
	if s.hub == nil {
		return map[string]int{}
	}
	return s.hub.Services().OnlineCounts()
}

func (s *Service) GetUser(ctx context.Context, userID string) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return userView(user), nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- helpers ----

func (s *Service) broadcastToRoom(roomID, event string, payload any) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastToRoom(roomID, event, payload)
}

func (s *Service) indexMessage(message store.Message, serverID string) {
	if s.search == nil {
		return
	}
	s.search.IndexMessage(search.MessageRecord{
		ID:        message.ID,
		ChannelID: message.ChannelID,
		ServerID:  serverID,
		AuthorID:  message.AuthorID,
		Content:   message.Content,
		CreatedAt: message.CreatedAt.Unix(),
	})
}

func toPermissionMember(member store.Member) permission.Member {
	return permission.Member{
		UserID:  member.UserID,
		RoleIDs: member.RoleIDs,
		IsOwner: member.IsOwner,
	}
}

func toPermissionRoles(roles []store.Role) []permission.Role {
	out := make([]permission.Role, 0, len(roles))
	for _, role := range roles {
		out = append(out, permission.Role{
			ID:          role.ID,
			Permissions: role.Permissions,
			Position:    role.Position,
		})
	}
	return out
}

func toPermissionOverrides(overrides []store.ChannelOverride) []permission.Override {
	out := make([]permission.Override, 0, len(overrides))
	for _, o := range overrides {
		out = append(out, permission.NewOverride(o.TargetID, permission.TargetKind(o.TargetKind), o.Allow, o.Deny))
	}
	return out
}

func validPermissions(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if permission.Valid(permission.Permission(r)) {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

func highestPosition(roles []store.Role, roleIDs []string) int {
	byID := make(map[string]store.Role, len(roles))
	for _, role := range roles {
		byID[role.ID] = role
	}
	highest := 0
	for _, id := range roleIDs {
		if role, ok := byID[id]; ok && role.Position > highest {
			highest = role.Position
		}
	}
	return highest
}

func addReaction(reactions []store.Reaction, emoji, userID string) ([]store.Reaction, bool) {
	out := cloneReactions(reactions)
	for i, reaction := range out {
		if reaction.Emoji != emoji {
			continue
		}
		for _, id := range reaction.UserIDs {
			if id == userID {
				return reactions, false
			}
		}
		out[i].UserIDs = append(out[i].UserIDs, userID)
		return out, true
	}
	return append(out, store.Reaction{Emoji: emoji, UserIDs: []string{userID}}), true
}

func removeReaction(reactions []store.Reaction, emoji, userID string) ([]store.Reaction, bool) {
	out := cloneReactions(reactions)
	for i, reaction := range out {
		if reaction.Emoji != emoji {
			continue
		}
		for j, id := range reaction.UserIDs {
			if id != userID {
				continue
			}
			out[i].UserIDs = append(out[i].UserIDs[:j], out[i].UserIDs[j+1:]...)
			if len(out[i].UserIDs) == 0 {
				out = append(out[:i], out[i+1:]...)
			}
			return out, true
		}
		return reactions, false
	}
	return reactions, false
}

func cloneReactions(reactions []store.Reaction) []store.Reaction {
	out := make([]store.Reaction, len(reactions))
	for i, reaction := range reactions {
		out[i] = store.Reaction{
			Emoji:   reaction.Emoji,
			UserIDs: append([]string(nil), reaction.UserIDs...),
		}
	}
	return out
}

// ---- views ----

func messageView(message store.Message) map[string]any {
	view := map[string]any{
		"id":        message.ID,
		"channelId": message.ChannelID,
		"authorId":  message.AuthorID,
		"content":   message.Content,
		"reactions": reactionViews(message.Reactions),
		"createdAt": message.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if message.ClientNonce != "" {
		view["clientNonce"] = message.ClientNonce
	}
	if message.ReplyToID != "" {
		view["replyTo"] = message.ReplyToID
	}
	if !message.UpdatedAt.IsZero() {
		view["updatedAt"] = message.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return view
}

func reactionViews(reactions []store.Reaction) []map[string]any {
	views := make([]map[string]any, 0, len(reactions))
	for _, reaction := range reactions {
		views = append(views, map[string]any{
			"emoji":   reaction.Emoji,
			"userIds": reaction.UserIDs,
		})
	}
	return views
}

func serverView(server store.Server) map[string]any {
	return map[string]any{
		"id":             server.ID,
		"name":           server.Name,
		"ownerId":        server.OwnerID,
		"everyoneRoleId": server.EveryoneRoleID,
		"createdAt":      server.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func channelView(channel store.Channel) map[string]any {
	view := map[string]any{
		"id":   channel.ID,
		"name": channel.Name,
		"type": channel.Type,
	}
	if channel.ServerID != "" {
		view["serverId"] = channel.ServerID
	}
	if channel.CategoryID != "" {
		view["categoryId"] = channel.CategoryID
	}
	if len(channel.Recipients) > 0 {
		view["recipients"] = channel.Recipients
	}
	return view
}

func categoryView(category store.Category) map[string]any {
	return map[string]any{
		"id":       category.ID,
		"serverId": category.ServerID,
		"name":     category.Name,
		"position": category.Position,
	}
}

func roleView(role store.Role) map[string]any {
	return map[string]any{
		"id":          role.ID,
		"serverId":    role.ServerID,
		"name":        role.Name,
		"permissions": role.Permissions,
		"position":    role.Position,
	}
}

func userView(user store.User) map[string]any {
	return map[string]any{
		"id":       user.ID,
		"username": user.Username,
		"isBot":    user.IsBot,
	}
}
