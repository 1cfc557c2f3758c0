package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/U1805/mew-sub004/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	const insert = `
		INSERT INTO users (id, username, email, password_hash, is_bot)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := s.db.QueryRowContext(ctx, insert, user.ID, user.Username, user.Email, user.PasswordHash, user.IsBot).
		Scan(&user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `SELECT id, username, email, password_hash, is_bot, created_at FROM users WHERE id=$1`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).
		Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.IsBot, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `SELECT id, username, email, password_hash, is_bot, created_at FROM users WHERE email=$1`
	var user User
	err := s.db.QueryRowContext(ctx, query, email).
		Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.IsBot, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// --- Servers, categories, channels ---

// CreateServer provisions a server together with its @everyone role and the
// owner's membership.
func (s *PostgresStore) CreateServer(ctx context.Context, name, ownerID string) (Server, error) {
	server := Server{
		ID:             util.NewID("srv"),
		Name:           name,
		OwnerID:        ownerID,
		EveryoneRoleID: util.NewID("rol"),
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Server{}, fmt.Errorf("begin create server: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO servers (id, name, owner_id, everyone_role_id)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, server.ID, server.Name, server.OwnerID, server.EveryoneRoleID).Scan(&server.CreatedAt)
	if err != nil {
		return Server{}, fmt.Errorf("insert server: %w", err)
	}

	everyonePerms, err := json.Marshal([]string{"VIEW_CHANNEL", "SEND_MESSAGES", "ADD_REACTIONS"})
	if err != nil {
		return Server{}, fmt.Errorf("encode everyone permissions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO roles (id, server_id, name, permissions, position)
		VALUES ($1, $2, '@everyone', $3, 0)
	`, server.EveryoneRoleID, server.ID, everyonePerms); err != nil {
		return Server{}, fmt.Errorf("insert everyone role: %w", err)
	}

	emptyRoles, _ := json.Marshal([]string{})
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO members (server_id, user_id, role_ids, is_owner)
		VALUES ($1, $2, $3, TRUE)
	`, server.ID, ownerID, emptyRoles); err != nil {
		return Server{}, fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Server{}, fmt.Errorf("commit create server: %w", err)
	}
	return server, nil
}

func (s *PostgresStore) CreateChannel(ctx context.Context, channel Channel) (Channel, error) {
	if channel.ID == "" {
		channel.ID = util.NewID("chn")
	}
	if channel.Type == "" {
		channel.Type = ChannelTypeGuildText
	}
	recipients, err := json.Marshal(channel.Recipients)
	if err != nil {
		return Channel{}, fmt.Errorf("encode recipients: %w", err)
	}
	const insert = `
		INSERT INTO channels (id, server_id, category_id, name, type, recipients)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err = s.db.QueryRowContext(ctx, insert,
		channel.ID, channel.ServerID, channel.CategoryID, channel.Name, channel.Type, recipients).
		Scan(&channel.CreatedAt)
	if err != nil {
		return Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return channel, nil
}

func (s *PostgresStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	if role.ID == "" {
		role.ID = util.NewID("rol")
	}
	permissions, err := json.Marshal(role.Permissions)
	if err != nil {
		return Role{}, fmt.Errorf("encode permissions: %w", err)
	}
	const insert = `
		INSERT INTO roles (id, server_id, name, permissions, position)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, insert, role.ID, role.ServerID, role.Name, permissions, role.Position); err != nil {
		return Role{}, fmt.Errorf("insert role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, member Member) error {
	roleIDs, err := json.Marshal(member.RoleIDs)
	if err != nil {
		return fmt.Errorf("encode role ids: %w", err)
	}
	const insert = `
		INSERT INTO members (server_id, user_id, role_ids, is_owner)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (server_id, user_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, insert, member.ServerID, member.UserID, roleIDs, member.IsOwner); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetServer(ctx context.Context, serverID string) (Server, error) {
	const query = `SELECT id, name, owner_id, everyone_role_id, created_at FROM servers WHERE id=$1`
	var server Server
	err := s.db.QueryRowContext(ctx, query, serverID).
		Scan(&server.ID, &server.Name, &server.OwnerID, &server.EveryoneRoleID, &server.CreatedAt)
	if err != nil {
		return Server{}, err
	}
	return server, nil
}

func (s *PostgresStore) UpdateServerName(ctx context.Context, serverID, name string) (Server, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE servers SET name=$2 WHERE id=$1`, serverID, name)
	if err != nil {
		return Server{}, fmt.Errorf("update server: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return Server{}, sql.ErrNoRows
	}
	return s.GetServer(ctx, serverID)
}

// DeleteServer removes the server and everything under it. Channels have no
// FK to servers (DM channels share the table), so their rows and messages are
// deleted explicitly; categories, roles, and members cascade.
func (s *PostgresStore) DeleteServer(ctx context.Context, serverID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete server: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE channel_id IN (SELECT id FROM channels WHERE server_id=$1)`, serverID); err != nil {
		return fmt.Errorf("delete server messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE server_id=$1`, serverID); err != nil {
		return fmt.Errorf("delete server channels: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM servers WHERE id=$1`, serverID)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete server: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCategory(ctx context.Context, categoryID string) (Category, error) {
	const query = `SELECT id, server_id, name, position FROM categories WHERE id=$1`
	var category Category
	err := s.db.QueryRowContext(ctx, query, categoryID).
		Scan(&category.ID, &category.ServerID, &category.Name, &category.Position)
	if err != nil {
		return Category{}, err
	}
	return category, nil
}

func (s *PostgresStore) UpdateCategory(ctx context.Context, categoryID, name string, position int) (Category, error) {
	const update = `
		UPDATE categories SET name=$2, position=$3 WHERE id=$1
		RETURNING id, server_id, name, position
	`
	var category Category
	err := s.db.QueryRowContext(ctx, update, categoryID, name, position).
		Scan(&category.ID, &category.ServerID, &category.Name, &category.Position)
	if err != nil {
		return Category{}, err
	}
	return category, nil
}

func (s *PostgresStore) DeleteCategory(ctx context.Context, categoryID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE channels SET category_id='' WHERE category_id=$1`, categoryID); err != nil {
		return fmt.Errorf("detach channels: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE id=$1`, categoryID)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	const query = `SELECT id, server_id, category_id, name, type, recipients, created_at FROM channels WHERE id=$1`
	var channel Channel
	var recipients []byte
	err := s.db.QueryRowContext(ctx, query, channelID).
		Scan(&channel.ID, &channel.ServerID, &channel.CategoryID, &channel.Name, &channel.Type, &recipients, &channel.CreatedAt)
	if err != nil {
		return Channel{}, err
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &channel.Recipients); err != nil {
			return Channel{}, fmt.Errorf("decode recipients: %w", err)
		}
	}
	return channel, nil
}

func (s *PostgresStore) ListChannelsByServer(ctx context.Context, serverID string) ([]Channel, error) {
	const query = `SELECT id, server_id, category_id, name, type, recipients, created_at FROM channels WHERE server_id=$1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, serverID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var channels []Channel
	for rows.Next() {
		var channel Channel
		var recipients []byte
		if err := rows.Scan(&channel.ID, &channel.ServerID, &channel.CategoryID, &channel.Name, &channel.Type, &recipients, &channel.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		if len(recipients) > 0 {
			if err := json.Unmarshal(recipients, &channel.Recipients); err != nil {
				return nil, fmt.Errorf("decode recipients: %w", err)
			}
		}
		channels = append(channels, channel)
	}
	return channels, rows.Err()
}

func (s *PostgresStore) UpdateChannel(ctx context.Context, channelID, name, categoryID string) (Channel, error) {
	const update = `UPDATE channels SET name=$2, category_id=$3 WHERE id=$1`
	result, err := s.db.ExecContext(ctx, update, channelID, name, categoryID)
	if err != nil {
		return Channel{}, fmt.Errorf("update channel: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return Channel{}, sql.ErrNoRows
	}
	return s.GetChannel(ctx, channelID)
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, channelID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id=$1`, channelID)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// --- Roles, members, overrides ---

func (s *PostgresStore) ListRolesByServer(ctx context.Context, serverID string) ([]Role, error) {
	const query = `SELECT id, server_id, name, permissions, position FROM roles WHERE server_id=$1 ORDER BY position`
	rows, err := s.db.QueryContext(ctx, query, serverID)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		var perms []byte
		if err := rows.Scan(&role.ID, &role.ServerID, &role.Name, &perms, &role.Position); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		if len(perms) > 0 {
			if err := json.Unmarshal(perms, &role.Permissions); err != nil {
				return nil, fmt.Errorf("decode role permissions: %w", err)
			}
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *PostgresStore) FindMembership(ctx context.Context, serverID, userID string) (*Member, error) {
	const query = `SELECT server_id, user_id, role_ids, is_owner, joined_at FROM members WHERE server_id=$1 AND user_id=$2`
	var member Member
	var roleIDs []byte
	err := s.db.QueryRowContext(ctx, query, serverID, userID).
		Scan(&member.ServerID, &member.UserID, &roleIDs, &member.IsOwner, &member.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find membership: %w", err)
	}
	if len(roleIDs) > 0 {
		if err := json.Unmarshal(roleIDs, &member.RoleIDs); err != nil {
			return nil, fmt.Errorf("decode role ids: %w", err)
		}
	}
	return &member, nil
}

func (s *PostgresStore) ListMemberUserIDs(ctx context.Context, serverID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM members WHERE server_id=$1`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}

func (s *PostgresStore) RemoveMember(ctx context.Context, serverID, userID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM members WHERE server_id=$1 AND user_id=$2`, serverID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListChannelOverrides(ctx context.Context, channelID string) ([]ChannelOverride, error) {
	const query = `SELECT channel_id, target_id, target_kind, allow, deny FROM channel_overrides WHERE channel_id=$1`
	rows, err := s.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	var overrides []ChannelOverride
	for rows.Next() {
		var override ChannelOverride
		var allow, deny []byte
		if err := rows.Scan(&override.ChannelID, &override.TargetID, &override.TargetKind, &allow, &deny); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		if len(allow) > 0 {
			if err := json.Unmarshal(allow, &override.Allow); err != nil {
				return nil, fmt.Errorf("decode allow: %w", err)
			}
		}
		if len(deny) > 0 {
			if err := json.Unmarshal(deny, &override.Deny); err != nil {
				return nil, fmt.Errorf("decode deny: %w", err)
			}
		}
		overrides = append(overrides, override)
	}
	return overrides, rows.Err()
}

func (s *PostgresStore) UpsertChannelOverride(ctx context.Context, override ChannelOverride) error {
	allow, err := json.Marshal(override.Allow)
	if err != nil {
		return fmt.Errorf("encode allow: %w", err)
	}
	deny, err := json.Marshal(override.Deny)
	if err != nil {
		return fmt.Errorf("encode deny: %w", err)
	}
	const upsert = `
		INSERT INTO channel_overrides (channel_id, target_id, target_kind, allow, deny)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_id, target_id, target_kind)
		DO UPDATE SET allow = EXCLUDED.allow, deny = EXCLUDED.deny
	`
	if _, err := s.db.ExecContext(ctx, upsert, override.ChannelID, override.TargetID, override.TargetKind, allow, deny); err != nil {
		return fmt.Errorf("upsert override: %w", err)
	}
	return nil
}

// RemoveMemberOverrides strips member-targeted overrides across every channel
// of a server, used when a member is kicked.
func (s *PostgresStore) RemoveMemberOverrides(ctx context.Context, serverID, userID string) error {
	const remove = `
		DELETE FROM channel_overrides
		WHERE target_kind = 'member' AND target_id = $2
		  AND channel_id IN (SELECT id FROM channels WHERE server_id = $1)
	`
	if _, err := s.db.ExecContext(ctx, remove, serverID, userID); err != nil {
		return fmt.Errorf("remove member overrides: %w", err)
	}
	return nil
}

// --- Messages ---

func (s *PostgresStore) CreateMessage(ctx context.Context, message Message) (Message, error) {
	if message.ID == "" {
		message.ID = util.NewID("msg")
	}
	reactions, err := json.Marshal([]Reaction{})
	if err != nil {
		return Message{}, fmt.Errorf("encode reactions: %w", err)
	}
	// updated_at stays NULL until the first edit, so only created_at comes back.
	const insert = `
		INSERT INTO messages (id, channel_id, author_id, content, client_nonce, reply_to_id, reactions)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err = s.db.QueryRowContext(ctx, insert,
		message.ID, message.ChannelID, message.AuthorID, message.Content, message.ClientNonce, message.ReplyToID, reactions).
		Scan(&message.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	message.Reactions = []Reaction{}
	return message, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	const query = `SELECT id, channel_id, author_id, content, client_nonce, reply_to_id, reactions, created_at, updated_at FROM messages WHERE id=$1`
	return s.scanMessage(s.db.QueryRowContext(ctx, query, messageID))
}

func (s *PostgresStore) ListMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	const query = `
		SELECT id, channel_id, author_id, content, client_nonce, reply_to_id, reactions, created_at, updated_at
		FROM messages WHERE channel_id=$1 ORDER BY created_at DESC LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		message, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into ascending creation order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *PostgresStore) UpdateMessageContent(ctx context.Context, messageID, content string) (Message, error) {
	const update = `UPDATE messages SET content=$2, updated_at=NOW() WHERE id=$1`
	result, err := s.db.ExecContext(ctx, update, messageID, content)
	if err != nil {
		return Message{}, fmt.Errorf("update message: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return Message{}, sql.ErrNoRows
	}
	return s.GetMessage(ctx, messageID)
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteMessagesByChannel(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE channel_id=$1`, channelID); err != nil {
		return fmt.Errorf("delete channel messages: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetReactions(ctx context.Context, messageID string, reactions []Reaction) (Message, error) {
	encoded, err := json.Marshal(reactions)
	if err != nil {
		return Message{}, fmt.Errorf("encode reactions: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET reactions=$2 WHERE id=$1`, messageID, encoded)
	if err != nil {
		return Message{}, fmt.Errorf("set reactions: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return Message{}, sql.ErrNoRows
	}
	return s.GetMessage(ctx, messageID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanMessage(row rowScanner) (Message, error) {
	var message Message
	var reactions []byte
	var updatedAt sql.NullTime
	err := row.Scan(&message.ID, &message.ChannelID, &message.AuthorID, &message.Content,
		&message.ClientNonce, &message.ReplyToID, &reactions, &message.CreatedAt, &updatedAt)
	if err != nil {
		return Message{}, err
	}
	if updatedAt.Valid {
		message.UpdatedAt = updatedAt.Time
	}
	if len(reactions) > 0 {
		if err := json.Unmarshal(reactions, &message.Reactions); err != nil {
			return Message{}, fmt.Errorf("decode reactions: %w", err)
		}
	}
	return message, nil
}

// ListMessageIDsByChannel returns every message ID in a channel, used to purge
// the search index before a channel-level cascade delete.
func (s *PostgresStore) ListMessageIDsByChannel(ctx context.Context, channelID string) ([]string, error) {
	const query = `SELECT id FROM messages WHERE channel_id = $1`
	rows, err := s.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("list message ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
