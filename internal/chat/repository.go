package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go-chat-sync/internal/protocol"
)

// Repository is the Postgres-backed Store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const messageColumns = `
	m.id, m.sender_id, u.username, COALESCE(m.recipient_id, 0), COALESCE(m.group_id, 0),
	m.content, m.message_type, m.created_at`

func scanMessage(row interface{ Scan(...any) error }) (protocol.Message, error) {
	var msg protocol.Message
	var msgType string
	err := row.Scan(&msg.ID, &msg.SenderID, &msg.SenderName, &msg.RecipientID, &msg.GroupID,
		&msg.Content, &msgType, &msg.CreatedAt)
	if err != nil {
		return msg, err
	}
	msg.Type = protocol.MessageType(msgType)
	msg.CreatedAt = msg.CreatedAt.UTC()
	if msg.GroupID != 0 {
		msg.Conversation = protocol.GroupKey(msg.GroupID)
	} else {
		msg.Conversation = protocol.DirectKey(msg.SenderID, msg.RecipientID)
	}
	msg.ReadBy = []protocol.Receipt{}
	return msg, nil
}

func nullable(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func (r *Repository) CreateMessage(ctx context.Context, msg *protocol.Message) error {
	query := `
		WITH inserted AS (
			INSERT INTO messages (sender_id, recipient_id, group_id, content, message_type)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at, sender_id
		)
		SELECT i.id, i.created_at, u.username
		FROM inserted i JOIN users u ON u.id = i.sender_id`

	err := r.db.QueryRowContext(ctx, query,
		msg.SenderID, nullable(msg.RecipientID), nullable(msg.GroupID), msg.Content, string(msg.Type),
	).Scan(&msg.ID, &msg.CreatedAt, &msg.SenderName)
	if err != nil {
		return err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.ReadBy = []protocol.Receipt{}
	return nil
}

func (r *Repository) GetMessage(ctx context.Context, id int64) (*protocol.Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1`

	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	msgs := []protocol.Message{msg}
	if err := r.attachReceipts(ctx, msgs); err != nil {
		return nil, err
	}
	msg = msgs[0]

	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM message_deletions WHERE message_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		msg.DeletedFor = append(msg.DeletedFor, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// conversationFilter returns the WHERE fragment selecting key's messages with
// the viewer's soft deletes removed. Placeholders $1..$3 are used.
func conversationFilter(key protocol.ConversationKey, viewerID int64) (string, []any) {
	visible := `NOT EXISTS (
			SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id = $1)`
	if key.IsGroup() {
		return `m.group_id = $2 AND ` + visible, []any{viewerID, key.GroupID}
	}
	return `((m.sender_id = $2 AND m.recipient_id = $3) OR (m.sender_id = $3 AND m.recipient_id = $2))
		AND ` + visible, []any{viewerID, key.UserA, key.UserB}
}

func (r *Repository) FetchConversation(ctx context.Context, key protocol.ConversationKey, viewerID int64, limit int) ([]protocol.Message, error) {
	where, args := conversationFilter(key, viewerID)
	query := fmt.Sprintf(`SELECT %s
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE %s
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $%d`, messageColumns, where, len(args)+1)

	rows, err := r.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest N were selected; hand them back oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	if err := r.attachReceipts(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *Repository) attachReceipts(ctx context.Context, msgs []protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]int64, len(msgs))
	index := make(map[int64]int, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		index[m.ID] = i
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT message_id, user_id, read_at FROM message_reads WHERE message_id = ANY($1) ORDER BY read_at`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var messageID int64
		var rc protocol.Receipt
		if err := rows.Scan(&messageID, &rc.UserID, &rc.ReadAt); err != nil {
			return err
		}
		rc.ReadAt = rc.ReadAt.UTC()
		i := index[messageID]
		msgs[i].ReadBy = append(msgs[i].ReadBy, rc)
	}
	return rows.Err()
}

func (r *Repository) ConversationMessageIDs(ctx context.Context, key protocol.ConversationKey, viewerID int64) ([]int64, error) {
	where, args := conversationFilter(key, viewerID)
	rows, err := r.db.QueryContext(ctx, `SELECT m.id FROM messages m WHERE `+where+` ORDER BY m.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) MarkRead(ctx context.Context, messageID, readerID int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO NOTHING`, messageID, readerID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) SoftDeleteForUsers(ctx context.Context, messageIDs, userIDs []int64) error {
	if len(messageIDs) == 0 || len(userIDs) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_deletions (message_id, user_id)
		SELECT m, u FROM unnest($1::bigint[]) AS m CROSS JOIN unnest($2::bigint[]) AS u
		ON CONFLICT (message_id, user_id) DO NOTHING`, messageIDs, userIDs)
	return err
}

// UnreadCount counts direct messages addressed to userID that nobody has
// marked read and that userID has not deleted.
func (r *Repository) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.recipient_id = $1
		  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = $1)
		  AND NOT EXISTS (SELECT 1 FROM message_deletions d WHERE d.message_id = m.id AND d.user_id = $1)`,
		userID).Scan(&n)
	return n, err
}

func (r *Repository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	return exists, err
}

func (r *Repository) CreateGroup(ctx context.Context, g *Group) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	err = tx.QueryRowContext(ctx,
		`INSERT INTO groups (name, description, admin_id) VALUES ($1, $2, $3) RETURNING id, created_at`,
		g.Name, g.Description, g.AdminID,
	).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		return err
	}
	for _, m := range g.Members {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_id, user_id, role) VALUES ($1, $2, $3)`,
			g.ID, m.UserID, string(m.Role))
		if err != nil {
			return fmt.Errorf("add member %d: %w", m.UserID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	members, err := r.ListGroupMembers(ctx, g.ID)
	if err != nil {
		return err
	}
	g.Members = members
	return nil
}

func (r *Repository) GetGroup(ctx context.Context, groupID int64) (*Group, error) {
	g := &Group{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, description, admin_id, created_at FROM groups WHERE id = $1`, groupID,
	).Scan(&g.ID, &g.Name, &g.Description, &g.AdminID, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if g.Members, err = r.ListGroupMembers(ctx, groupID); err != nil {
		return nil, err
	}
	return g, nil
}

func (r *Repository) ListGroupsForUser(ctx context.Context, userID int64) ([]Group, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT g.id, g.name, g.description, g.admin_id, g.created_at
		FROM groups g
		JOIN group_members gm ON gm.group_id = g.id
		WHERE gm.user_id = $1
		ORDER BY g.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.Description, &g.AdminID, &g.CreatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].Members, err = r.ListGroupMembers(ctx, groups[i].ID); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (r *Repository) ListGroupMembers(ctx context.Context, groupID int64) ([]GroupMember, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT gm.user_id, u.username, gm.role
		FROM group_members gm
		JOIN users u ON u.id = gm.user_id
		WHERE gm.group_id = $1
		ORDER BY gm.joined_at, gm.user_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []GroupMember
	for rows.Next() {
		var m GroupMember
		var role string
		if err := rows.Scan(&m.UserID, &m.Username, &role); err != nil {
			return nil, err
		}
		m.Role = GroupRole(role)
		members = append(members, m)
	}
	return members, rows.Err()
}
