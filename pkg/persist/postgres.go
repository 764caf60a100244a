package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	"github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/example/nats-chat-sync/pkg/chat"
	"github.com/example/nats-chat-sync/pkg/message"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	avatar     TEXT NOT NULL DEFAULT '',
	is_group   BOOLEAN NOT NULL DEFAULT FALSE,
	owner_id   TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id         TEXT NOT NULL,
	nickname        TEXT NOT NULL DEFAULT '',
	avatar          TEXT NOT NULL DEFAULT '',
	joined_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, user_id)
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id              TEXT PRIMARY KEY,
	temp_id         TEXT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_id       TEXT NOT NULL,
	content         TEXT NOT NULL DEFAULT '',
	type            TEXT NOT NULL DEFAULT 'text',
	media_url       TEXT,
	gif_url         TEXT,
	reply_to        JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS chat_messages_sender_temp_id
	ON chat_messages (sender_id, temp_id) WHERE temp_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS chat_messages_conversation_created
	ON chat_messages (conversation_id, created_at);
CREATE TABLE IF NOT EXISTS message_reactions (
	id         TEXT PRIMARY KEY,
	message_id TEXT NOT NULL REFERENCES chat_messages(id) ON DELETE CASCADE,
	user_id    TEXT NOT NULL,
	emoji      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (message_id, user_id, emoji)
);
CREATE TABLE IF NOT EXISTS service_accounts (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL
);
`

const pqUniqueViolation = "23505"

// OpenDB opens a traced Postgres handle.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := otelsql.Open("postgres", dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Postgres is the Repository backed by Postgres.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertMessage stores msg under a new id. A message already stored for the
// same sender and temp id is returned instead of inserted again.
func (p *Postgres) InsertMessage(ctx context.Context, msg chat.Message) (message.ServerFields, error) {
	var replyTo any
	if msg.ReplyTo != nil {
		b, err := json.Marshal(msg.ReplyTo)
		if err != nil {
			return message.ServerFields{}, fmt.Errorf("encode reply: %w", err)
		}
		replyTo = string(b)
	}
	typ := msg.Type
	if typ == "" {
		typ = chat.TypeText
	}

	var f message.ServerFields
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, temp_id, conversation_id, sender_id, content, type, media_url, gif_url, reply_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sender_id, temp_id) WHERE temp_id IS NOT NULL
		DO UPDATE SET temp_id = EXCLUDED.temp_id
		RETURNING id, created_at, updated_at`,
		uuid.NewString(), nullableString(msg.TempID), msg.ConversationID, msg.SenderID,
		msg.Content, string(typ), nullableString(msg.MediaURL), nullableString(msg.GifURL), replyTo,
	).Scan(&f.ID, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return message.ServerFields{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := p.db.ExecContext(ctx,
		"UPDATE conversations SET updated_at = $2 WHERE id = $1", msg.ConversationID, f.CreatedAt); err != nil {
		return message.ServerFields{}, fmt.Errorf("touch conversation: %w", err)
	}
	return f, nil
}

func (p *Postgres) Participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY joined_at, user_id",
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	return ids, nil
}

func (p *Postgres) Conversation(ctx context.Context, conversationID string) (chat.Conversation, error) {
	var c chat.Conversation
	err := p.db.QueryRowContext(ctx,
		"SELECT id, name, avatar, is_group, owner_id, created_at, updated_at FROM conversations WHERE id = $1",
		conversationID,
	).Scan(&c.ID, &c.Name, &c.Avatar, &c.IsGroup, &c.OwnerID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	if err != nil {
		return c, fmt.Errorf("query conversation: %w", err)
	}

	rows, err := p.db.QueryContext(ctx,
		"SELECT user_id, nickname, avatar FROM conversation_participants WHERE conversation_id = $1 ORDER BY joined_at, user_id",
		conversationID)
	if err != nil {
		return c, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pt chat.Participant
		if err := rows.Scan(&pt.ID, &pt.Nickname, &pt.Avatar); err != nil {
			return c, fmt.Errorf("scan participant: %w", err)
		}
		c.Participants = append(c.Participants, pt)
	}
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("query participants: %w", err)
	}

	var last chat.Message
	var replyTo []byte
	var mediaURL, gifURL sql.NullString
	err = p.db.QueryRowContext(ctx, `
		SELECT id, sender_id, content, type, media_url, gif_url, reply_to, created_at, updated_at
		FROM chat_messages WHERE conversation_id = $1
		ORDER BY created_at DESC LIMIT 1`, conversationID,
	).Scan(&last.ID, &last.SenderID, &last.Content, &last.Type, &mediaURL, &gifURL, &replyTo, &last.CreatedAt, &last.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return c, fmt.Errorf("query last message: %w", err)
	default:
		last.ConversationID = conversationID
		last.MediaURL = mediaURL.String
		last.GifURL = gifURL.String
		if len(replyTo) > 0 {
			last.ReplyTo = &chat.Reply{}
			if err := json.Unmarshal(replyTo, last.ReplyTo); err != nil {
				return c, fmt.Errorf("decode reply: %w", err)
			}
		}
		c.LastMessage = &last
	}
	return c, nil
}

// ToggleReaction removes the (message, user, emoji) reaction if it is
// stored and inserts r otherwise.
func (p *Postgres) ToggleReaction(ctx context.Context, _ string, r chat.Reaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3",
		r.MessageID, r.UserID, r.Emoji)
	if err != nil {
		return fmt.Errorf("delete reaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO message_reactions (id, message_id, user_id, emoji, created_at) VALUES ($1, $2, $3, $4, $5)",
			id, r.MessageID, r.UserID, r.Emoji, r.CreatedAt)
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			// A concurrent toggle from another device already added it.
			err = nil
		}
		if err != nil {
			return fmt.Errorf("insert reaction: %w", err)
		}
	}
	return tx.Commit()
}

// CreateConversation stores conv and its participants.
func (p *Postgres) CreateConversation(ctx context.Context, conv chat.Conversation) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, name, avatar, is_group, owner_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, avatar = EXCLUDED.avatar, updated_at = now()`,
		conv.ID, conv.Name, conv.Avatar, conv.IsGroup, conv.OwnerID); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for _, pt := range conv.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, nickname, avatar)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (conversation_id, user_id) DO NOTHING`,
			conv.ID, pt.ID, pt.Nickname, pt.Avatar); err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}
	return tx.Commit()
}
