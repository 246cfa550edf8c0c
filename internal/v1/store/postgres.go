// Package store persists rooms, messages, participants, files, and
// conversation summaries. The PostgreSQL implementation is the durable
// backend; Memory is the fallback used when no database is configured and
// the substitute in tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyhq/parley/internal/v1/types"
)

var _ types.MessageStore = (*Postgres)(nil)

// Postgres is the pgx-backed message store. All operations are safe for
// concurrent use; the pool serializes access.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn, pings it, and runs Migrate.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, for the readiness probe.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT         PRIMARY KEY,
    name        TEXT         NOT NULL DEFAULT '',
    created_by  TEXT         NOT NULL DEFAULT '',
    pw_question TEXT,
    pw_answer   TEXT,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
    id               TEXT         PRIMARY KEY,
    session_id       TEXT         NOT NULL,
    sender_id        TEXT         NOT NULL,
    sender_name      TEXT         NOT NULL DEFAULT '',
    sender_role      TEXT         NOT NULL DEFAULT 'member',
    type             TEXT         NOT NULL DEFAULT 'text',
    content          TEXT         NOT NULL DEFAULT '',
    mentions_json    JSONB,
    mentions_ai      BOOLEAN      NOT NULL DEFAULT FALSE,
    reply_to         TEXT,
    file_data_json   JSONB,
    image_data_json  JSONB,
    voice_data_json  JSONB,
    code_data_json   JSONB,
    edited_at        TEXT,
    timestamp        TEXT         NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session_timestamp
    ON messages (session_id, timestamp);

CREATE TABLE IF NOT EXISTS participants (
    id          TEXT         NOT NULL,
    session_id  TEXT         NOT NULL,
    name        TEXT         NOT NULL DEFAULT '',
    role        TEXT         NOT NULL DEFAULT 'member',
    status      TEXT         NOT NULL DEFAULT 'online',
    joined_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_seen   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (id, session_id)
);

CREATE TABLE IF NOT EXISTS files (
    id           TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    message_id   TEXT,
    file_name    TEXT         NOT NULL,
    file_size    BIGINT       NOT NULL DEFAULT 0,
    mime_type    TEXT         NOT NULL DEFAULT '',
    blob_url     TEXT         NOT NULL DEFAULT '',
    blob_key     TEXT         NOT NULL DEFAULT '',
    uploaded_by  TEXT         NOT NULL DEFAULT '',
    uploaded_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_files_session ON files (session_id);
CREATE INDEX IF NOT EXISTS idx_files_message ON files (message_id);

CREATE TABLE IF NOT EXISTS conversation_summaries (
    id                     TEXT         PRIMARY KEY,
    session_id             TEXT         NOT NULL UNIQUE,
    summary                TEXT         NOT NULL,
    message_count          INT          NOT NULL DEFAULT 0,
    last_message_id        TEXT         NOT NULL DEFAULT '',
    last_message_timestamp TIMESTAMPTZ  NOT NULL DEFAULT now(),
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates the schema. Idempotent and safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// storeErr classifies a pgx error. SQL-level errors pass through wrapped;
// anything else (network, closed pool, timeout) is a disconnected store and
// callers degrade to the in-memory ring.
func storeErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	return fmt.Errorf("store: %s: %w: %v", op, types.ErrStoreUnavailable, err)
}

func (s *Postgres) EnsureRoom(ctx context.Context, id types.RoomIDType, name string, creator types.ClientIDType, pwQuestion, pwAnswer string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, name, created_by, pw_question, pw_answer)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
		ON CONFLICT (id) DO NOTHING`,
		string(id), name, string(creator), pwQuestion, pwAnswer)
	if err != nil {
		return storeErr("ensure room", err)
	}
	return nil
}

func (s *Postgres) GetRoomPasswordQuestion(ctx context.Context, id types.RoomIDType) (string, error) {
	var question *string
	err := s.pool.QueryRow(ctx,
		`SELECT pw_question FROM sessions WHERE id = $1`, string(id)).Scan(&question)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("get password question", err)
	}
	if question == nil {
		return "", nil
	}
	return *question, nil
}

func (s *Postgres) VerifyRoomPassword(ctx context.Context, id types.RoomIDType, answer string) (bool, error) {
	var stored *string
	err := s.pool.QueryRow(ctx,
		`SELECT pw_answer FROM sessions WHERE id = $1`, string(id)).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, storeErr("verify password", err)
	}
	if stored == nil || *stored == "" {
		return true, nil
	}
	return strings.EqualFold(*stored, answer), nil
}

func (s *Postgres) SetRoomPassword(ctx context.Context, id types.RoomIDType, question, answer string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET pw_question = $2, pw_answer = $3, updated_at = now()
		WHERE id = $1`,
		string(id), question, answer)
	if err != nil {
		return storeErr("set password", err)
	}
	return nil
}

func (s *Postgres) SaveMessage(ctx context.Context, msg *types.ChatMessage) error {
	mentions, err := json.Marshal(msg.Mentions)
	if err != nil {
		return fmt.Errorf("store: marshal mentions: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (
			id, session_id, sender_id, sender_name, sender_role, type, content,
			mentions_json, mentions_ai, reply_to,
			file_data_json, image_data_json, voice_data_json, code_data_json,
			edited_at, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,$12,$13,$14,NULLIF($15,''),$16)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, string(msg.RoomID), string(msg.SenderID), string(msg.SenderName),
		string(msg.SenderRole), string(msg.Type), msg.Content,
		mentions, msg.MentionsAI, msg.ReplyTo,
		jsonOrNil(msg.FileData), jsonOrNil(msg.ImageData),
		jsonOrNil(msg.VoiceData), jsonOrNil(msg.CodeData),
		msg.EditedAt, msg.Timestamp)
	if err != nil {
		return storeErr("save message", err)
	}
	return nil
}

func (s *Postgres) GetMessages(ctx context.Context, roomID types.RoomIDType, limit int, before string) ([]*types.ChatMessage, error) {
	query := `
		SELECT id, sender_id, sender_name, sender_role, type, content,
		       mentions_json, mentions_ai, COALESCE(reply_to, ''),
		       file_data_json, image_data_json, voice_data_json, code_data_json,
		       COALESCE(edited_at, ''), timestamp
		FROM messages WHERE session_id = $1`
	args := []any{string(roomID)}
	if before != "" {
		query += ` AND timestamp < $2`
		args = append(args, before)
	}
	query += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("get messages", err)
	}
	defer rows.Close()

	var out []*types.ChatMessage
	for rows.Next() {
		msg := &types.ChatMessage{RoomID: roomID}
		var mentions, fileData, imageData, voiceData, codeData []byte
		if err := rows.Scan(
			&msg.ID, &msg.SenderID, &msg.SenderName, &msg.SenderRole,
			&msg.Type, &msg.Content, &mentions, &msg.MentionsAI, &msg.ReplyTo,
			&fileData, &imageData, &voiceData, &codeData,
			&msg.EditedAt, &msg.Timestamp,
		); err != nil {
			return nil, storeErr("scan message", err)
		}
		if len(mentions) > 0 {
			_ = json.Unmarshal(mentions, &msg.Mentions)
		}
		unmarshalInto(fileData, &msg.FileData)
		unmarshalInto(imageData, &msg.ImageData)
		unmarshalInto(voiceData, &msg.VoiceData)
		unmarshalInto(codeData, &msg.CodeData)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get messages", err)
	}
	return out, nil
}

func (s *Postgres) UpdateMessageContent(ctx context.Context, roomID types.RoomIDType, messageID, content, editedAt string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET content = $3, edited_at = $4
		WHERE session_id = $1 AND id = $2`,
		string(roomID), messageID, content, editedAt)
	if err != nil {
		return storeErr("update message", err)
	}
	return nil
}

func (s *Postgres) DeleteMessage(ctx context.Context, roomID types.RoomIDType, messageID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE session_id = $1 AND id = $2`,
		string(roomID), messageID)
	if err != nil {
		return storeErr("delete message", err)
	}
	return nil
}

func (s *Postgres) ClearRoomMessages(ctx context.Context, roomID types.RoomIDType) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE session_id = $1`, string(roomID))
	if err != nil {
		return storeErr("clear messages", err)
	}
	return nil
}

func (s *Postgres) SaveParticipant(ctx context.Context, p *types.ParticipantRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participants (id, session_id, name, role, status, joined_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id, session_id) DO UPDATE SET
			name = EXCLUDED.name, role = EXCLUDED.role,
			status = EXCLUDED.status, last_seen = EXCLUDED.last_seen`,
		string(p.ID), string(p.RoomID), string(p.Name), string(p.Role),
		p.Status, p.JoinedAt, p.LastSeen)
	if err != nil {
		return storeErr("save participant", err)
	}
	return nil
}

func (s *Postgres) UpdateParticipantStatus(ctx context.Context, roomID types.RoomIDType, id types.ClientIDType, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE participants SET status = $3, last_seen = now()
		WHERE session_id = $1 AND id = $2`,
		string(roomID), string(id), status)
	if err != nil {
		return storeErr("update participant status", err)
	}
	return nil
}

func (s *Postgres) SaveFileMetadata(ctx context.Context, f *types.FileRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO files (id, session_id, message_id, file_name, file_size,
			mime_type, blob_url, blob_key, uploaded_by, uploaded_at)
		VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			file_name = EXCLUDED.file_name, blob_url = EXCLUDED.blob_url,
			blob_key = EXCLUDED.blob_key`,
		f.ID, string(f.RoomID), f.MessageID, f.FileName, f.FileSize,
		f.MimeType, f.BlobURL, f.BlobKey, string(f.UploadedBy), f.UploadedAt)
	if err != nil {
		return storeErr("save file metadata", err)
	}
	return nil
}

const fileColumns = `id, session_id, COALESCE(message_id, ''), file_name,
	file_size, mime_type, blob_url, blob_key, uploaded_by, uploaded_at`

func scanFile(row pgx.Row) (*types.FileRecord, error) {
	f := &types.FileRecord{}
	err := row.Scan(&f.ID, &f.RoomID, &f.MessageID, &f.FileName, &f.FileSize,
		&f.MimeType, &f.BlobURL, &f.BlobKey, &f.UploadedBy, &f.UploadedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Postgres) GetFileByID(ctx context.Context, id string) (*types.FileRecord, error) {
	f, err := scanFile(s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get file", err)
	}
	return f, nil
}

func (s *Postgres) GetFileByMessageID(ctx context.Context, messageID string) (*types.FileRecord, error) {
	f, err := scanFile(s.pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM files WHERE message_id = $1`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get file by message", err)
	}
	return f, nil
}

func (s *Postgres) RenameFile(ctx context.Context, id, newName, newKey, newURL string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE files SET file_name = $2, blob_key = $3, blob_url = $4
		WHERE id = $1`,
		id, newName, newKey, newURL)
	if err != nil {
		return storeErr("rename file", err)
	}
	return nil
}

func (s *Postgres) DeleteFile(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	if err != nil {
		return storeErr("delete file", err)
	}
	return nil
}

func (s *Postgres) GetRoomFiles(ctx context.Context, roomID types.RoomIDType) ([]*types.FileRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fileColumns+` FROM files WHERE session_id = $1 ORDER BY uploaded_at DESC`,
		string(roomID))
	if err != nil {
		return nil, storeErr("get room files", err)
	}
	defer rows.Close()

	var out []*types.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, storeErr("scan file", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("get room files", err)
	}
	return out, nil
}

func (s *Postgres) UpsertSummary(ctx context.Context, sum *types.ConversationSummary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_summaries (
			id, session_id, summary, message_count, last_message_id,
			last_message_timestamp, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (session_id) DO UPDATE SET
			summary = EXCLUDED.summary,
			message_count = EXCLUDED.message_count,
			last_message_id = EXCLUDED.last_message_id,
			last_message_timestamp = EXCLUDED.last_message_timestamp,
			updated_at = now()`,
		sum.ID, string(sum.RoomID), sum.Summary, sum.MessageCount,
		sum.LastMessageID, sum.LastMessageAt)
	if err != nil {
		return storeErr("upsert summary", err)
	}
	return nil
}

func (s *Postgres) GetSummary(ctx context.Context, roomID types.RoomIDType) (*types.ConversationSummary, error) {
	sum := &types.ConversationSummary{RoomID: roomID}
	err := s.pool.QueryRow(ctx, `
		SELECT id, summary, message_count, last_message_id,
		       last_message_timestamp, created_at, updated_at
		FROM conversation_summaries WHERE session_id = $1`,
		string(roomID)).Scan(
		&sum.ID, &sum.Summary, &sum.MessageCount, &sum.LastMessageID,
		&sum.LastMessageAt, &sum.CreatedAt, &sum.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get summary", err)
	}
	return sum, nil
}

// jsonOrNil marshals a typed payload pointer, returning nil for nil input so
// the column stays NULL.
func jsonOrNil(v any) []byte {
	if v == nil {
		return nil
	}
	switch p := v.(type) {
	case *types.FileData:
		if p == nil {
			return nil
		}
	case *types.ImageData:
		if p == nil {
			return nil
		}
	case *types.VoiceData:
		if p == nil {
			return nil
		}
	case *types.CodeData:
		if p == nil {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func unmarshalInto[T any](data []byte, dst **T) {
	if len(data) == 0 {
		return
	}
	var v T
	if err := json.Unmarshal(data, &v); err == nil {
		*dst = &v
	}
}
