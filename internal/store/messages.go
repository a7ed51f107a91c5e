package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Direction selects the traversal order for cursor-based batch fetches.
type Direction int

const (
	// Ascending walks ids strictly greater than the cursor, oldest first.
	Ascending Direction = iota
	// Descending walks ids at or below the cursor, newest first.
	Descending
)

// Message is a single wall submission. Immutable once approved; only
// approved, non-deleted rows are ever returned to the engine.
type Message struct {
	ID        int64
	Content   string
	Approved  bool
	Deleted   bool
	IPHash    string
	SessionID string
	CreatedAt int64 // unix milliseconds, UTC

	// Embedding is nil when no semantic vector is stored.
	Embedding  []float64
	EmbeddedAt int64
}

// encodeEmbedding converts a []float64 to a binary BLOB (8 bytes per float64).
func encodeEmbedding(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// decodeEmbedding converts a binary BLOB back to []float64.
// A blob that doesn't hold the declared number of dimensions is malformed
// and decodes to nil; the engine treats that as an absent embedding.
func decodeEmbedding(buf []byte, dims int) []float64 {
	if dims <= 0 || len(buf) != dims*8 {
		return nil
	}
	vec := make([]float64, dims)
	for i := 0; i < dims; i++ {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec
}

// InsertMessage persists a new message and, when an embedding is attached,
// its vector row. Sets ID and CreatedAt on the passed message.
func (db *DB) InsertMessage(msg *Message) error {
	now := time.Now().UnixMilli()
	if msg.CreatedAt == 0 {
		msg.CreatedAt = now
	}

	approved := 0
	if msg.Approved {
		approved = 1
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}

	result, err := tx.Exec(`
		INSERT INTO messages (content, approved, deleted, ip_hash, session_id, created_at)
		VALUES (?, ?, 0, NULLIF(?, ''), NULLIF(?, ''), ?)
	`, msg.Content, approved, msg.IPHash, msg.SessionID, msg.CreatedAt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert message: %w", err)
	}

	id, _ := result.LastInsertId()
	msg.ID = id

	if len(msg.Embedding) > 0 {
		if msg.EmbeddedAt == 0 {
			msg.EmbeddedAt = now
		}
		if _, err := tx.Exec(`
			INSERT INTO message_vectors (message_id, embedding, model, dimensions, created_at)
			VALUES (?, ?, '', ?, ?)
		`, id, encodeEmbedding(msg.Embedding), len(msg.Embedding), msg.EmbeddedAt); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert vector: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// SaveEmbedding stores or replaces the embedding for a message.
func (db *DB) SaveEmbedding(messageID int64, embedding []float64, model string) error {
	now := time.Now().UnixMilli()
	blob := encodeEmbedding(embedding)

	_, err := db.Exec(`
		INSERT INTO message_vectors (message_id, embedding, model, dimensions, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET embedding = ?, model = ?, dimensions = ?, created_at = ?
	`, messageID, blob, model, len(embedding), now,
		blob, model, len(embedding), now)
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}
	return nil
}

const visibleMessageColumns = `
	m.id, m.content, m.ip_hash, m.session_id, m.created_at,
	v.embedding, v.dimensions, v.created_at`

// FetchBatchWithCursor returns up to limit approved, non-deleted messages
// relative to cursorID. Descending pulls ids at or below the cursor, newest
// first; Ascending pulls ids strictly greater than the cursor, oldest first.
func (db *DB) FetchBatchWithCursor(cursorID int64, limit int, dir Direction) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	var query string
	switch dir {
	case Descending:
		query = `
			SELECT ` + visibleMessageColumns + `
			FROM messages m
			LEFT JOIN message_vectors v ON v.message_id = m.id
			WHERE m.approved = 1 AND m.deleted = 0 AND m.id <= ?
			ORDER BY m.id DESC LIMIT ?`
	case Ascending:
		query = `
			SELECT ` + visibleMessageColumns + `
			FROM messages m
			LEFT JOIN message_vectors v ON v.message_id = m.id
			WHERE m.approved = 1 AND m.deleted = 0 AND m.id > ?
			ORDER BY m.id ASC LIMIT ?`
	default:
		return nil, fmt.Errorf("fetch batch: unknown direction %d", dir)
	}

	rows, err := db.Query(query, cursorID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch batch: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MaxMessageID returns the highest visible message id, or 0 when the store
// holds no visible messages.
func (db *DB) MaxMessageID() (int64, error) {
	var id int64
	err := db.QueryRow(`
		SELECT COALESCE(MAX(id), 0) FROM messages WHERE approved = 1 AND deleted = 0
	`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("max message id: %w", err)
	}
	return id, nil
}

// MinMessageID returns the lowest visible message id, or 0 when empty.
func (db *DB) MinMessageID() (int64, error) {
	var id int64
	err := db.QueryRow(`
		SELECT COALESCE(MIN(id), 0) FROM messages WHERE approved = 1 AND deleted = 0
	`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("min message id: %w", err)
	}
	return id, nil
}

// MessageCount returns the number of visible messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE approved = 1 AND deleted = 0
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return count, nil
}

// ListMessages returns a newest-first page of visible messages plus the
// total visible count. Serves the public listing endpoint; the engine
// always fetches via FetchBatchWithCursor instead.
func (db *DB) ListMessages(limit, offset int) ([]Message, int64, error) {
	total, err := db.MessageCount()
	if err != nil {
		return nil, 0, err
	}

	rows, err := db.Query(`
		SELECT `+visibleMessageColumns+`
		FROM messages m
		LEFT JOIN message_vectors v ON v.message_id = m.id
		WHERE m.approved = 1 AND m.deleted = 0
		ORDER BY m.id DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	return msgs, total, err
}

// SoftDeleteMessage marks a message deleted without removing the row.
func (db *DB) SoftDeleteMessage(id int64) error {
	_, err := db.Exec("UPDATE messages SET deleted = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("soft delete message %d: %w", id, err)
	}
	return nil
}

// SetApproved flips the approval flag on a message.
func (db *DB) SetApproved(id int64, approved bool) error {
	v := 0
	if approved {
		v = 1
	}
	_, err := db.Exec("UPDATE messages SET approved = ? WHERE id = ?", v, id)
	if err != nil {
		return fmt.Errorf("set approved %d: %w", id, err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		var ipHash, sessionID sql.NullString
		var blob []byte
		var dims sql.NullInt64
		var embeddedAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.Content, &ipHash, &sessionID, &m.CreatedAt,
			&blob, &dims, &embeddedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Approved = true
		m.IPHash = ipHash.String
		m.SessionID = sessionID.String
		if blob != nil && dims.Valid {
			m.Embedding = decodeEmbedding(blob, int(dims.Int64))
			if m.Embedding != nil && embeddedAt.Valid {
				m.EmbeddedAt = embeddedAt.Int64
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
