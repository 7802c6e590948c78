package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// FindMessagesMissingEmbedding returns messages of a chat that have no vector
// of the given dimension, newest first. limit <= 0 returns all.
func (db *DB) FindMessagesMissingEmbedding(ctx context.Context, chatID int64, dimension, limit int) ([]Message, error) {
	q := `
		SELECT ` + messageCols + ` FROM messages m
		WHERE m.chat_id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM embeddings e
			WHERE e.chat_id = m.chat_id AND e.msg_id = m.msg_id AND e.dimension = ?)
		ORDER BY m.msg_id DESC`
	args := []any{chatID, dimension}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

const upsertEmbeddingSQL = `
	INSERT INTO embeddings (chat_id, msg_id, dimension, model, vec, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(chat_id, msg_id, dimension) DO UPDATE SET
		model = excluded.model,
		vec = excluded.vec,
		created_at = excluded.created_at`

// UpsertEmbedding stores one vector, replacing any previous vector of the same
// dimension.
func (db *DB) UpsertEmbedding(ctx context.Context, e Embedding) error {
	if err := validEmbedding(e); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, upsertEmbeddingSQL,
		e.ChatID, e.MsgID, e.Dimension, e.Model, EncodeVector(e.Vector), time.Now().UnixMilli())
	return err
}

// UpsertEmbeddings stores several vectors in one transaction.
func (db *DB) UpsertEmbeddings(ctx context.Context, embs []Embedding) error {
	if len(embs) == 0 {
		return nil
	}
	for _, e := range embs {
		if err := validEmbedding(e); err != nil {
			return err
		}
	}
	now := time.Now().UnixMilli()
	return db.withTx(ctx, func(tx *sql.Tx) error {
		for _, e := range embs {
			if _, err := tx.ExecContext(ctx, upsertEmbeddingSQL,
				e.ChatID, e.MsgID, e.Dimension, e.Model, EncodeVector(e.Vector), now); err != nil {
				return fmt.Errorf("upsert embedding %d/%d: %w", e.ChatID, e.MsgID, err)
			}
		}
		return nil
	})
}

// CountEmbeddings returns the number of vectors of a dimension stored for a chat.
func (db *DB) CountEmbeddings(ctx context.Context, chatID int64, dimension int) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings WHERE chat_id = ? AND dimension = ?`,
		chatID, dimension).Scan(&n)
	return n, err
}

func validEmbedding(e Embedding) error {
	if e.Dimension <= 0 || len(e.Vector) != e.Dimension {
		return fmt.Errorf("embedding %d/%d: vector length %d does not match dimension %d",
			e.ChatID, e.MsgID, len(e.Vector), e.Dimension)
	}
	return nil
}

// EncodeVector serializes a vector as little-endian float32s.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("decode vector: %d bytes is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
