package store

import (
	"context"
	"math"
	"slices"
	"strings"
	"unicode"
)

// LexicalSearch runs a full-text query over message content. Scores are
// derived from FTS5 bm25 and mapped to [0, 1), higher is better.
func (db *DB) LexicalSearch(ctx context.Context, query string, scope Scope, limit int) ([]ScoredMessage, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.chat_id, m.msg_id, m.type, m.content, m.media_ref, m.created_at,
		       bm25(messages_fts)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		WHERE messages_fts MATCH ?`
	args := []any{match}
	if in, inArgs := inClause(scope.ChatIDs); in != "" {
		q += ` AND m.chat_id IN ` + in
		args = append(args, inArgs...)
	}
	q += ` ORDER BY bm25(messages_fts), m.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ScoredMessage
	for rows.Next() {
		var rank float64
		m, err := scanMessage(rows, &rank)
		if err != nil {
			return nil, err
		}
		r := math.Abs(rank)
		out = append(out, ScoredMessage{Message: m, Score: r / (1 + r)})
	}
	return out, rows.Err()
}

// VectorSearch scores every stored vector of matching dimension in scope by
// cosine similarity against vec and returns the best limit hits.
func (db *DB) VectorSearch(ctx context.Context, vec []float32, scope Scope, limit int) ([]ScoredMessage, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.chat_id, m.msg_id, m.type, m.content, m.media_ref, m.created_at, e.vec
		FROM embeddings e
		JOIN messages m ON m.chat_id = e.chat_id AND m.msg_id = e.msg_id
		WHERE e.dimension = ?`
	args := []any{len(vec)}
	if in, inArgs := inClause(scope.ChatIDs); in != "" {
		q += ` AND e.chat_id IN ` + in
		args = append(args, inArgs...)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ScoredMessage
	for rows.Next() {
		var blob []byte
		m, err := scanMessage(rows, &blob)
		if err != nil {
			return nil, err
		}
		stored, err := DecodeVector(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredMessage{Message: m, Score: CosineSimilarity(vec, stored)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(out, func(a, b ScoredMessage) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return CompareNewest(a.Message, b.Message)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CompareNewest orders newer messages first, then by chat id ascending and
// message id descending.
func CompareNewest(a, b Message) int {
	switch {
	case a.CreatedAt != b.CreatedAt:
		if a.CreatedAt > b.CreatedAt {
			return -1
		}
		return 1
	case a.ChatID != b.ChatID:
		if a.ChatID < b.ChatID {
			return -1
		}
		return 1
	case a.MsgID != b.MsgID:
		if a.MsgID > b.MsgID {
			return -1
		}
		return 1
	}
	return 0
}

// ftsQuery turns free text into an FTS5 query matching any of its words.
// Words are quoted so FTS5 operators in user input are taken literally.
func ftsQuery(q string) string {
	words := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		return ""
	}
	for i, w := range words {
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " OR ")
}

func inClause(ids []int64) (string, []any) {
	if len(ids) == 0 {
		return "", nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")", args
}
