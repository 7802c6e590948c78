package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatvault/internal/store"
)

type fakeStore struct {
	lexical   []store.ScoredMessage
	vector    []store.ScoredMessage
	vectorErr error
	folders   map[string][]int64

	lexicalScopes []store.Scope
	vectorCalls   int
}

func (f *fakeStore) LexicalSearch(_ context.Context, _ string, scope store.Scope, _ int) ([]store.ScoredMessage, error) {
	f.lexicalScopes = append(f.lexicalScopes, scope)
	return f.lexical, nil
}

func (f *fakeStore) VectorSearch(_ context.Context, _ []float32, _ store.Scope, _ int) ([]store.ScoredMessage, error) {
	f.vectorCalls++
	return f.vector, f.vectorErr
}

func (f *fakeStore) FolderChatIDs(_ context.Context, folder string) ([]int64, error) {
	ids, ok := f.folders[folder]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ids, nil
}

type fakeEmbedder struct {
	dim int
	err error
}

func (f fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, f.dim)
		out[i][0] = 1
	}
	return out, nil
}
func (f fakeEmbedder) Dimensions() int { return f.dim }
func (f fakeEmbedder) Name() string    { return "fake" }
func (f fakeEmbedder) Model() string   { return "fake" }

func msg(chat, id, created int64) store.Message {
	return store.Message{ChatID: chat, MsgID: id, CreatedAt: created, Content: "m"}
}

func scored(m store.Message, s float64) store.ScoredMessage {
	return store.ScoredMessage{Message: m, Score: s}
}

func TestSearchFusion(t *testing.T) {
	a, b, c := msg(1, 10, 100), msg(1, 11, 200), msg(2, 5, 300)
	fs := &fakeStore{
		lexical: []store.ScoredMessage{scored(a, 0.6), scored(b, 0.4)},
		vector:  []store.ScoredMessage{scored(b, 0.5), scored(c, 0.7)},
	}
	r := NewRanker(fs, fakeEmbedder{dim: 3}, Config{FusionBonus: 0.3}, nil, nil)

	page, err := r.Search(context.Background(), Query{Text: "hello", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Hits, 3)
	assert.Equal(t, 3, page.Total)
	assert.True(t, page.Semantic)

	// b: max(0.4, 0.5+0.3) = 0.8, c: 0.7, a: 0.6
	assert.Equal(t, b.Key(), page.Hits[0].Key())
	assert.InDelta(t, 0.8, page.Hits[0].Score, 1e-9)
	assert.Equal(t, SourceBoth, page.Hits[0].Source)
	assert.Equal(t, c.Key(), page.Hits[1].Key())
	assert.Equal(t, SourceVector, page.Hits[1].Source)
	assert.Equal(t, a.Key(), page.Hits[2].Key())
	assert.Equal(t, SourceLexical, page.Hits[2].Source)
}

func TestSearchLexicalKeepsHigherScore(t *testing.T) {
	a := msg(1, 1, 1)
	fs := &fakeStore{
		lexical: []store.ScoredMessage{scored(a, 0.95)},
		vector:  []store.ScoredMessage{scored(a, 0.2)},
	}
	r := NewRanker(fs, fakeEmbedder{dim: 2}, Config{FusionBonus: 0.3}, nil, nil)

	page, err := r.Search(context.Background(), Query{Text: "x", Limit: 5})
	require.NoError(t, err)
	require.Len(t, page.Hits, 1)
	assert.InDelta(t, 0.95, page.Hits[0].Score, 1e-9)
}

func TestSearchSkipsVectorWhenLexicalFillsPage(t *testing.T) {
	fs := &fakeStore{
		lexical: []store.ScoredMessage{scored(msg(1, 1, 1), 0.5), scored(msg(1, 2, 2), 0.5)},
		vector:  []store.ScoredMessage{scored(msg(1, 3, 3), 0.9)},
	}
	r := NewRanker(fs, fakeEmbedder{dim: 2}, Config{}, nil, nil)

	page, err := r.Search(context.Background(), Query{Text: "x", Limit: 2})
	require.NoError(t, err)
	assert.Zero(t, fs.vectorCalls)
	assert.False(t, page.Semantic)
	require.Len(t, page.Hits, 2)
	// Equal scores: newer first.
	assert.Equal(t, int64(2), page.Hits[0].MsgID)
}

func TestSearchVectorFailureFallsBackToLexical(t *testing.T) {
	fs := &fakeStore{
		lexical:   []store.ScoredMessage{scored(msg(1, 1, 1), 0.5)},
		vectorErr: errors.New("no such table"),
	}
	r := NewRanker(fs, fakeEmbedder{dim: 2}, Config{}, nil, nil)

	page, err := r.Search(context.Background(), Query{Text: "x", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, fs.vectorCalls)
	assert.False(t, page.Semantic)
	require.Len(t, page.Hits, 1)
	assert.Equal(t, SourceLexical, page.Hits[0].Source)
}

func TestSearchEmbedFailureFallsBackToLexical(t *testing.T) {
	fs := &fakeStore{lexical: []store.ScoredMessage{scored(msg(1, 1, 1), 0.5)}}
	r := NewRanker(fs, fakeEmbedder{dim: 2, err: errors.New("quota")}, Config{}, nil, nil)

	page, err := r.Search(context.Background(), Query{Text: "x", Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, fs.vectorCalls)
	assert.Len(t, page.Hits, 1)
}

func TestSearchWithoutProvider(t *testing.T) {
	fs := &fakeStore{vector: []store.ScoredMessage{scored(msg(1, 1, 1), 0.9)}}
	r := NewRanker(fs, nil, Config{}, nil, nil)

	page, err := r.Search(context.Background(), Query{Text: "x"})
	require.NoError(t, err)
	assert.Zero(t, fs.vectorCalls)
	assert.Zero(t, page.Total)
	assert.Empty(t, page.Hits)
}

func TestSearchMinSimilarity(t *testing.T) {
	fs := &fakeStore{vector: []store.ScoredMessage{
		scored(msg(1, 1, 1), 0.9),
		scored(msg(1, 2, 2), 0.1),
	}}
	r := NewRanker(fs, fakeEmbedder{dim: 2}, Config{MinSimilarity: 0.5}, nil, nil)

	page, err := r.Search(context.Background(), Query{Text: "x"})
	require.NoError(t, err)
	require.Len(t, page.Hits, 1)
	assert.Equal(t, int64(1), page.Hits[0].MsgID)
	assert.InDelta(t, 0.9, page.Hits[0].Score, 1e-9)
}

func TestSearchNoFloorKeepsRawSimilarity(t *testing.T) {
	fs := &fakeStore{vector: []store.ScoredMessage{
		scored(msg(1, 1, 1), 0.4),
		scored(msg(1, 2, 2), -0.2),
	}}
	r := NewRanker(fs, fakeEmbedder{dim: 2}, Config{}, nil, nil)

	page, err := r.Search(context.Background(), Query{Text: "x"})
	require.NoError(t, err)
	require.Len(t, page.Hits, 2)
	assert.InDelta(t, 0.4, page.Hits[0].Score, 1e-9)
	assert.Equal(t, int64(2), page.Hits[1].MsgID)
	assert.InDelta(t, -0.2, page.Hits[1].Score, 1e-9)
	assert.Equal(t, SourceVector, page.Hits[1].Source)
}

func TestSearchPaging(t *testing.T) {
	var lex []store.ScoredMessage
	for i := int64(1); i <= 7; i++ {
		lex = append(lex, scored(msg(1, i, i), float64(i)/10))
	}
	r := NewRanker(&fakeStore{lexical: lex}, nil, Config{}, nil, nil)

	page, err := r.Search(context.Background(), Query{Text: "x", Limit: 3, Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	require.Len(t, page.Hits, 3)
	assert.Equal(t, []int64{4, 3, 2}, []int64{page.Hits[0].MsgID, page.Hits[1].MsgID, page.Hits[2].MsgID})

	page, err = r.Search(context.Background(), Query{Text: "x", Limit: 3, Offset: 9})
	require.NoError(t, err)
	assert.Equal(t, 7, page.Total)
	assert.Empty(t, page.Hits)
}

func TestSearchScope(t *testing.T) {
	fs := &fakeStore{folders: map[string][]int64{"work": {3, 1}}}
	r := NewRanker(fs, nil, Config{}, nil, nil)

	_, err := r.Search(context.Background(), Query{Text: "x", ChatIDs: []int64{1, 9}, Folder: "work"})
	require.NoError(t, err)
	require.Len(t, fs.lexicalScopes, 1)
	assert.Equal(t, []int64{1, 3, 9}, fs.lexicalScopes[0].ChatIDs)

	_, err = r.Search(context.Background(), Query{Text: "x", Folder: "nope"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSearchEmptyQuery(t *testing.T) {
	r := NewRanker(&fakeStore{}, nil, Config{}, nil, nil)
	_, err := r.Search(context.Background(), Query{Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestSearchSQLite(t *testing.T) {
	db, err := store.Open(t.TempDir() + "/vault.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, db.EnsureChat(ctx, 1))
	require.NoError(t, db.UpsertMessages(ctx, []store.Message{
		{ChatID: 1, MsgID: 1, Type: "text", Content: "deploy the release tonight", CreatedAt: 1000},
		{ChatID: 1, MsgID: 2, Type: "text", Content: "lunch at noon", CreatedAt: 2000},
		{ChatID: 1, MsgID: 3, Type: "text", Content: "the release went fine", CreatedAt: 3000},
	}))
	require.NoError(t, db.UpsertEmbedding(ctx, store.Embedding{ChatID: 1, MsgID: 2, Dimension: 2, Model: "fake", Vector: []float32{1, 0}}))

	r := NewRanker(db, fakeEmbedder{dim: 2}, Config{}, nil, nil)
	page, err := r.Search(ctx, Query{Text: "release", Limit: 10})
	require.NoError(t, err)

	require.Equal(t, 3, page.Total)
	got := map[int64]Source{}
	for _, h := range page.Hits {
		got[h.MsgID] = h.Source
	}
	assert.Equal(t, SourceLexical, got[1])
	assert.Equal(t, SourceLexical, got[3])
	assert.Equal(t, SourceVector, got[2])
	// Query vector [1,0] matches message 2 exactly.
	assert.Equal(t, int64(2), page.Hits[0].MsgID)
}
