// Package search ranks archived messages by combining full-text and vector
// similarity results.
package search

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/scylladb/go-set/i64set"
	"go.uber.org/zap"

	"github.com/matheus3301/chatvault/internal/embedding"
	"github.com/matheus3301/chatvault/internal/metrics"
	"github.com/matheus3301/chatvault/internal/store"
)

const (
	DefaultOverFetch   = 1000
	DefaultFusionBonus = 0.3
	DefaultLimit       = 20
)

// ErrEmptyQuery is returned for a query with no searchable text.
var ErrEmptyQuery = errors.New("search: empty query")

// Source tells which retrieval path produced a hit.
type Source string

const (
	SourceLexical Source = "lexical"
	SourceVector  Source = "vector"
	SourceBoth    Source = "both"
)

// Store is the storage the ranker reads.
type Store interface {
	LexicalSearch(ctx context.Context, query string, scope store.Scope, limit int) ([]store.ScoredMessage, error)
	VectorSearch(ctx context.Context, vec []float32, scope store.Scope, limit int) ([]store.ScoredMessage, error)
	FolderChatIDs(ctx context.Context, folder string) ([]int64, error)
}

// Config tunes ranking.
type Config struct {
	// OverFetch is how many candidates each retrieval path returns.
	OverFetch   int
	FusionBonus float64
	// MinSimilarity drops vector hits scoring below it. Zero or less keeps
	// every vector hit at its raw similarity.
	MinSimilarity float64
}

// Query is a single search request. An empty scope searches every chat.
type Query struct {
	Text    string
	ChatIDs []int64
	Folder  string
	Limit   int
	Offset  int
}

// Hit is one ranked message.
type Hit struct {
	store.Message
	Score  float64
	Source Source
}

// Page is one window of ranked results.
type Page struct {
	Hits []Hit
	// Total counts distinct matches before paging.
	Total int
	// Semantic reports whether the vector path contributed.
	Semantic bool
}

// Ranker runs hybrid searches.
type Ranker struct {
	store    Store
	provider embedding.Provider
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewRanker creates a ranker. provider may be nil, in which case searches are
// lexical only.
func NewRanker(s Store, provider embedding.Provider, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Ranker {
	if cfg.OverFetch <= 0 {
		cfg.OverFetch = DefaultOverFetch
	}
	if cfg.FusionBonus < 0 {
		cfg.FusionBonus = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ranker{store: s, provider: provider, cfg: cfg, metrics: m, logger: logger}
}

// Search runs the lexical path, adds the vector path when lexical alone does
// not fill the requested page, and returns the fused window.
func (r *Ranker) Search(ctx context.Context, q Query) (Page, error) {
	started := time.Now()
	if strings.TrimSpace(q.Text) == "" {
		return Page{}, ErrEmptyQuery
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	q.Offset = max(q.Offset, 0)

	scope, err := r.resolveScope(ctx, q)
	if err != nil {
		return Page{}, err
	}

	lexical, err := r.store.LexicalSearch(ctx, q.Text, scope, r.cfg.OverFetch)
	if err != nil {
		return Page{}, fmt.Errorf("lexical search: %w", err)
	}

	hits := make(map[store.Key]*Hit, len(lexical))
	for _, sm := range lexical {
		hits[sm.Message.Key()] = &Hit{Message: sm.Message, Score: sm.Score, Source: SourceLexical}
	}

	var semantic bool
	if len(hits) < q.Limit && r.semanticEnabled() {
		vector, err := r.vectorSearch(ctx, q.Text, scope)
		if err != nil {
			if ctx.Err() != nil {
				return Page{}, ctx.Err()
			}
			r.logger.Warn("vector search failed, returning lexical results", zap.Error(err))
		} else {
			semantic = len(vector) > 0
			r.fuse(hits, vector)
		}
	}

	ranked := make([]Hit, 0, len(hits))
	for _, h := range hits {
		ranked = append(ranked, *h)
	}
	slices.SortFunc(ranked, compareHits)

	page := Page{Total: len(ranked), Semantic: semantic}
	if q.Offset < len(ranked) {
		end := min(q.Offset+q.Limit, len(ranked))
		page.Hits = ranked[q.Offset:end]
	}

	r.metrics.SearchDone(pageSource(lexical, semantic), time.Since(started))
	return page, nil
}

func (r *Ranker) semanticEnabled() bool {
	return r.provider != nil && r.provider.Dimensions() > 0
}

func (r *Ranker) vectorSearch(ctx context.Context, text string, scope store.Scope) ([]store.ScoredMessage, error) {
	vecs, err := r.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}
	res, err := r.store.VectorSearch(ctx, vecs[0], scope, r.cfg.OverFetch)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return res, nil
}

// fuse merges vector hits into hits. A message found by both paths scores
// max(lexical, vector+bonus).
func (r *Ranker) fuse(hits map[store.Key]*Hit, vector []store.ScoredMessage) {
	for _, sm := range vector {
		if r.cfg.MinSimilarity > 0 && sm.Score < r.cfg.MinSimilarity {
			continue
		}
		k := sm.Message.Key()
		if h, ok := hits[k]; ok {
			h.Score = max(h.Score, sm.Score+r.cfg.FusionBonus)
			h.Source = SourceBoth
			continue
		}
		hits[k] = &Hit{Message: sm.Message, Score: sm.Score, Source: SourceVector}
	}
}

func (r *Ranker) resolveScope(ctx context.Context, q Query) (store.Scope, error) {
	ids := i64set.New(q.ChatIDs...)
	if q.Folder != "" {
		folder, err := r.store.FolderChatIDs(ctx, q.Folder)
		if err != nil {
			return store.Scope{}, fmt.Errorf("folder %q: %w", q.Folder, err)
		}
		ids.Add(folder...)
	}
	if ids.IsEmpty() {
		return store.Scope{}, nil
	}
	list := ids.List()
	slices.Sort(list)
	return store.Scope{ChatIDs: list}, nil
}

func compareHits(a, b Hit) int {
	if a.Score != b.Score {
		if a.Score > b.Score {
			return -1
		}
		return 1
	}
	return store.CompareNewest(a.Message, b.Message)
}

func pageSource(lexical []store.ScoredMessage, semantic bool) string {
	switch {
	case len(lexical) > 0 && semantic:
		return string(SourceBoth)
	case semantic:
		return string(SourceVector)
	case len(lexical) > 0:
		return string(SourceLexical)
	}
	return "none"
}
