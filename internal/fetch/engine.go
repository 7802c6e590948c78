// Package fetch walks a chat's remote history backward and yields its
// messages as a lazy, cancelable stream.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/matheus3301/chatvault/internal/metrics"
	"github.com/matheus3301/chatvault/internal/remote"
	"github.com/matheus3301/chatvault/internal/retry"
	"github.com/matheus3301/chatvault/internal/store"
	"github.com/matheus3301/chatvault/internal/takeout"
)

// DefaultPageSize is the number of messages requested per page.
const DefaultPageSize = 100

// ErrTakeoutUnavailable is returned for takeout fetches on an engine built
// without a takeout manager.
var ErrTakeoutUnavailable = errors.New("fetch: takeout not configured")

// Method selects the retrieval strategy.
type Method string

const (
	MethodHistory Method = "history"
	MethodTakeout Method = "takeout"
)

// ParseMethod validates a method name. Empty selects MethodHistory.
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case "":
		return MethodHistory, nil
	case MethodHistory, MethodTakeout:
		return m, nil
	default:
		return "", fmt.Errorf("fetch: unknown method %q", s)
	}
}

// Cursors is the sync cursor store as seen by the engine.
type Cursors interface {
	Get(ctx context.Context, chatID int64) (*store.SyncCursor, error)
	Set(ctx context.Context, chatID, lastMessageID int64, syncTime time.Time) error
	MarkBackfill(ctx context.Context, chatID, oldestID int64, complete bool) error
}

// Options select what a fetch yields. Id bounds are inclusive, zero values
// mean unbounded.
type Options struct {
	ChatID    int64
	Method    Method
	StartTime time.Time
	EndTime   time.Time
	MinID     int64
	MaxID     int64
	Types     []remote.MessageType
	// Limit caps the number of yielded messages. Zero means unbounded.
	Limit int
	// Incremental raises MinID above the chat's stored cursor.
	Incremental bool
	// OffsetID resumes a walk strictly below this id.
	OffsetID int64
	PageSize int
}

func (o Options) filtered() bool {
	return len(o.Types) > 0 || !o.StartTime.IsZero() || !o.EndTime.IsZero() || o.MaxID > 0
}

func (o Options) keep(m remote.Message) bool {
	switch {
	case m.Type == remote.TypeEmpty:
		return false
	case o.MinID > 0 && m.ID < o.MinID, o.MaxID > 0 && m.ID > o.MaxID:
		return false
	case !o.EndTime.IsZero() && m.Date.After(o.EndTime):
		return false
	case len(o.Types) > 0 && !slices.Contains(o.Types, m.Type):
		return false
	}
	return true
}

// Stats describes a walk in progress or finished.
type Stats struct {
	Pages      int
	Scanned    int
	Yielded    int
	Skipped    int
	Duplicates int
	// Offset is the pagination cursor: the id the next page would start below.
	Offset    int64
	HighestID int64
	LowestID  int64
	MinID     int64
	Exhausted bool
	TakeoutID int64
}

// Config configures an Engine.
type Config struct {
	PageSize int
	Retry    retry.Policy
	Limiter  *rate.Limiter
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Engine produces fetch runs. It is safe for concurrent use.
type Engine struct {
	history  remote.HistoryProvider
	takeout  *takeout.Manager
	cursors  Cursors
	retry    retry.Policy
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	pageSize int
}

// NewEngine creates an Engine. tm and cursors may be nil.
func NewEngine(history remote.HistoryProvider, tm *takeout.Manager, cursors Cursors, cfg Config) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = remote.Retryable
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		history:  history,
		takeout:  tm,
		cursors:  cursors,
		retry:    cfg.Retry,
		limiter:  cfg.Limiter,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		pageSize: cfg.PageSize,
	}
}

// WithCursors returns a copy of e that reads and advances c instead of its
// own cursor store.
func (e *Engine) WithCursors(c Cursors) *Engine {
	cp := *e
	cp.cursors = c
	return &cp
}

// Run is one fetch. Nothing is requested until Messages is ranged over.
type Run struct {
	e    *Engine
	ctx  context.Context
	opts Options

	mu    sync.Mutex
	stats Stats
}

// Fetch prepares a fetch of opts.ChatID.
func (e *Engine) Fetch(ctx context.Context, opts Options) *Run {
	return &Run{e: e, ctx: ctx, opts: opts}
}

// Stats returns a snapshot of the current walk.
func (r *Run) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Run) update(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}

// Messages returns the message stream, newest first with strictly decreasing
// ids. A failure ends the stream with a single (zero Message, err) pair.
// Breaking out of the range stops the walk and releases any takeout session.
// Every range starts a fresh walk.
func (r *Run) Messages() iter.Seq2[store.Message, error] {
	return func(yield func(store.Message, error) bool) {
		r.update(func(s *Stats) { *s = Stats{} })
		if err := r.walk(r.ctx, yield); err != nil {
			yield(store.Message{}, err)
		}
	}
}

func (r *Run) resolve(ctx context.Context) (Options, error) {
	o := r.opts
	if o.PageSize <= 0 {
		o.PageSize = r.e.pageSize
	}
	if o.Method == "" {
		o.Method = MethodHistory
	}
	if o.Limit < 0 {
		o.Limit = 0
	}
	if o.Incremental && r.e.cursors != nil {
		c, err := r.e.cursors.Get(ctx, o.ChatID)
		if err != nil {
			return o, fmt.Errorf("read sync cursor: %w", err)
		}
		if c != nil && c.LastMessageID > 0 {
			o.MinID = max(o.MinID, c.LastMessageID+1)
		}
	}
	return o, nil
}

func (r *Run) walk(ctx context.Context, yield func(store.Message, error) bool) (err error) {
	o, err := r.resolve(ctx)
	if err != nil {
		return err
	}
	r.update(func(s *Stats) { s.MinID = o.MinID; s.Offset = o.OffsetID })
	if o.MaxID > 0 && o.MinID > o.MaxID {
		return nil
	}
	log := r.e.logger.With(zap.Int64("chat_id", o.ChatID), zap.String("method", string(o.Method)))

	stopped := false
	var source PageSource
	switch o.Method {
	case MethodHistory:
		if r.e.history == nil {
			return errors.New("fetch: history provider not configured")
		}
		source = r.e.history.GetHistoryPage
	case MethodTakeout:
		if r.e.takeout == nil {
			return ErrTakeoutUnavailable
		}
		sess, oerr := r.e.takeout.Open(ctx)
		if oerr != nil {
			return oerr
		}
		r.update(func(s *Stats) { s.TakeoutID = sess.ID })
		// Runs before the caller sees any error from this walk. err is the
		// walk's result, so a failed walk aborts the export.
		defer func() {
			if ferr := sess.Finish(ctx, err == nil && !stopped); ferr != nil {
				log.Warn("takeout finish failed", zap.Error(ferr))
			}
		}()
		source = sess.Query
	default:
		return fmt.Errorf("fetch: unknown method %q", o.Method)
	}
	source = r.e.retrying(source, log)

	var minExcl, maxExcl int64
	if o.MinID > 1 {
		minExcl = o.MinID - 1
	}
	if o.MaxID > 0 {
		maxExcl = o.MaxID + 1
	}
	pg := NewPaginator(source, o.ChatID, o.PageSize, o.OffsetID, minExcl, maxExcl)

	prev := o.OffsetID
	yielded := 0
	var highest int64
	natural := true

	for !pg.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.e.limiter != nil {
			if err := r.e.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		want := 0
		if o.Limit > 0 {
			want = o.Limit - yielded
		}
		page, err := pg.Next(ctx, want)
		if err != nil {
			if _, ok := remote.AsRateLimited(err); ok {
				r.e.metrics.RateLimited()
			}
			return fmt.Errorf("fetch chat %d below %d: %w", o.ChatID, pg.Offset(), err)
		}
		r.e.metrics.PageFetched(string(o.Method), len(page))

		var lastRaw int64
		var skipped, dups int
		stop := false
		for _, m := range page {
			lastRaw = m.ID
			if prev > 0 && m.ID >= prev {
				dups++
				continue
			}
			if !o.StartTime.IsZero() && m.Date.Before(o.StartTime) {
				// Everything further back is older still.
				stop = true
				break
			}
			if !o.keep(m) {
				skipped++
				continue
			}
			if !yield(toStore(o.ChatID, m), nil) {
				stopped = true
				return nil
			}
			prev = m.ID
			yielded++
			highest = max(highest, m.ID)
			r.update(func(s *Stats) {
				s.Yielded = yielded
				s.HighestID = highest
				s.LowestID = m.ID
			})
			if o.Limit > 0 && yielded >= o.Limit {
				stop = true
				break
			}
		}

		if stop && o.Limit > 0 && yielded >= o.Limit {
			pg.Advance(prev)
		} else {
			pg.Advance(lastRaw)
		}
		r.update(func(s *Stats) {
			s.Pages = pg.Pages()
			s.Scanned += len(page)
			s.Skipped += skipped
			s.Duplicates += dups
			s.Offset = pg.Offset()
		})

		// The page is fully consumed: the cursor may advance.
		oldest := lastRaw
		if oldest == 0 {
			oldest = pg.Offset()
		}
		if err := r.checkpoint(ctx, o, highest, oldest, pg.Done() && !stop); err != nil {
			return err
		}
		if stop {
			natural = false
			pg.Stop()
		}
	}

	r.update(func(s *Stats) { s.Exhausted = natural })
	if err := r.checkpoint(ctx, o, highest, 0, false); err != nil {
		return err
	}
	log.Debug("fetch finished",
		zap.Int("yielded", yielded),
		zap.Int("pages", pg.Pages()),
		zap.Bool("exhausted", natural))
	return nil
}

// checkpoint records progress after a consumed page. oldest is the last raw
// id of the page; complete marks that the walk reached the start of history.
func (r *Run) checkpoint(ctx context.Context, o Options, highest, oldest int64, complete bool) error {
	c := r.e.cursors
	if c == nil {
		return nil
	}
	if err := c.Set(ctx, o.ChatID, highest, time.Now()); err != nil {
		return fmt.Errorf("advance sync cursor: %w", err)
	}
	if oldest > 0 && !o.filtered() {
		if err := c.MarkBackfill(ctx, o.ChatID, oldest, complete && o.MinID == 0); err != nil {
			return fmt.Errorf("mark backfill: %w", err)
		}
	}
	return nil
}

func (e *Engine) retrying(src PageSource, log *zap.Logger) PageSource {
	p := e.retry
	p.OnRetry = func(err error, attempt int, wait time.Duration) {
		log.Warn("page fetch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	return func(ctx context.Context, req remote.PageRequest) ([]remote.Message, error) {
		return retry.Do(ctx, p, func(ctx context.Context) ([]remote.Message, error) {
			return src(ctx, req)
		})
	}
}

func toStore(chatID int64, m remote.Message) store.Message {
	return store.Message{
		ChatID:    chatID,
		MsgID:     m.ID,
		Type:      string(m.Type),
		Content:   m.Text,
		MediaRef:  m.MediaRef,
		CreatedAt: m.Date.UnixMilli(),
	}
}
