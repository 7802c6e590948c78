package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/metrics"
	"github.com/matheus3301/chatvault/internal/progress"
	"github.com/matheus3301/chatvault/internal/retry"
	"github.com/matheus3301/chatvault/internal/store"
)

const (
	DefaultBatchSize   = 100
	DefaultConcurrency = 8
)

// Store is the persistence the processor needs.
type Store interface {
	FindMessagesMissingEmbedding(ctx context.Context, chatID int64, dimension, limit int) ([]store.Message, error)
	UpsertEmbedding(ctx context.Context, e store.Embedding) error
}

// JobStatus is the outcome of one batch.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobPartial JobStatus = "partial"
	JobFailed  JobStatus = "failed"
)

// Job is one provider call's worth of messages.
type Job struct {
	Batch       []store.Message
	Dimension   int
	Status      JobStatus
	FailedCount int
}

// Options tunes a single EmbedPending run.
type Options struct {
	BatchSize   int
	Concurrency int
	// Limit caps how many pending messages are considered. Zero means all.
	Limit int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

func WithRetry(p retry.Policy) ProcessorOption { return func(pr *Processor) { pr.retry = p } }
func WithMetrics(m *metrics.Metrics) ProcessorOption {
	return func(pr *Processor) { pr.metrics = m }
}
func WithBus(b *bus.Bus) ProcessorOption       { return func(pr *Processor) { pr.bus = b } }
func WithLogger(l *zap.Logger) ProcessorOption { return func(pr *Processor) { pr.logger = l } }
func WithDefaults(o Options) ProcessorOption   { return func(pr *Processor) { pr.defaults = o } }

// Processor embeds messages that have no vector for the provider's dimension.
type Processor struct {
	provider Provider
	store    Store
	retry    retry.Policy
	metrics  *metrics.Metrics
	bus      *bus.Bus
	logger   *zap.Logger
	defaults Options
}

// NewProcessor creates a processor.
func NewProcessor(p Provider, s Store, opts ...ProcessorOption) *Processor {
	pr := &Processor{
		provider: p,
		store:    s,
		retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			Retryable:   IsTransient,
		},
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(pr)
	}
	return pr
}

// Provider returns the configured provider.
func (p *Processor) Provider() Provider { return p.provider }

// EmbedPending embeds every pending message of a chat. A failing batch is
// counted and skipped; the run continues with the next one. The returned
// summary has Processed+Failed == Total unless an error is returned.
func (p *Processor) EmbedPending(ctx context.Context, chatID int64, opts Options, tr *progress.Tracker) (progress.Summary, error) {
	opts = mergeOptions(opts, p.defaults).withDefaults()
	started := time.Now()
	log := p.logger.With(zap.Int64("chat_id", chatID), zap.String("job_id", tr.JobID()))

	dim := p.provider.Dimensions()
	if dim <= 0 {
		return progress.Summary{Result: progress.ResultFatal}, ErrDisabled
	}

	pending, err := p.store.FindMessagesMissingEmbedding(ctx, chatID, dim, opts.Limit)
	if err != nil {
		return progress.Summary{Result: progress.ResultFatal}, fmt.Errorf("find pending: %w", err)
	}

	sum := progress.Summary{
		Result: progress.ResultSuccess,
		Total:  len(pending),
		Metadata: map[string]any{
			"provider":  p.provider.Name(),
			"model":     p.provider.Model(),
			"dimension": dim,
		},
	}
	log.Info("embedding pending messages",
		zap.Int("pending", sum.Total),
		zap.Int("batch_size", opts.BatchSize),
		zap.Int("concurrency", opts.Concurrency))

	for start := 0; start < len(pending); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			sum.Result = progress.ResultAborted
			sum.Duration = time.Since(started)
			return sum, err
		}
		end := min(start+opts.BatchSize, len(pending))
		job := &Job{Batch: pending[start:end], Dimension: dim, Status: JobPending}

		if err := p.runJob(ctx, job, opts.Concurrency, &sum, tr); err != nil {
			sum.Result = progress.ResultAborted
			sum.Duration = time.Since(started)
			return sum, err
		}
		if job.Status != JobDone {
			log.Warn("embedding batch incomplete",
				zap.Int("batch_start", start),
				zap.String("status", string(job.Status)),
				zap.Int("failed", job.FailedCount))
		}
	}

	if sum.Failed > 0 {
		sum.Result = progress.ResultPartial
	}
	sum.Duration = time.Since(started)
	return sum, nil
}

// runJob embeds and persists one batch. Only cancellation is returned as an
// error; everything else is folded into the job and the summary.
func (p *Processor) runJob(ctx context.Context, job *Job, concurrency int, sum *progress.Summary, tr *progress.Tracker) error {
	texts := make([]string, len(job.Batch))
	for i, m := range job.Batch {
		texts[i] = m.Content
	}

	vecs, err := retry.Do(ctx, p.retry, func(ctx context.Context) ([][]float32, error) {
		return p.provider.Embed(ctx, texts)
	})
	if err == nil {
		err = checkVectors(vecs, len(texts), job.Dimension)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		job.Status = JobFailed
		job.FailedCount = len(job.Batch)
		sum.Failed += len(job.Batch)
		p.metrics.EmbeddingsFailed(len(job.Batch))
		p.logger.Warn("embedding batch failed", zap.Int("size", len(job.Batch)), zap.Error(err))
		p.report(tr, sum)
		return nil
	}

	model := p.provider.Model()
	for start := 0; start < len(job.Batch); start += concurrency {
		end := min(start+concurrency, len(job.Batch))
		var stored, failed atomic.Int64
		var g errgroup.Group
		for i := start; i < end; i++ {
			m := job.Batch[i]
			vec := vecs[i]
			g.Go(func() error {
				err := p.store.UpsertEmbedding(ctx, store.Embedding{
					ChatID:    m.ChatID,
					MsgID:     m.MsgID,
					Dimension: job.Dimension,
					Model:     model,
					Vector:    vec,
				})
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed.Add(1)
					p.logger.Warn("store embedding", zap.Int64("msg_id", m.MsgID), zap.Error(err))
					return nil
				}
				stored.Add(1)
				return nil
			})
		}
		werr := g.Wait()

		sum.Processed += int(stored.Load())
		sum.Failed += int(failed.Load())
		job.FailedCount += int(failed.Load())
		p.metrics.EmbeddingsStored(int(stored.Load()))
		p.metrics.EmbeddingsFailed(int(failed.Load()))
		p.publish(job.Batch[0].ChatID, int(stored.Load()), job.Dimension)
		p.report(tr, sum)

		if werr != nil {
			return werr
		}
	}

	switch {
	case job.FailedCount == 0:
		job.Status = JobDone
	case job.FailedCount == len(job.Batch):
		job.Status = JobFailed
	default:
		job.Status = JobPartial
	}
	return nil
}

func (p *Processor) report(tr *progress.Tracker, sum *progress.Summary) {
	done := sum.Processed + sum.Failed
	tr.Progress(progress.Percent(done, sum.Total),
		fmt.Sprintf("embedded %d of %d", done, sum.Total),
		map[string]any{"processed": sum.Processed, "failed": sum.Failed, "total": sum.Total})
}

func (p *Processor) publish(chatID int64, n, dim int) {
	if p.bus == nil || n == 0 {
		return
	}
	p.bus.Publish(bus.Event{
		Kind:    bus.KindEmbeddingsStored,
		Payload: bus.EmbeddingsStored{ChatID: chatID, Count: n, Dimension: dim},
	})
}

func mergeOptions(o, defaults Options) Options {
	if o.BatchSize <= 0 {
		o.BatchSize = defaults.BatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaults.Concurrency
	}
	if o.Limit <= 0 {
		o.Limit = defaults.Limit
	}
	return o
}

// IsDisabled reports whether err means no provider is configured.
func IsDisabled(err error) bool { return errors.Is(err, ErrDisabled) }
