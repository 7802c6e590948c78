// Package jobs runs long operations in the background and records their
// outcome.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatvault/internal/metrics"
	"github.com/matheus3301/chatvault/internal/progress"
	"github.com/matheus3301/chatvault/internal/remote"
	"github.com/matheus3301/chatvault/internal/store"
)

var (
	ErrNotFound   = errors.New("job not found")
	ErrNotRunning = errors.New("job is not running")
	ErrBusy       = errors.New("a job holding the same key is already running")
	ErrClosed     = errors.New("job runner is shut down")
)

// Func is the body of a job. It reports intermediate progress on tr and
// returns a summary; the runner emits the terminal event.
type Func func(ctx context.Context, tr *progress.Tracker) (progress.Summary, error)

// Spec describes a job to start.
type Spec struct {
	Kind   progress.JobKind
	Params map[string]any
	// Key, if set, prevents two running jobs with the same key.
	Key string
}

// Outcome is passed to finish hooks.
type Outcome struct {
	JobID   string
	Kind    progress.JobKind
	Summary progress.Summary
	Err     error
}

// Store persists job runs.
type Store interface {
	InsertJobRun(ctx context.Context, j store.JobRun) error
	FinishJobRun(ctx context.Context, j store.JobRun) error
	GetJobRun(ctx context.Context, id string) (store.JobRun, error)
	ListJobRuns(ctx context.Context, limit int) ([]store.JobRun, error)
}

type Option func(*Runner)

func WithMetrics(m *metrics.Metrics) Option { return func(r *Runner) { r.metrics = m } }
func WithLogger(l *zap.Logger) Option       { return func(r *Runner) { r.logger = l } }

// WithFinishHook registers fn to run after every job.
func WithFinishHook(fn func(Outcome)) Option {
	return func(r *Runner) { r.hooks = append(r.hooks, fn) }
}

type running struct {
	spec   Spec
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner executes jobs, one goroutine each.
type Runner struct {
	store    Store
	reporter progress.Reporter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	hooks    []func(Outcome)

	base   context.Context
	stop   context.CancelFunc
	wg     gosync.WaitGroup
	mu     gosync.Mutex
	jobs   map[string]*running
	closed bool
}

// New creates a runner. Events are delivered to rep.
func New(s Store, rep progress.Reporter, opts ...Option) *Runner {
	if rep == nil {
		rep = progress.Discard
	}
	base, stop := context.WithCancel(context.Background())
	r := &Runner{
		store:    s,
		reporter: rep,
		logger:   zap.NewNop(),
		base:     base,
		stop:     stop,
		jobs:     make(map[string]*running),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start records the job and runs fn in the background. ctx only bounds the
// bookkeeping; the job itself lives until it finishes, is canceled, or the
// runner shuts down.
func (r *Runner) Start(ctx context.Context, spec Spec, fn Func) (string, error) {
	params, err := json.Marshal(spec.Params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	if spec.Params == nil {
		params = []byte("{}")
	}

	id := uuid.NewString()
	jobCtx, cancel := context.WithCancel(r.base)
	job := &running{spec: spec, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	if spec.Key != "" {
		for _, other := range r.jobs {
			if other.spec.Key == spec.Key {
				r.mu.Unlock()
				cancel()
				return "", fmt.Errorf("%w: %s", ErrBusy, spec.Key)
			}
		}
	}
	r.jobs[id] = job
	r.wg.Add(1)
	r.mu.Unlock()

	if err := r.store.InsertJobRun(ctx, store.JobRun{
		ID:     id,
		Kind:   string(spec.Kind),
		Params: string(params),
	}); err != nil {
		r.forget(id)
		cancel()
		r.wg.Done()
		return "", fmt.Errorf("record job: %w", err)
	}

	go r.run(jobCtx, id, job, fn)
	return id, nil
}

func (r *Runner) run(ctx context.Context, id string, job *running, fn Func) {
	defer r.wg.Done()
	defer close(job.done)
	defer r.forget(id)
	defer job.cancel()

	done := r.metrics.JobStarted(string(job.spec.Kind))
	defer done()

	log := r.logger.With(zap.String("job_id", id), zap.String("kind", string(job.spec.Kind)))
	log.Info("job started", zap.Any("params", job.spec.Params))

	tr := progress.NewTracker(id, job.spec.Kind, r.reporter)
	tr.Progress(0, "started", job.spec.Params)

	started := time.Now()
	sum, err := r.call(ctx, tr, fn)
	if sum.Duration == 0 {
		sum.Duration = time.Since(started)
	}
	sum = Classify(sum, err)

	status := progress.StatusCompleted
	if err != nil {
		status = progress.StatusFailed
		tr.Fail(sum.Result, err, sum)
		log.Warn("job failed", zap.String("result", string(sum.Result)), zap.Error(err))
	} else {
		tr.Complete(fmt.Sprintf("%s finished", job.spec.Kind), sum)
		log.Info("job finished",
			zap.String("result", string(sum.Result)),
			zap.Int("processed", sum.Processed),
			zap.Int("failed", sum.Failed),
			zap.Duration("duration", sum.Duration))
	}
	if sum.Result == progress.ResultAborted || sum.Result == progress.ResultFatal {
		status = progress.StatusFailed
	}

	rec := store.JobRun{
		ID:        id,
		Status:    string(status),
		Result:    string(sum.Result),
		Total:     sum.Total,
		Processed: sum.Processed,
		Failed:    sum.Failed,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if perr := r.store.FinishJobRun(persistCtx, rec); perr != nil {
		log.Error("record job outcome", zap.Error(perr))
	}

	for _, h := range r.hooks {
		h(Outcome{JobID: id, Kind: job.spec.Kind, Summary: sum, Err: err})
	}
}

// call runs fn and turns a panic into a fatal error.
func (r *Runner) call(ctx context.Context, tr *progress.Tracker, fn Func) (sum progress.Summary, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
			sum.Result = progress.ResultFatal
		}
	}()
	return fn(ctx, tr)
}

// Classify fills the summary's result code from the job's error and counts.
// Rate limits add wait_seconds to the metadata.
func Classify(sum progress.Summary, err error) progress.Summary {
	if sum.Metadata == nil {
		sum.Metadata = map[string]any{}
	}
	switch {
	case err == nil:
		if sum.Result == progress.ResultFatal || sum.Result == progress.ResultAborted {
			return sum
		}
		sum.Result = progress.ResultSuccess
		if sum.Failed > 0 {
			sum.Result = progress.ResultPartial
		}
	case errors.Is(err, context.Canceled):
		sum.Result = progress.ResultAborted
	default:
		if rl, ok := remote.AsRateLimited(err); ok {
			sum.Result = progress.ResultAborted
			sum.Metadata["wait_seconds"] = rl.WaitSeconds()
			sum.Metadata["rate_limited"] = true
			return sum
		}
		sum.Result = progress.ResultFatal
		if remote.IsAuth(err) {
			sum.Metadata["auth_required"] = true
		}
	}
	return sum
}

// Cancel stops a running job.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	r.mu.Lock()
	job, ok := r.jobs[id]
	r.mu.Unlock()
	if ok {
		job.cancel()
		return nil
	}
	if _, err := r.store.GetJobRun(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return ErrNotRunning
}

// Done returns a channel closed when the job is no longer running.
func (r *Runner) Done(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		return job.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Busy reports whether a running job holds key.
func (r *Runner) Busy(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.spec.Key == key {
			return true
		}
	}
	return false
}

// Running returns the ids of jobs in flight.
func (r *Runner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Get returns a recorded job.
func (r *Runner) Get(ctx context.Context, id string) (store.JobRun, error) {
	j, err := r.store.GetJobRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return j, ErrNotFound
	}
	return j, err
}

// List returns the most recent jobs.
func (r *Runner) List(ctx context.Context, limit int) ([]store.JobRun, error) {
	return r.store.ListJobRuns(ctx, limit)
}

// Shutdown cancels every running job and waits for them to record their
// outcome or for ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	waited := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) forget(id string) {
	r.mu.Lock()
	delete(r.jobs, id)
	r.mu.Unlock()
}
