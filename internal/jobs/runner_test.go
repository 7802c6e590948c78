package jobs

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatvault/internal/progress"
	"github.com/matheus3301/chatvault/internal/remote"
	"github.com/matheus3301/chatvault/internal/store"
)

type events struct {
	mu  gosync.Mutex
	all []progress.Event
}

func (e *events) Report(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, evt)
}

func (e *events) last() progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.all[len(e.all)-1]
}

func newRunner(t *testing.T, opts ...Option) (*Runner, *store.DB, *events) {
	t.Helper()
	db, err := store.Open(t.TempDir() + "/vault.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate()
	require.NoError(t, err)

	ev := &events{}
	r := New(db, ev, opts...)
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r, db, ev
}

func wait(t *testing.T, r *Runner, id string) {
	t.Helper()
	select {
	case <-r.Done(id):
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish", id)
	}
}

func TestRunnerSuccess(t *testing.T) {
	r, _, ev := newRunner(t)
	ctx := context.Background()

	id, err := r.Start(ctx, Spec{Kind: progress.JobSync, Params: map[string]any{"chat_id": 5}}, func(ctx context.Context, tr *progress.Tracker) (progress.Summary, error) {
		tr.Progress(50, "half", nil)
		return progress.Summary{Total: 10, Processed: 10}, nil
	})
	require.NoError(t, err)
	wait(t, r, id)

	last := ev.last()
	assert.Equal(t, id, last.JobID)
	assert.Equal(t, progress.StatusCompleted, last.Status)
	assert.Equal(t, progress.ResultSuccess, last.Result)
	assert.Equal(t, 100, last.Percent)

	rec, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, "success", rec.Result)
	assert.Equal(t, 10, rec.Processed)
	assert.JSONEq(t, `{"chat_id":5}`, rec.Params)
	assert.NotZero(t, rec.FinishedAt)
}

func TestRunnerPartial(t *testing.T) {
	r, _, ev := newRunner(t)
	id, err := r.Start(context.Background(), Spec{Kind: progress.JobEmbed}, func(context.Context, *progress.Tracker) (progress.Summary, error) {
		return progress.Summary{Total: 30, Processed: 20, Failed: 10}, nil
	})
	require.NoError(t, err)
	wait(t, r, id)

	last := ev.last()
	assert.Equal(t, progress.StatusCompleted, last.Status)
	assert.Equal(t, progress.ResultPartial, last.Result)
	assert.Equal(t, 10, last.Metadata["failed"])
}

func TestRunnerRateLimited(t *testing.T) {
	var outcomes []Outcome
	r, _, ev := newRunner(t, WithFinishHook(func(o Outcome) { outcomes = append(outcomes, o) }))

	rl := &remote.RateLimitedError{Wait: 42 * time.Second, Method: "messages.getHistory"}
	id, err := r.Start(context.Background(), Spec{Kind: progress.JobSync}, func(context.Context, *progress.Tracker) (progress.Summary, error) {
		return progress.Summary{Processed: 80, Metadata: map[string]any{"resume_offset_id": int64(121)}}, fmt.Errorf("fetch: %w", rl)
	})
	require.NoError(t, err)
	wait(t, r, id)

	last := ev.last()
	assert.Equal(t, progress.StatusFailed, last.Status)
	assert.Equal(t, progress.ResultAborted, last.Result)
	assert.Equal(t, 42, last.Metadata["wait_seconds"])
	assert.Equal(t, int64(121), last.Metadata["resume_offset_id"])

	require.Len(t, outcomes, 1)
	assert.Equal(t, progress.ResultAborted, outcomes[0].Summary.Result)

	rec, err := r.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "aborted", rec.Result)
	assert.Contains(t, rec.Error, "fetch")
}

func TestRunnerAuthIsFatal(t *testing.T) {
	r, _, ev := newRunner(t)
	id, err := r.Start(context.Background(), Spec{Kind: progress.JobSync}, func(context.Context, *progress.Tracker) (progress.Summary, error) {
		return progress.Summary{}, remote.ErrAuthExpired
	})
	require.NoError(t, err)
	wait(t, r, id)

	last := ev.last()
	assert.Equal(t, progress.ResultFatal, last.Result)
	assert.Equal(t, true, last.Metadata["auth_required"])
}

func TestRunnerCancel(t *testing.T) {
	r, _, ev := newRunner(t)
	ctx := context.Background()
	started := make(chan struct{})

	id, err := r.Start(ctx, Spec{Kind: progress.JobSync}, func(ctx context.Context, _ *progress.Tracker) (progress.Summary, error) {
		close(started)
		<-ctx.Done()
		return progress.Summary{}, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	require.NoError(t, r.Cancel(ctx, id))
	wait(t, r, id)

	assert.Equal(t, progress.ResultAborted, ev.last().Result)
	assert.ErrorIs(t, r.Cancel(ctx, id), ErrNotRunning)
	assert.ErrorIs(t, r.Cancel(ctx, "missing"), ErrNotFound)
}

func TestRunnerKeyIsExclusive(t *testing.T) {
	r, _, _ := newRunner(t)
	ctx := context.Background()
	release := make(chan struct{})

	id, err := r.Start(ctx, Spec{Kind: progress.JobSync, Key: "chat:1"}, func(context.Context, *progress.Tracker) (progress.Summary, error) {
		<-release
		return progress.Summary{}, nil
	})
	require.NoError(t, err)

	_, err = r.Start(ctx, Spec{Kind: progress.JobSync, Key: "chat:1"}, func(context.Context, *progress.Tracker) (progress.Summary, error) {
		return progress.Summary{}, nil
	})
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, r.Busy("chat:1"))
	assert.False(t, r.Busy("chat:2"))

	close(release)
	wait(t, r, id)
	assert.False(t, r.Busy("chat:1"))

	other, err := r.Start(ctx, Spec{Kind: progress.JobSync, Key: "chat:1"}, func(context.Context, *progress.Tracker) (progress.Summary, error) {
		return progress.Summary{}, nil
	})
	require.NoError(t, err)
	wait(t, r, other)
}

func TestRunnerPanicIsFatal(t *testing.T) {
	r, _, ev := newRunner(t)
	id, err := r.Start(context.Background(), Spec{Kind: progress.JobEmbed}, func(context.Context, *progress.Tracker) (progress.Summary, error) {
		panic("boom")
	})
	require.NoError(t, err)
	wait(t, r, id)
	assert.Equal(t, progress.ResultFatal, ev.last().Result)
}

func TestRunnerShutdown(t *testing.T) {
	r, _, _ := newRunner(t)
	id, err := r.Start(context.Background(), Spec{Kind: progress.JobSync}, func(ctx context.Context, _ *progress.Tracker) (progress.Summary, error) {
		<-ctx.Done()
		return progress.Summary{}, ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	wait(t, r, id)

	_, err = r.Start(context.Background(), Spec{Kind: progress.JobSync}, nil)
	assert.ErrorIs(t, err, ErrClosed)

	jobs, err := r.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "aborted", jobs[0].Result)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		sum  progress.Summary
		err  error
		want progress.Result
	}{
		{"success", progress.Summary{Total: 3, Processed: 3}, nil, progress.ResultSuccess},
		{"partial", progress.Summary{Total: 3, Processed: 2, Failed: 1}, nil, progress.ResultPartial},
		{"canceled", progress.Summary{}, context.Canceled, progress.ResultAborted},
		{"rate limited", progress.Summary{}, &remote.RateLimitedError{Wait: time.Second}, progress.ResultAborted},
		{"auth", progress.Summary{}, remote.ErrAuthExpired, progress.ResultFatal},
		{"other", progress.Summary{}, errors.New("disk"), progress.ResultFatal},
		{"explicit fatal", progress.Summary{Result: progress.ResultFatal}, nil, progress.ResultFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.sum, tt.err).Result)
		})
	}
}
