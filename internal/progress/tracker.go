package progress

import (
	"maps"
	"time"
)

// Tracker emits the events of a single job. A nil *Tracker discards everything.
type Tracker struct {
	jobID   string
	job     JobKind
	rep     Reporter
	started time.Time
	now     func() time.Time
}

// NewTracker starts tracking a job.
func NewTracker(jobID string, job JobKind, rep Reporter) *Tracker {
	if rep == nil {
		rep = Discard
	}
	return &Tracker{jobID: jobID, job: job, rep: rep, started: time.Now(), now: time.Now}
}

// JobID returns the tracked job id.
func (t *Tracker) JobID() string {
	if t == nil {
		return ""
	}
	return t.jobID
}

// Elapsed returns the time since the tracker was created.
func (t *Tracker) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return t.now().Sub(t.started)
}

// Progress reports a running event.
func (t *Tracker) Progress(percent int, msg string, meta map[string]any) {
	if t == nil {
		return
	}
	t.emit(Event{Percent: max(0, min(percent, 100)), Message: msg, Metadata: meta, Status: StatusRunning})
}

// Complete reports the terminal event of a job that ran to its end. Aborted
// and fatal results are reported as failed.
func (t *Tracker) Complete(msg string, s Summary) {
	if t == nil {
		return
	}
	status := StatusCompleted
	if s.Result == ResultAborted || s.Result == ResultFatal {
		status = StatusFailed
	}
	if s.Duration == 0 {
		s.Duration = t.Elapsed()
	}
	t.emit(Event{
		Percent:  100,
		Message:  msg,
		Metadata: summaryMetadata(s),
		Status:   status,
		Result:   s.Result,
	})
}

// Fail reports a terminal failed event carrying err's message.
func (t *Tracker) Fail(result Result, err error, s Summary) {
	if t == nil {
		return
	}
	s.Result = result
	if s.Duration == 0 {
		s.Duration = t.Elapsed()
	}
	t.emit(Event{
		Percent:  progressOf(s),
		Message:  err.Error(),
		Metadata: summaryMetadata(s),
		Status:   StatusFailed,
		Result:   result,
	})
}

func (t *Tracker) emit(e Event) {
	e.JobID = t.jobID
	e.Job = t.job
	e.Timestamp = t.now()
	t.rep.Report(e)
}

func progressOf(s Summary) int {
	return Percent(s.Processed+s.Failed, s.Total)
}

func summaryMetadata(s Summary) map[string]any {
	m := map[string]any{
		"total":       s.Total,
		"processed":   s.Processed,
		"failed":      s.Failed,
		"duration_ms": s.Duration.Milliseconds(),
	}
	maps.Copy(m, s.Metadata)
	return m
}
