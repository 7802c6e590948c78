// Package progress defines job progress events and result codes.
package progress

import (
	"time"

	"github.com/matheus3301/chatvault/internal/bus"
)

// JobKind names a long-running operation.
type JobKind string

const (
	JobSync   JobKind = "sync"
	JobEmbed  JobKind = "embed"
	JobSearch JobKind = "search"
)

// Status is the lifecycle status carried by an event.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the exit code of a finished batch job.
type Result string

const (
	ResultSuccess Result = "success"
	ResultPartial Result = "partial"
	ResultAborted Result = "aborted"
	ResultFatal   Result = "fatal"
)

// Event is one progress report. The last event of a job has a terminal
// status and a Result.
type Event struct {
	JobID     string
	Job       JobKind
	Percent   int
	Message   string
	Metadata  map[string]any
	Status    Status
	Result    Result
	Timestamp time.Time
}

// Terminal reports whether e ends its job's event stream.
func (e Event) Terminal() bool {
	return e.Status == StatusCompleted || e.Status == StatusFailed
}

// Summary describes a finished job.
type Summary struct {
	Result    Result
	Total     int
	Processed int
	Failed    int
	Duration  time.Duration
	Metadata  map[string]any
}

// Reporter receives progress events.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// Discard drops every event.
var Discard Reporter = ReporterFunc(func(Event) {})

// BusReporter publishes events as bus.KindJobProgress.
type BusReporter struct {
	Bus *bus.Bus
}

func (r BusReporter) Report(e Event) {
	r.Bus.Publish(bus.Event{Kind: bus.KindJobProgress, Timestamp: e.Timestamp, Payload: e})
}

// Percent returns done/total as 0-100. A zero total reports 0.
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	p := done * 100 / total
	return max(0, min(p, 100))
}
