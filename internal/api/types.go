package api

import "time"

// Empty is used for requests and responses without fields.
type Empty struct{}

type StatusResponse struct {
	Session           string   `json:"session"`
	State             string   `json:"state"`
	UptimeMs          int64    `json:"uptime_ms"`
	Chats             int      `json:"chats"`
	Messages          int      `json:"messages"`
	RunningJobs       []string `json:"running_jobs"`
	EmbeddingProvider string   `json:"embedding_provider"`
	EmbeddingModel    string   `json:"embedding_model"`
	SchemaVersion     uint     `json:"schema_version"`
}

// SyncRequest starts a sync job for one chat.
type SyncRequest struct {
	ChatID int64 `json:"chat_id"`
	// Method is history or takeout. Empty uses the configured default.
	Method      string `json:"method,omitempty"`
	Incremental bool   `json:"incremental,omitempty"`
	// Resume continues a backfill below the cursor's oldest id.
	Resume    bool     `json:"resume,omitempty"`
	OffsetID  int64    `json:"offset_id,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	MinID     int64    `json:"min_id,omitempty"`
	MaxID     int64    `json:"max_id,omitempty"`
	SinceUnix int64    `json:"since_unix,omitempty"`
	UntilUnix int64    `json:"until_unix,omitempty"`
	Types     []string `json:"types,omitempty"`
}

type EmbedRequest struct {
	ChatID      int64 `json:"chat_id"`
	BatchSize   int   `json:"batch_size,omitempty"`
	Concurrency int   `json:"concurrency,omitempty"`
	Limit       int   `json:"limit,omitempty"`
}

// JobRef names a job.
type JobRef struct {
	JobID string `json:"job_id"`
}

type SearchRequest struct {
	Query  string `json:"query"`
	ChatID int64  `json:"chat_id,omitempty"`
	Folder string `json:"folder,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

type SearchHit struct {
	ChatID    int64   `json:"chat_id"`
	MsgID     int64   `json:"msg_id"`
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	MediaRef  string  `json:"media_ref,omitempty"`
	CreatedAt int64   `json:"created_at"`
	Score     float64 `json:"score"`
	Source    string  `json:"source"`
}

type SearchResponse struct {
	Hits     []SearchHit `json:"hits"`
	Total    int         `json:"total"`
	Semantic bool        `json:"semantic"`
}

type ListJobsRequest struct {
	Limit int `json:"limit,omitempty"`
}

type Job struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Params     string `json:"params"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Total      int    `json:"total"`
	Processed  int    `json:"processed"`
	Failed     int    `json:"failed"`
	Error      string `json:"error,omitempty"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`
	// Metadata is the outcome metadata of jobs finished since the daemon
	// started, such as wait_seconds after a rate limit.
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ListJobsResponse struct {
	Jobs []Job `json:"jobs"`
}

// ChatRef names a chat.
type ChatRef struct {
	ChatID int64 `json:"chat_id"`
}

type CursorResponse struct {
	Found           bool  `json:"found"`
	ChatID          int64 `json:"chat_id"`
	LastMessageID   int64 `json:"last_message_id"`
	LastSyncTime    int64 `json:"last_sync_time"`
	OldestMessageID int64 `json:"oldest_message_id"`
	HistoryComplete bool  `json:"history_complete"`
}

type RemoveChatResponse struct {
	Removed bool `json:"removed"`
}

type FolderRequest struct {
	Folder  string  `json:"folder"`
	ChatIDs []int64 `json:"chat_ids"`
}

type Chat struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Kind      string `json:"kind"`
	Messages  int    `json:"messages"`
	UpdatedAt int64  `json:"updated_at"`
}

type ListChatsResponse struct {
	Chats []Chat `json:"chats"`
}

// WatchRequest filters the progress stream. An empty JobID streams every job
// until the client disconnects; otherwise the stream ends after the job's
// terminal event.
type WatchRequest struct {
	JobID string `json:"job_id,omitempty"`
}

type ProgressEvent struct {
	JobID     string         `json:"job_id"`
	Job       string         `json:"job"`
	Percent   int            `json:"percent"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Status    string         `json:"status"`
	Result    string         `json:"result,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Terminal reports whether e is the last event of its job.
func (e ProgressEvent) Terminal() bool {
	return e.Status == "completed" || e.Status == "failed"
}
