package daemon

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatvault/internal/api"
	"github.com/matheus3301/chatvault/internal/config"
	"github.com/matheus3301/chatvault/internal/embedding"
	"github.com/matheus3301/chatvault/internal/fetch"
	"github.com/matheus3301/chatvault/internal/jobs"
	"github.com/matheus3301/chatvault/internal/progress"
	"github.com/matheus3301/chatvault/internal/remote"
	"github.com/matheus3301/chatvault/internal/search"
	"github.com/matheus3301/chatvault/internal/status"
	"github.com/matheus3301/chatvault/internal/store"
	intsync "github.com/matheus3301/chatvault/internal/sync"
)

// Archive implements api.Backend on top of the daemon's components.
type Archive struct {
	session  string
	cfg      *config.Config
	db       *store.DB
	machine  *status.Machine
	syncer   *intsync.Engine
	cursors  *intsync.CursorStore
	embedder *embedding.Processor
	ranker   *search.Ranker
	runner   *jobs.Runner
	activity *activity
	logger   *zap.Logger
	started  time.Time
}

// NewArchive wires the backend.
func NewArchive(
	p Params,
	cfg *config.Config,
	db *store.DB,
	machine *status.Machine,
	syncer *intsync.Engine,
	cursors *intsync.CursorStore,
	embedder *embedding.Processor,
	ranker *search.Ranker,
	runner *jobs.Runner,
	act *activity,
	logger *zap.Logger,
) *Archive {
	return &Archive{
		session:  p.SessionName,
		cfg:      cfg,
		db:       db,
		machine:  machine,
		syncer:   syncer,
		cursors:  cursors,
		embedder: embedder,
		ranker:   ranker,
		runner:   runner,
		activity: act,
		logger:   logger,
		started:  time.Now(),
	}
}

func (a *Archive) Status(ctx context.Context) (api.StatusResponse, error) {
	chats, err := a.db.ListChats(ctx)
	if err != nil {
		return api.StatusResponse{}, fmt.Errorf("list chats: %w", err)
	}
	total := 0
	for _, c := range chats {
		total += c.MessageCount
	}
	prov := a.embedder.Provider()
	return api.StatusResponse{
		Session:           a.session,
		State:             string(a.machine.Current()),
		UptimeMs:          time.Since(a.started).Milliseconds(),
		Chats:             len(chats),
		Messages:          total,
		RunningJobs:       a.runner.Running(),
		EmbeddingProvider: prov.Name(),
		EmbeddingModel:    prov.Model(),
		SchemaVersion:     store.SchemaVersion,
	}, nil
}

// syncOptions turns a request into fetch options.
func (a *Archive) syncOptions(ctx context.Context, req api.SyncRequest) (fetch.Options, error) {
	name := req.Method
	if name == "" {
		name = a.cfg.Sync.Method
	}
	method, err := fetch.ParseMethod(name)
	if err != nil {
		return fetch.Options{}, fmt.Errorf("%w: %v", api.ErrInvalidArgument, err)
	}
	if req.MinID > 0 && req.MaxID > 0 && req.MinID > req.MaxID {
		return fetch.Options{}, fmt.Errorf("%w: min_id above max_id", api.ErrInvalidArgument)
	}
	opts := fetch.Options{
		ChatID:      req.ChatID,
		Method:      method,
		MinID:       req.MinID,
		MaxID:       req.MaxID,
		Limit:       req.Limit,
		Incremental: req.Incremental,
		OffsetID:    req.OffsetID,
	}
	if req.SinceUnix > 0 {
		opts.StartTime = time.Unix(req.SinceUnix, 0)
	}
	if req.UntilUnix > 0 {
		opts.EndTime = time.Unix(req.UntilUnix, 0)
	}
	for _, t := range req.Types {
		opts.Types = append(opts.Types, remote.ParseMessageType(t))
	}
	if req.Resume && opts.OffsetID == 0 {
		cur, err := a.cursors.Get(ctx, req.ChatID)
		if err != nil {
			return fetch.Options{}, fmt.Errorf("read sync cursor: %w", err)
		}
		if cur != nil && cur.OldestMessageID > 0 && !cur.HistoryComplete {
			opts.OffsetID = cur.OldestMessageID
		}
	}
	return opts, nil
}

func (a *Archive) StartSync(ctx context.Context, req api.SyncRequest) (api.JobRef, error) {
	opts, err := a.syncOptions(ctx, req)
	if err != nil {
		return api.JobRef{}, err
	}
	spec := jobs.Spec{
		Kind: progress.JobSync,
		Key:  syncKey(req.ChatID),
		Params: map[string]any{
			"chat_id":     req.ChatID,
			"method":      string(opts.Method),
			"incremental": opts.Incremental,
			"offset_id":   opts.OffsetID,
			"limit":       opts.Limit,
		},
	}
	id, err := a.runner.Start(ctx, spec, a.syncJob(opts))
	if err != nil {
		return api.JobRef{}, err
	}
	return api.JobRef{JobID: id}, nil
}

func syncKey(chatID int64) string { return "sync:" + strconv.FormatInt(chatID, 10) }

func (a *Archive) syncJob(opts fetch.Options) jobs.Func {
	return func(ctx context.Context, tr *progress.Tracker) (progress.Summary, error) {
		a.activity.syncStarted()
		res, err := a.syncer.SyncChat(ctx, opts, tr)
		sum := progress.Summary{
			Total:     res.Stats.Yielded,
			Processed: res.Stored,
			Duration:  res.Duration,
			Metadata: map[string]any{
				"chat_id":    opts.ChatID,
				"stored":     res.Stored,
				"pages":      res.Stats.Pages,
				"highest_id": res.Stats.HighestID,
				"duplicates": res.Stats.Duplicates,
			},
		}
		if err != nil && res.Stats.Offset > 0 {
			sum.Metadata["resume_offset_id"] = res.Stats.Offset
		}
		return sum, err
	}
}

func (a *Archive) StartEmbed(ctx context.Context, req api.EmbedRequest) (api.JobRef, error) {
	if a.embedder.Provider().Dimensions() <= 0 {
		return api.JobRef{}, embedding.ErrDisabled
	}
	opts := embedding.Options{
		BatchSize:   req.BatchSize,
		Concurrency: req.Concurrency,
		Limit:       req.Limit,
	}
	spec := jobs.Spec{
		Kind: progress.JobEmbed,
		Key:  "embed:" + strconv.FormatInt(req.ChatID, 10),
		Params: map[string]any{
			"chat_id":     req.ChatID,
			"batch_size":  req.BatchSize,
			"concurrency": req.Concurrency,
			"limit":       req.Limit,
		},
	}
	id, err := a.runner.Start(ctx, spec, func(ctx context.Context, tr *progress.Tracker) (progress.Summary, error) {
		return a.embedder.EmbedPending(ctx, req.ChatID, opts, tr)
	})
	if err != nil {
		return api.JobRef{}, err
	}
	return api.JobRef{JobID: id}, nil
}

func (a *Archive) Search(ctx context.Context, req api.SearchRequest) (api.SearchResponse, error) {
	q := search.Query{
		Text:   req.Query,
		Folder: req.Folder,
		Limit:  req.Limit,
		Offset: req.Offset,
	}
	if req.ChatID != 0 {
		q.ChatIDs = []int64{req.ChatID}
	}
	page, err := a.ranker.Search(ctx, q)
	if err != nil {
		return api.SearchResponse{}, err
	}
	resp := api.SearchResponse{Total: page.Total, Semantic: page.Semantic}
	for _, h := range page.Hits {
		resp.Hits = append(resp.Hits, api.SearchHit{
			ChatID:    h.ChatID,
			MsgID:     h.MsgID,
			Type:      h.Type,
			Content:   h.Content,
			MediaRef:  h.MediaRef,
			CreatedAt: h.CreatedAt,
			Score:     h.Score,
			Source:    string(h.Source),
		})
	}
	return resp, nil
}

func (a *Archive) ListJobs(ctx context.Context, req api.ListJobsRequest) (api.ListJobsResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	runs, err := a.runner.List(ctx, limit)
	if err != nil {
		return api.ListJobsResponse{}, err
	}
	var resp api.ListJobsResponse
	for _, j := range runs {
		resp.Jobs = append(resp.Jobs, a.toJob(j))
	}
	return resp, nil
}

func (a *Archive) GetJob(ctx context.Context, ref api.JobRef) (api.Job, error) {
	j, err := a.runner.Get(ctx, ref.JobID)
	if err != nil {
		return api.Job{}, err
	}
	return a.toJob(j), nil
}

func (a *Archive) toJob(j store.JobRun) api.Job {
	return api.Job{
		ID:         j.ID,
		Kind:       j.Kind,
		Params:     j.Params,
		Status:     j.Status,
		Result:     j.Result,
		Total:      j.Total,
		Processed:  j.Processed,
		Failed:     j.Failed,
		Error:      j.Error,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Metadata:   a.activity.outcome(j.ID),
	}
}

func (a *Archive) CancelJob(ctx context.Context, ref api.JobRef) error {
	return a.runner.Cancel(ctx, ref.JobID)
}

func (a *Archive) GetCursor(ctx context.Context, ref api.ChatRef) (api.CursorResponse, error) {
	cur, err := a.cursors.Get(ctx, ref.ChatID)
	if err != nil {
		return api.CursorResponse{}, err
	}
	if cur == nil {
		return api.CursorResponse{ChatID: ref.ChatID}, nil
	}
	return api.CursorResponse{
		Found:           true,
		ChatID:          cur.ChatID,
		LastMessageID:   cur.LastMessageID,
		LastSyncTime:    cur.LastSyncTime,
		OldestMessageID: cur.OldestMessageID,
		HistoryComplete: cur.HistoryComplete,
	}, nil
}

func (a *Archive) RemoveChat(ctx context.Context, ref api.ChatRef) (api.RemoveChatResponse, error) {
	if a.runner.Busy(syncKey(ref.ChatID)) {
		return api.RemoveChatResponse{}, fmt.Errorf("%w: chat %d is syncing", jobs.ErrBusy, ref.ChatID)
	}
	removed, err := a.db.RemoveChat(ctx, ref.ChatID)
	if err != nil {
		return api.RemoveChatResponse{}, err
	}
	if removed {
		a.logger.Info("chat removed", zap.Int64("chat_id", ref.ChatID))
	}
	return api.RemoveChatResponse{Removed: removed}, nil
}

func (a *Archive) AddToFolder(ctx context.Context, req api.FolderRequest) error {
	return a.db.AddToFolder(ctx, req.Folder, req.ChatIDs...)
}

func (a *Archive) ListChats(ctx context.Context) (api.ListChatsResponse, error) {
	chats, err := a.db.ListChats(ctx)
	if err != nil {
		return api.ListChatsResponse{}, err
	}
	var resp api.ListChatsResponse
	for _, c := range chats {
		resp.Chats = append(resp.Chats, api.Chat{
			ID:        c.ID,
			Title:     c.Title,
			Kind:      c.Kind,
			Messages:  c.MessageCount,
			UpdatedAt: c.UpdatedAt,
		})
	}
	return resp, nil
}
