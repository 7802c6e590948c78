package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/matheus3301/chatvault/internal/api"
	"github.com/matheus3301/chatvault/internal/jobs"
	"github.com/matheus3301/chatvault/internal/status"
	"github.com/matheus3301/chatvault/internal/store"
)

// Scheduler periodically starts incremental syncs of every known chat.
type Scheduler struct {
	spec    string
	cron    *cron.Cron
	db      *store.DB
	archive *Archive
	machine *status.Machine
	logger  *zap.Logger
}

// NewScheduler validates spec. An empty spec yields a scheduler that never
// fires.
func NewScheduler(spec string, db *store.DB, archive *Archive, machine *status.Machine, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		spec: spec,
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		db:      db,
		archive: archive,
		machine: machine,
		logger:  logger,
	}
	if spec == "" {
		return s, nil
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Tick(context.Background()) }); err != nil {
		return nil, fmt.Errorf("sync schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	if s.spec == "" {
		return
	}
	s.cron.Start()
	s.logger.Info("sync schedule enabled", zap.String("schedule", s.spec))
}

func (s *Scheduler) Stop() {
	select {
	case <-s.cron.Stop().Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
}

// Tick starts an incremental sync for each archived chat and returns how many
// jobs were started. Chats already syncing are skipped.
func (s *Scheduler) Tick(ctx context.Context) int {
	if !s.machine.Is(status.Ready) {
		s.logger.Info("scheduled sync skipped", zap.String("state", string(s.machine.Current())))
		return 0
	}
	chats, err := s.db.ListChats(ctx)
	if err != nil {
		s.logger.Error("scheduled sync: list chats", zap.Error(err))
		return 0
	}
	started := 0
	for _, c := range chats {
		_, err := s.archive.StartSync(ctx, api.SyncRequest{ChatID: c.ID, Incremental: true})
		switch {
		case err == nil:
			started++
		case errors.Is(err, jobs.ErrBusy):
			s.logger.Debug("chat already syncing", zap.Int64("chat_id", c.ID))
		default:
			s.logger.Warn("scheduled sync failed to start", zap.Int64("chat_id", c.ID), zap.Error(err))
		}
	}
	s.logger.Info("scheduled sync", zap.Int("chats", len(chats)), zap.Int("started", started))
	return started
}
