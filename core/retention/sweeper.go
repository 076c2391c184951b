package retention

import (
	"context"
	"sync"
	"time"

	"civic311/config"
	"civic311/core/store"
	"civic311/core/utils"
	"github.com/robfig/cron/v3"
)

// Sweeper archives closed requests past the retention window. Requests under
// legal hold (flagged) are never archived; the store enforces the same rule
// a second time in the UPDATE predicate.
type Sweeper struct {
	cfg      config.RetentionConfig
	requests store.RequestsStore
	logger   *utils.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	running bool
}

func NewSweeper(cfg config.RetentionConfig, requests store.RequestsStore, logger *utils.Logger) *Sweeper {
	return &Sweeper{cfg: cfg, requests: requests, logger: logger}
}

func (s *Sweeper) StartWithContext(ctx context.Context) {
	if s == nil || s.requests == nil || !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	c := cron.New()
	schedule := s.cfg.Schedule
	if schedule == "" {
		schedule = "@every 1h"
	}
	id, err := c.AddFunc(schedule, func() {
		if err := s.RunOnce(ctx, time.Now().UTC()); err != nil {
			s.logger.Errorf("retention sweep: %v", err)
		}
	})
	if err != nil {
		s.logger.Errorf("retention schedule %q: %v", schedule, err)
		return
	}
	s.cron = c
	s.entryID = id
	s.running = true
	c.Start()
}

func (s *Sweeper) StopWithContext(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) error {
	if s.cfg.ArchiveAfterDays <= 0 {
		return nil
	}
	cutoff := now.Add(-time.Duration(s.cfg.ArchiveAfterDays) * 24 * time.Hour)
	list, err := s.requests.ListArchivable(ctx, cutoff)
	if err != nil {
		return err
	}
	archived := 0
	for _, req := range list {
		if err := s.requests.ArchiveRequest(ctx, req.ID, now); err != nil {
			s.logger.Errorf("retention archive %s: %v", req.RegNo, err)
			continue
		}
		archived++
	}
	if archived > 0 {
		s.logger.Infof("retention archived %d closed requests", archived)
	}
	return nil
}
