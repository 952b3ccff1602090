package syncq

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/Wei-Shaw/opsync/internal/config"
)

// RetentionSweeper prunes the failed archive on a cron schedule: entries
// older than max_age go first, then the oldest beyond max_entries.
type RetentionSweeper struct {
	queue *Queue
	cfg   config.RetentionConfig
	clock clock.PassiveClock
	log   *zap.Logger

	cron      *cron.Cron
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewRetentionSweeper(queue *Queue, cfg config.RetentionConfig, clk clock.PassiveClock, log *zap.Logger) *RetentionSweeper {
	if log == nil {
		log = zap.NewNop()
	}
	return &RetentionSweeper{
		queue: queue,
		cfg:   cfg,
		clock: clk,
		log:   log,
		cron:  cron.New(),
	}
}

func (s *RetentionSweeper) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	var err error
	s.startOnce.Do(func() {
		_, err = s.cron.AddFunc(s.cfg.EffectiveSchedule(), func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, sweepErr := s.Sweep(ctx); sweepErr != nil {
				s.log.Error("retention sweep failed", zap.Error(sweepErr))
			}
		})
		if err != nil {
			return
		}
		s.cron.Start()
		s.log.Info("retention sweeper started", zap.String("schedule", s.cfg.EffectiveSchedule()))
	})
	return err
}

func (s *RetentionSweeper) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
	})
}

// Sweep applies both limits in one pass and returns how many archived ops
// were removed.
func (s *RetentionSweeper) Sweep(ctx context.Context) (int, error) {
	// Newest first, per ListFailed ordering.
	archived, err := s.queue.ListFailed(ctx, 0)
	if err != nil {
		return 0, err
	}

	cutoff := s.clock.Now().Add(-s.cfg.MaxAge())
	maxEntries := s.cfg.EffectiveMaxEntries()

	var victims []string
	for i, a := range archived {
		if a.ArchivedAt.Before(cutoff) || i >= maxEntries {
			victims = append(victims, a.ID)
		}
	}
	if len(victims) == 0 {
		return 0, nil
	}
	removed, err := s.queue.PurgeFailed(ctx, victims)
	if removed > 0 {
		s.log.Info("retention sweep removed archived ops", zap.Int("count", removed))
	}
	return removed, err
}
