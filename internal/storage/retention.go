package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RetentionConfig configures the event retention sweep.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// DefaultRetention keeps seven days of events, swept daily.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{Enabled: true, Schedule: "@daily", MaxAge: 7 * 24 * time.Hour}
}

// cronLogger adapts zap.Logger to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// Sweeper periodically deletes events older than the retention age and
// then calls OnSwept so dependent caches can be invalidated.
type Sweeper struct {
	events  EventStore
	cfg     RetentionConfig
	logger  *zap.Logger
	cron    *cron.Cron
	now     func() time.Time
	onSwept func(ctx context.Context, deleted int64)
}

// NewSweeper creates a sweeper. onSwept may be nil.
func NewSweeper(events EventStore, cfg RetentionConfig, logger *zap.Logger, onSwept func(ctx context.Context, deleted int64)) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultRetention().Schedule
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultRetention().MaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := &cronLogger{logger: logger.Named("cron")}
	return &Sweeper{
		events:  events,
		cfg:     cfg,
		logger:  logger,
		cron:    cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		now:     time.Now,
		onSwept: onSwept,
	}
}

// Sweep deletes expired events once.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.MaxAge)
	n, err := s.events.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	s.logger.Info("Deleted expired events", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	if n > 0 && s.onSwept != nil {
		s.onSwept(ctx, n)
	}
	return n, nil
}

// Start schedules the sweep. It returns an error for an invalid schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("Retention sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule retention %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("Retention sweep scheduled",
		zap.String("schedule", s.cfg.Schedule),
		zap.Duration("max_age", s.cfg.MaxAge),
	)
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
