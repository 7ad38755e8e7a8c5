// Package schedule starts proactive dialog cycles on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-relay/internal/config"
	"github.com/zhouzirui/z-relay/internal/router"
)

const retryDelay = 30 * time.Second

// Trigger starts one proactive cycle.
type Trigger interface {
	TriggerProactive(ctx context.Context, userID, chatID int64, instruction string) error
}

// Scheduler 按 cron 表达式向配置的用户发起主动消息。
type Scheduler struct {
	cron        string
	targets     []int64
	instruction string
	trigger     Trigger
	logger      *zap.Logger
	now         func() time.Time
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New validates cfg. An empty cron expression yields a disabled scheduler.
func New(cfg config.ScheduleConfig, trigger Trigger, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	if cfg.Cron != "" && !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid PROACTIVE_CRON expression: %s", cfg.Cron)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cron:        cfg.Cron,
		targets:     append([]int64(nil), cfg.Targets...),
		instruction: cfg.Instruction,
		trigger:     trigger,
		logger:      logger.Named("schedule"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enabled reports whether there is anything to schedule.
func (s *Scheduler) Enabled() bool {
	return s.cron != "" && len(s.targets) > 0 && s.trigger != nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// Fire triggers every target once and returns how many cycles were started. Busy
// users are skipped.
func (s *Scheduler) Fire(ctx context.Context) int {
	started := 0
	for _, userID := range s.targets {
		err := s.trigger.TriggerProactive(ctx, userID, 0, s.instruction)
		switch {
		case err == nil:
			started++
		case errors.Is(err, router.ErrUserBusy):
			s.logger.Info("user busy, proactive message skipped", zap.Int64("user_id", userID))
		default:
			s.logger.Warn("proactive trigger failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return started
}

// Run fires on every tick until ctx is done. A disabled scheduler just waits.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.Enabled() {
		<-ctx.Done()
		return nil
	}
	s.logger.Info("proactive schedule started", zap.String("cron", s.cron), zap.Int64s("targets", s.targets))

	for {
		now := s.now().UTC()
		next, err := s.Next(now)
		wait := next.Sub(now)
		if err != nil {
			s.logger.Error("next tick failed", zap.String("cron", s.cron), zap.Error(err))
			wait = retryDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err != nil {
			continue
		}

		started := s.Fire(ctx)
		s.logger.Info("proactive tick", zap.Time("tick", next), zap.Int("started", started))
	}
}
