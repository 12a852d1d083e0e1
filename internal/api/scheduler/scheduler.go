package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// SubscriptionMaintainer 执行订阅账本的周期性维护。
type SubscriptionMaintainer interface {
	ResetDuePeriods(ctx context.Context, now time.Time) (int64, error)
	ExpireEnded(ctx context.Context, now time.Time) (int64, error)
}

// Scheduler 周期性重置到期的配额周期，并把取消到期的订阅标记为 expired。
//
// 重置不依赖请求路径触发，长期没有请求的订阅也能按时进入新周期。
type Scheduler struct {
	subs     SubscriptionMaintainer
	interval time.Duration
	logger   *slog.Logger
}

// New 创建调度器。interval 不合法时回退到 1 小时。
func New(subs SubscriptionMaintainer, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{subs: subs, interval: interval, logger: logger}
}

// Run 启动调度循环，阻塞直到 ctx 取消。启动时先跑一轮，
// 避免进程长期重启间隔导致的维护空窗。
func (s *Scheduler) Run(ctx context.Context) {
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler tick panicked", slog.Any("panic", r))
		}
	}()

	now := time.Now()

	reset, err := s.subs.ResetDuePeriods(ctx, now)
	if err != nil {
		s.logger.Error("reset quota periods failed", slog.String("error", err.Error()))
	} else if reset > 0 {
		s.logger.Info("quota periods reset", slog.Int64("count", reset))
	}

	expired, err := s.subs.ExpireEnded(ctx, now)
	if err != nil {
		s.logger.Error("expire subscriptions failed", slog.String("error", err.Error()))
	} else if expired > 0 {
		s.logger.Info("subscriptions expired", slog.Int64("count", expired))
	}
}
