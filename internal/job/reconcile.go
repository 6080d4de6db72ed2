package job

import (
	"context"
	"log/slog"
	"time"

	"app/internal/usecase"
)

// 定周期でReconcileUsecase.Sweepを回すランナー。
type Sweeper struct {
	uc           *usecase.ReconcileUsecase
	interval     time.Duration
	initialDelay time.Duration
	log          *slog.Logger
}

func NewSweeper(uc *usecase.ReconcileUsecase, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		uc:           uc,
		interval:     interval,
		initialDelay: 30 * time.Second,
		log:          log,
	}
}

// ctxが閉じるまでブロックする。goroutineで呼ぶ。
func (s *Sweeper) Run(ctx context.Context) {
	//起動直後のラッシュを避けて少し待つ
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.initialDelay):
	}

	s.sweepOnce(ctx)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopping")
			return
		case <-t.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	sum := s.uc.Sweep(ctx)
	if sum.Processed == 0 && len(sum.Errors) == 0 {
		return
	}
	s.log.Info("sweep finished",
		"processed", sum.Processed,
		"expired", sum.Expired,
		"stock_restored", sum.StockRestored,
		"errors", len(sum.Errors),
	)
}
