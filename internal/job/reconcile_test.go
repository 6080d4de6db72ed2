package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	repo "app/internal/repository"
	"app/internal/usecase"

	"github.com/stretchr/testify/assert"
)

// 周期実行の確認用。WithinTxの呼び出し回数だけ数える。
type countingTxManager struct {
	calls atomic.Int64
}

func (m *countingTxManager) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	m.calls.Add(1)
	return errors.New("db down")
}

func TestSweeper_Run(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("周期ごとにSweepを呼ぶ", func(t *testing.T) {
		tm := &countingTxManager{}
		uc := usecase.NewReconcileUsecase(tm, usecase.NewStockLedger(), 30*time.Minute, log)

		s := NewSweeper(uc, 20*time.Millisecond, log)
		s.initialDelay = time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.Run(ctx)
			close(done)
		}()

		//初回 + ティッカー数回分を待つ
		assert.Eventually(t, func() bool {
			return tm.calls.Load() >= 3
		}, time.Second, 5*time.Millisecond)

		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("sweeper did not stop on ctx cancel")
		}
	})

	t.Run("初回待機中のキャンセルで即終了する", func(t *testing.T) {
		tm := &countingTxManager{}
		uc := usecase.NewReconcileUsecase(tm, usecase.NewStockLedger(), 30*time.Minute, log)

		s := NewSweeper(uc, time.Hour, log)
		s.initialDelay = time.Hour

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.Run(ctx)
			close(done)
		}()

		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("sweeper did not stop during initial delay")
		}
		assert.Zero(t, tm.calls.Load())
	})
}
