package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"app/internal/domain/model"
	"app/internal/metrics"
	repo "app/internal/repository"
)

// 1回のスイープの集計。
type SweepSummary struct {
	Processed     int      `json:"processed"`
	Expired       int      `json:"expired"`
	StockRestored int      `json:"stock_restored"`
	Errors        []string `json:"errors,omitempty"`
}

// 放置された決済の期限切れ処理。
type ReconcileUsecase struct {
	tx        repo.TransactionManager
	ledger    *StockLedger
	timeout   time.Duration
	batchSize int
	log       *slog.Logger

	//テストで固定できるように差し替え可能にしておく
	now func() time.Time
}

func NewReconcileUsecase(tx repo.TransactionManager, ledger *StockLedger, timeout time.Duration, log *slog.Logger) *ReconcileUsecase {
	return &ReconcileUsecase{
		tx:        tx,
		ledger:    ledger,
		timeout:   timeout,
		batchSize: 100,
		log:       log,
		now:       time.Now,
	}
}

// タイムアウトを超えてpending_paymentのままの注文を期限切れにして在庫を戻す。
// 1件の失敗で残りを止めない。
func (u *ReconcileUsecase) Sweep(ctx context.Context) SweepSummary {
	cutoff := u.now().Add(-u.timeout)

	var stale []model.Order
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		var err error
		stale, err = r.Orders().ListStalePendingPayment(ctx, cutoff, u.batchSize)
		return err
	})
	if err != nil {
		u.log.Error("sweep candidate query failed", "err", err)
		return SweepSummary{Errors: []string{fmt.Sprintf("list stale orders: %v", err)}}
	}

	sum := SweepSummary{}
	for _, o := range stale {
		sum.Processed++

		expired, restored, err := u.expireOne(ctx, o.ID)
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("order %d: %v", o.ID, err))
			metrics.SweeperResults.WithLabelValues("error").Inc()
			u.log.Error("expire failed", "order_id", o.ID, "err", err)
			continue
		}
		if expired {
			sum.Expired++
			metrics.SweeperResults.WithLabelValues("expired").Inc()
		}
		if restored {
			sum.StockRestored++
			metrics.SweeperResults.WithLabelValues("restored").Inc()
		}
	}
	return sum
}

// 1注文ずつ独立したトランザクションで処理する。
// ロックを取ってから状態を読み直すので、webhookやキャンセルと競走しても
// 二重expireやexpire-after-paidにはならない。
func (u *ReconcileUsecase) expireOne(ctx context.Context, orderID int64) (expired bool, restored bool, err error) {
	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByIDForUpdate(ctx, orderID)
		if err == repo.ErrNotFound {
			//候補取得との間に消えた。何もしない
			return nil
		}
		if err != nil {
			return err
		}

		// 他経路が先に動かしていたら触らない
		if o.PaymentStatus.Terminal() || o.Status != model.OrderStatusPendingPayment {
			return nil
		}

		restored, err = failOrder(ctx, r, u.ledger, o, model.PaymentStatusExpired, "payment window expired", "system", u.now())
		if err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return expired, restored, nil
}
