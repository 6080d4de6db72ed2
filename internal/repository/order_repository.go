package repository

import (
	"context"
	"time"

	"app/internal/domain/model"
)

type OrderRepository interface {
	FindByID(ctx context.Context, orderID int64) (model.Order, error)

	// 行ロック付き取得。終端遷移の前に必ずこちらで読み直す。
	FindByIDForUpdate(ctx context.Context, orderID int64) (model.Order, error)

	// webhookの照合キーで取得（行ロック付き）。
	FindByProviderPaymentIDForUpdate(ctx context.Context, token string) (model.Order, error)

	Create(ctx context.Context, order model.Order) (int64, error)

	//検索（同じキーなら同じ結果を返す）
	FindByIdempotencyKey(ctx context.Context, userID int64, key string) (model.Order, bool, error)

	// 決済セッション開始の結果を保存する。
	// pending_paymentの行にしか書かない。他の状態ならErrNotFoundを返す。
	SetPaymentInit(ctx context.Context, orderID int64, providerPaymentID string) error

	// paid遷移。payment_status=paid / status=pending / paid_at を同時に書く。
	MarkPaid(ctx context.Context, orderID int64, paidAt time.Time) error

	// 終端失敗遷移（failed/cancelled/expired）。
	// status=cancelled と stock_consumed=false を同時に書く。
	MarkTerminal(ctx context.Context, orderID int64, ps model.PaymentStatus, reason string, canceledBy string, canceledAt time.Time) error

	// 期限切れ候補。payment_statusとstatusの両方がpending_paymentのものだけ拾う。
	ListStalePendingPayment(ctx context.Context, cutoff time.Time, limit int) ([]model.Order, error)
}
