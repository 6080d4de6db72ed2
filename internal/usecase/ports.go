package usecase

import (
	"context"
	"time"

	"app/internal/domain/model"
	"app/internal/payment"
)

// 決済プロバイダとの外側の口。実装はinternal/payment。
type PaymentGateway interface {
	InitPayment(ctx context.Context, o model.Order) (payment.Init, error)
}

// webhook再送の足切り（ベストエフォート）。実装はredis。
// falseが返っても最終防衛はDB側の終端ステータスガード。
// 処理が失敗した通知はUnlockでロックを返し、プロバイダの再送を通す。
type ReplayGuard interface {
	TryLock(ctx context.Context, scope, key string) (bool, error)
	Unlock(ctx context.Context, scope, key string) error
}

type OrderPaidEvent struct {
	OrderID    int64     `json:"order_id"`
	UserID     int64     `json:"user_id"`
	TotalPrice int64     `json:"total_price"`
	PaidAt     time.Time `json:"paid_at"`
}

// paid遷移の下流副作用（トラッキング等）。fire-and-forget。
// 失敗してもpaid遷移は巻き戻さない。
type EventPublisher interface {
	PublishOrderPaid(e OrderPaidEvent)
}
