package model

import "time"

// 決済状態。pending_payment以外はすべて終端。
type PaymentStatus string

const (
	PaymentStatusPendingPayment PaymentStatus = "pending_payment"
	PaymentStatusPaid           PaymentStatus = "paid"
	PaymentStatusFailed         PaymentStatus = "failed"
	PaymentStatusCancelled      PaymentStatus = "cancelled"
	PaymentStatusExpired        PaymentStatus = "expired"
)

// 終端状態かどうか。終端に入った注文はもう書き換えない（冪等ガード）。
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusPaid, PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusExpired:
		return true
	}
	return false
}

// 注文のフルフィルメント側ライフサイクル。payment_statusと同時に遷移する。
type OrderStatus string

const (
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

type Order struct {
	ID     int64 `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID int64 `gorm:"not null;index" json:"user_id"`

	PaymentStatus PaymentStatus `gorm:"type:varchar(20);not null;index" json:"payment_status"`
	Status        OrderStatus   `gorm:"type:varchar(20);not null;index" json:"status"`

	// 在庫を引いたままか。restoreの二重実行はこのフラグで防ぐ。
	StockConsumed bool `gorm:"not null;default:false" json:"-"`

	// 決済プロバイダが発行するトークン。webhookの照合キー。
	ProviderPaymentID string `gorm:"type:varchar(255);index" json:"-"`

	TotalPrice     int64  `gorm:"not null" json:"total_price"`
	IdempotencyKey string `gorm:"type:varchar(255);not null;uniqueIndex" json:"-"`

	CancelReason string `gorm:"type:varchar(255)" json:"cancel_reason,omitempty"`
	CanceledBy   string `gorm:"type:varchar(50)" json:"canceled_by,omitempty"`

	// created_atが期限切れ判定の基準になる。
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null;autoUpdateTime" json:"updated_at"`
	PaidAt     *time.Time `json:"paid_at,omitempty"`
	CanceledAt *time.Time `json:"canceled_at,omitempty"`
}
