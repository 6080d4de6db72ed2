package model

import "time"

// 決済状態の遷移など。
type AuditAction string

const (
	//決済状態を遷移させた操作。
	AuditActionPaymentTransition AuditAction = "PAYMENT_TRANSITION"
)

// 何に対する操作か
type AuditResourceType string

const (
	//注文に対する操作。
	AuditResourceOrder AuditResourceType = "order"
)

// 監査ログ。
// 「誰が」「何を」「どの対象に」「どう変えたか」を残す。
// webhook/ポーリング/スイーパーのどの経路が注文を動かしたかの追跡に使う。
type AuditLog struct {
	ID int64 `gorm:"primaryKey;autoIncrement" json:"id"`

	//操作したユーザーのID。システムやプロバイダ起点は0。
	ActorUserID int64 `gorm:"not null;index" json:"actor_user_id"`

	//操作主体（user / provider / system）。
	Actor string `gorm:"type:varchar(50);not null" json:"actor"`

	Action       AuditAction       `gorm:"type:varchar(50);not null;index" json:"action"`
	ResourceType AuditResourceType `gorm:"type:varchar(50);not null;index" json:"resource_type"`
	ResourceID   int64             `gorm:"not null;index" json:"resource_id"`

	//JSON文字列で保存する。
	BeforeJSON string `gorm:"type:text" json:"before_json"`

	//JSON文字列で保存する。
	AfterJSON string `gorm:"type:text" json:"after_json"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}
