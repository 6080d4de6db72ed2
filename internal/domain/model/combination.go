package model

import "time"

// 商品バリエーション（サイズ×色など）。バリエーション単位で在庫を持つ。
type Combination struct {
	ProductID int64  `gorm:"primaryKey;autoIncrement:false" json:"product_id"`
	ID        string `gorm:"primaryKey;type:varchar(64)" json:"id"`

	Stock    int64 `gorm:"not null" json:"stock"`
	Position int   `gorm:"not null;default:0" json:"position"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}
