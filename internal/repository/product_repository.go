package repository

import (
	"app/internal/domain/model"
	"context"
	"errors"
)

var ErrNotFound = errors.New("not found")

// 商品の永続化（保存・取得）だけを約束。
type ProductRepository interface {
	FindByID(ctx context.Context, id int64) (model.Product, error)

	// 行ロック付き取得（SELECT ... FOR UPDATE）。
	// 在庫を触る前に必ずこちらを通す。
	FindByIDForUpdate(ctx context.Context, id int64) (model.Product, error)

	// 在庫カウンタと導出値in_stockを同時に更新する。
	UpdateStock(ctx context.Context, productID int64, availableQuantity int64, inStock bool) error
}

// バリエーション在庫の永続化。
// combinationの書き込みは必ず同一トランザクションで商品側の合計を再計算すること。
type CombinationRepository interface {
	ListByProductID(ctx context.Context, productID int64) ([]model.Combination, error)
	UpdateStock(ctx context.Context, productID int64, combinationID string, stock int64) error
}
