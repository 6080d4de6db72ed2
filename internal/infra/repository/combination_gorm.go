package repository

import (
	"context"

	"app/internal/domain/model"
	repo "app/internal/repository"

	"gorm.io/gorm"
)

type CombinationGormRepository struct {
	db *gorm.DB
}

func NewCombinationGormRepository(db *gorm.DB) *CombinationGormRepository {
	return &CombinationGormRepository{db: db}
}

// 並び順はposition優先。親のProduct行ロックの内側で呼ぶ前提なので
// combination側のロックは取らない。
func (r *CombinationGormRepository) ListByProductID(ctx context.Context, productID int64) ([]model.Combination, error) {
	var items []model.Combination
	err := r.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("position asc").Order("id asc").
		Find(&items).Error
	if err != nil {
		return []model.Combination{}, err
	}
	return items, nil
}

func (r *CombinationGormRepository) UpdateStock(ctx context.Context, productID int64, combinationID string, stock int64) error {
	res := r.db.WithContext(ctx).Model(&model.Combination{}).
		Where("product_id = ? AND id = ?", productID, combinationID).
		Update("stock", stock)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}
