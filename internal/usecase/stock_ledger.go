package usecase

import (
	"context"
	"fmt"
	"sort"

	"app/internal/domain/model"
	repo "app/internal/repository"
)

// 在庫不足。全明細ロールバックの起点になる。
type StockInsufficientError struct {
	ProductID     int64
	CombinationID string
	Required      int64
	Available     int64
}

func (e *StockInsufficientError) Error() string {
	if e.CombinationID != "" {
		return fmt.Sprintf("insufficient stock: product %d combination %s requires %d, available %d",
			e.ProductID, e.CombinationID, e.Required, e.Available)
	}
	return fmt.Sprintf("insufficient stock: product %d requires %d, available %d",
		e.ProductID, e.Required, e.Available)
}

// 在庫の減算/加算の単位。
type StockItem struct {
	ProductID     int64
	Quantity      int64
	CombinationID string
}

func StockItemsFromOrderItems(items []model.OrderItem) []StockItem {
	out := make([]StockItem, 0, len(items))
	for _, it := range items {
		out = append(out, StockItem{
			ProductID:     it.ProductID,
			Quantity:      it.Quantity,
			CombinationID: it.CombinationID,
		})
	}
	return out
}

// 在庫カウンタを触る唯一の窓口。
// ConsumeもRestoreも呼び出し元のトランザクション（TxRepos）の中で動く。
type StockLedger struct{}

func NewStockLedger() *StockLedger {
	return &StockLedger{}
}

// 予約（減算）。全明細が通るか、1明細でも足りなければ全体をエラーで返す。
// 呼び出し元はエラー時にトランザクションごとロールバックすること。
func (l *StockLedger) Consume(ctx context.Context, r repo.TxRepos, items []StockItem) error {
	keys, qty, err := aggregateStockItems(items)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := l.consumeOne(ctx, r, k, qty[k]); err != nil {
			return err
		}
	}
	return nil
}

// 戻し（加算）。無条件に足すだけなので、二重実行の防止は
// 呼び出し元がOrder.StockConsumedを同一トランザクション内で
// チェック＆クリアすることで担保する。
func (l *StockLedger) Restore(ctx context.Context, r repo.TxRepos, items []StockItem) error {
	keys, qty, err := aggregateStockItems(items)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if err := l.restoreOne(ctx, r, k, qty[k]); err != nil {
			return err
		}
	}
	return nil
}

type stockKey struct {
	productID     int64
	combinationID string
}

// 同じ商品/バリエーションが複数明細に割れていても、チェック前に必ず合算する。
// 明細ごとに個別チェックすると、単体では通るのに合計では売り越す。
// キーはproductID昇順で返す（ロック順を固定してデッドロックを避ける）。
func aggregateStockItems(items []StockItem) ([]stockKey, map[stockKey]int64, error) {
	qty := make(map[stockKey]int64, len(items))
	for _, it := range items {
		if it.ProductID <= 0 || it.Quantity <= 0 {
			return nil, nil, fmt.Errorf("invalid stock item: product %d quantity %d", it.ProductID, it.Quantity)
		}
		k := stockKey{productID: it.ProductID, combinationID: it.CombinationID}
		qty[k] += it.Quantity
	}

	keys := make([]stockKey, 0, len(qty))
	for k := range qty {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].productID != keys[j].productID {
			return keys[i].productID < keys[j].productID
		}
		return keys[i].combinationID < keys[j].combinationID
	})

	return keys, qty, nil
}

func (l *StockLedger) consumeOne(ctx context.Context, r repo.TxRepos, k stockKey, n int64) error {
	//先に商品行をロックしてから在庫を読む
	p, err := r.Products().FindByIDForUpdate(ctx, k.productID)
	if err != nil {
		return err
	}

	if k.combinationID != "" {
		combs, err := r.Combinations().ListByProductID(ctx, k.productID)
		if err != nil {
			return err
		}
		if target := findCombination(combs, k.combinationID); target != nil {
			if target.Stock < n {
				return &StockInsufficientError{
					ProductID:     k.productID,
					CombinationID: k.combinationID,
					Required:      n,
					Available:     target.Stock,
				}
			}
			target.Stock -= n
			if err := r.Combinations().UpdateStock(ctx, k.productID, k.combinationID, target.Stock); err != nil {
				return err
			}
			//合計を再計算して商品側も同じトランザクションで更新する
			total := sumCombinationStock(combs)
			return r.Products().UpdateStock(ctx, k.productID, total, total > 0)
		}
		//combinationが解決できなければ基本商品の在庫にフォールバック
	}

	if p.AvailableQuantity < n {
		return &StockInsufficientError{
			ProductID: k.productID,
			Required:  n,
			Available: p.AvailableQuantity,
		}
	}
	remaining := p.AvailableQuantity - n
	return r.Products().UpdateStock(ctx, k.productID, remaining, remaining > 0)
}

func (l *StockLedger) restoreOne(ctx context.Context, r repo.TxRepos, k stockKey, n int64) error {
	p, err := r.Products().FindByIDForUpdate(ctx, k.productID)
	if err != nil {
		return err
	}

	if k.combinationID != "" {
		combs, err := r.Combinations().ListByProductID(ctx, k.productID)
		if err != nil {
			return err
		}
		if target := findCombination(combs, k.combinationID); target != nil {
			target.Stock += n
			if err := r.Combinations().UpdateStock(ctx, k.productID, k.combinationID, target.Stock); err != nil {
				return err
			}
			total := sumCombinationStock(combs)
			return r.Products().UpdateStock(ctx, k.productID, total, total > 0)
		}
	}

	restored := p.AvailableQuantity + n
	return r.Products().UpdateStock(ctx, k.productID, restored, restored > 0)
}

func findCombination(combs []model.Combination, id string) *model.Combination {
	for i := range combs {
		if combs[i].ID == id {
			return &combs[i]
		}
	}
	return nil
}

func sumCombinationStock(combs []model.Combination) int64 {
	var total int64
	for _, c := range combs {
		total += c.Stock
	}
	return total
}
