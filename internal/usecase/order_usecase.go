package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"app/internal/domain/model"
	"app/internal/metrics"
	repo "app/internal/repository"
)

type OrderUsecase struct {
	tx     repo.TransactionManager
	ledger *StockLedger
}

func NewOrderUsecase(tx repo.TransactionManager, ledger *StockLedger) *OrderUsecase {
	return &OrderUsecase{tx: tx, ledger: ledger}
}

type PlaceOrderItemInput struct {
	ProductID     int64  `json:"product_id"`
	Quantity      int64  `json:"quantity"`
	CombinationID string `json:"combination_id,omitempty"`
}

type PlaceOrderInput struct {
	Items          []PlaceOrderItemInput
	IdempotencyKey string
}

type OrderItemOutput struct {
	ProductID     int64  `json:"product_id"`
	CombinationID string `json:"combination_id,omitempty"`
	Name          string `json:"name"`
	Price         int64  `json:"price"`
	Quantity      int64  `json:"quantity"`
}

type OrderOutput struct {
	ID            int64             `json:"id"`
	UserID        int64             `json:"user_id"`
	PaymentStatus string            `json:"payment_status"`
	Status        string            `json:"status"`
	TotalPrice    int64             `json:"total_price"`
	CreatedAt     time.Time         `json:"created_at"`
	Items         []OrderItemOutput `json:"items"`
}

// 注文確定。在庫の予約（consume）と注文作成を同一トランザクションで行い、
// pending_payment + stock_consumed=true で永続化する。
func (u *OrderUsecase) PlaceOrder(ctx context.Context, userID int64, in PlaceOrderInput) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" || len(key) > 255 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid idempotency_key")
	}
	if len(in.Items) == 0 {
		return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "empty items")
	}
	for _, it := range in.Items {
		if it.ProductID <= 0 || it.Quantity <= 0 {
			return OrderOutput{}, NewHTTPError(http.StatusBadRequest, "invalid item")
		}
	}

	var out OrderOutput

	//注文処理はトランザクション
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		// 同じキーなら同じ結果
		existing, found, err := r.Orders().FindByIdempotencyKey(ctx, userID, key)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if found {
			//既存注文を返す
			items, err := r.OrderItems().ListByOrderID(ctx, existing.ID)
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			out = toOrderOutput(existing, items)
			return nil
		}

		//スナップショットを先に作る（価格は注文時点で固定し、以後商品から読み直さない）
		orderItems := make([]model.OrderItem, 0, len(in.Items))
		stockItems := make([]StockItem, 0, len(in.Items))
		var total int64 = 0
		now := time.Now()

		for _, it := range in.Items {
			p, err := r.Products().FindByID(ctx, it.ProductID)
			if err == repo.ErrNotFound {
				return NewHTTPError(http.StatusBadRequest, "invalid product")
			}
			if err != nil {
				return NewHTTPError(http.StatusInternalServerError, "db error")
			}
			if !p.IsActive {
				return NewHTTPError(http.StatusBadRequest, "invalid product")
			}

			orderItems = append(orderItems, model.OrderItem{
				ProductID:           it.ProductID,
				CombinationID:       it.CombinationID,
				ProductNameSnapshot: p.Name,
				UnitPriceSnapshot:   p.Price,
				Quantity:            it.Quantity,
				CreatedAt:           now,
			})
			stockItems = append(stockItems, StockItem{
				ProductID:     it.ProductID,
				Quantity:      it.Quantity,
				CombinationID: it.CombinationID,
			})
			total += p.Price * it.Quantity
		}

		//在庫予約。1明細でも足りなければ全体がロールバックされる
		if err := u.ledger.Consume(ctx, r, stockItems); err != nil {
			var se *StockInsufficientError
			if errors.As(err, &se) {
				metrics.StockInsufficient.Inc()
				return NewHTTPError(http.StatusConflict, insufficientMessage(se))
			}
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		// 注文作成
		orderID, err := r.Orders().Create(ctx, model.Order{
			UserID:         userID,
			PaymentStatus:  model.PaymentStatusPendingPayment,
			Status:         model.OrderStatusPendingPayment,
			StockConsumed:  true,
			TotalPrice:     total,
			IdempotencyKey: key,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			//競合（同時で同じキーが入った等）はもう一回検索して同じ結果を返す
			ex2, found2, err2 := r.Orders().FindByIdempotencyKey(ctx, userID, key)
			if err2 == nil && found2 {
				items2, err3 := r.OrderItems().ListByOrderID(ctx, ex2.ID)
				if err3 != nil {
					return NewHTTPError(http.StatusInternalServerError, "db error")
				}
				out = toOrderOutput(ex2, items2)
				return nil
			}
			return NewHTTPError(http.StatusBadRequest, "idempotency conflict")
		}

		//注文明細一括作成
		if err := r.OrderItems().CreateBulk(ctx, orderID, orderItems); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		created := model.Order{
			ID:            orderID,
			UserID:        userID,
			PaymentStatus: model.PaymentStatusPendingPayment,
			Status:        model.OrderStatusPendingPayment,
			TotalPrice:    total,
			CreatedAt:     now,
		}
		out = toOrderOutput(created, orderItems)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

// 在庫不足はユーザーが対処できる具体的なメッセージで返す
func insufficientMessage(e *StockInsufficientError) string {
	if e.CombinationID != "" {
		return fmt.Sprintf("out of stock: product %d (%s), requested %d, available %d",
			e.ProductID, e.CombinationID, e.Required, e.Available)
	}
	return fmt.Sprintf("out of stock: product %d, requested %d, available %d",
		e.ProductID, e.Required, e.Available)
}

func toOrderOutput(o model.Order, items []model.OrderItem) OrderOutput {
	outItems := make([]OrderItemOutput, 0, len(items))
	for _, it := range items {
		outItems = append(outItems, OrderItemOutput{
			ProductID:     it.ProductID,
			CombinationID: it.CombinationID,
			Name:          it.ProductNameSnapshot,
			Price:         it.UnitPriceSnapshot,
			Quantity:      it.Quantity,
		})
	}

	return OrderOutput{
		ID:            o.ID,
		UserID:        o.UserID,
		PaymentStatus: string(o.PaymentStatus),
		Status:        string(o.Status),
		TotalPrice:    o.TotalPrice,
		CreatedAt:     o.CreatedAt,
		Items:         outItems,
	}
}
