package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"app/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReconcileUC(s *memStore, timeout time.Duration, now time.Time) *ReconcileUsecase {
	uc := NewReconcileUsecase(&fakeTxManager{s: s}, NewStockLedger(), timeout, testLogger())
	uc.now = func() time.Time { return now }
	return uc
}

func TestReconcileUsecase_Sweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	t.Run("期限切れのpending_paymentをexpireして在庫を戻す", func(t *testing.T) {
		s := newMemStore()
		s.addProduct(model.Product{ID: 1, Name: "tee", Price: 1000, AvailableQuantity: 0, InStock: false, IsActive: true})

		stale := s.addOrder(model.Order{
			UserID:         10,
			PaymentStatus:  model.PaymentStatusPendingPayment,
			Status:         model.OrderStatusPendingPayment,
			StockConsumed:  true,
			IdempotencyKey: "stale",
			CreatedAt:      now.Add(-time.Hour),
		}, model.OrderItem{ProductID: 1, Quantity: 2})

		fresh := s.addOrder(model.Order{
			UserID:         11,
			PaymentStatus:  model.PaymentStatusPendingPayment,
			Status:         model.OrderStatusPendingPayment,
			StockConsumed:  true,
			IdempotencyKey: "fresh",
			CreatedAt:      now.Add(-5 * time.Minute),
		}, model.OrderItem{ProductID: 1, Quantity: 1})

		paid := s.addOrder(model.Order{
			UserID:         12,
			PaymentStatus:  model.PaymentStatusPaid,
			Status:         model.OrderStatusPending,
			StockConsumed:  true,
			IdempotencyKey: "paid",
			CreatedAt:      now.Add(-2 * time.Hour),
		}, model.OrderItem{ProductID: 1, Quantity: 1})

		uc := newReconcileUC(s, 30*time.Minute, now)
		sum := uc.Sweep(ctx)

		assert.Equal(t, 1, sum.Processed)
		assert.Equal(t, 1, sum.Expired)
		assert.Equal(t, 1, sum.StockRestored)
		assert.Empty(t, sum.Errors)

		o := s.orders[stale]
		assert.Equal(t, model.PaymentStatusExpired, o.PaymentStatus)
		assert.Equal(t, model.OrderStatusCancelled, o.Status)
		assert.False(t, o.StockConsumed)
		assert.Equal(t, "payment window expired", o.CancelReason)
		assert.Equal(t, "system", o.CanceledBy)

		assert.Equal(t, model.PaymentStatusPendingPayment, s.orders[fresh].PaymentStatus, "期限内は触らない")
		assert.Equal(t, model.PaymentStatusPaid, s.orders[paid].PaymentStatus, "paidは触らない")

		assert.Equal(t, int64(2), s.products[1].AvailableQuantity)

		require.Len(t, s.audits, 1)
		assert.Equal(t, "system", s.audits[0].Actor)
		assert.Zero(t, s.audits[0].ActorUserID)
	})

	t.Run("在庫未消費の注文は戻しなしでexpireだけ", func(t *testing.T) {
		s := newMemStore()
		s.addProduct(model.Product{ID: 1, AvailableQuantity: 5, InStock: true, IsActive: true})
		id := s.addOrder(model.Order{
			UserID:         10,
			PaymentStatus:  model.PaymentStatusPendingPayment,
			Status:         model.OrderStatusPendingPayment,
			StockConsumed:  false,
			IdempotencyKey: "no-stock",
			CreatedAt:      now.Add(-time.Hour),
		}, model.OrderItem{ProductID: 1, Quantity: 2})

		uc := newReconcileUC(s, 30*time.Minute, now)
		sum := uc.Sweep(ctx)

		assert.Equal(t, 1, sum.Expired)
		assert.Zero(t, sum.StockRestored)
		assert.Equal(t, model.PaymentStatusExpired, s.orders[id].PaymentStatus)
		assert.Equal(t, int64(5), s.products[1].AvailableQuantity, "二重戻しはない")
	})

	t.Run("2回連続で走っても2回目は空振り", func(t *testing.T) {
		s := newMemStore()
		s.addProduct(model.Product{ID: 1, AvailableQuantity: 0, InStock: false, IsActive: true})
		s.addOrder(model.Order{
			UserID:         10,
			PaymentStatus:  model.PaymentStatusPendingPayment,
			Status:         model.OrderStatusPendingPayment,
			StockConsumed:  true,
			IdempotencyKey: "once",
			CreatedAt:      now.Add(-time.Hour),
		}, model.OrderItem{ProductID: 1, Quantity: 2})

		uc := newReconcileUC(s, 30*time.Minute, now)

		first := uc.Sweep(ctx)
		assert.Equal(t, 1, first.Expired)

		second := uc.Sweep(ctx)
		assert.Zero(t, second.Processed)
		assert.Zero(t, second.Expired)
		assert.Equal(t, int64(2), s.products[1].AvailableQuantity)
	})

	t.Run("候補クエリ失敗はエラーとして集計する", func(t *testing.T) {
		s := newMemStore()
		tm := &fakeTxManager{s: s, txErr: errors.New("db down")}
		uc := NewReconcileUsecase(tm, NewStockLedger(), 30*time.Minute, testLogger())

		sum := uc.Sweep(ctx)
		assert.Zero(t, sum.Processed)
		require.Len(t, sum.Errors, 1)
		assert.Contains(t, sum.Errors[0], "list stale orders")
	})
}

// 候補取得と個別処理の間に他経路が終端へ動かしたケース。
func TestReconcileUsecase_ExpireOneSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	s := newMemStore()
	s.addProduct(model.Product{ID: 1, AvailableQuantity: 0, InStock: false, IsActive: true})
	id := s.addOrder(model.Order{
		UserID:         10,
		PaymentStatus:  model.PaymentStatusPaid,
		Status:         model.OrderStatusPending,
		StockConsumed:  true,
		IdempotencyKey: "won",
		CreatedAt:      now.Add(-time.Hour),
	}, model.OrderItem{ProductID: 1, Quantity: 2})

	uc := newReconcileUC(s, 30*time.Minute, now)
	expired, restored, err := uc.expireOne(ctx, id)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.False(t, restored)
	assert.Equal(t, model.PaymentStatusPaid, s.orders[id].PaymentStatus)

	//消えた注文もエラーにしない
	expired, restored, err = uc.expireOne(ctx, 999)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.False(t, restored)
}
