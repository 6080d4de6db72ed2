package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"app/internal/domain/model"
	"app/internal/payment"
	repo "app/internal/repository"
)

type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

func NewHTTPError(status int, message string) error {
	return &HTTPError{
		Status:  status,
		Message: message,
	}
}

func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	ok := errors.As(err, &he)
	return he, ok
}

// 決済まわりのオーケストレーション（init/verify/cancel/status）。
type PaymentUsecase struct {
	tx        repo.TransactionManager
	gateway   PaymentGateway
	ledger    *StockLedger
	publisher EventPublisher // nil可
	log       *slog.Logger
}

func NewPaymentUsecase(
	tx repo.TransactionManager,
	gateway PaymentGateway,
	ledger *StockLedger,
	publisher EventPublisher,
	log *slog.Logger,
) *PaymentUsecase {
	return &PaymentUsecase{
		tx:        tx,
		gateway:   gateway,
		ledger:    ledger,
		publisher: publisher,
		log:       log,
	}
}

type InitPaymentOutput struct {
	Token      string `json:"token"`
	PaymentURL string `json:"payment_url"`
}

// 決済セッションを開始してリダイレクト先を返す。
func (u *PaymentUsecase) Init(ctx context.Context, userID int64, orderID int64) (InitPaymentOutput, error) {
	if userID <= 0 {
		return InitPaymentOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return InitPaymentOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var o model.Order
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		var err error
		o, err = r.Orders().FindByID(ctx, orderID)
		if err == repo.ErrNotFound {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if o.UserID != userID {
			//他人の注文は「存在しない扱い」にする
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if o.PaymentStatus == model.PaymentStatusPaid {
			return NewHTTPError(http.StatusConflict, "already paid")
		}
		return nil
	})
	if err != nil {
		return InitPaymentOutput{}, err
	}

	//プロバイダ呼び出しはトランザクションの外。
	//ここで失敗しても注文は巻き戻さない（リトライできる）。
	init, err := u.gateway.InitPayment(ctx, o)
	if err != nil {
		if errors.Is(err, payment.ErrGatewayConfigMissing) {
			u.log.Error("payment gateway misconfigured", "err", err)
			return InitPaymentOutput{}, NewHTTPError(http.StatusInternalServerError, "payment gateway not configured")
		}
		if errors.Is(err, payment.ErrGatewayResponseInvalid) {
			u.log.Error("payment gateway returned garbage", "order_id", orderID, "err", err)
			return InitPaymentOutput{}, NewHTTPError(http.StatusBadGateway, "payment gateway error")
		}
		u.log.Error("payment gateway unreachable", "order_id", orderID, "err", err)
		return InitPaymentOutput{}, NewHTTPError(http.StatusBadGateway, "payment gateway unreachable")
	}

	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		//ゲートウェイ呼び出し中にwebhookが先に終端へ動かしたかもしれないので、
		//ロックを取って読み直してから書く。終端から引き戻す遷移は存在しない。
		cur, err := r.Orders().FindByIDForUpdate(ctx, orderID)
		if err == repo.ErrNotFound {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if cur.PaymentStatus == model.PaymentStatusPaid {
			return NewHTTPError(http.StatusConflict, "already paid")
		}
		if cur.PaymentStatus.Terminal() {
			return NewHTTPError(http.StatusConflict, "order not payable")
		}
		if err := r.Orders().SetPaymentInit(ctx, orderID, init.Token); err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		return nil
	})
	if err != nil {
		return InitPaymentOutput{}, err
	}

	return InitPaymentOutput{Token: init.Token, PaymentURL: init.PaymentURL}, nil
}

type VerifyPaymentOutput struct {
	OrderID       int64  `json:"order_id"`
	PaymentStatus string `json:"payment_status"`
	Paid          bool   `json:"paid"`
}

// webhookが来ない場合のクライアント側ポーリング。
// transaction_idと保存済みトークンの一致を入金確認とみなす
// （チェックサムより弱い照合なので、呼び出しは注文の所有者に限定している）。
func (u *PaymentUsecase) Verify(ctx context.Context, userID int64, orderID int64, transactionID string) (VerifyPaymentOutput, error) {
	if userID <= 0 {
		return VerifyPaymentOutput{}, NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return VerifyPaymentOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return VerifyPaymentOutput{}, NewHTTPError(http.StatusBadRequest, "invalid transaction_id")
	}

	var out VerifyPaymentOutput
	var paidEvent *OrderPaidEvent

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByIDForUpdate(ctx, orderID)
		if err == repo.ErrNotFound {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if o.UserID != userID {
			return NewHTTPError(http.StatusNotFound, "not found")
		}

		out.OrderID = o.ID

		// すでにpaidなら何もせず成功（冪等）
		if o.PaymentStatus == model.PaymentStatusPaid {
			out.PaymentStatus = string(o.PaymentStatus)
			out.Paid = true
			return nil
		}
		// 他の終端も触らずに現状を返す
		if o.PaymentStatus.Terminal() {
			out.PaymentStatus = string(o.PaymentStatus)
			return nil
		}

		now := time.Now()
		if o.ProviderPaymentID != "" && transactionID == o.ProviderPaymentID {
			if err := markOrderPaid(ctx, r, o, "user", now); err != nil {
				return err
			}
			paidEvent = &OrderPaidEvent{
				OrderID:    o.ID,
				UserID:     o.UserID,
				TotalPrice: o.TotalPrice,
				PaidAt:     now,
			}
			out.PaymentStatus = string(model.PaymentStatusPaid)
			out.Paid = true
			return nil
		}

		if _, err := failOrder(ctx, r, u.ledger, o, model.PaymentStatusFailed, "verification failed", "user", now); err != nil {
			return err
		}
		out.PaymentStatus = string(model.PaymentStatusFailed)
		return nil
	})
	if err != nil {
		return VerifyPaymentOutput{}, err
	}

	if u.publisher != nil && paidEvent != nil {
		u.publisher.PublishOrderPaid(*paidEvent)
	}
	return out, nil
}

// ユーザー起点のキャンセル。pending_paymentの間だけ許す。
func (u *PaymentUsecase) Cancel(ctx context.Context, userID int64, orderID int64) error {
	if userID <= 0 {
		return NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if orderID <= 0 {
		return NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	return u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByIDForUpdate(ctx, orderID)
		if err == repo.ErrNotFound {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if o.UserID != userID {
			return NewHTTPError(http.StatusNotFound, "not found")
		}

		// プロバイダが先にpaidにしていたらもうキャンセルできない
		if o.PaymentStatus != model.PaymentStatusPendingPayment {
			return NewHTTPError(http.StatusConflict, "order not cancellable")
		}

		_, err = failOrder(ctx, r, u.ledger, o, model.PaymentStatusCancelled, "cancelled by user", "user", time.Now())
		return err
	})
}

type StatusItemOutput struct {
	ProductID     int64  `json:"product_id"`
	CombinationID string `json:"combination_id,omitempty"`
	Name          string `json:"name"`
	Price         int64  `json:"price"`
	Quantity      int64  `json:"quantity"`
}

type StatusOutput struct {
	ID            int64  `json:"id"`
	PaymentStatus string `json:"payment_status"`

	// 以下は所有者にだけ返す
	Status       string             `json:"status,omitempty"`
	TotalPrice   int64              `json:"total_price,omitempty"`
	CancelReason string             `json:"cancel_reason,omitempty"`
	CanceledBy   string             `json:"canceled_by,omitempty"`
	CreatedAt    *time.Time         `json:"created_at,omitempty"`
	PaidAt       *time.Time         `json:"paid_at,omitempty"`
	CanceledAt   *time.Time         `json:"canceled_at,omitempty"`
	Items        []StatusItemOutput `json:"items,omitempty"`
}

// 所有者にはフル、それ以外には最小限のステータスだけ返す（認可境界）。
func (u *PaymentUsecase) Status(ctx context.Context, userID int64, orderID int64) (StatusOutput, error) {
	if orderID <= 0 {
		return StatusOutput{}, NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var out StatusOutput
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if err == repo.ErrNotFound {
			return NewHTTPError(http.StatusNotFound, "not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		out = StatusOutput{
			ID:            o.ID,
			PaymentStatus: string(o.PaymentStatus),
		}
		if o.UserID != userID {
			return nil
		}

		items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}

		outItems := make([]StatusItemOutput, 0, len(items))
		for _, it := range items {
			outItems = append(outItems, StatusItemOutput{
				ProductID:     it.ProductID,
				CombinationID: it.CombinationID,
				Name:          it.ProductNameSnapshot,
				Price:         it.UnitPriceSnapshot,
				Quantity:      it.Quantity,
			})
		}

		createdAt := o.CreatedAt
		out.Status = string(o.Status)
		out.TotalPrice = o.TotalPrice
		out.CancelReason = o.CancelReason
		out.CanceledBy = o.CanceledBy
		out.CreatedAt = &createdAt
		out.PaidAt = o.PaidAt
		out.CanceledAt = o.CanceledAt
		out.Items = outItems
		return nil
	})
	if err != nil {
		return StatusOutput{}, err
	}
	return out, nil
}
