package usecase

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"app/internal/domain/model"
	"app/internal/metrics"
	"app/internal/payment"
	repo "app/internal/repository"
)

// プロバイダからの通知ペイロード。
// payment_statusはbool/数値/文字列のどれでも受ける。
type WebhookPayload struct {
	Token         string      `json:"token"`
	PaymentStatus interface{} `json:"payment_status"`
	CheckSum      string      `json:"check_sum"`
}

type WebhookOutcome string

const (
	WebhookOutcomePaid      WebhookOutcome = "paid"
	WebhookOutcomeFailed    WebhookOutcome = "failed"
	WebhookOutcomeDuplicate WebhookOutcome = "duplicate"
	WebhookOutcomeIgnored   WebhookOutcome = "ignored"
)

type WebhookResult struct {
	OrderID int64          `json:"order_id"`
	Outcome WebhookOutcome `json:"outcome"`
}

type WebhookUsecase struct {
	tx     repo.TransactionManager
	ledger *StockLedger
	apiKey string

	// 本番はチェックサム必須。開発は警告だけ出して通す（意図した非対称）。
	strict bool

	guard     ReplayGuard    // nil可
	publisher EventPublisher // nil可
	log       *slog.Logger
}

func NewWebhookUsecase(
	tx repo.TransactionManager,
	ledger *StockLedger,
	apiKey string,
	strict bool,
	guard ReplayGuard,
	publisher EventPublisher,
	log *slog.Logger,
) *WebhookUsecase {
	return &WebhookUsecase{
		tx:        tx,
		ledger:    ledger,
		apiKey:    apiKey,
		strict:    strict,
		guard:     guard,
		publisher: publisher,
		log:       log,
	}
}

func (u *WebhookUsecase) Process(ctx context.Context, p WebhookPayload) (WebhookResult, error) {
	token := strings.TrimSpace(p.Token)
	if token == "" {
		metrics.WebhookOutcomes.WithLabelValues("rejected").Inc()
		return WebhookResult{}, NewHTTPError(http.StatusBadRequest, "missing token")
	}

	if p.CheckSum == "" {
		if u.strict {
			metrics.WebhookOutcomes.WithLabelValues("rejected").Inc()
			return WebhookResult{}, NewHTTPError(http.StatusBadRequest, "missing check_sum")
		}
		u.log.Warn("webhook accepted without check_sum", "token", token)
	} else if !payment.VerifyChecksum(token, p.PaymentStatus, p.CheckSum, u.apiKey) {
		// 署名が合わない通知は注文に一切触れない
		metrics.WebhookOutcomes.WithLabelValues("rejected").Inc()
		u.log.Warn("webhook with invalid check_sum", "token", token)
		return WebhookResult{}, NewHTTPError(http.StatusUnauthorized, "invalid check_sum")
	}

	paid, known := payment.NormalizePaymentStatus(p.PaymentStatus)

	// redisの足切りはベストエフォート。落ちていても処理は続ける。
	var lockedKey string
	if u.guard != nil && known {
		key := token + ":" + statusBit(paid)
		fresh, err := u.guard.TryLock(ctx, "webhook", key)
		if err != nil {
			u.log.Warn("replay guard unavailable", "err", err)
		} else if !fresh {
			metrics.WebhookOutcomes.WithLabelValues(string(WebhookOutcomeDuplicate)).Inc()
			return WebhookResult{Outcome: WebhookOutcomeDuplicate}, nil
		} else {
			lockedKey = key
		}
	}

	var res WebhookResult
	var paidEvent *OrderPaidEvent

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByProviderPaymentIDForUpdate(ctx, token)
		if err == repo.ErrNotFound {
			return NewHTTPError(http.StatusNotFound, "order not found")
		}
		if err != nil {
			return NewHTTPError(http.StatusInternalServerError, "db error")
		}
		res.OrderID = o.ID

		// 冪等ガード：終端済みなら何もせず成功で応える（プロバイダは再送してくる）
		if o.PaymentStatus.Terminal() {
			res.Outcome = WebhookOutcomeDuplicate
			return nil
		}

		if !known {
			// 情報系のpingは受領だけ
			res.Outcome = WebhookOutcomeIgnored
			return nil
		}

		now := time.Now()
		if paid {
			if err := markOrderPaid(ctx, r, o, "provider", now); err != nil {
				return err
			}
			paidEvent = &OrderPaidEvent{
				OrderID:    o.ID,
				UserID:     o.UserID,
				TotalPrice: o.TotalPrice,
				PaidAt:     now,
			}
			res.Outcome = WebhookOutcomePaid
			return nil
		}

		if _, err := failOrder(ctx, r, u.ledger, o, model.PaymentStatusFailed, "payment failed", "provider", now); err != nil {
			return err
		}
		res.Outcome = WebhookOutcomeFailed
		return nil
	})
	if err != nil {
		//失敗した通知のロックは返す。返せなくてもTTLで消えるだけなので続行。
		if lockedKey != "" {
			if uerr := u.guard.Unlock(ctx, "webhook", lockedKey); uerr != nil {
				u.log.Warn("replay guard unlock failed", "key", lockedKey, "err", uerr)
			}
		}
		return WebhookResult{}, err
	}

	switch res.Outcome {
	case WebhookOutcomePaid:
		//下流副作用はfire-and-forget。失敗してもpaidは確定済み。
		if u.publisher != nil && paidEvent != nil {
			u.publisher.PublishOrderPaid(*paidEvent)
		}
	case WebhookOutcomeIgnored:
		u.log.Warn("webhook with unknown payment_status", "token", token, "order_id", res.OrderID)
	}
	metrics.WebhookOutcomes.WithLabelValues(string(res.Outcome)).Inc()

	return res, nil
}

func statusBit(paid bool) string {
	if paid {
		return "1"
	}
	return "0"
}

// paid遷移。在庫は注文時に引いたまま維持する（フルフィルメントまで予約継続）。
func markOrderPaid(ctx context.Context, r repo.TxRepos, o model.Order, actor string, now time.Time) error {
	if err := r.Orders().MarkPaid(ctx, o.ID, now); err != nil {
		return NewHTTPError(http.StatusInternalServerError, "db error")
	}
	return writeTransitionAudit(ctx, r, o, model.PaymentStatusPaid, actor, now)
}

// 終端失敗遷移。在庫戻し・stock_consumed解除・ステータス更新を同一トランザクションで行う。
func failOrder(ctx context.Context, r repo.TxRepos, ledger *StockLedger, o model.Order, ps model.PaymentStatus, reason string, actor string, now time.Time) (restored bool, err error) {
	if o.StockConsumed {
		items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
		if err != nil {
			return false, NewHTTPError(http.StatusInternalServerError, "db error")
		}
		if err := ledger.Restore(ctx, r, StockItemsFromOrderItems(items)); err != nil {
			return false, NewHTTPError(http.StatusInternalServerError, "db error")
		}
		restored = true
	}

	if err := r.Orders().MarkTerminal(ctx, o.ID, ps, reason, actor, now); err != nil {
		return restored, NewHTTPError(http.StatusInternalServerError, "db error")
	}
	if err := writeTransitionAudit(ctx, r, o, ps, actor, now); err != nil {
		return restored, err
	}
	return restored, nil
}

func writeTransitionAudit(ctx context.Context, r repo.TxRepos, o model.Order, to model.PaymentStatus, actor string, now time.Time) error {
	var actorUserID int64
	if actor == "user" {
		actorUserID = o.UserID
	}

	beforeJSON := `{"payment_status":"` + string(o.PaymentStatus) + `"}`
	afterJSON := `{"payment_status":"` + string(to) + `"}`
	if err := r.AuditLogs().Create(ctx, model.AuditLog{
		ActorUserID:  actorUserID,
		Actor:        actor,
		Action:       model.AuditActionPaymentTransition,
		ResourceType: model.AuditResourceOrder,
		ResourceID:   o.ID,
		BeforeJSON:   beforeJSON,
		AfterJSON:    afterJSON,
		CreatedAt:    now,
	}); err != nil {
		return NewHTTPError(http.StatusInternalServerError, "db error")
	}
	return nil
}
