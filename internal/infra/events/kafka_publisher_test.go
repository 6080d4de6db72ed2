package events

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"app/internal/usecase"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func paidEvent(orderID int64) usecase.OrderPaidEvent {
	return usecase.OrderPaidEvent{OrderID: orderID, UserID: 7, TotalPrice: 3000, PaidAt: time.Now()}
}

// グレースフルシャットダウン中にwebhookが完了するケース。
// 閉じた後のPublishはpanicせず捨てるだけでなければならない。
func TestKafkaPaidPublisher_PublishAfterShutdown(t *testing.T) {
	p := NewKafkaPaidPublisher([]string{"127.0.0.1:1"}, "order.paid", 4, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()
	p.WaitClosed()

	assert.NotPanics(t, func() {
		p.PublishOrderPaid(paidEvent(1))
	})
}

// バッファが溢れても送信側は一切ブロックしない。
func TestKafkaPaidPublisher_DropWhenFull(t *testing.T) {
	//Startしない＝消費されない状態でバッファ1に5件流す
	p := NewKafkaPaidPublisher([]string{"127.0.0.1:1"}, "order.paid", 1, testLogger())

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 5; i++ {
			p.PublishOrderPaid(paidEvent(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full inbox")
	}
	assert.Len(t, p.inbox, 1, "入るのは最初の1件だけ")
}
