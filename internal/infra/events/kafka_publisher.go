package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"app/internal/usecase"

	"github.com/segmentio/kafka-go"
)

// paidイベントをKafkaへ流すfire-and-forgetパブリッシャ。
// 送信はバッファ付きチャネル越しの別goroutineで行い、
// 詰まっても決済処理側は一切ブロックしない。
type KafkaPaidPublisher struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
	log     *slog.Logger

	// シャットダウン後のPublishを弾く。inboxは決して閉じない
	// （送信側が生きている間にcloseするとpanicになる）。
	mu     sync.Mutex
	closed bool
}

func NewKafkaPaidPublisher(brokers []string, topic string, buf int, log *slog.Logger) *KafkaPaidPublisher {
	return &KafkaPaidPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
		log:     log,
	}
}

func (p *KafkaPaidPublisher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				//これ以降の投入を止めてから残りをフラッシュする。
				//closedを立てた時点で新しい送信は入ってこない
				p.mu.Lock()
				p.closed = true
				p.mu.Unlock()

				for {
					select {
					case m := <-p.inbox:
						if err := p.w.WriteMessages(context.Background(), m); err != nil {
							p.log.Error("paid event flush failed", "err", err)
						}
					default:
						_ = p.w.Close()
						close(p.closeCh)
						return
					}
				}
			case m := <-p.inbox:
				if err := p.w.WriteMessages(context.Background(), m); err != nil {
					p.log.Error("paid event publish failed", "err", err)
				}
			}
		}
	}()
}

func (p *KafkaPaidPublisher) PublishOrderPaid(e usecase.OrderPaidEvent) {
	value, err := json.Marshal(e)
	if err != nil {
		p.log.Error("paid event marshal failed", "order_id", e.OrderID, "err", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(e.OrderID, 10)),
		Value: value,
		Time:  time.Now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		//paid遷移は既に確定している。落とすだけ
		p.log.Warn("paid event dropped: publisher closed", "order_id", e.OrderID)
		return
	}

	select {
	case p.inbox <- msg:
	default:
		//バッファが溢れたら捨てる
		p.log.Warn("paid event dropped: inbox full", "order_id", e.OrderID)
	}
}

func (p *KafkaPaidPublisher) WaitClosed() { <-p.closeCh }

var _ usecase.EventPublisher = (*KafkaPaidPublisher)(nil)
