package main

import (
	"context"
	"time"

	"app/internal/config"
	"app/internal/domain/model"
	"app/internal/handler"
	"app/internal/infra/cache"
	"app/internal/infra/db"
	"app/internal/infra/events"
	infraRepo "app/internal/infra/repository"
	"app/internal/job"
	"app/internal/logging"
	"app/internal/payment"
	"app/internal/server"
	"app/internal/shutdown"
	"app/internal/usecase"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	log := logging.Init("payment-core", "./logs/app.log")

	//.envはローカル開発用。無ければ環境変数だけで動く
	if err := godotenv.Load(); err != nil {
		log.Info("no .env file, using environment")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "err", err)
		panic(err)
	}

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	//DB接続（接続ハンドルはここで1つだけ作り、全コンポーネントへ渡す）
	gormDB, err := db.Connect(cfg)
	if err != nil {
		log.Error("db connect failed", "err", err)
		panic(err)
	}
	if err := gormDB.AutoMigrate(
		&model.Product{},
		&model.Combination{},
		&model.Order{},
		&model.OrderItem{},
		&model.AuditLog{},
	); err != nil {
		panic(err)
	}

	tx := infraRepo.NewTxManagerGorm(gormDB)
	ledger := usecase.NewStockLedger()

	//決済プロバイダ
	gateway := payment.NewClient(payment.Config{
		APIKey:     cfg.PaymentAPIKey,
		Mode:       payment.Mode(cfg.PaymentMode),
		Endpoint:   cfg.PaymentEndpoint,
		WebhookURL: cfg.PaymentWebhookURL,
		StaticLink: cfg.PaymentStaticLink,
		ReturnURL:  cfg.FEURL + "/payment/result",
		CancelURL:  cfg.FEURL + "/payment/cancelled",
		Dev:        cfg.Dev(),
	}, logging.New("gateway"))

	//webhook再送の足切り（任意）
	var guard usecase.ReplayGuard
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		guard = cache.NewRedisReplayGuard(rdb, 24*time.Hour)
	}

	//paidイベント発行（任意）
	var publisher usecase.EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPaidPublisher(cfg.KafkaBrokers, "order.paid", 256, logging.New("events"))
		kp.Start(ctx)
		publisher = kp
	}

	//Usecase生成
	orderUC := usecase.NewOrderUsecase(tx, ledger)
	paymentUC := usecase.NewPaymentUsecase(tx, gateway, ledger, publisher, logging.New("payment"))
	webhookUC := usecase.NewWebhookUsecase(tx, ledger, cfg.PaymentAPIKey, cfg.StrictWebhook(), guard, publisher, logging.New("webhook"))
	reconcileUC := usecase.NewReconcileUsecase(tx, ledger, time.Duration(cfg.ReconcileTimeoutMin)*time.Minute, logging.New("reconcile"))

	//期限切れスイーパー
	sweeper := job.NewSweeper(reconcileUC, time.Duration(cfg.ReconcileIntervalMin)*time.Minute, logging.New("sweeper"))
	go sweeper.Run(ctx)

	//Handler生成
	orderH := handler.NewOrderHandler(orderUC)
	paymentH := handler.NewPaymentHandler(paymentUC)
	webhookH := handler.NewWebhookHandler(webhookUC)

	//Server起動
	e := server.New(cfg, orderH, paymentH, webhookH)

	addr := cfg.Port
	if addr[0] != ':' {
		addr = ":" + addr
	}

	go func() {
		if err := e.Start(addr); err != nil {
			log.Info("server stopped", "err", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "err", err)
	}
}
