package server

import (
	"net/http"

	"app/internal/config"
	"app/internal/handler"
	"app/internal/metrics"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo, cfg config.Config, orderH *handler.OrderHandler, paymentH *handler.PaymentHandler, webhookH *handler.WebhookHandler) {
	//公開（チェックサムで保護）
	webhookH.RegisterRoutes(e)

	//要ログイン
	orderH.RegisterRoutes(e, cfg)
	paymentH.RegisterRoutes(e, cfg)

	e.GET("/metrics", metrics.Handler())
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
}
