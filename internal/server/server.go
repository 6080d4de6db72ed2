package server

import (
	"app/internal/config"
	"app/internal/handler"
	"app/internal/metrics"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

func New(cfg config.Config, orderH *handler.OrderHandler, paymentH *handler.PaymentHandler, webhookH *handler.WebhookHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomw.Recover())
	e.Use(metrics.Middleware())

	RegisterRoutes(e, cfg, orderH, paymentH, webhookH)
	return e
}
