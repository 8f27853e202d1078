package api

import (
	"log/slog"
	"net/http"

	"github.com/Domenick1991/paysession/internal/metrics"
	"github.com/gin-gonic/gin"
)

const PaymentsBasePath = "/api/classwallet"

// NewRouter builds the gin engine serving the payment endpoints.
func NewRouter(payments *PaymentHandler, logger *slog.Logger, m *metrics.Metrics) *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(Recovery(logger), RequestLogger(logger, m))

	router.NoMethod(routeCORS(router), methodNotAllowed)
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "Not found"})
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	payments.Register(router.Group(PaymentsBasePath))
	return router
}
