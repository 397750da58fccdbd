package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/Whateverdoa/SHEETBUILDER-2/internal/api/middleware"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/metrics"
)

// NewRouter builds the gin engine with the shared middleware chain.
func NewRouter(logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.CorrelationIDMiddleware(),
		middleware.SlogLoggerMiddleware(logger),
		metrics.GinMiddleware(),
	)
	return router
}
