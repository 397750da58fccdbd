package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Whateverdoa/SHEETBUILDER-2/internal/scan"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/service"
)

// RegisterRoutes registers the PDF processing API. scanner may be nil when
// upload scanning is disabled.
func RegisterRoutes(router *gin.Engine, processor *service.Processor, scanner *scan.Scanner, logger *slog.Logger) {
	pdfHandler := NewPDFHandler(processor, scanner, logger)
	streamHandler := NewStreamHandler(processor.Broker(), logger)
	downloadHandler := NewDownloadHandler(processor.Storage(), processor.Registry(), logger)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	pdfGroup := router.Group("/api/pdf")
	{
		pdfGroup.POST("/process-with-progress", pdfHandler.ProcessWithProgress)
		pdfGroup.POST("/process", pdfHandler.Process)
		pdfGroup.GET("/progress/:jobId", streamHandler.Progress)
		pdfGroup.GET("/ws/:jobId", streamHandler.ProgressWebSocket)
		pdfGroup.GET("/status/:jobId", pdfHandler.Status)
		pdfGroup.GET("/download/:filename", downloadHandler.Download)
		pdfGroup.GET("/health", pdfHandler.Health)
	}
}
