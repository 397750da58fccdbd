package api

import (
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/Whateverdoa/SHEETBUILDER-2/internal/api/middleware"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/registry"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/storage"
)

// DownloadHandler streams finished output documents.
type DownloadHandler struct {
	storage  *storage.Client
	registry *registry.Registry
	logger   *slog.Logger
}

// NewDownloadHandler constructs the handler.
func NewDownloadHandler(store *storage.Client, reg *registry.Registry, logger *slog.Logger) *DownloadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadHandler{storage: store, registry: reg, logger: logger}
}

// Download serves a stored PDF. Range requests are honored by the underlying
// file server. With deleteAfterDownload=true the file is removed once the
// response is written, and any cached result pointing at it is invalidated
// so a later duplicate submission reprocesses instead of returning a dead
// link.
func (h *DownloadHandler) Download(c *gin.Context) {
	fileName := c.Param("filename")

	path, err := h.storage.Resolve(fileName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			NotFound(c, "file not found")
			return
		}
		BadRequest(c, "invalid file name")
		return
	}

	servedName := filepath.Base(path)
	c.Header("Content-Type", "application/pdf")
	c.FileAttachment(path, servedName)

	if c.Query("deleteAfterDownload") == "true" {
		if err := h.storage.Remove(path); err != nil {
			middleware.LoggerFromContext(c).Warn("delete after download",
				slog.String("path", path),
				slog.Any("error", err),
			)
			return
		}
		h.registry.InvalidateResultsByFile(servedName)
	}
}
