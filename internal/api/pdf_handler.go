package api

import (
	"errors"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Whateverdoa/SHEETBUILDER-2/internal/api/middleware"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/scan"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/service"
)

const asyncEndpoint = "/api/pdf/process-with-progress"

// PDFHandler serves the submission and status endpoints.
type PDFHandler struct {
	processor *service.Processor
	scanner   *scan.Scanner
	logger    *slog.Logger
}

// NewPDFHandler constructs the handler. scanner may be nil.
func NewPDFHandler(processor *service.Processor, scanner *scan.Scanner, logger *slog.Logger) *PDFHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFHandler{processor: processor, scanner: scanner, logger: logger}
}

// parseSubmission validates the multipart form and returns the submission
// fields plus the file header for opening.
func (h *PDFHandler) parseSubmission(c *gin.Context) (*multipart.FileHeader, service.Submission, bool) {
	file, err := c.FormFile("pdfFile")
	if err != nil {
		BadRequest(c, "missing pdfFile field")
		return nil, service.Submission{}, false
	}

	if !strings.EqualFold(filepath.Ext(file.Filename), ".pdf") {
		BadRequest(c, "only PDF uploads are accepted")
		return nil, service.Submission{}, false
	}

	rotationRaw := c.DefaultPostForm("rotationAngle", "0")
	rotation, err := strconv.Atoi(rotationRaw)
	if err != nil || rotation < 0 || rotation > 360 {
		BadRequest(c, "rotation angle must be an integer within 0..360")
		return nil, service.Submission{}, false
	}

	sub := service.Submission{
		FileName:  file.Filename,
		SizeBytes: file.Size,
		Rotation:  rotation,
		Order:     c.DefaultPostForm("order", "Norm"),
	}
	return file, sub, true
}

// scanUpload runs the optional ClamAV check. The stream is consumed, so the
// caller reopens the file header afterwards.
func (h *PDFHandler) scanUpload(c *gin.Context, file *multipart.FileHeader) bool {
	if h.scanner == nil {
		return true
	}

	reader, err := file.Open()
	if err != nil {
		Internal(c, "failed to open upload")
		return false
	}
	defer reader.Close()

	if err := h.scanner.Scan(reader); err != nil {
		if errors.Is(err, scan.ErrMalicious) {
			BadRequest(c, "malicious file detected")
			return false
		}
		middleware.LoggerFromContext(c).Error("scan upload", slog.Any("error", err))
		Internal(c, "failed to scan upload")
		return false
	}
	return true
}

// ProcessWithProgress starts an asynchronous job and returns its id
// immediately. Duplicate submissions are attached to the running or cached
// equivalent job.
func (h *PDFHandler) ProcessWithProgress(c *gin.Context) {
	file, sub, ok := h.parseSubmission(c)
	if !ok {
		return
	}
	if !h.scanUpload(c, file) {
		return
	}

	reader, err := file.Open()
	if err != nil {
		Internal(c, "failed to open upload")
		return
	}
	defer reader.Close()
	sub.Body = reader

	outcome, err := h.processor.SubmitAsync(sub)
	if err != nil {
		var verr *service.ValidationError
		if errors.As(err, &verr) {
			BadRequest(c, verr.Reason)
			return
		}
		middleware.LoggerFromContext(c).Error("submit upload", slog.Any("error", err))
		Internal(c, "failed to store upload")
		return
	}

	body := gin.H{"success": true, "jobId": outcome.JobID}
	if outcome.Duplicate {
		body["duplicateOf"] = true
		if outcome.Result != nil {
			body["result"] = outcome.Result
		}
	}
	c.JSON(http.StatusOK, body)
}

// Process is the synchronous path. Large uploads are rejected with 409 and
// directed to the asynchronous endpoint.
func (h *PDFHandler) Process(c *gin.Context) {
	file, sub, ok := h.parseSubmission(c)
	if !ok {
		return
	}

	if h.processor.Registry().ShouldBlockLegacy(file.Size) {
		c.JSON(http.StatusConflict, gin.H{
			"success":          false,
			"message":          "file too large for synchronous processing; use the progress endpoint",
			"requiredEndpoint": asyncEndpoint,
		})
		return
	}

	if !h.scanUpload(c, file) {
		return
	}

	reader, err := file.Open()
	if err != nil {
		Internal(c, "failed to open upload")
		return
	}
	defer reader.Close()
	sub.Body = reader

	result, err := h.processor.ProcessSync(sub)
	if err != nil {
		var verr *service.ValidationError
		switch {
		case errors.As(err, &verr):
			BadRequest(c, verr.Reason)
		case errors.Is(err, service.ErrAlreadyRunning):
			Error(c, http.StatusConflict, "an equivalent job is already running")
		default:
			middleware.LoggerFromContext(c).Error("synchronous processing", slog.Any("error", err))
			Internal(c, err.Error())
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// Status returns a snapshot of the job record.
func (h *PDFHandler) Status(c *gin.Context) {
	jobID := c.Param("jobId")

	record, ok := h.processor.Broker().GetStatus(jobID)
	if !ok {
		NotFound(c, "job not found")
		return
	}

	var endTime any
	if record.EndedAt != nil {
		endTime = record.EndedAt
	}
	var errMsg any
	if record.ErrorMessage != "" {
		errMsg = record.ErrorMessage
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"jobId":     record.JobID,
		"stage":     record.Stage,
		"startTime": record.StartedAt,
		"endTime":   endTime,
		"progress":  record.LastProgress,
		"result":    record.Result,
		"error":     errMsg,
	})
}

// Health reports service liveness.
func (h *PDFHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "Healthy",
		"timestamp": time.Now().UTC(),
		"service":   "sheetbuilder-pdf",
	})
}
