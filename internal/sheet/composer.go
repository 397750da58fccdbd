package sheet

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/signintech/gopdf"

	"github.com/Whateverdoa/SHEETBUILDER-2/internal/fingerprint"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/progress"
)

// formCacheCapacity bounds memory for very large inputs: peak usage is
// roughly capacity times the average copied-page size.
const formCacheCapacity = 1000

// ProgressSink receives the worker's progress stream. *progress.Broker
// satisfies it.
type ProgressSink interface {
	UpdateProgress(jobID string, evt progress.Event)
	UpdateStage(jobID string, stage progress.Stage, operation string)
}

// Request describes one composition run.
type Request struct {
	JobID            string
	SourcePath       string
	OriginalFileName string
	Rotation         int
	Order            string
	UploadsDir       string
}

// Composer turns a stored upload into a sheet-packed output PDF, emitting
// progress along the way. Terminal job state is reported by the caller, not
// here, so completion ordering against the registry stays in one place.
type Composer struct {
	sink   ProgressSink
	logger *slog.Logger
}

// NewComposer constructs a composition worker.
func NewComposer(sink ProgressSink, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{sink: sink, logger: logger}
}

// Run executes the full pipeline. Any failure, including a panic from the
// PDF libraries on malformed input, comes back as an error; a partially
// written output is never reported as a result. The stored upload and any
// reversed intermediate are deleted on both success and failure.
func (c *Composer) Run(req Request) (result progress.Result, err error) {
	start := time.Now()
	log := c.logger.With(slog.String("job_id", req.JobID))

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("compose: %v", p)
		}
	}()

	c.emit(req.JobID, progress.Event{
		Stage:           progress.StageInitializing,
		PercentComplete: 1,
		Operation:       "Initializing",
	})

	source := req.SourcePath
	var reversedPath string
	defer func() {
		c.removeQuietly(req.SourcePath, log)
		if reversedPath != "" {
			c.removeQuietly(reversedPath, log)
		}
	}()

	if fingerprint.NormalizeOrder(req.Order) == fingerprint.OrderRev {
		reversedPath = req.SourcePath + ".reversed.pdf"
		if err := reverseCopy(req.SourcePath, reversedPath); err != nil {
			return progress.Result{}, err
		}
		source = reversedPath
		log.Info("reversed intermediate written")
	}

	dims, err := c.prepareDimensions(req.JobID, source)
	if err != nil {
		return progress.Result{}, err
	}
	totalPages := len(dims)

	standardHeight := StandardSheetHeight(dims)
	sheets, err := Pack(dims, standardHeight)
	if err != nil {
		return progress.Result{}, err
	}

	outputFileName := outputName(req.SourcePath, req.Rotation, req.Order)
	outputPath := filepath.Join(req.UploadsDir, outputFileName)

	if err := c.compose(req, source, sheets, standardHeight, totalPages, outputPath, start); err != nil {
		return progress.Result{}, err
	}

	c.sink.UpdateStage(req.JobID, progress.StageFinalizing, "Finalizing output")

	result = progress.Result{
		Success:              true,
		Message:              "Processing completed successfully",
		OutputFileName:       outputFileName,
		DownloadPath:         "/api/pdf/download/" + url.PathEscape(outputFileName),
		ProcessingTimeMillis: time.Since(start).Milliseconds(),
		InputPages:           totalPages,
		OutputPages:          len(sheets),
	}

	log.Info("composition finished",
		slog.Int("input_pages", totalPages),
		slog.Int("sheets", len(sheets)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// prepareDimensions consults each source page's declared size once.
func (c *Composer) prepareDimensions(jobID, source string) ([]Dim, error) {
	c.sink.UpdateStage(jobID, progress.StagePreparingDimensions, "Reading page dimensions")

	pageDims, err := api.PageDimsFile(source)
	if err != nil {
		return nil, fmt.Errorf("read page dimensions: %w", err)
	}
	if len(pageDims) == 0 {
		return nil, fmt.Errorf("source document has no pages")
	}

	dims := make([]Dim, len(pageDims))
	for i, d := range pageDims {
		dims[i] = Dim{Width: d.Width, Height: d.Height}

		if (i+1)%100 == 0 || i+1 == len(pageDims) {
			c.emit(jobID, progress.Event{
				Stage:           progress.StagePreparingDimensions,
				CurrentPage:     i + 1,
				TotalPages:      len(pageDims),
				PercentComplete: 5 + 5*float64(i+1)/float64(len(pageDims)),
				Operation:       fmt.Sprintf("Measured %d of %d pages", i+1, len(pageDims)),
			})
		}
	}
	return dims, nil
}

// compose writes every packed sheet to the output document, placing each
// source page through the bounded form-object cache.
func (c *Composer) compose(req Request, source string, sheets []PackedSheet, standardHeight float64, totalPages int, outputPath string, start time.Time) error {
	c.sink.UpdateStage(req.JobID, progress.StageProcessingPages, "Packing pages onto sheets")

	pdf := &gopdf.GoPdf{}
	pdf.Start(gopdf.Config{
		Unit:     gopdf.UnitPT,
		PageSize: gopdf.Rect{W: SheetWidthPt, H: standardHeight},
	})

	cache, err := newFormCache(formCacheCapacity, func(pageIndex int) (int, error) {
		return pdf.ImportPage(source, pageIndex+1, "/MediaBox"), nil
	}, nil)
	if err != nil {
		return err
	}

	reportEvery := totalPages / 50
	if reportEvery < 10 {
		reportEvery = 10
	}

	pagesDone := 0
	for sheetIdx, sheet := range sheets {
		pdf.AddPageWithOption(gopdf.PageOption{
			PageSize: &gopdf.Rect{W: SheetWidthPt, H: sheet.CanvasHeight},
		})

		for _, p := range sheet.Pages {
			tpl, err := cache.get(p.PageIndex)
			if err != nil {
				return fmt.Errorf("import page %d: %w", p.PageIndex+1, err)
			}

			if req.Rotation != 0 {
				pdf.Rotate(float64(req.Rotation), p.X+p.Width/2, p.Y+p.Height/2)
			}
			pdf.UseImportedTemplate(tpl, p.X, p.Y, p.Width, p.Height)
			if req.Rotation != 0 {
				pdf.RotateReset()
			}

			pagesDone++
			if pagesDone%reportEvery == 0 || pagesDone == totalPages {
				c.emit(req.JobID, c.processingEvent(pagesDone, totalPages, sheetIdx+1, cache, start))
			}
		}
	}

	c.sink.UpdateStage(req.JobID, progress.StageOptimizingOutput, "Compressing output document")
	c.emit(req.JobID, progress.Event{
		Stage:           progress.StageOptimizingOutput,
		CurrentPage:     totalPages,
		TotalPages:      totalPages,
		PercentComplete: 95,
		Operation:       "Compressing output document",
		Perf:            c.perfStats(cache, len(sheets)),
	})

	if err := pdf.WritePdf(outputPath); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	if err := api.OptimizeFile(outputPath, "", nil); err != nil {
		return fmt.Errorf("optimize output: %w", err)
	}
	return nil
}

func (c *Composer) processingEvent(pagesDone, totalPages, sheetsDone int, cache *formCache, start time.Time) progress.Event {
	elapsed := time.Since(start).Seconds()
	pps := float64(pagesDone) / elapsed
	minRate := pps
	if minRate < 0.1 {
		minRate = 0.1
	}

	return progress.Event{
		Stage:           progress.StageProcessingPages,
		CurrentPage:     pagesDone,
		TotalPages:      totalPages,
		PercentComplete: 10 + 80*float64(pagesDone)/float64(totalPages),
		PagesPerSecond:  pps,
		EtaSeconds:      float64(totalPages-pagesDone) / minRate,
		ElapsedSeconds:  elapsed,
		Operation:       fmt.Sprintf("Processed %d of %d pages", pagesDone, totalPages),
		Perf:            c.perfStats(cache, sheetsDone),
	}
}

func (c *Composer) perfStats(cache *formCache, sheetsGenerated int) *progress.PerfStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return &progress.PerfStats{
		MemoryMB:        float64(mem.Alloc) / 1024 / 1024,
		CacheHits:       cache.hits,
		CacheMisses:     cache.misses,
		CacheHitRatio:   cache.hitRatio(),
		CachedObjects:   cache.len(),
		SheetsGenerated: sheetsGenerated,
	}
}

func (c *Composer) emit(jobID string, evt progress.Event) {
	c.sink.UpdateProgress(jobID, evt)
}

// removeQuietly deletes intermediates without letting cleanup trouble mask
// the job outcome.
func (c *Composer) removeQuietly(path string, log *slog.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("cleanup failed", slog.String("path", path), slog.Any("error", err))
	}
}

// outputName derives `<base>_A<rot>_<ORD>.pdf` from the stored upload name.
func outputName(sourcePath string, rotation int, order string) string {
	base := filepath.Base(sourcePath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return fmt.Sprintf("%s_A%d_%s.pdf", base, rotation, fingerprint.NormalizeOrder(order))
}
