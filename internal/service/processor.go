// Package service wires fingerprinting, the reliability registry, the
// progress broker and the composition worker into the submission flow.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/Whateverdoa/SHEETBUILDER-2/internal/fingerprint"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/metrics"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/progress"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/registry"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/sheet"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/storage"
)

// ErrAlreadyRunning is returned by the synchronous path when an equivalent
// job is in flight.
var ErrAlreadyRunning = errors.New("equivalent job already running")

// ValidationError marks malformed submissions; it never creates a job.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Submission describes one upload.
type Submission struct {
	FileName  string
	SizeBytes int64
	Rotation  int
	Order     string
	Body      io.Reader
}

// SubmitOutcome is what the asynchronous endpoint returns to the client.
type SubmitOutcome struct {
	JobID     string
	Duplicate bool
	Result    *progress.Result
}

// CompositionRunner executes one composition request. *sheet.Composer is
// the production implementation.
type CompositionRunner interface {
	Run(req sheet.Request) (progress.Result, error)
}

// Processor owns the submission control flow.
type Processor struct {
	registry *registry.Registry
	broker   *progress.Broker
	storage  *storage.Client
	composer CompositionRunner
	logger   *slog.Logger

	// spawned counts composition tasks actually started; the dedup tests
	// observe it.
	spawned atomic.Int64
}

// NewProcessor constructs the processor.
func NewProcessor(reg *registry.Registry, broker *progress.Broker, store *storage.Client, composer CompositionRunner, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		registry: reg,
		broker:   broker,
		storage:  store,
		composer: composer,
		logger:   logger,
	}
}

// Spawned returns how many composition tasks have been started.
func (p *Processor) Spawned() int64 {
	return p.spawned.Load()
}

// Registry exposes the reliability registry for the handlers that gate and
// invalidate through it.
func (p *Processor) Registry() *registry.Registry {
	return p.registry
}

// Broker exposes the progress broker for status and subscription handlers.
func (p *Processor) Broker() *progress.Broker {
	return p.broker
}

// Storage exposes the uploads directory client.
func (p *Processor) Storage() *storage.Client {
	return p.storage
}

func validate(sub Submission) error {
	if sub.FileName == "" {
		return &ValidationError{Reason: "missing file name"}
	}
	if sub.Rotation < 0 || sub.Rotation > 360 {
		return &ValidationError{Reason: "rotation angle must be within 0..360"}
	}
	return nil
}

// SubmitAsync registers the upload and, for a fresh submission, stages it and
// spawns the composition task. Returns immediately with the job id.
func (p *Processor) SubmitAsync(sub Submission) (SubmitOutcome, error) {
	if err := validate(sub); err != nil {
		return SubmitOutcome{}, err
	}

	fp := fingerprint.New(sub.FileName, sub.SizeBytes, sub.Rotation, sub.Order)
	outcome := p.registry.RegisterOrResolve(fp, p.broker.CreateJob)

	switch outcome.Kind {
	case registry.DuplicateActive:
		p.logger.Info("duplicate submission attached to running job",
			slog.String("job_id", outcome.JobID),
		)
		return SubmitOutcome{JobID: outcome.JobID, Duplicate: true}, nil

	case registry.DuplicateCompleted:
		p.logger.Info("duplicate submission served from completed cache",
			slog.String("job_id", outcome.JobID),
		)
		return SubmitOutcome{JobID: outcome.JobID, Duplicate: true, Result: outcome.Result}, nil
	}

	jobID := outcome.JobID
	stagedPath, err := p.storage.SaveUpload(sub.Body, fp.FileName)
	if err != nil {
		p.broker.FailJob(jobID, "failed to store upload")
		p.registry.MarkFailed(fp, jobID)
		return SubmitOutcome{}, fmt.Errorf("store upload: %w", err)
	}

	req := sheet.Request{
		JobID:            jobID,
		SourcePath:       stagedPath,
		OriginalFileName: fp.FileName,
		Rotation:         fp.Rotation,
		Order:            fp.Order,
		UploadsDir:       p.storage.Dir(),
	}

	p.spawned.Add(1)
	metrics.CompositionStarted()
	go p.runComposition(fp, req)

	return SubmitOutcome{JobID: jobID}, nil
}

// ProcessSync runs the composition inline for the legacy endpoint. The size
// gate is applied by the handler before any of this happens.
func (p *Processor) ProcessSync(sub Submission) (progress.Result, error) {
	if err := validate(sub); err != nil {
		return progress.Result{}, err
	}

	fp := fingerprint.New(sub.FileName, sub.SizeBytes, sub.Rotation, sub.Order)
	outcome := p.registry.RegisterOrResolve(fp, p.broker.CreateJob)

	switch outcome.Kind {
	case registry.DuplicateActive:
		return progress.Result{}, ErrAlreadyRunning
	case registry.DuplicateCompleted:
		return *outcome.Result, nil
	}

	jobID := outcome.JobID
	stagedPath, err := p.storage.SaveUpload(sub.Body, fp.FileName)
	if err != nil {
		p.broker.FailJob(jobID, "failed to store upload")
		p.registry.MarkFailed(fp, jobID)
		return progress.Result{}, fmt.Errorf("store upload: %w", err)
	}

	req := sheet.Request{
		JobID:            jobID,
		SourcePath:       stagedPath,
		OriginalFileName: fp.FileName,
		Rotation:         fp.Rotation,
		Order:            fp.Order,
		UploadsDir:       p.storage.Dir(),
	}

	p.spawned.Add(1)
	metrics.CompositionStarted()
	result, runErr := p.finishComposition(fp, req)
	if runErr != nil {
		return progress.Result{}, runErr
	}
	return result, nil
}

func (p *Processor) runComposition(fp fingerprint.Fingerprint, req sheet.Request) {
	if _, err := p.finishComposition(fp, req); err != nil {
		p.logger.Error("composition failed",
			slog.String("job_id", req.JobID),
			slog.Any("error", err),
		)
	}
}

// finishComposition runs the worker and reports terminal state, broker first
// so a subscriber observing Completed may briefly still see the active
// registry entry, never the other way around.
func (p *Processor) finishComposition(fp fingerprint.Fingerprint, req sheet.Request) (progress.Result, error) {
	result, err := p.composer.Run(req)
	if err != nil {
		metrics.CompositionFailed()
		p.broker.FailJob(req.JobID, err.Error())
		p.registry.MarkFailed(fp, req.JobID)
		return progress.Result{}, err
	}

	metrics.CompositionCompleted(result.OutputPages)
	p.broker.CompleteJob(req.JobID, result)
	p.registry.MarkCompleted(fp, req.JobID, result)
	return result, nil
}
