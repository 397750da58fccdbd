// Package registry decides the fate of a submission before any work begins:
// at most one running job per upload fingerprint, and recently completed
// results are reused instead of reprocessed.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Whateverdoa/SHEETBUILDER-2/internal/config"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/fingerprint"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/progress"
)

const sweepInterval = 5 * time.Minute

// OutcomeKind classifies what RegisterOrResolve decided.
type OutcomeKind int

const (
	// Registered means a fresh submission; the caller proceeds to start work.
	Registered OutcomeKind = iota
	// DuplicateActive means an equivalent job is already running.
	DuplicateActive
	// DuplicateCompleted means an equivalent job finished within the TTL.
	DuplicateCompleted
)

// Outcome is the registry's decision for one submission.
type Outcome struct {
	Kind   OutcomeKind
	JobID  string
	Result *progress.Result
}

// ActiveEntry records a currently running job for a fingerprint digest.
type ActiveEntry struct {
	Digest    string
	JobID     string
	StartedAt time.Time
}

// CompletedEntry records a finished job whose result may be reused until it
// expires.
type CompletedEntry struct {
	Digest      string
	JobID       string
	CompletedAt time.Time
	Result      progress.Result
}

func (e CompletedEntry) expired(ttl time.Duration, now time.Time) bool {
	return e.CompletedAt.Add(ttl).Before(now)
}

// Registry serializes concurrent submissions per fingerprint digest.
type Registry struct {
	mu        sync.Mutex
	active    map[string]ActiveEntry
	completed map[string]CompletedEntry
	cfg       config.ReliabilityConfig
	logger    *slog.Logger
	stop      chan struct{}
}

// New constructs a registry and starts its completed-entry sweep.
func New(cfg config.ReliabilityConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		active:    make(map[string]ActiveEntry),
		completed: make(map[string]CompletedEntry),
		cfg:       cfg,
		logger:    logger,
		stop:      make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Close stops the background sweep.
func (r *Registry) Close() {
	close(r.stop)
}

// RegisterOrResolve returns the fate of a new submission. jobIDFactory is
// invoked only for a fresh registration, as the last step, so a factory
// panic leaves registry state unchanged.
func (r *Registry) RegisterOrResolve(fp fingerprint.Fingerprint, jobIDFactory func() string) Outcome {
	if !r.cfg.IdempotencyActive {
		return Outcome{Kind: Registered, JobID: jobIDFactory()}
	}

	digest := fp.Digest()
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.active[digest]; ok {
		return Outcome{Kind: DuplicateActive, JobID: entry.JobID}
	}

	if entry, ok := r.completed[digest]; ok {
		if !entry.expired(r.cfg.ResultTTL(), now) {
			result := entry.Result
			return Outcome{Kind: DuplicateCompleted, JobID: entry.JobID, Result: &result}
		}
		delete(r.completed, digest)
	}

	jobID := jobIDFactory()
	r.active[digest] = ActiveEntry{Digest: digest, JobID: jobID, StartedAt: now}
	return Outcome{Kind: Registered, JobID: jobID}
}

// MarkCompleted removes the matching active entry and stores the result for
// reuse. A stale caller whose jobID no longer matches is ignored.
func (r *Registry) MarkCompleted(fp fingerprint.Fingerprint, jobID string, result progress.Result) {
	digest := fp.Digest()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[digest]
	if !ok || entry.JobID != jobID {
		r.logger.Warn("mark completed for non-active job",
			slog.String("job_id", jobID),
		)
		return
	}

	delete(r.active, digest)
	r.completed[digest] = CompletedEntry{
		Digest:      digest,
		JobID:       jobID,
		CompletedAt: time.Now().UTC(),
		Result:      result,
	}
}

// MarkFailed removes the active entry without caching anything, so an
// immediate retry is allowed.
func (r *Registry) MarkFailed(fp fingerprint.Fingerprint, jobID string) {
	digest := fp.Digest()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[digest]
	if !ok || entry.JobID != jobID {
		return
	}
	delete(r.active, digest)
}

// ShouldBlockLegacy reports whether the synchronous endpoint must reject an
// upload of the given size and direct it to the asynchronous path.
func (r *Registry) ShouldBlockLegacy(sizeBytes int64) bool {
	return r.cfg.EnforceProgressForLarge && sizeBytes >= r.cfg.ThresholdBytes()
}

// InvalidateResultsByFile drops completed entries whose cached result points
// at the given output file. Used when deleteAfterDownload removes the file so
// a later duplicate reprocesses instead of returning a dead link.
func (r *Registry) InvalidateResultsByFile(outputFileName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for digest, entry := range r.completed {
		if entry.Result.OutputFileName == outputFileName {
			delete(r.completed, digest)
		}
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep(time.Now().UTC())
		}
	}
}

// sweep drops expired completed entries. Lazy eviction on lookup makes a
// missed tick harmless.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for digest, entry := range r.completed {
		if entry.expired(r.cfg.ResultTTL(), now) {
			delete(r.completed, digest)
		}
	}
}
