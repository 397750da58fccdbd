// Package progress owns job records and fans progress events out to
// subscribers.
package progress

import "time"

// Stage is a phase of a composition job.
type Stage string

const (
	StageInitializing        Stage = "Initializing"
	StagePreparingDimensions Stage = "PreparingDimensions"
	StageProcessingPages     Stage = "ProcessingPages"
	StageOptimizingOutput    Stage = "OptimizingOutput"
	StageFinalizing          Stage = "Finalizing"
	StageCompleted           Stage = "Completed"
	StageFailed              Stage = "Failed"
)

// stageRank orders the non-terminal ladder so invalid transitions can be
// detected. Failed is reachable from any non-terminal stage.
var stageRank = map[Stage]int{
	StageInitializing:        0,
	StagePreparingDimensions: 1,
	StageProcessingPages:     2,
	StageOptimizingOutput:    3,
	StageFinalizing:          4,
	StageCompleted:           5,
	StageFailed:              5,
}

// IsTerminal reports whether the stage is final.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// PerfStats carries worker-side counters so operators can tune the
// form-object cache capacity.
type PerfStats struct {
	MemoryMB        float64 `json:"memoryMB"`
	CacheHits       int64   `json:"cacheHits"`
	CacheMisses     int64   `json:"cacheMisses"`
	CacheHitRatio   float64 `json:"cacheHitRatio"`
	CachedObjects   int     `json:"cachedObjects"`
	SheetsGenerated int     `json:"sheetsGenerated"`
}

// Event is one progress update. Every event carries the full current state,
// so dropping intermediate events loses nothing a subscriber needs.
type Event struct {
	JobID           string     `json:"jobId"`
	Stage           Stage      `json:"stage"`
	CurrentPage     int        `json:"currentPage"`
	TotalPages      int        `json:"totalPages"`
	PercentComplete float64    `json:"percentComplete"`
	PagesPerSecond  float64    `json:"pagesPerSecond"`
	EtaSeconds      float64    `json:"etaSeconds"`
	ElapsedSeconds  float64    `json:"elapsedSeconds"`
	Operation       string     `json:"operation"`
	Perf            *PerfStats `json:"perf,omitempty"`
	Timestamp       time.Time  `json:"timestamp"`
}

// Result is the final outcome of a completed job.
type Result struct {
	Success              bool   `json:"success"`
	Message              string `json:"message"`
	OutputFileName       string `json:"outputFileName"`
	DownloadPath         string `json:"downloadPath"`
	ProcessingTimeMillis int64  `json:"processingTimeMillis"`
	InputPages           int    `json:"inputPages"`
	OutputPages          int    `json:"outputPages"`
}

// JobRecord is the broker's view of one job.
type JobRecord struct {
	JobID        string     `json:"jobId"`
	Stage        Stage      `json:"stage"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	LastProgress *Event     `json:"lastProgress,omitempty"`
	Result       *Result    `json:"result,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// IsTerminal reports whether the record reached a final stage.
func (r *JobRecord) IsTerminal() bool {
	return r.Stage.IsTerminal()
}

// clone returns a deep copy so callers never alias broker-owned state.
func (r *JobRecord) clone() JobRecord {
	out := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if r.LastProgress != nil {
		evt := *r.LastProgress
		if r.LastProgress.Perf != nil {
			perf := *r.LastProgress.Perf
			evt.Perf = &perf
		}
		out.LastProgress = &evt
	}
	if r.Result != nil {
		res := *r.Result
		out.Result = &res
	}
	return out
}
