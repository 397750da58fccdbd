package progress

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// reapInterval is how often stale records are swept.
	reapInterval = 5 * time.Minute

	// terminalRetention is how long terminal records stay queryable.
	terminalRetention = 2 * time.Hour

	// stuckRetention is how long a record may stay non-terminal before it
	// is presumed stuck and reaped.
	stuckRetention = 30 * time.Minute

	// DefaultWaitTimeout bounds one subscriber wait. Subscribers re-subscribe
	// after a timeout so a silent job cannot pin a stream open forever.
	DefaultWaitTimeout = 30 * time.Second
)

// ErrJobNotFound is returned when a job id has no record.
var ErrJobNotFound = errors.New("job not found")

type jobState struct {
	record  JobRecord
	waiters []chan Event
}

// Broker is the sole owner of job records. Workers push events in;
// subscribers take them out one at a time.
type Broker struct {
	mu          sync.Mutex
	jobs        map[string]*jobState
	logger      *slog.Logger
	waitTimeout time.Duration
	stop        chan struct{}
}

// NewBroker constructs a broker and starts its background reaper.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		jobs:        make(map[string]*jobState),
		logger:      logger,
		waitTimeout: DefaultWaitTimeout,
		stop:        make(chan struct{}),
	}
	go b.reapLoop()
	return b
}

// Close stops the background reaper.
func (b *Broker) Close() {
	close(b.stop)
}

// CreateJob stores a fresh Initializing record and returns its id.
func (b *Broker) CreateJob() string {
	id := newJobID()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[id] = &jobState{
		record: JobRecord{
			JobID:     id,
			Stage:     StageInitializing,
			StartedAt: time.Now().UTC(),
		},
	}
	return id
}

// newJobID returns a 12-hex-char id. Collision-resistant for the in-memory
// population; bounded length keeps URLs short.
func newJobID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().UTC().Format("150405.000")))[:12]
	}
	return hex.EncodeToString(buf)
}

// UpdateProgress records the event on the job and delivers it to current
// subscribers. Events for unknown or terminal jobs are dropped.
func (b *Broker) UpdateProgress(jobID string, evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	js, ok := b.jobs[jobID]
	if !ok {
		b.logger.Warn("progress event for unknown job", slog.String("job_id", jobID))
		return
	}
	if js.record.IsTerminal() {
		return
	}

	evt.JobID = jobID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Stage == "" {
		evt.Stage = js.record.Stage
	}
	js.record.LastProgress = &evt
	b.deliverLocked(js, evt)
}

// UpdateStage transitions the job's stage and emits a synthesized event
// carrying the change. Invalid transitions are silently ignored.
func (b *Broker) UpdateStage(jobID string, stage Stage, operation string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	js, ok := b.jobs[jobID]
	if !ok || !validTransition(js.record.Stage, stage) {
		return
	}
	js.record.Stage = stage

	evt := b.synthesizeLocked(js, stage, operation)
	js.record.LastProgress = &evt
	b.deliverLocked(js, evt)
}

// CompleteJob moves the job to Completed and emits the terminal event.
// A second call is a no-op; terminal records are write-once.
func (b *Broker) CompleteJob(jobID string, result Result) {
	b.terminate(jobID, StageCompleted, result.Message, &result)
}

// FailJob moves the job to Failed and emits the terminal event.
func (b *Broker) FailJob(jobID string, errMsg string) {
	b.terminate(jobID, StageFailed, errMsg, nil)
}

func (b *Broker) terminate(jobID string, stage Stage, msg string, result *Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	js, ok := b.jobs[jobID]
	if !ok || js.record.IsTerminal() {
		return
	}

	now := time.Now().UTC()
	js.record.Stage = stage
	js.record.EndedAt = &now
	if result != nil {
		res := *result
		js.record.Result = &res
	} else {
		js.record.ErrorMessage = msg
	}

	evt := b.synthesizeLocked(js, stage, msg)
	evt.PercentComplete = 100
	if stage == StageFailed && js.record.LastProgress != nil {
		evt.PercentComplete = js.record.LastProgress.PercentComplete
	}
	js.record.LastProgress = &evt
	b.deliverLocked(js, evt)
}

// GetStatus returns a snapshot of the job record.
func (b *Broker) GetStatus(jobID string) (JobRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	js, ok := b.jobs[jobID]
	if !ok {
		return JobRecord{}, false
	}
	return js.record.clone(), true
}

// synthesizeLocked builds a stage-change event that inherits the page
// counters of the last event so subscribers always see full state.
func (b *Broker) synthesizeLocked(js *jobState, stage Stage, operation string) Event {
	evt := Event{
		JobID:     js.record.JobID,
		Stage:     stage,
		Operation: operation,
		Timestamp: time.Now().UTC(),
	}
	if last := js.record.LastProgress; last != nil {
		evt.CurrentPage = last.CurrentPage
		evt.TotalPages = last.TotalPages
		evt.PercentComplete = last.PercentComplete
		evt.ElapsedSeconds = last.ElapsedSeconds
		evt.Perf = last.Perf
	}
	return evt
}

// deliverLocked wakes every registered waiter with the event and clears the
// list. Waiter channels are buffered so a slow subscriber never blocks the
// publisher; a subscriber that went away simply misses the wake.
func (b *Broker) deliverLocked(js *jobState, evt Event) {
	for _, ch := range js.waiters {
		select {
		case ch <- evt:
		default:
			b.logger.Debug("dropping wake for stale subscriber", slog.String("job_id", evt.JobID))
		}
	}
	js.waiters = nil
}

func validTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	return stageRank[to] > stageRank[from]
}

// Subscription yields the progress events of one job, one per Next call.
type Subscription struct {
	broker           *Broker
	jobID            string
	terminalAccepted bool
}

// Subscribe attaches to a job. The subscription terminates after yielding a
// terminal event, when the caller's context is cancelled, or when a single
// wait exceeds the broker's wait timeout.
func (b *Broker) Subscribe(jobID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.jobs[jobID]; !ok {
		return nil, ErrJobNotFound
	}
	return &Subscription{broker: b, jobID: jobID}, nil
}

// Next blocks for the next event. ok is false once the sequence is over:
// terminal already delivered, job reaped, context cancelled, or wait timeout.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	b := s.broker

	b.mu.Lock()
	js, ok := b.jobs[s.jobID]
	if !ok {
		b.mu.Unlock()
		return Event{}, false
	}
	if js.record.IsTerminal() {
		rec := js.record.clone()
		b.mu.Unlock()
		if s.terminalAccepted {
			return Event{}, false
		}
		s.terminalAccepted = true
		if rec.LastProgress != nil {
			return *rec.LastProgress, true
		}
		return Event{JobID: s.jobID, Stage: rec.Stage, PercentComplete: 100, Timestamp: time.Now().UTC()}, true
	}

	ch := make(chan Event, 1)
	js.waiters = append(js.waiters, ch)
	b.mu.Unlock()

	timer := time.NewTimer(b.waitTimeout)
	defer timer.Stop()

	select {
	case evt := <-ch:
		if evt.Stage.IsTerminal() {
			s.terminalAccepted = true
		}
		return evt, true
	case <-ctx.Done():
		b.removeWaiter(s.jobID, ch)
		return Event{}, false
	case <-timer.C:
		b.removeWaiter(s.jobID, ch)
		return Event{}, false
	}
}

func (b *Broker) removeWaiter(jobID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	js, ok := b.jobs[jobID]
	if !ok {
		return
	}
	for i, w := range js.waiters {
		if w == ch {
			js.waiters = append(js.waiters[:i], js.waiters[i+1:]...)
			return
		}
	}
}

func (b *Broker) reapLoop() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.reap(time.Now().UTC())
		}
	}
}

// reap drops terminal records past retention and non-terminal records that
// have been running long enough to be presumed stuck.
func (b *Broker) reap(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, js := range b.jobs {
		switch {
		case js.record.EndedAt != nil && js.record.EndedAt.Add(terminalRetention).Before(now):
			delete(b.jobs, id)
		case js.record.EndedAt == nil && js.record.StartedAt.Add(stuckRetention).Before(now):
			b.logger.Warn("reaping stuck job", slog.String("job_id", id))
			delete(b.jobs, id)
		}
	}
}
