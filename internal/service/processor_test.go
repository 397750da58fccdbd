package service

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Whateverdoa/SHEETBUILDER-2/internal/config"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/progress"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/registry"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/sheet"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/storage"
)

// fakeRunner stands in for the composition worker so the control flow can be
// tested without real PDF input.
type fakeRunner struct {
	mu      sync.Mutex
	delay   time.Duration
	err     error
	runs    int
	removes bool
}

func (f *fakeRunner) Run(req sheet.Request) (progress.Result, error) {
	f.mu.Lock()
	f.runs++
	err := f.err
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.removes {
		os.Remove(req.SourcePath)
	}
	if err != nil {
		return progress.Result{}, err
	}
	return progress.Result{
		Success:        true,
		Message:        "Processing completed successfully",
		OutputFileName: "out_A" + req.Order + ".pdf",
		DownloadPath:   "/api/pdf/download/out.pdf",
		InputPages:     3,
		OutputPages:    1,
	}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func newTestProcessor(t *testing.T, runner CompositionRunner) *Processor {
	t.Helper()

	cfg := config.ReliabilityConfig{
		EnforceProgressForLarge: true,
		LargeFileThresholdMb:    200,
		IdempotencyActive:       true,
		RecentResultTtlMinutes:  30,
	}
	reg := registry.New(cfg, nil)
	t.Cleanup(reg.Close)

	broker := progress.NewBroker(nil)
	t.Cleanup(broker.Close)

	store, err := storage.NewClient(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return NewProcessor(reg, broker, store, runner, nil)
}

func submission(body string) Submission {
	return Submission{
		FileName:  "report.pdf",
		SizeBytes: int64(len(body)),
		Rotation:  180,
		Order:     "Rev",
		Body:      strings.NewReader(body),
	}
}

func waitTerminal(t *testing.T, p *Processor, jobID string) progress.JobRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, ok := p.Broker().GetStatus(jobID)
		require.True(t, ok)
		if record.IsTerminal() {
			return record
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal stage")
	return progress.JobRecord{}
}

func TestSubmitAsyncReturnsImmediatelyAndCompletes(t *testing.T) {
	runner := &fakeRunner{removes: true}
	p := newTestProcessor(t, runner)

	outcome, err := p.SubmitAsync(submission("%PDF-1.4"))
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.JobID)
	assert.False(t, outcome.Duplicate)

	record := waitTerminal(t, p, outcome.JobID)
	assert.Equal(t, progress.StageCompleted, record.Stage)
	require.NotNil(t, record.Result)
	assert.Equal(t, 3, record.Result.InputPages)
	assert.Equal(t, int64(1), p.Spawned())
}

func TestSubmitAsyncValidatesRotation(t *testing.T) {
	p := newTestProcessor(t, &fakeRunner{})

	sub := submission("x")
	sub.Rotation = 361
	_, err := p.SubmitAsync(sub)

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Equal(t, int64(0), p.Spawned())
}

func TestConcurrentEquivalentSubmissionsSpawnOnce(t *testing.T) {
	runner := &fakeRunner{delay: 200 * time.Millisecond, removes: true}
	p := newTestProcessor(t, runner)

	const n = 8
	var wg sync.WaitGroup
	jobIDs := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := p.SubmitAsync(submission("%PDF-1.4"))
			require.NoError(t, err)
			jobIDs[i] = outcome.JobID
		}(i)
	}
	wg.Wait()

	for _, id := range jobIDs[1:] {
		assert.Equal(t, jobIDs[0], id, "all submissions must attach to one job")
	}
	waitTerminal(t, p, jobIDs[0])
	assert.Equal(t, 1, runner.count())
	assert.Equal(t, int64(1), p.Spawned())
}

func TestDuplicateAfterCompletionReturnsCachedResult(t *testing.T) {
	runner := &fakeRunner{removes: true}
	p := newTestProcessor(t, runner)

	first, err := p.SubmitAsync(submission("%PDF-1.4"))
	require.NoError(t, err)
	waitTerminal(t, p, first.JobID)

	second, err := p.SubmitAsync(submission("%PDF-1.4"))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.JobID, second.JobID)
	require.NotNil(t, second.Result)
	assert.True(t, second.Result.Success)
	assert.Equal(t, 1, runner.count())
}

func TestFailedCompositionReportsAndAllowsRetry(t *testing.T) {
	runner := &fakeRunner{err: errors.New("page 1 is too tall"), removes: true}
	p := newTestProcessor(t, runner)

	outcome, err := p.SubmitAsync(submission("%PDF-1.4"))
	require.NoError(t, err)

	record := waitTerminal(t, p, outcome.JobID)
	assert.Equal(t, progress.StageFailed, record.Stage)
	assert.Contains(t, record.ErrorMessage, "too tall")
	assert.Nil(t, record.Result)

	// A failed fingerprint is not cached; the retry gets a fresh job.
	runner.mu.Lock()
	runner.err = nil
	runner.mu.Unlock()

	retry, err := p.SubmitAsync(submission("%PDF-1.4"))
	require.NoError(t, err)
	assert.False(t, retry.Duplicate)
	assert.NotEqual(t, outcome.JobID, retry.JobID)

	record = waitTerminal(t, p, retry.JobID)
	assert.Equal(t, progress.StageCompleted, record.Stage)
}

func TestProcessSyncReturnsResultInline(t *testing.T) {
	runner := &fakeRunner{removes: true}
	p := newTestProcessor(t, runner)

	result, err := p.ProcessSync(submission("%PDF-1.4"))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, runner.count())
}

func TestProcessSyncConflictsWithRunningJob(t *testing.T) {
	runner := &fakeRunner{delay: 300 * time.Millisecond, removes: true}
	p := newTestProcessor(t, runner)

	first, err := p.SubmitAsync(submission("%PDF-1.4"))
	require.NoError(t, err)

	_, err = p.ProcessSync(submission("%PDF-1.4"))
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	waitTerminal(t, p, first.JobID)
}
