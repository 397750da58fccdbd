// Package client implements the reattachment protocol: a submission is
// fingerprinted, persisted job references are resumed on the next run, and
// progress streaming falls back to polling without ever re-uploading.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Whateverdoa/SHEETBUILDER-2/internal/fingerprint"
	"github.com/Whateverdoa/SHEETBUILDER-2/internal/progress"
)

const defaultPollInterval = 3 * time.Second

// ErrJobFailed wraps the server-side failure message.
var ErrJobFailed = errors.New("job failed")

// Client talks to a sheetbuilder server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	store      JobStore
	logger     *slog.Logger

	// PollInterval is the status polling cadence once streaming is
	// unavailable.
	PollInterval time.Duration

	// OnProgress, when set, observes every progress event.
	OnProgress func(progress.Event)

	group singleflight.Group
}

// New constructs a client. store may be nil, in which case reattachment
// state lives only for the client's lifetime.
func New(baseURL string, store JobStore, logger *slog.Logger) *Client {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{},
		store:        store,
		logger:       logger,
		PollInterval: defaultPollInterval,
	}
}

// ProcessFile submits a PDF from disk and blocks until a terminal outcome.
func (c *Client) ProcessFile(ctx context.Context, path string, rotation int, order string) (progress.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return progress.Result{}, fmt.Errorf("stat upload: %w", err)
	}

	open := func() (io.ReadCloser, error) { return os.Open(path) }
	return c.Process(ctx, filepath.Base(path), info.Size(), rotation, order, open)
}

// Process resolves or submits one upload. Two simultaneous calls with the
// same fingerprint coalesce onto one in-flight operation.
func (c *Client) Process(ctx context.Context, fileName string, sizeBytes int64, rotation int, order string, open func() (io.ReadCloser, error)) (progress.Result, error) {
	fp := fingerprint.New(fileName, sizeBytes, rotation, order)
	digest := fp.Digest()

	v, err, _ := c.group.Do(digest, func() (any, error) {
		return c.process(ctx, fp, digest, open)
	})
	if err != nil {
		return progress.Result{}, err
	}
	return v.(progress.Result), nil
}

func (c *Client) process(ctx context.Context, fp fingerprint.Fingerprint, digest string, open func() (io.ReadCloser, error)) (progress.Result, error) {
	key := storeKeyPrefix + digest
	now := time.Now()

	if entry, ok := c.store.Get(key); ok {
		if entry.stale(now) {
			c.store.Delete(key)
		} else if result, resumed, err := c.tryResume(ctx, key, entry); resumed {
			return result, err
		}
	}

	jobID, result, err := c.submit(ctx, fp, open)
	if err != nil {
		return progress.Result{}, err
	}
	if result != nil {
		// Cached duplicate: the server embedded the prior result.
		c.persist(key, jobID, "completed")
		return *result, nil
	}

	c.persist(key, jobID, "processing")
	return c.follow(ctx, key, jobID)
}

// tryResume checks a persisted job reference before considering an upload.
// resumed is false only when the reference is dead and a fresh upload is the
// right move.
func (c *Client) tryResume(ctx context.Context, key string, entry Entry) (progress.Result, bool, error) {
	status, err := c.fetchStatus(ctx, entry.JobID)
	if err != nil {
		if errors.Is(err, errStatusNotFound) {
			c.store.Delete(key)
			return progress.Result{}, false, nil
		}
		return progress.Result{}, true, err
	}

	switch {
	case status.Stage == progress.StageCompleted && status.Result != nil:
		c.logger.Info("reattached to completed job", slog.String("job_id", entry.JobID))
		c.persist(key, entry.JobID, "completed")
		return *status.Result, true, nil
	case status.Stage == progress.StageFailed:
		c.store.Delete(key)
		return progress.Result{}, false, nil
	default:
		c.logger.Info("reattached to running job", slog.String("job_id", entry.JobID))
		result, err := c.follow(ctx, key, entry.JobID)
		return result, true, err
	}
}

type submitResponse struct {
	Success     bool             `json:"success"`
	JobID       string           `json:"jobId"`
	DuplicateOf bool             `json:"duplicateOf"`
	Result      *progress.Result `json:"result"`
	Message     string           `json:"message"`
}

// submit uploads via the asynchronous endpoint.
func (c *Client) submit(ctx context.Context, fp fingerprint.Fingerprint, open func() (io.ReadCloser, error)) (string, *progress.Result, error) {
	body, contentType, err := c.multipartBody(fp, open)
	if err != nil {
		return "", nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pdf/process-with-progress", body)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("submit upload: %w", err)
	}
	defer resp.Body.Close()

	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", nil, fmt.Errorf("decode submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !parsed.Success {
		return "", nil, fmt.Errorf("submit rejected: %s", parsed.Message)
	}

	if parsed.DuplicateOf && parsed.Result != nil {
		return parsed.JobID, parsed.Result, nil
	}
	return parsed.JobID, nil, nil
}

func (c *Client) multipartBody(fp fingerprint.Fingerprint, open func() (io.ReadCloser, error)) (io.Reader, string, error) {
	reader, err := open()
	if err != nil {
		return nil, "", fmt.Errorf("open upload: %w", err)
	}
	defer reader.Close()

	var buf strings.Builder
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("pdfFile", fp.FileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, reader); err != nil {
		return nil, "", fmt.Errorf("buffer upload: %w", err)
	}
	if err := writer.WriteField("rotationAngle", strconv.Itoa(fp.Rotation)); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("order", fp.Order); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return strings.NewReader(buf.String()), writer.FormDataContentType(), nil
}

// follow watches a job to its terminal state: streaming first, polling as
// soon as the stream misbehaves. It never re-uploads.
func (c *Client) follow(ctx context.Context, key, jobID string) (progress.Result, error) {
	terminal, streamErr := c.followStream(ctx, jobID)
	if streamErr != nil {
		c.logger.Info("stream unavailable, polling instead",
			slog.String("job_id", jobID),
			slog.Any("error", streamErr),
		)
	}

	if !terminal && streamErr == nil {
		// Stream closed quietly (wait timeout); polling picks it up.
		c.logger.Debug("stream closed before terminal event", slog.String("job_id", jobID))
	}

	return c.awaitTerminalStatus(ctx, key, jobID)
}

// followStream consumes the SSE stream until the terminal event or an error.
// terminal reports whether a terminal event was observed.
func (c *Client) followStream(ctx context.Context, jobID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/pdf/progress/"+jobID, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, found := strings.CutPrefix(line, "data: ")
		if !found {
			continue
		}

		var evt progress.Event
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return false, fmt.Errorf("unparseable event: %w", err)
		}

		if c.OnProgress != nil {
			c.OnProgress(evt)
		}
		if evt.Stage.IsTerminal() {
			return true, nil
		}
	}
	return false, scanner.Err()
}

// awaitTerminalStatus polls the status endpoint until the job is terminal.
func (c *Client) awaitTerminalStatus(ctx context.Context, key, jobID string) (progress.Result, error) {
	for {
		status, err := c.fetchStatus(ctx, jobID)
		if err != nil {
			if errors.Is(err, errStatusNotFound) {
				c.store.Delete(key)
				return progress.Result{}, fmt.Errorf("job %s disappeared", jobID)
			}
			return progress.Result{}, err
		}

		switch status.Stage {
		case progress.StageCompleted:
			c.persist(key, jobID, "completed")
			if status.Result == nil {
				return progress.Result{}, fmt.Errorf("completed job %s has no result", jobID)
			}
			return *status.Result, nil
		case progress.StageFailed:
			c.store.Delete(key)
			return progress.Result{}, fmt.Errorf("%w: %s", ErrJobFailed, status.Error)
		}

		if c.OnProgress != nil && status.Progress != nil {
			c.OnProgress(*status.Progress)
		}

		select {
		case <-ctx.Done():
			return progress.Result{}, ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
}

var errStatusNotFound = errors.New("status not found")

type statusResponse struct {
	Success  bool             `json:"success"`
	JobID    string           `json:"jobId"`
	Stage    progress.Stage   `json:"stage"`
	Progress *progress.Event  `json:"progress"`
	Result   *progress.Result `json:"result"`
	Error    string           `json:"error"`
}

func (c *Client) fetchStatus(ctx context.Context, jobID string) (*statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/pdf/status/"+jobID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, errStatusNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status returned %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

// Download fetches a finished output document to the given path.
func (c *Client) Download(ctx context.Context, downloadPath, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+downloadPath, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write destination: %w", err)
	}
	return nil
}

func (c *Client) persist(key, jobID, status string) {
	c.store.Put(key, Entry{
		JobID:     jobID,
		Status:    status,
		UpdatedAt: time.Now().UnixMilli(),
	})
}
