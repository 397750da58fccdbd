// Package storage stages uploads and serves finished outputs from a local
// directory under the web root.
package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no stored file matches a requested name.
var ErrNotFound = errors.New("file not found")

// Client reads and writes the uploads directory.
type Client struct {
	dir    string
	logger *slog.Logger
	stop   chan struct{}
}

// NewClient ensures the uploads directory exists.
func NewClient(dir string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads directory: %w", err)
	}
	return &Client{dir: dir, logger: logger, stop: make(chan struct{})}, nil
}

// Dir returns the uploads directory path.
func (c *Client) Dir() string {
	return c.dir
}

// SaveUpload streams an upload to disk as `<guid>_<original>` and returns
// the stored path.
func (c *Client) SaveUpload(r io.Reader, originalName string) (string, error) {
	name, err := CleanFileName(originalName)
	if err != nil {
		return "", err
	}

	path := filepath.Join(c.dir, uuid.NewString()+"_"+name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create staged upload: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write staged upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close staged upload: %w", err)
	}
	return path, nil
}

// CleanFileName rejects names that could escape the uploads directory.
func CleanFileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return name, nil
}

// Resolve maps a requested download name to a stored path. An exact match
// wins; otherwise a bare clean name is resolved by searching for
// `*_<name>`, most recent first.
func (c *Client) Resolve(fileName string) (string, error) {
	name, err := CleanFileName(fileName)
	if err != nil {
		return "", err
	}

	exact := filepath.Join(c.dir, name)
	if _, err := os.Stat(exact); err == nil {
		return exact, nil
	}

	matches, err := filepath.Glob(filepath.Join(c.dir, "*_"+name))
	if err != nil {
		return "", fmt.Errorf("search uploads: %w", err)
	}

	var newest string
	var newestMod time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = m
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return "", ErrNotFound
	}
	return newest, nil
}

// Remove deletes a stored file by resolved path.
func (c *Client) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// StartCleanup sweeps aged files until Close is called.
func (c *Client) StartCleanup(maxAge time.Duration, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.CleanupAged(maxAge)
			}
		}
	}()
}

// CleanupAged removes files whose modification time is older than maxAge.
func (c *Client) CleanupAged(maxAge time.Duration) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Warn("read uploads directory", slog.Any("error", err))
		return
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(c.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				c.logger.Warn("remove aged file", slog.String("path", path), slog.Any("error", err))
				continue
			}
			c.logger.Info("removed aged file", slog.String("path", path))
		}
	}
}

// Close stops the cleanup sweep.
func (c *Client) Close() {
	close(c.stop)
}
