// Package scan streams uploads through ClamAV before they are staged.
package scan

import (
	"errors"
	"fmt"
	"io"

	clamd "github.com/dutchcoders/go-clamd"
)

// ErrMalicious is returned when ClamAV flags the upload.
var ErrMalicious = errors.New("malicious file detected")

// Scanner checks upload streams against a clamd daemon.
type Scanner struct {
	addr string
}

// NewScanner returns a scanner talking to the given clamd address
// (e.g. tcp://localhost:3310).
func NewScanner(addr string) *Scanner {
	return &Scanner{addr: addr}
}

// Scan streams r through clamd. Returns ErrMalicious on a positive result.
func (s *Scanner) Scan(r io.Reader) error {
	client := clamd.NewClamd(s.addr)

	abort := make(chan bool)
	defer close(abort)

	results, err := client.ScanStream(r, abort)
	if err != nil {
		return fmt.Errorf("scan stream: %w", err)
	}

	for result := range results {
		if result.Status != clamd.RES_OK {
			return ErrMalicious
		}
	}
	return nil
}
