// Package fingerprint derives a deterministic identity for an upload so that
// equivalent submissions can be deduplicated.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Page order values. Anything that upper-cases to "REV" is reversed; all
// other inputs normalize to OrderNorm.
const (
	OrderNorm = "NORM"
	OrderRev  = "REV"
)

// Fingerprint identifies an upload by the fields that affect its output.
type Fingerprint struct {
	FileName  string
	SizeBytes int64
	Rotation  int
	Order     string
}

// New normalizes raw request inputs into a Fingerprint.
func New(fileName string, sizeBytes int64, rotation int, order string) Fingerprint {
	return Fingerprint{
		FileName:  strings.TrimSpace(fileName),
		SizeBytes: sizeBytes,
		Rotation:  rotation,
		Order:     NormalizeOrder(order),
	}
}

// NormalizeOrder maps any spelling of the order field onto OrderNorm/OrderRev.
func NormalizeOrder(order string) string {
	if strings.ToUpper(strings.TrimSpace(order)) == OrderRev {
		return OrderRev
	}
	return OrderNorm
}

// Digest returns the hex-encoded sha256 of the canonical serialization.
// The digest, not the canonical string, is the registry key so that key
// size stays bounded regardless of the file name.
func (f Fingerprint) Digest() string {
	canonical := fmt.Sprintf("%s\n%d\n%d\n%s", f.FileName, f.SizeBytes, f.Rotation, f.Order)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Reversed reports whether the whole document should be reversed before packing.
func (f Fingerprint) Reversed() bool {
	return f.Order == OrderRev
}
