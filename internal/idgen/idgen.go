// Package idgen derives the deterministic, stable public ids assigned to
// resources in the hierarchy. Two implementations given identical DICOM
// input must produce identical public ids, so the algorithm
// here is fixed: SHA-1 over the per-level identifier tuple, truncated and
// formatted as a lowercase hyphenated hex UUID.
package idgen

import (
	"crypto/sha1" //nolint:gosec // deterministic identifier derivation, not a security boundary
	"fmt"
	"strings"
)

// PublicID derives a deterministic, stable public id from the ordered
// identifier components of a single hierarchy level (e.g. for Series:
// PatientID, StudyInstanceUID, SeriesInstanceUID). The same components
// always yield the same id, and distinct component tuples practically
// never collide.
func PublicID(components ...string) string {
	content := strings.Join(components, "|")
	sum := sha1.Sum([]byte(content)) //nolint:gosec
	return formatUUID(sum[:16])
}

// formatUUID renders 16 bytes as a lowercase, four-dash-separated hex UUID
// of the shape 8-4-4-4-12.
func formatUUID(b []byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
