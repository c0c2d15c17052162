package common

import (
	"strings"

	"github.com/google/uuid"
)

// NewJobID generates a compact job identifier with the "job_" prefix.
// Format: job_<12 hex chars>
func NewJobID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "job_" + hex[:12]
}
