package id

import (
	"strings"

	"github.com/google/uuid"
)

const jobPrefix = "job_"

// NewJobID returns "job_" followed by 12 lowercase hex characters taken
// from a random UUID.
func NewJobID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return jobPrefix + hex[:12]
}
