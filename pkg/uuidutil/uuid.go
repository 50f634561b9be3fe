// Package uuidutil generates identifiers used to correlate the log lines,
// metrics and history records of one relocation run.
package uuidutil

import (
	"github.com/google/uuid"
)

// NewV4 generates a random UUID v4 string.
// Panics if the random source fails, which only happens on a broken system.
func NewV4() string {
	return uuid.Must(uuid.NewRandom()).String()
}

// Short returns the first block of a UUID string, for compact log output.
func Short(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}
