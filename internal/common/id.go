package common

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewJobID generates a unique job ID with the given prefix.
// Format: <prefix>-<YYYYMMDD-HHMMSS>-<8-hex>
func NewJobID(prefix string) string {
	if prefix == "" {
		prefix = "job"
	}
	timestamp := time.Now().Format("20060102-150405")
	short := uuid.New().String()[:8]
	return fmt.Sprintf("%s-%s-%s", prefix, timestamp, short)
}
